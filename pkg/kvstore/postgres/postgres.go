// Package postgres implements kvstore.Store on PostgreSQL via pgx, for
// multi-node deployments where the kv store must be shared across servers.
// Every logical table (operations, locks, notifications, ...) is folded
// into one physical "kv_rows" table keyed by (tbl, hash_key, range_key);
// conditional writes read the row with SELECT ... FOR UPDATE, check the
// ExpectedValue preconditions in Go, then UPDATE an existing row or
// INSERT ... ON CONFLICT DO NOTHING an absent one (retrying when a
// concurrent insert wins), since ExpectedValue preconditions can reference
// arbitrary attributes that a single ON CONFLICT clause alone cannot
// express.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/golang-migrate/migrate/v4"
	pgx5migrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/kvstore"
)

// Config configures the PostgreSQL-backed store.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxConns is the maximum number of pooled connections. Zero uses
	// pgxpool's own default.
	MaxConns int32

	// MigrationsPath is the directory golang-migrate reads schema
	// migrations from. Empty skips running migrations, for callers that
	// manage schema out of band.
	MigrationsPath string
}

// Store implements kvstore.Store on a pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ kvstore.Store = (*Store)(nil)

// Open connects to PostgreSQL and, if cfg.MigrationsPath is set, applies
// any pending schema migrations before returning.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if cfg.MigrationsPath != "" {
		if err := runMigrations(cfg.DSN, cfg.MigrationsPath); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Store{pool: pool}, nil
}

// sourceURL accepts either a bare directory (tests pass a filesystem path)
// or a full golang-migrate source URL (config's default already carries the
// "file://" scheme) and returns a source URL either way.
func sourceURL(migrationsPath string) string {
	if strings.Contains(migrationsPath, "://") {
		return migrationsPath
	}
	return "file://" + migrationsPath
}

func runMigrations(dsn, migrationsPath string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open for migration: %w", err)
	}
	defer db.Close()

	driver, err := pgx5migrate.WithInstance(db, &pgx5migrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL(migrationsPath), "pgx5", driver)
	if err != nil {
		return fmt.Errorf("postgres: load migrations: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("postgres: run migrations: %w", err)
	}
	logger.Info("kvstore migrations applied", logger.KeyMethod, "postgres.Open")
	return nil
}

func checkExpected(row map[string]any, expected map[string]kvstore.ExpectedValue) bool {
	for attr, exp := range expected {
		val, exists := row[attr]
		if exp.Absent {
			if exists {
				return false
			}
			continue
		}
		if !exists || !valuesEqual(val, exp.Value) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func (s *Store) Put(ctx context.Context, table, key string, attrs map[string]any, expected map[string]kvstore.ExpectedValue) error {
	hashKey, rangeKey, ok := kvstore.DecodeKey(key)
	if !ok {
		return &kvstore.StoreError{Code: kvstore.ErrInvalidArgument, Message: "malformed key", Table: table, Key: key}
	}

	// An absent row has nothing for FOR UPDATE to lock, so a concurrent
	// creator can slip in between the select and the write. The insert uses
	// ON CONFLICT DO NOTHING to detect that; losing the race re-runs the
	// transaction, which then sees (and locks) the winner's row.
	for {
		raced, err := s.putOnce(ctx, table, key, hashKey, rangeKey, attrs, expected)
		if err != nil {
			return err
		}
		if !raced {
			return nil
		}
	}
}

func (s *Store) putOnce(ctx context.Context, table, key, hashKey, rangeKey string, attrs map[string]any, expected map[string]kvstore.ExpectedValue) (raced bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row, existed, err := selectForUpdate(ctx, tx, table, hashKey, rangeKey)
	if err != nil {
		return false, err
	}
	if !checkExpected(row, expected) {
		return false, kvstore.NewConditionFailedError(table, key)
	}

	for k, v := range attrs {
		row[k] = v
	}
	data, err := json.Marshal(row)
	if err != nil {
		return false, fmt.Errorf("postgres: encode row: %w", err)
	}

	if existed {
		_, err = tx.Exec(ctx, `
			UPDATE kv_rows SET attrs = $4 WHERE tbl = $1 AND hash_key = $2 AND range_key = $3
		`, table, hashKey, rangeKey, data)
		if err != nil {
			return false, fmt.Errorf("postgres: update %q/%q: %w", table, key, err)
		}
	} else {
		tag, execErr := tx.Exec(ctx, `
			INSERT INTO kv_rows (tbl, hash_key, range_key, attrs)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tbl, hash_key, range_key) DO NOTHING
		`, table, hashKey, rangeKey, data)
		if execErr != nil {
			return false, fmt.Errorf("postgres: insert %q/%q: %w", table, key, execErr)
		}
		if tag.RowsAffected() == 0 {
			return true, nil
		}
	}
	return false, tx.Commit(ctx)
}

func selectForUpdate(ctx context.Context, tx pgx.Tx, table, hashKey, rangeKey string) (map[string]any, bool, error) {
	var data []byte
	err := tx.QueryRow(ctx, `
		SELECT attrs FROM kv_rows WHERE tbl = $1 AND hash_key = $2 AND range_key = $3 FOR UPDATE
	`, table, hashKey, rangeKey).Scan(&data)
	if err == pgx.ErrNoRows {
		return make(map[string]any), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: select %q: %w", table, err)
	}
	row := make(map[string]any)
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false, fmt.Errorf("postgres: decode row: %w", err)
	}
	return row, true, nil
}

func (s *Store) Get(ctx context.Context, table, key string, out map[string]any) (bool, error) {
	hashKey, rangeKey, ok := kvstore.DecodeKey(key)
	if !ok {
		return false, &kvstore.StoreError{Code: kvstore.ErrInvalidArgument, Message: "malformed key", Table: table, Key: key}
	}

	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT attrs FROM kv_rows WHERE tbl = $1 AND hash_key = $2 AND range_key = $3
	`, table, hashKey, rangeKey).Scan(&data)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: get %q/%q: %w", table, key, err)
	}
	row := make(map[string]any)
	if err := json.Unmarshal(data, &row); err != nil {
		return false, fmt.Errorf("postgres: decode row: %w", err)
	}
	for k, v := range row {
		out[k] = v
	}
	return true, nil
}

func (s *Store) BatchGet(ctx context.Context, table string, keys []string) (map[string]map[string]any, error) {
	result := make(map[string]map[string]any)
	for _, key := range keys {
		row := make(map[string]any)
		found, err := s.Get(ctx, table, key, row)
		if err != nil {
			return nil, err
		}
		if found {
			result[key] = row
		}
	}
	return result, nil
}

func (s *Store) RangeQuery(ctx context.Context, table, hashKey string, opts kvstore.RangeOptions) ([]kvstore.Row, string, error) {
	order := "ASC"
	cmp := ">"
	if opts.Reverse {
		order = "DESC"
		cmp = "<"
	}

	query := fmt.Sprintf(`
		SELECT range_key, attrs FROM kv_rows
		WHERE tbl = $1 AND hash_key = $2
		  AND ($3 = '' OR range_key LIKE $3 || '%%')
		  AND ($4 = '' OR range_key %s $4)
		ORDER BY range_key %s
	`, cmp, order)
	args := []any{table, hashKey, opts.RangeKeyPrefix, opts.StartAfter}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit+1)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: range query %q: %w", table, err)
	}
	defer rows.Close()

	var result []kvstore.Row
	for rows.Next() {
		var rangeKey string
		var data []byte
		if err := rows.Scan(&rangeKey, &data); err != nil {
			return nil, "", fmt.Errorf("postgres: scan row: %w", err)
		}
		attrs := make(map[string]any)
		if err := json.Unmarshal(data, &attrs); err != nil {
			return nil, "", fmt.Errorf("postgres: decode row: %w", err)
		}
		result = append(result, kvstore.Row{HashKey: hashKey, RangeKey: rangeKey, Attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("postgres: range query %q: %w", table, err)
	}

	var cursor string
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
		cursor = result[len(result)-1].RangeKey
	}
	return result, cursor, nil
}

func (s *Store) Scan(ctx context.Context, table string, filter kvstore.ScanFilter, limit int, startKey string) ([]kvstore.Row, string, error) {
	query := `
		SELECT hash_key, range_key, attrs FROM kv_rows
		WHERE tbl = $1 AND ($2 = '' OR (hash_key || E'\x1f' || range_key) > $2)
		ORDER BY hash_key, range_key
	`
	rows, err := s.pool.Query(ctx, query, table, startKey)
	if err != nil {
		return nil, "", fmt.Errorf("postgres: scan %q: %w", table, err)
	}
	defer rows.Close()

	var result []kvstore.Row
	var cursor string
	for rows.Next() {
		var hashKey, rangeKey string
		var data []byte
		if err := rows.Scan(&hashKey, &rangeKey, &data); err != nil {
			return nil, "", fmt.Errorf("postgres: scan row: %w", err)
		}
		attrs := make(map[string]any)
		if err := json.Unmarshal(data, &attrs); err != nil {
			return nil, "", fmt.Errorf("postgres: decode row: %w", err)
		}
		if !matchesFilter(attrs, filter) {
			continue
		}
		result = append(result, kvstore.Row{HashKey: hashKey, RangeKey: rangeKey, Attrs: attrs})
		if limit > 0 && len(result) >= limit {
			cursor = kvstore.EncodeKey(hashKey, rangeKey)
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("postgres: scan %q: %w", table, err)
	}
	return result, cursor, nil
}

func matchesFilter(attrs map[string]any, filter kvstore.ScanFilter) bool {
	for attr, want := range filter.AttrEquals {
		if !valuesEqual(attrs[attr], want) {
			return false
		}
	}
	for attr, want := range filter.AttrLessOrEqual {
		got, ok := toFloat(attrs[attr])
		wantF, wantOk := toFloat(want)
		if !ok || !wantOk || got > wantF {
			return false
		}
	}
	return true
}

func (s *Store) Delete(ctx context.Context, table, key string, expected map[string]kvstore.ExpectedValue) error {
	hashKey, rangeKey, ok := kvstore.DecodeKey(key)
	if !ok {
		return &kvstore.StoreError{Code: kvstore.ErrInvalidArgument, Message: "malformed key", Table: table, Key: key}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row, _, err := selectForUpdate(ctx, tx, table, hashKey, rangeKey)
	if err != nil {
		return err
	}
	if !checkExpected(row, expected) {
		return kvstore.NewConditionFailedError(table, key)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM kv_rows WHERE tbl = $1 AND hash_key = $2 AND range_key = $3`, table, hashKey, rangeKey); err != nil {
		return fmt.Errorf("postgres: delete %q/%q: %w", table, key, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
