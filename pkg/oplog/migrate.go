package oplog

import (
	"encoding/json"
	"fmt"
)

// MigrateFunc upgrades one method's argument payload from version N to
// version N+1. Registered migrators form a chain; CreateAndExecute walks it
// forward from the payload's implicit version 1 up to the target version a
// given server build expects, so an old client's request (or a replayed
// op written by an old server) still decodes correctly.
type MigrateFunc func(args json.RawMessage) (json.RawMessage, error)

// RegisterMigration appends a migration step for method. Register steps in
// order: the first call registers the 1->2 step, the second 2->3, and so
// on.
func (l *Log) RegisterMigration(method string, fn MigrateFunc) {
	l.migrators[method] = append(l.migrators[method], fn)
}

// Migrate applies method's registered migration chain to args, assumed to
// be at version 1, until it reaches targetVersion. targetVersion <= 1
// returns args unchanged.
func (l *Log) Migrate(method string, args json.RawMessage, targetVersion int) (json.RawMessage, error) {
	if targetVersion <= 1 {
		return args, nil
	}
	steps := l.migrators[method]
	needed := targetVersion - 1
	if needed > len(steps) {
		return nil, fmt.Errorf("oplog: %q has no migration past version %d (need %d)", method, len(steps)+1, targetVersion)
	}
	current := args
	for i := 0; i < needed; i++ {
		next, err := steps[i](current)
		if err != nil {
			return nil, fmt.Errorf("oplog: migrate %q step %d->%d: %w", method, i+1, i+2, err)
		}
		current = next
	}
	return current, nil
}
