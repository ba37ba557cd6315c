package dump

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/viewfinder/oppipeline/cmd/opctl/cmdutil"
	"github.com/viewfinder/oppipeline/pkg/lock"
	"github.com/spf13/cobra"
)

var locksLimit int

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Dump every lock row",
	Long: `List every row in the locks table regardless of expiration or
acquire-failure count.

Examples:
  opctl dump locks
  opctl dump locks -o json`,
	RunE: runDumpLocks,
}

func init() {
	locksCmd.Flags().IntVar(&locksLimit, "limit", 1000, "maximum number of rows to list")
}

type lockRows []lock.LockRow

func (l lockRows) Headers() []string {
	return []string{"RESOURCE TYPE", "RESOURCE ID", "OWNER", "EXPIRATION", "ACQUIRE FAILURES"}
}

func (l lockRows) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, row := range l {
		exp := "-"
		if row.Expiration > 0 {
			exp = time.Unix(row.Expiration, 0).Format(time.RFC3339)
		}
		rows = append(rows, []string{
			row.ResourceType,
			row.ResourceID,
			row.OwnerID,
			exp,
			strconv.FormatInt(row.AcquireFailures, 10),
		})
	}
	return rows
}

func runDumpLocks(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := cmdutil.OpenPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	var locks lockRows
	var startKey string
	for len(locks) < locksLimit {
		page, cursor, err := p.LockMgr.ScanAll(ctx, pageSize(locksLimit-len(locks)), startKey)
		if err != nil {
			return fmt.Errorf("scan locks: %w", err)
		}
		locks = append(locks, page...)
		if cursor == "" {
			break
		}
		startKey = cursor
	}

	return cmdutil.PrintOutput(os.Stdout, locks, len(locks) == 0, "No locks.", locks)
}

func pageSize(remaining int) int {
	if remaining > 100 {
		return 100
	}
	if remaining <= 0 {
		return 1
	}
	return remaining
}
