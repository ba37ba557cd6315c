package quarantine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/viewfinder/oppipeline/cmd/opctl/cmdutil"
	"github.com/viewfinder/oppipeline/pkg/oplog"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined operations",
	Long: `List every operation the scheduler has marked quarantine=true.

Examples:
  # List quarantined operations as a table
  opctl quarantine list

  # List as JSON
  opctl quarantine list -o json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 1000, "maximum number of rows to list")
}

// opList renders a set of quarantined operations as a table.
type opList []*oplog.Operation

func (l opList) Headers() []string {
	return []string{"USER", "OP ID", "METHOD", "ATTEMPTS", "BACKOFF"}
}

func (l opList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, op := range l {
		backoff := "-"
		if op.Backoff > 0 {
			backoff = time.Unix(op.Backoff, 0).Format(time.RFC3339)
		}
		rows = append(rows, []string{
			strconv.FormatInt(op.UserID, 10),
			op.OperationID,
			op.Method,
			strconv.Itoa(op.Attempts),
			backoff,
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := cmdutil.OpenPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	var ops opList
	var startKey string
	for len(ops) < listLimit {
		page, cursor, err := p.Log.ScanQuarantined(ctx, pageSize(listLimit-len(ops)), startKey)
		if err != nil {
			return fmt.Errorf("scan quarantined operations: %w", err)
		}
		ops = append(ops, page...)
		if cursor == "" {
			break
		}
		startKey = cursor
	}

	return cmdutil.PrintOutput(os.Stdout, ops, len(ops) == 0, "No quarantined operations.", ops)
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
