package dump

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

var opsLimit int

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Dump every operation row",
	Long: `List every row in the operations table regardless of attempts,
backoff, or quarantine state.

Examples:
  opctl dump ops
  opctl dump ops -o json`,
	RunE: runDumpOps,
}

func init() {
	opsCmd.Flags().IntVar(&opsLimit, "limit", 1000, "maximum number of rows to list")
}

type opRows []*oplog.Operation

func (l opRows) Headers() []string {
	return []string{"USER", "OP ID", "METHOD", "ATTEMPTS", "BACKOFF", "QUARANTINE"}
}

func (l opRows) Rows() [][]string {
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
			strconv.FormatBool(op.Quarantine),
		})
	}
	return rows
}

func runDumpOps(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := cmdutil.OpenPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	var ops opRows
	var startKey string
	for len(ops) < opsLimit {
		page, cursor, err := p.Log.ScanAll(ctx, pageSize(opsLimit-len(ops)), startKey)
		if err != nil {
			return fmt.Errorf("scan operations: %w", err)
		}
		ops = append(ops, page...)
		if cursor == "" {
			break
		}
		startKey = cursor
	}

	return cmdutil.PrintOutput(os.Stdout, ops, len(ops) == 0, "No operations.", ops)
}
