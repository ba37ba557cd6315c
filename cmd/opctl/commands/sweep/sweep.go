// Package sweep implements opctl's on-demand sweep commands.
package sweep

import (
	"context"
	"fmt"

	"github.com/viewfinder/oppipeline/cmd/opctl/cmdutil"
	"github.com/spf13/cobra"
)

// Cmd forces a single pass of the scheduler's background sweeps, without
// starting their periodic loop.
var Cmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the scheduler's sweeps once",
	Long: `Run a single pass of the failed-ops and abandoned-locks sweeps and
exit, without starting the periodic background loop a running pipeline
process keeps going.

Examples:
  # Run both sweeps once
  opctl sweep

  # Run only the failed-ops sweep
  opctl sweep --only failed-ops`,
	RunE: runSweep,
}

var sweepOnly string

func init() {
	Cmd.Flags().StringVar(&sweepOnly, "only", "", "run a single sweep: failed-ops or abandoned-locks (default: both)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := cmdutil.OpenPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	switch sweepOnly {
	case "":
		p.OpManager.SweepFailedOpsOnce(ctx)
		p.OpManager.SweepAbandonedLocksOnce(ctx)
	case "failed-ops":
		p.OpManager.SweepFailedOpsOnce(ctx)
	case "abandoned-locks":
		p.OpManager.SweepAbandonedLocksOnce(ctx)
	default:
		return fmt.Errorf("unknown sweep %q (valid: failed-ops, abandoned-locks)", sweepOnly)
	}

	fmt.Println("Sweep complete.")
	return nil
}
