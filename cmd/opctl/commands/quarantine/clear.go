package quarantine

import (
	"context"
	"fmt"

	"github.com/viewfinder/oppipeline/cmd/opctl/cmdutil"
	"github.com/spf13/cobra"
)

var (
	clearUserID int64
	clearOpID   string
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear a quarantined operation so the scheduler retries it",
	Long: `Reset a quarantined operation's attempts and backoff to zero so the
scheduler selects it again the next time its user's queue drains. It does
not clear whatever underlying condition caused the operation to keep
failing; an operator should understand why it was quarantined first.

Examples:
  opctl quarantine clear --user 42 --op o0000000000000000003:0000000000000000017`,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().Int64Var(&clearUserID, "user", 0, "user id the operation belongs to")
	clearCmd.Flags().StringVar(&clearOpID, "op", "", "operation id to clear")
	_ = clearCmd.MarkFlagRequired("user")
	_ = clearCmd.MarkFlagRequired("op")
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := cmdutil.OpenPipeline(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if err := p.Log.ClearQuarantine(ctx, clearUserID, clearOpID); err != nil {
		return fmt.Errorf("clear quarantine: %w", err)
	}

	fmt.Printf("Cleared quarantine for user %d operation %s\n", clearUserID, clearOpID)
	return nil
}
