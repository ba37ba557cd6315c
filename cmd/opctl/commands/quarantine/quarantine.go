// Package quarantine implements opctl's quarantine inspection commands.
package quarantine

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for quarantine inspection and recovery.
var Cmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and clear quarantined operations",
	Long: `Operations that exhaust the configured retry threshold are marked
quarantined and the scheduler stops retrying them until an operator
clears them.

Examples:
  # List quarantined operations
  opctl quarantine list

  # Clear a specific operation so the scheduler retries it
  opctl quarantine clear --user 42 --op o0000000000000000003:0000000000000000017`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(clearCmd)
}
