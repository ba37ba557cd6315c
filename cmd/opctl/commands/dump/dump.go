// Package dump implements opctl's raw row inspection commands.
package dump

import (
	"github.com/spf13/cobra"
)

// Cmd is the parent command for dumping raw operation and lock rows.
var Cmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump raw operation or lock rows",
	Long: `Dump the full contents of the operations or locks table, regardless
of state. Intended for debugging a pipeline directly against its store.

Examples:
  opctl dump ops
  opctl dump locks`,
}

func init() {
	Cmd.AddCommand(opsCmd)
	Cmd.AddCommand(locksCmd)
}
