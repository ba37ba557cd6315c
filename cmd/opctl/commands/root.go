// Package commands implements the CLI commands for opctl, the operation
// pipeline's operator tool.
package commands

import (
	"os"

	"github.com/viewfinder/oppipeline/cmd/opctl/cmdutil"
	dumpcmd "github.com/viewfinder/oppipeline/cmd/opctl/commands/dump"
	quarantinecmd "github.com/viewfinder/oppipeline/cmd/opctl/commands/quarantine"
	sweepcmd "github.com/viewfinder/oppipeline/cmd/opctl/commands/sweep"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "opctl",
	Short: "opctl - operation pipeline operator tool",
	Long: `opctl inspects and operates on a running operation pipeline's durable
state directly through its configured KV store: quarantined operations,
abandoned locks, and pending sweeps.

Use "opctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cmdutil.Flags.ConfigFile, _ = cmd.Flags().GetString("config")
		cmdutil.Flags.Output, _ = cmd.Flags().GetString("output")
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: $XDG_CONFIG_HOME/oppipeline/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format (table|json|yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(quarantinecmd.Cmd)
	rootCmd.AddCommand(sweepcmd.Cmd)
	rootCmd.AddCommand(dumpcmd.Cmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
