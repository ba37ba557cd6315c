package commands

import (
	"fmt"

	"github.com/viewfinder/oppipeline/cmd/opctl/cmdutil"
	"github.com/viewfinder/oppipeline/pkg/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample operation-pipeline configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/oppipeline/config.yaml. Use --config to specify a
custom path.

Examples:
  # Initialize with default location
  opctl init

  # Initialize with custom path
  opctl init --config /etc/oppipeline/config.yaml

  # Force overwrite existing config
  opctl init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := cmdutil.Flags.ConfigFile

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to select a KV store backend")
	fmt.Printf("  2. Inspect quarantined operations with: opctl quarantine list --config %s\n", configPath)

	return nil
}
