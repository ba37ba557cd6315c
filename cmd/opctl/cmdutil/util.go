// Package cmdutil provides shared utilities for opctl commands: the
// global flag values every subcommand reads, a pipeline constructor that
// loads configuration and wires the store/log/scheduler once, and an
// output helper that renders a result as a table, JSON, or YAML.
package cmdutil

import (
	"context"
	"fmt"
	"io"

	"github.com/viewfinder/oppipeline/internal/cli/output"
	"github.com/viewfinder/oppipeline/internal/logger"
	"github.com/viewfinder/oppipeline/pkg/config"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ConfigFile string
	Output     string
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// LoadConfig loads the operation-pipeline configuration from the
// configured path, falling back to the default location.
func LoadConfig() (*config.Config, error) {
	return config.MustLoad(Flags.ConfigFile)
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// OpenPipeline loads configuration, initializes logging, and builds the
// full operation pipeline (store, lock manager, notification manager,
// operation log, scheduler). Subcommands that only inspect state should
// not call Pipeline.OpManager.StartSweepers; commands that force a sweep
// call the *Once methods directly instead of starting the periodic loop.
func OpenPipeline(ctx context.Context) (*config.Pipeline, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}
	return config.BuildPipeline(ctx, cfg)
}

// PrintOutput renders data as a table (via tableRenderer), JSON, or YAML
// depending on the configured output format, printing emptyMsg instead of
// an empty table when isEmpty is true.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}
