package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Fralo/trento-tree-detection/internal/config"
	"github.com/Fralo/trento-tree-detection/internal/logging"
)

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

// NewRootCmd creates the root Cobra command for the tileconv CLI.
// It loads configuration, wires up logging, and registers the convert, fetch
// and config subcommands.
func NewRootCmd(ver string) *cobra.Command {
	return NewRootCmdWithArgs(ver, os.LookupEnv)
}

// NewRootCmdWithArgs creates the root command with an explicit env lookup for
// testability.
func NewRootCmdWithArgs(ver string, lookupEnv func(string) (string, bool)) *cobra.Command {
	var logResult *logging.LogPathResult

	cmd := &cobra.Command{
		Use:     "tileconv",
		Short:   "Batch GeoTIFF tile converter",
		Long:    "tileconv: download GeoTIFF tiles from a WMS service and convert directories of them to PNG with a bounded pool of converter processes",
		Version: ver,
		Example: rootCmdExample,
		// main prints the error and chooses the exit status.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, lookupEnv)
			if err != nil {
				return err
			}
			config.SetGlobalConfig(cfg)

			result := setupLogging(cmd, cfg)
			logResult = &result
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return cleanupLogging(logResult)
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("config", "", "overlay configuration file (replaces whole sections of the global config)")
	cmd.AddCommand(NewConvertCmd(), NewFetchCmd(), newConfigCmd())

	return cmd
}

// tolerateInvalidConfig marks commands that must run even when the global
// config file cannot be loaded.
const tolerateInvalidConfig = "tileconv/tolerate-invalid-config"

// loadConfig builds the effective configuration: global file, then the
// --config overlay, then environment variables.
//
// Commands annotated with tolerateInvalidConfig (config init) fall back to the
// defaults when the global file is invalid, so the file can be rewritten.
func loadConfig(cmd *cobra.Command, lookupEnv func(string) (string, bool)) (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		if _, ok := cmd.Annotations[tolerateInvalidConfig]; !ok {
			return nil, err
		}
		cmd.PrintErrf("Warning: %v\n", err)
		cfg = config.Default()
	}

	if overlay, _ := cmd.Flags().GetString("config"); overlay != "" {
		if err = config.ShallowMergeYAML(cfg, overlay); err != nil {
			return nil, fmt.Errorf("loading config overlay: %w", err)
		}
	}

	if err = cfg.ApplyEnv(lookupEnv); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

const rootCmdExample = `  # Convert every .tif/.tiff tile in ./tiles into ./tiles_png
  tileconv convert ./tiles

  # Convert into an explicit directory with 4 parallel converters
  tileconv convert ./tiles ./png 4

  # Use a specific converter executable
  tileconv convert ./tiles --converter /opt/gdal/bin/tif2png

  # Show what would be converted
  tileconv convert ./tiles --dry-run

  # Download the tiles of an area from the WMS service
  tileconv fetch ./tiles --start 674048.64,4852250.78 --end 675960.26,4853751.03

  # Write a default configuration file
  tileconv config init`

// newConfigCmd creates the config command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration management commands"}
	cmd.AddCommand(NewConfigInitCmd(), NewConfigShowCmd(), NewConfigValidateCmd())
	return cmd
}
