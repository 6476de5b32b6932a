package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Fralo/trento-tree-detection/internal/config"
	"github.com/Fralo/trento-tree-detection/internal/converter"
)

// NewConfigValidateCmd creates the config validate command.
func NewConfigValidateCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validates the effective configuration for syntax and semantic correctness
and checks whether the configured converter can be found.

A missing converter is reported as a warning: the configuration itself is
valid, but convert will fail until the converter is installed.`,
		Example: `  # Validate current configuration
  tileconv config validate

  # Validate and show detailed information
  tileconv config validate --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigValidate(cmd, config.GetGlobalConfig(), verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show detailed validation information")

	return cmd
}

func runConfigValidate(cmd *cobra.Command, cfg *config.Config, verbose bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	path, err := converter.FindBinary(cfg.Convert.Converter)
	if err != nil {
		cmd.PrintErrf("Warning: %v\n", err)
	}

	cmd.Printf("Configuration is valid\n")

	if verbose {
		cmd.Println()
		cmd.Println("Configuration details:")
		cmd.Printf("  Config file: %s\n", cfg.ConfigPath())
		cmd.Printf("  Converter: %s\n", cfg.Convert.Converter)
		if path != "" {
			cmd.Printf("  Converter path: %s\n", path)
		}
		cmd.Printf("  Extensions: %s\n", strings.Join(cfg.Convert.Extensions, ", "))
		if cfg.Convert.Jobs > 0 {
			cmd.Printf("  Jobs: %d\n", cfg.Convert.Jobs)
		} else {
			cmd.Printf("  Jobs: one per CPU\n")
		}
		cmd.Printf("  Cancel grace: %s\n", cfg.Convert.CancelGrace)
		cmd.Printf("  WMS service: %s (layer %s, %s)\n", cfg.Fetch.BaseURL, cfg.Fetch.Layer, cfg.Fetch.CRS)
		cmd.Printf("  Logging level: %s\n", cfg.Logging.Level)
		cmd.Printf("  Log file: %s\n", cfg.Logging.File)
	}

	return nil
}
