package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Fralo/trento-tree-detection/internal/config"
	"github.com/Fralo/trento-tree-detection/internal/engine"
)

// convertFlags holds the flags of the convert command.
type convertFlags struct {
	jobs       int
	converter  string
	extensions []string
	dryRun     bool
}

// NewConvertCmd creates the convert command.
//
// Concurrency is resolved with the precedence: positional [jobs] argument,
// --jobs flag, TILECONV_JOBS, config file, number of CPUs. A non-positive
// value at any level means "one per CPU".
func NewConvertCmd() *cobra.Command {
	var flags convertFlags

	cmd := &cobra.Command{
		Use:   "convert <source-dir> [dest-dir] [jobs]",
		Short: "Convert every tile in a directory",
		Long: `Converts every file in <source-dir> whose extension matches the configured
tile extensions (default .tif and .tiff, case-insensitive; subdirectories are
not scanned). The converter executable is invoked once per file as

  <converter> <dest-dir> <file>

with its output discarded. At most [jobs] conversions run at once. Failed
conversions are reported at the end and make the command exit with status 1;
they never stop the remaining conversions. An interrupt stops launching new
conversions, signals the running ones, and exits with status 130.

Partial output from a failed conversion is left in <dest-dir>.`,
		Example: `  # Convert ./tiles into ./tiles_png using one job per CPU
  tileconv convert ./tiles

  # Convert into ./png with 2 parallel converters
  tileconv convert ./tiles ./png 2

  # Concurrency from the environment
  TILECONV_JOBS=8 tileconv convert ./tiles ./png`,
		Args: validateConvertArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildConvertRequest(cmd, args, config.GetGlobalConfig(), flags)
			if err != nil {
				return err
			}

			logger.Debug().
				Ctx(cmd.Context()).
				Str("source_dir", req.SourceDir).
				Str("dest_dir", req.DestDir).
				Int("jobs", req.Jobs).
				Str("converter", req.Converter).
				Msg("convert request resolved")

			_, err = engine.New(cmd.OutOrStdout(), cmd.ErrOrStderr()).Run(cmd.Context(), req)
			if errors.Is(err, engine.ErrCanceled) {
				return &ExitError{ExitCode: ExitInterrupted, Reason: "interrupted", Err: err}
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&flags.jobs, "jobs", "j", 0, "maximum concurrent conversions (0 = one per CPU)")
	cmd.Flags().StringVar(&flags.converter, "converter", "", "converter executable name or path")
	cmd.Flags().StringSliceVar(&flags.extensions, "ext", nil, "tile extensions to convert (repeatable, case-insensitive)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "list the conversions without running them")

	return cmd
}

// validateConvertArgs reports missing or surplus positional arguments as
// configuration errors.
func validateConvertArgs(_ *cobra.Command, args []string) error {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return &engine.ConfigurationError{Reason: "missing <source-dir> argument"}
	}
	const maxArgs = 3
	if len(args) > maxArgs {
		return &engine.ConfigurationError{
			Reason: fmt.Sprintf("too many arguments: expected at most %d, got %d", maxArgs, len(args)),
		}
	}
	return nil
}

// buildConvertRequest merges positional arguments, flags and configuration
// into an engine request.
func buildConvertRequest(
	cmd *cobra.Command,
	args []string,
	cfg *config.Config,
	flags convertFlags,
) (engine.Request, error) {
	source := args[0]

	dest := ""
	if len(args) > 1 {
		dest = args[1]
	}
	if dest == "" {
		dest = DefaultDestDir(source, cfg.Convert.DestSuffix)
	}

	jobs := cfg.Convert.Jobs
	if cmd.Flags().Changed("jobs") {
		jobs = flags.jobs
	}
	if len(args) > 2 {
		parsed, err := parseJobs(args[2])
		if err != nil {
			return engine.Request{}, err
		}
		jobs = parsed
	}

	conv := cfg.Convert.Converter
	if cmd.Flags().Changed("converter") {
		conv = flags.converter
	}
	if conv == "" {
		conv = config.DefaultConverter
	}

	exts := cfg.Convert.Extensions
	if cmd.Flags().Changed("ext") {
		exts = flags.extensions
	}
	if len(exts) == 0 {
		exts = config.DefaultExtensions()
	}

	return engine.Request{
		SourceDir:   source,
		DestDir:     dest,
		Jobs:        max(jobs, 0),
		Converter:   conv,
		Extensions:  exts,
		DryRun:      flags.dryRun,
		CancelGrace: cfg.Convert.CancelGrace,
	}, nil
}

// parseJobs parses the positional jobs argument. Non-positive values mean
// "use the default"; non-integers are configuration errors.
func parseJobs(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &engine.ConfigurationError{Reason: fmt.Sprintf("jobs must be an integer, got %q", s)}
	}
	return max(n, 0), nil
}

// DefaultDestDir derives the destination used when none is given: a sibling
// of the source directory named <source><suffix>.
func DefaultDestDir(source, suffix string) string {
	if suffix == "" {
		suffix = config.DefaultDestSuffix
	}
	return filepath.Clean(source) + suffix
}
