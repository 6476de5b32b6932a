// Package engine drives a batch conversion run: it validates the request,
// discovers input tiles, and converts them through a bounded pool of external
// converter processes while reporting progress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Fralo/trento-tree-detection/internal/converter"
	"github.com/Fralo/trento-tree-detection/internal/engine/batch"
	"github.com/Fralo/trento-tree-detection/internal/logging"
	"github.com/Fralo/trento-tree-detection/internal/scan"
	"github.com/Fralo/trento-tree-detection/internal/tui"
)

// destDirPerm is applied to the destination directory and any missing parents.
const destDirPerm = 0o755

// Request describes one conversion run.
type Request struct {
	// SourceDir is scanned (non-recursively) for input files.
	SourceDir string
	// DestDir receives converter output; created if missing.
	DestDir string
	// Jobs is the concurrency limit; non-positive means one per CPU.
	Jobs int
	// Converter is the executable name or path.
	Converter string
	// Extensions selects input files, case-insensitively.
	Extensions []string
	// DryRun lists the planned conversions without running them.
	DryRun bool
	// CancelGrace bounds the wait for in-flight conversions after an interrupt.
	CancelGrace time.Duration
}

// Summary is the outcome of a run.
type Summary struct {
	RunID        string
	SourceDir    string
	DestDir      string
	Converter    string
	Jobs         int
	Total        int
	Succeeded    int
	Failed       int
	Launched     int
	PeakInFlight int
	Canceled     bool
	Failures     []*JobFailure
	Planned      []string
	Elapsed      time.Duration
}

// Engine runs conversion batches. Human-readable output goes to stdout;
// diagnostics go to stderr.
type Engine struct {
	stdout      io.Writer
	stderr      io.Writer
	interactive bool
	runner      converter.Runner
}

// New creates an Engine writing to stdout and stderr. Progress is redrawn in
// place when stdout is a terminal.
func New(stdout, stderr io.Writer) *Engine {
	return &Engine{
		stdout:      stdout,
		stderr:      stderr,
		interactive: tui.IsTerminal(stdout),
		runner:      converter.ExecRunner(),
	}
}

// WithRunner replaces the process runner used for conversions.
func (e *Engine) WithRunner(r converter.Runner) *Engine {
	e.runner = r
	return e
}

// WithInteractive forces in-place progress redraw on or off.
func (e *Engine) WithInteractive(interactive bool) *Engine {
	e.interactive = interactive
	return e
}

// Run executes req. Configuration and dependency problems are returned before
// any side effect. Per-file failures are collected in the Summary and
// reported as ErrJobsFailed once every file has been attempted; an interrupted
// run returns ErrCanceled.
func (e *Engine) Run(ctx context.Context, req Request) (*Summary, error) {
	log := logging.FromContext(ctx)
	summary := &Summary{
		RunID:     logging.GetOrGenerateTraceID(ctx),
		SourceDir: req.SourceDir,
		DestDir:   req.DestDir,
		Jobs:      batch.ResolveLimit(req.Jobs),
	}

	if len(req.Extensions) == 0 {
		req.Extensions = scan.DefaultExtensions()
	}
	if err := validate(req); err != nil {
		return summary, err
	}

	binPath, err := converter.FindBinary(req.Converter)
	if err != nil {
		return summary, &DependencyMissingError{Name: req.Converter, Err: err}
	}
	summary.Converter = binPath

	exts := req.Extensions
	files, err := scan.Scan(req.SourceDir, exts)
	if err != nil {
		return summary, configErrorf(err, "cannot scan source directory %s", req.SourceDir)
	}
	summary.Total = len(files)

	log.Debug().
		Ctx(ctx).
		Str("component", "engine").
		Str("operation", "scan").
		Str("source_dir", req.SourceDir).
		Strs("extensions", exts).
		Int("file_count", len(files)).
		Msg("source directory scanned")

	if req.DryRun {
		summary.Planned = files
		e.printPlan(summary)
		return summary, nil
	}

	if err = os.MkdirAll(req.DestDir, destDirPerm); err != nil {
		return summary, configErrorf(err, "cannot create destination directory %s", req.DestDir)
	}

	if len(files) == 0 {
		_, _ = fmt.Fprintf(e.stdout, "No files found in %s matching %s\n",
			req.SourceDir, strings.Join(exts, ", "))
		return summary, nil
	}

	return e.convert(ctx, req, summary, files)
}

// convert runs the pool over files and prints progress and the summary.
func (e *Engine) convert(ctx context.Context, req Request, summary *Summary, files []string) (*Summary, error) {
	log := logging.FromContext(ctx)

	_, _ = fmt.Fprintln(e.stdout, tui.RenderBanner(tui.Banner{
		Files:     len(files),
		Jobs:      summary.Jobs,
		DestDir:   req.DestDir,
		Converter: summary.Converter,
	}, e.interactive))

	log.Info().
		Ctx(ctx).
		Str("component", "engine").
		Str("operation", "convert").
		Str("run_id", summary.RunID).
		Int("file_count", len(files)).
		Int("jobs", summary.Jobs).
		Str("dest_dir", req.DestDir).
		Msg("conversion started")

	conv := converter.NewWithRunner(summary.Converter, e.runner)
	renderer := tui.NewProgressRenderer(e.stdout, e.interactive)

	pool, err := batch.NewPool[string](summary.Jobs)
	if err != nil {
		return summary, configErrorf(err, "invalid job count %d", summary.Jobs)
	}
	pool.WithProgressCallback(renderer.Update).
		WithLaunchCallback(func(file string) {
			log.Debug().Ctx(ctx).Str("component", "engine").Str("input", file).Msg("conversion launched")
		})
	grace := req.CancelGrace
	if grace <= 0 {
		grace = batch.DefaultCancelGrace
	}
	pool.WithCancelGrace(grace)

	result, err := pool.Run(ctx, files, func(ctx context.Context, file string) error {
		return conv.Convert(ctx, req.DestDir, file)
	})
	renderer.Finish()
	if err != nil {
		return summary, fmt.Errorf("running conversion pool: %w", err)
	}

	summary.Succeeded = result.Succeeded
	summary.Failed = result.Failed
	summary.Launched = result.Launched
	summary.PeakInFlight = result.PeakInFlight
	summary.Canceled = result.Canceled
	summary.Elapsed = result.Elapsed
	for _, f := range result.Failures {
		summary.Failures = append(summary.Failures, &JobFailure{Input: f.Item, Err: f.Err})
	}

	_, _ = fmt.Fprintln(e.stdout, tui.RenderSummary(tui.Summary{
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Canceled:  summary.Canceled,
		Elapsed:   summary.Elapsed,
	}, e.interactive))

	if summary.Canceled {
		notStarted := summary.Total - result.Launched
		_, _ = fmt.Fprintf(e.stderr,
			"Interrupted: stopped launching conversions, signalled in-flight converters, %d files not started\n",
			notStarted)
		if result.Abandoned > 0 {
			_, _ = fmt.Fprintf(e.stderr, "Warning: %d converters did not exit within %s\n",
				result.Abandoned, grace)
		}
		log.Warn().
			Ctx(ctx).
			Str("component", "engine").
			Int("not_started", notStarted).
			Int("abandoned", result.Abandoned).
			Msg("conversion cancelled")
		return summary, fmt.Errorf("%w: %d of %d files converted", ErrCanceled, summary.Succeeded, summary.Total)
	}

	if summary.Failed > 0 {
		for _, f := range summary.Failures {
			_, _ = fmt.Fprintf(e.stderr, "failed: %s\n", f.Error())
			log.Debug().
				Ctx(ctx).
				Str("component", "engine").
				Str("input", f.Input).
				Int("exit_code", f.ExitCode()).
				Msg("conversion failed")
		}
		return summary, fmt.Errorf("%w: %d of %d", ErrJobsFailed, summary.Failed, summary.Total)
	}

	log.Info().
		Ctx(ctx).
		Str("component", "engine").
		Str("run_id", summary.RunID).
		Dur("elapsed", summary.Elapsed).
		Msg("conversion finished")
	return summary, nil
}

// validate checks the request before any side effect.
func validate(req Request) error {
	if req.SourceDir == "" {
		return configErrorf(nil, "source directory is required")
	}
	if req.DestDir == "" {
		return configErrorf(nil, "destination directory is required")
	}

	info, err := os.Stat(req.SourceDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return configErrorf(nil, "source directory %s does not exist", req.SourceDir)
	case err != nil:
		return configErrorf(err, "cannot access source directory %s", req.SourceDir)
	case !info.IsDir():
		return configErrorf(nil, "source path %s is not a directory", req.SourceDir)
	}

	if _, err = scan.NewMatcher(req.Extensions); err != nil {
		return configErrorf(err, "no usable file extension in %q", strings.Join(req.Extensions, ","))
	}
	return nil
}

// printPlan lists the conversions a dry run would perform.
func (e *Engine) printPlan(summary *Summary) {
	if len(summary.Planned) == 0 {
		_, _ = fmt.Fprintf(e.stdout, "No files found in %s\n", summary.SourceDir)
		return
	}
	_, _ = fmt.Fprintf(e.stdout, "Would convert %d files with %d jobs into %s using %s:\n",
		len(summary.Planned), summary.Jobs, summary.DestDir, summary.Converter)
	for _, f := range summary.Planned {
		_, _ = fmt.Fprintf(e.stdout, "  %s\n", f)
	}
}
