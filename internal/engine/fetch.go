package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Fralo/trento-tree-detection/internal/engine/batch"
	"github.com/Fralo/trento-tree-detection/internal/logging"
	"github.com/Fralo/trento-tree-detection/internal/tui"
	"github.com/Fralo/trento-tree-detection/internal/wms"
)

// FetchRequest describes one tile download run.
type FetchRequest struct {
	// DestDir receives bbox_<minX,minY,maxX,maxY>.tif files; created if missing.
	DestDir string
	// Start is the south-west grid origin, End the exclusive north-east limit.
	Start wms.Point
	End   wms.Point
	// Step is the tile side and grid spacing in CRS units.
	Step float64
	// Jobs is the concurrency limit; non-positive means wms.DefaultJobs.
	Jobs int
	// Force downloads tiles whose file already exists.
	Force bool
	// DryRun lists the planned downloads without running them.
	DryRun bool
	// CancelGrace bounds the wait for in-flight downloads after an interrupt.
	CancelGrace time.Duration
	// Client performs the GetMap requests.
	Client *wms.Client
}

// FetchSummary is the outcome of a fetch run.
type FetchSummary struct {
	RunID        string
	DestDir      string
	Jobs         int
	Total        int
	Skipped      int
	Succeeded    int
	Failed       int
	Launched     int
	PeakInFlight int
	Canceled     bool
	Failures     []*JobFailure
	Planned      []string
	Elapsed      time.Duration
}

// Fetch downloads every tile of the requested grid into req.DestDir through
// the same bounded pool as Run. Tiles already present are skipped unless
// req.Force is set. Failed downloads are reported as ErrDownloadsFailed once
// every tile has been attempted; an interrupted run returns ErrCanceled.
func (e *Engine) Fetch(ctx context.Context, req FetchRequest) (*FetchSummary, error) {
	log := logging.FromContext(ctx)
	jobs := req.Jobs
	if jobs <= 0 {
		jobs = wms.DefaultJobs
	}
	summary := &FetchSummary{
		RunID:   logging.GetOrGenerateTraceID(ctx),
		DestDir: req.DestDir,
		Jobs:    jobs,
	}

	tiles, err := validateFetch(req)
	if err != nil {
		return summary, err
	}
	summary.Total = len(tiles)

	pending := tiles
	if !req.Force {
		pending = missingTiles(req.DestDir, tiles)
	}
	summary.Skipped = len(tiles) - len(pending)

	log.Debug().
		Ctx(ctx).
		Str("component", "engine").
		Str("operation", "fetch").
		Str("dest_dir", req.DestDir).
		Int("tile_count", len(tiles)).
		Int("skipped", summary.Skipped).
		Msg("tile grid planned")

	if req.DryRun {
		for _, b := range pending {
			summary.Planned = append(summary.Planned, filepath.Join(req.DestDir, b.FileName()))
		}
		e.printFetchPlan(summary, req.Client.Options())
		return summary, nil
	}

	if err = os.MkdirAll(req.DestDir, destDirPerm); err != nil {
		return summary, configErrorf(err, "cannot create destination directory %s", req.DestDir)
	}

	if len(pending) == 0 {
		_, _ = fmt.Fprintf(e.stdout, "All %d tiles already present in %s\n", len(tiles), req.DestDir)
		return summary, nil
	}

	return e.download(ctx, req, summary, pending)
}

// download runs the pool over the pending tiles.
func (e *Engine) download(ctx context.Context, req FetchRequest, summary *FetchSummary, tiles []wms.BBox) (*FetchSummary, error) {
	log := logging.FromContext(ctx)
	opts := req.Client.Options()

	_, _ = fmt.Fprintln(e.stdout, tui.RenderFetchBanner(tui.FetchBanner{
		Tiles:   len(tiles),
		Skipped: summary.Skipped,
		Jobs:    summary.Jobs,
		DestDir: req.DestDir,
		Layer:   opts.Layer,
	}, e.interactive))

	log.Info().
		Ctx(ctx).
		Str("component", "engine").
		Str("operation", "fetch").
		Str("run_id", summary.RunID).
		Str("base_url", opts.BaseURL).
		Str("layer", opts.Layer).
		Int("tile_count", len(tiles)).
		Int("jobs", summary.Jobs).
		Msg("download started")

	renderer := tui.NewProgressRenderer(e.stdout, e.interactive)
	pool, err := batch.NewPool[wms.BBox](summary.Jobs)
	if err != nil {
		return summary, configErrorf(err, "invalid job count %d", summary.Jobs)
	}
	pool.WithProgressCallback(renderer.Update).
		WithLaunchCallback(func(b wms.BBox) {
			log.Debug().Ctx(ctx).Str("component", "engine").Str("bbox", b.String()).Msg("download launched")
		})
	grace := req.CancelGrace
	if grace <= 0 {
		grace = batch.DefaultCancelGrace
	}
	pool.WithCancelGrace(grace)

	result, err := pool.Run(ctx, tiles, func(ctx context.Context, b wms.BBox) error {
		return req.Client.Download(ctx, b, filepath.Join(req.DestDir, b.FileName()))
	})
	renderer.Finish()
	if err != nil {
		return summary, fmt.Errorf("running download pool: %w", err)
	}

	summary.Succeeded = result.Succeeded
	summary.Failed = result.Failed
	summary.Launched = result.Launched
	summary.PeakInFlight = result.PeakInFlight
	summary.Canceled = result.Canceled
	summary.Elapsed = result.Elapsed
	for _, f := range result.Failures {
		summary.Failures = append(summary.Failures, &JobFailure{
			Input: filepath.Join(req.DestDir, f.Item.FileName()),
			Err:   f.Err,
		})
	}

	_, _ = fmt.Fprintln(e.stdout, tui.RenderSummary(tui.Summary{
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Canceled:  summary.Canceled,
		Elapsed:   summary.Elapsed,
	}, e.interactive))

	if summary.Canceled {
		notStarted := len(tiles) - result.Launched
		_, _ = fmt.Fprintf(e.stderr, "Interrupted: stopped launching downloads, %d tiles not started\n", notStarted)
		if result.Abandoned > 0 {
			_, _ = fmt.Fprintf(e.stderr, "Warning: %d downloads did not stop within %s\n", result.Abandoned, grace)
		}
		log.Warn().
			Ctx(ctx).
			Str("component", "engine").
			Int("not_started", notStarted).
			Int("abandoned", result.Abandoned).
			Msg("download cancelled")
		return summary, fmt.Errorf("%w: %d of %d tiles downloaded", ErrCanceled, summary.Succeeded, len(tiles))
	}

	if summary.Failed > 0 {
		for _, f := range summary.Failures {
			_, _ = fmt.Fprintf(e.stderr, "failed: %s\n", f.Error())
		}
		return summary, fmt.Errorf("%w: %d of %d", ErrDownloadsFailed, summary.Failed, len(tiles))
	}

	log.Info().
		Ctx(ctx).
		Str("component", "engine").
		Str("run_id", summary.RunID).
		Dur("elapsed", summary.Elapsed).
		Msg("download finished")
	return summary, nil
}

// validateFetch checks the request and expands the tile grid before any side
// effect.
func validateFetch(req FetchRequest) ([]wms.BBox, error) {
	if req.DestDir == "" {
		return nil, configErrorf(nil, "destination directory is required")
	}
	if info, err := os.Stat(req.DestDir); err == nil && !info.IsDir() {
		return nil, configErrorf(nil, "destination path %s is not a directory", req.DestDir)
	}
	if req.Client == nil {
		return nil, configErrorf(nil, "no WMS client configured")
	}
	if err := req.Client.Options().Validate(); err != nil {
		return nil, configErrorf(err, "invalid WMS settings")
	}
	tiles, err := wms.Grid(req.Start, req.End, req.Step)
	if err != nil {
		return nil, configErrorf(err, "cannot plan tiles from %s to %s", req.Start, req.End)
	}
	return tiles, nil
}

// missingTiles returns the tiles with no file in dir yet.
func missingTiles(dir string, tiles []wms.BBox) []wms.BBox {
	var missing []wms.BBox
	for _, b := range tiles {
		if _, err := os.Stat(filepath.Join(dir, b.FileName())); err != nil {
			missing = append(missing, b)
		}
	}
	return missing
}

// printFetchPlan lists the downloads a dry run would perform.
func (e *Engine) printFetchPlan(summary *FetchSummary, opts wms.Options) {
	if len(summary.Planned) == 0 {
		_, _ = fmt.Fprintf(e.stdout, "All %d tiles already present in %s\n", summary.Total, summary.DestDir)
		return
	}
	_, _ = fmt.Fprintf(e.stdout, "Would fetch %d tiles (%d already present) with %d jobs into %s from %s layer %s:\n",
		len(summary.Planned), summary.Skipped, summary.Jobs, summary.DestDir, opts.BaseURL, opts.Layer)
	for _, p := range summary.Planned {
		_, _ = fmt.Fprintf(e.stdout, "  %s\n", p)
	}
}
