package cli

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Fralo/trento-tree-detection/internal/config"
	"github.com/Fralo/trento-tree-detection/internal/engine"
	"github.com/Fralo/trento-tree-detection/internal/wms"
)

// fetchFlags holds the flags of the fetch command.
type fetchFlags struct {
	start     string
	end       string
	step      float64
	jobs      int
	baseURL   string
	layer     string
	crs       string
	width     int
	height    int
	rateLimit float64
	force     bool
	dryRun    bool
}

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	var flags fetchFlags

	cmd := &cobra.Command{
		Use:   "fetch <dest-dir>",
		Short: "Download GeoTIFF tiles from a WMS service",
		Long: `Downloads the GeoTIFF tiles covering an area from a WMS service into
<dest-dir>, ready for "tileconv convert".

The area is walked from --start (south-west) towards --end (north-east) in
--step increments; each grid point becomes one GetMap request for a
step-sized square centred on it, stored as bbox_<minX,minY,maxX,maxY>.tif.
Coordinates are in the configured CRS (default EPSG:25832).

Tiles already present are skipped unless --force is given. Failed downloads
are reported at the end and make the command exit with status 1. An interrupt
stops launching new downloads and exits with status 130.`,
		Example: `  # Download the Florence sample area into ./tiles
  tileconv fetch ./tiles --start 674048.64,4852250.78 --end 675960.26,4853751.03

  # 2024 orthophotos, at most 5 requests per second
  tileconv fetch ./tiles --start 674048.64,4852250.78 --end 674400,4852500 \
    --layer rt_ofc.5k24.32bit --rate 5

  # Show which tiles would be downloaded
  tileconv fetch ./tiles --start 0,0 --end 400,400 --dry-run`,
		Args: validateFetchArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildFetchRequest(cmd, args, config.GetGlobalConfig(), flags)
			if err != nil {
				return err
			}

			opts := req.Client.Options()
			logger.Debug().
				Ctx(cmd.Context()).
				Str("dest_dir", req.DestDir).
				Str("start", req.Start.String()).
				Str("end", req.End.String()).
				Float64("step", req.Step).
				Int("jobs", req.Jobs).
				Str("base_url", opts.BaseURL).
				Str("layer", opts.Layer).
				Msg("fetch request resolved")

			_, err = engine.New(cmd.OutOrStdout(), cmd.ErrOrStderr()).Fetch(cmd.Context(), req)
			if errors.Is(err, engine.ErrCanceled) {
				return &ExitError{ExitCode: ExitInterrupted, Reason: "interrupted", Err: err}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flags.start, "start", "", "south-west grid origin as x,y (required)")
	cmd.Flags().StringVar(&flags.end, "end", "", "north-east grid limit as x,y, exclusive (required)")
	cmd.Flags().Float64Var(&flags.step, "step", 0, "tile side and grid spacing in CRS units (default from config, 80)")
	cmd.Flags().IntVarP(&flags.jobs, "jobs", "j", 0, "maximum concurrent downloads (default from config, 10)")
	cmd.Flags().StringVar(&flags.baseURL, "base-url", "", "WMS endpoint")
	cmd.Flags().StringVar(&flags.layer, "layer", "", "WMS layer to request")
	cmd.Flags().StringVar(&flags.crs, "crs", "", "CRS of the coordinates and requested image")
	cmd.Flags().IntVar(&flags.width, "width", 0, "image width in pixels")
	cmd.Flags().IntVar(&flags.height, "height", 0, "image height in pixels")
	cmd.Flags().Float64Var(&flags.rateLimit, "rate", 0, "maximum requests per second across all jobs (0 = unlimited)")
	cmd.Flags().BoolVar(&flags.force, "force", false, "download tiles that already exist")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "list the downloads without running them")

	return cmd
}

// validateFetchArgs requires exactly one destination directory.
func validateFetchArgs(_ *cobra.Command, args []string) error {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return &engine.ConfigurationError{Reason: "missing <dest-dir> argument"}
	}
	if len(args) > 1 {
		return &engine.ConfigurationError{
			Reason: fmt.Sprintf("too many arguments: expected 1, got %d", len(args)),
		}
	}
	return nil
}

// buildFetchRequest merges flags and the fetch config section into an engine
// request. Zero values in the config fall back to the built-in service
// defaults.
func buildFetchRequest(
	cmd *cobra.Command,
	args []string,
	cfg *config.Config,
	flags fetchFlags,
) (engine.FetchRequest, error) {
	start, err := requiredPoint("start", flags.start)
	if err != nil {
		return engine.FetchRequest{}, err
	}
	end, err := requiredPoint("end", flags.end)
	if err != nil {
		return engine.FetchRequest{}, err
	}

	fc := cfg.Fetch
	changed := cmd.Flags().Changed
	if changed("step") {
		fc.Step = flags.step
	}
	if changed("jobs") {
		fc.Jobs = flags.jobs
	}
	if changed("base-url") {
		fc.BaseURL = flags.baseURL
	}
	if changed("layer") {
		fc.Layer = flags.layer
	}
	if changed("crs") {
		fc.CRS = flags.crs
	}
	if changed("width") {
		fc.Width = flags.width
	}
	if changed("height") {
		fc.Height = flags.height
	}
	if changed("rate") {
		fc.RateLimit = flags.rateLimit
	}

	opts := fc.WMSOptions()
	defaults := wms.DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = defaults.BaseURL
		if opts.Map == "" {
			opts.Map = defaults.Map
		}
	}
	if opts.Layer == "" {
		opts.Layer = defaults.Layer
	}
	if opts.CRS == "" {
		opts.CRS = defaults.CRS
	}
	if opts.Width == 0 {
		opts.Width = defaults.Width
	}
	if opts.Height == 0 {
		opts.Height = defaults.Height
	}
	step := fc.Step
	if step == 0 && !changed("step") {
		step = wms.DefaultStep
	}
	timeout := fc.Timeout
	if timeout <= 0 {
		timeout = wms.DefaultTimeout
	}

	client := wms.NewClient(opts).
		WithHTTPClient(&http.Client{Timeout: timeout}).
		WithRateLimit(fc.RateLimit, max(fc.Jobs, 1))

	return engine.FetchRequest{
		DestDir:     args[0],
		Start:       start,
		End:         end,
		Step:        step,
		Jobs:        max(fc.Jobs, 0),
		Force:       flags.force,
		DryRun:      flags.dryRun,
		CancelGrace: cfg.Convert.CancelGrace,
		Client:      client,
	}, nil
}

// requiredPoint parses a mandatory x,y flag.
func requiredPoint(name, value string) (wms.Point, error) {
	if strings.TrimSpace(value) == "" {
		return wms.Point{}, &engine.ConfigurationError{Reason: fmt.Sprintf("--%s is required", name)}
	}
	p, err := wms.ParsePoint(value)
	if err != nil {
		return wms.Point{}, &engine.ConfigurationError{Reason: "invalid --" + name, Err: err}
	}
	return p, nil
}
