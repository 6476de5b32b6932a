// Package wms downloads GeoTIFF tiles from an OGC Web Map Service with
// GetMap requests.
package wms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the Regione Toscana orthophoto service.
const (
	DefaultBaseURL = "https://www502.regione.toscana.it/ows_ofc/com.rt.wms.RTmap/wms"
	DefaultMap     = "owsofc_rt"
	DefaultLayer   = "rt_ofc.5k23.32bit"
	DefaultCRS     = "EPSG:25832"
	DefaultSize    = 800
	DefaultStep    = 80.0
	DefaultJobs    = 10
	DefaultTimeout = 30 * time.Second
)

const (
	wmsVersion      = "1.3.0"
	tiffContentType = "image/tiff"
	bodyExcerptLen  = 500
	tilePerm        = 0o644
)

var (
	// ErrHTTPStatus is returned when the service answers with a non-2xx status.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrNotGeoTIFF is returned when the service answers with something other
	// than a TIFF image, typically an XML service exception.
	ErrNotGeoTIFF = errors.New("server did not return a GeoTIFF")
)

// Options selects the service and the image requested for every tile.
type Options struct {
	BaseURL string
	// Map is the MapServer map identifier sent as the "map" parameter;
	// empty omits it.
	Map    string
	Layer  string
	CRS    string
	Width  int
	Height int
}

// DefaultOptions returns the options for the default service.
func DefaultOptions() Options {
	return Options{
		BaseURL: DefaultBaseURL,
		Map:     DefaultMap,
		Layer:   DefaultLayer,
		CRS:     DefaultCRS,
		Width:   DefaultSize,
		Height:  DefaultSize,
	}
}

// Validate checks that the options can produce a GetMap request.
func (o Options) Validate() error {
	u, err := url.Parse(o.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base URL %q must be an absolute http(s) URL", o.BaseURL)
	}
	if strings.TrimSpace(o.Layer) == "" {
		return errors.New("layer is required")
	}
	if strings.TrimSpace(o.CRS) == "" {
		return errors.New("CRS is required")
	}
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("image size must be positive, got %dx%d", o.Width, o.Height)
	}
	return nil
}

// Client issues GetMap requests. Requests from all goroutines share one rate
// limiter.
type Client struct {
	httpClient *http.Client
	opts       Options
	limiter    *rate.Limiter
}

// NewClient returns a client for opts with a DefaultTimeout HTTP client and
// no rate limit.
func NewClient(opts Options) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		opts:       opts,
		limiter:    rate.NewLimiter(rate.Inf, 1),
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithRateLimit limits requests to perSecond with the given burst. A
// non-positive perSecond removes the limit.
func (c *Client) WithRateLimit(perSecond float64, burst int) *Client {
	if perSecond <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return c
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	return c
}

// Options returns the request options.
func (c *Client) Options() Options {
	return c.opts
}

// GetMapURL returns the GetMap request URL for b.
func (c *Client) GetMapURL(b BBox) (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	q := u.Query()
	if c.opts.Map != "" {
		q.Set("map", c.opts.Map)
	}
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", wmsVersion)
	q.Set("REQUEST", "GetMap")
	q.Set("LAYERS", c.opts.Layer)
	q.Set("STYLES", "")
	q.Set("CRS", c.opts.CRS)
	q.Set("BBOX", b.String())
	q.Set("WIDTH", strconv.Itoa(c.opts.Width))
	q.Set("HEIGHT", strconv.Itoa(c.opts.Height))
	q.Set("FORMAT", tiffContentType)
	q.Set("EXCEPTIONS", "INIMAGE")
	q.Set("TRANSPARENT", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Download fetches the tile for b and stores it at path. The file appears
// only once the whole body has been received; a failed download leaves
// nothing behind.
func (c *Client) Download(ctx context.Context, b BBox, path string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	reqURL, err := c.GetMapURL(b)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting tile %s: %w", b, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: %s", ErrHTTPStatus, resp.Status, bodyExcerpt(resp.Body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, tiffContentType) {
		return fmt.Errorf("%w: content type %q: %s", ErrNotGeoTIFF, ct, bodyExcerpt(resp.Body))
	}

	return writeAtomic(path, resp.Body)
}

// writeAtomic copies r into a temporary file next to path and renames it
// into place.
func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err = io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("receiving tile body: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err = os.Chmod(tmpPath, tilePerm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("setting tile permissions: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming tile into place: %w", err)
	}
	return nil
}

// bodyExcerpt returns up to bodyExcerptLen bytes of the body for error
// messages.
func bodyExcerpt(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, bodyExcerptLen))
	return strings.TrimSpace(string(data))
}
