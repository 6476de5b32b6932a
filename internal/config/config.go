// Package config loads, validates and persists tileconv configuration.
//
// Configuration is layered: built-in defaults, then the global YAML file at
// $TILECONV_HOME/config.yaml, then an optional overlay file passed with
// --config, then environment variables. CLI flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Fralo/trento-tree-detection/internal/logging"
	"github.com/Fralo/trento-tree-detection/internal/scan"
	"github.com/Fralo/trento-tree-detection/internal/wms"
)

// SchemaVersion is the configuration schema written by this release.
const SchemaVersion = "1.0.0"

// supportedSchema accepts any 1.x configuration file.
const supportedSchema = "^1.0.0"

// Defaults for the convert section.
const (
	DefaultConverter   = "tif2png"
	DefaultDestSuffix  = "_png"
	DefaultCancelGrace = 5 * time.Second
)

// Environment variables read by ApplyEnv.
const (
	EnvHome      = "TILECONV_HOME"
	EnvJobs      = "TILECONV_JOBS"
	EnvConverter = "TILECONV_CONVERTER"
	EnvLogLevel  = "TILECONV_LOG_LEVEL"
	EnvLogFormat = "TILECONV_LOG_FORMAT"
)

// ErrUnsupportedSchema is returned when a config file declares a schema
// version this release cannot read.
var ErrUnsupportedSchema = errors.New("unsupported config schema version")

// DefaultExtensions lists the tile extensions converted when none are configured.
func DefaultExtensions() []string {
	return scan.DefaultExtensions()
}

// Config is the full tileconv configuration.
type Config struct {
	SchemaVersion string        `yaml:"schema_version"`
	Convert       ConvertConfig `yaml:"convert"`
	Fetch         FetchConfig   `yaml:"fetch"`
	Logging       LoggingConfig `yaml:"logging"`

	configPath string
}

// ConvertConfig configures the batch converter.
type ConvertConfig struct {
	// Converter is the executable invoked once per input file.
	Converter string `yaml:"converter"`
	// Extensions are matched case-insensitively against input file names.
	Extensions []string `yaml:"extensions"`
	// Jobs is the concurrency limit; 0 means one per CPU.
	Jobs int `yaml:"jobs"`
	// DestSuffix is appended to the source directory to derive the default
	// destination directory.
	DestSuffix string `yaml:"dest_suffix"`
	// CancelGrace bounds how long an interrupted run waits for in-flight
	// conversions after signalling them.
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

// FetchConfig configures tile downloads from a WMS service.
type FetchConfig struct {
	BaseURL string `yaml:"base_url"`
	// Map is the MapServer "map" parameter; empty omits it.
	Map    string  `yaml:"map"`
	Layer  string  `yaml:"layer"`
	CRS    string  `yaml:"crs"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	Step   float64 `yaml:"step"`
	// Jobs is the number of concurrent downloads.
	Jobs int `yaml:"jobs"`
	// RateLimit caps requests per second across all jobs; 0 means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	// Timeout bounds each GetMap request.
	Timeout time.Duration `yaml:"timeout"`
}

// WMSOptions returns the request options for the configured service.
func (f FetchConfig) WMSOptions() wms.Options {
	return wms.Options{
		BaseURL: f.BaseURL,
		Map:     f.Map,
		Layer:   f.Layer,
		CRS:     f.CRS,
		Width:   f.Width,
		Height:  f.Height,
	}
}

// LoggingConfig configures diagnostics output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,
		Convert: ConvertConfig{
			Converter:   DefaultConverter,
			Extensions:  DefaultExtensions(),
			Jobs:        0,
			DestSuffix:  DefaultDestSuffix,
			CancelGrace: DefaultCancelGrace,
		},
		Fetch: FetchConfig{
			BaseURL: wms.DefaultBaseURL,
			Map:     wms.DefaultMap,
			Layer:   wms.DefaultLayer,
			CRS:     wms.DefaultCRS,
			Width:   wms.DefaultSize,
			Height:  wms.DefaultSize,
			Step:    wms.DefaultStep,
			Jobs:    wms.DefaultJobs,
			Timeout: wms.DefaultTimeout,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: logging.FormatConsole,
		},
	}
}

// New returns the default configuration merged with the global config file,
// if one exists. A missing file is not an error; an unreadable or invalid
// file is.
func New() (*Config, error) {
	cfg := Default()

	dir, err := GetConfigDir()
	if err != nil {
		return cfg, nil //nolint:nilerr // No home directory means no global file to load.
	}
	cfg.configPath = filepath.Join(dir, "config.yaml")

	if _, statErr := os.Stat(cfg.configPath); errors.Is(statErr, os.ErrNotExist) {
		return cfg, nil
	}
	if err = cfg.Load(cfg.configPath); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", cfg.configPath, err)
	}
	return cfg, nil
}

// ConfigPath returns the path Save writes to.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// SetConfigPath overrides the path Save writes to.
func (c *Config) SetConfigPath(path string) {
	c.configPath = path
}

// Load reads path and unmarshals it onto c, then validates the result.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return c.Validate()
}

// Save writes c as YAML to its config path, creating parent directories.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.New("config path is not set")
	}
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err = os.WriteFile(c.configPath, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %s: %w", c.configPath, err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return data, nil
}

// Validate checks the schema version and value ranges.
func (c *Config) Validate() error {
	if err := checkSchemaVersion(c.SchemaVersion); err != nil {
		return err
	}
	if c.Convert.Jobs < 0 {
		return fmt.Errorf("convert.jobs must be >= 0, got %d", c.Convert.Jobs)
	}
	if c.Convert.CancelGrace < 0 {
		return fmt.Errorf("convert.cancel_grace must be >= 0, got %s", c.Convert.CancelGrace)
	}
	for _, ext := range c.Convert.Extensions {
		if strings.TrimSpace(ext) == "" {
			return errors.New("convert.extensions must not contain empty entries")
		}
	}
	if err := c.Fetch.Validate(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("logging.format must be %q or %q, got %q",
			logging.FormatConsole, logging.FormatJSON, c.Logging.Format)
	}
	return nil
}

// Validate checks the fetch section value ranges.
func (f FetchConfig) Validate() error {
	if f.Width < 0 || f.Height < 0 {
		return fmt.Errorf("fetch.width and fetch.height must be >= 0, got %dx%d", f.Width, f.Height)
	}
	if f.Step < 0 {
		return fmt.Errorf("fetch.step must be >= 0, got %v", f.Step)
	}
	if f.Jobs < 0 {
		return fmt.Errorf("fetch.jobs must be >= 0, got %d", f.Jobs)
	}
	if f.RateLimit < 0 {
		return fmt.Errorf("fetch.rate_limit must be >= 0, got %v", f.RateLimit)
	}
	if f.Timeout < 0 {
		return fmt.Errorf("fetch.timeout must be >= 0, got %s", f.Timeout)
	}
	return nil
}

// checkSchemaVersion accepts an empty version (pre-versioned files) and any
// version satisfying supportedSchema.
func checkSchemaVersion(v string) error {
	if v == "" {
		return nil
	}
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", ErrUnsupportedSchema, v)
	}
	constraint, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		return fmt.Errorf("parsing schema constraint: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s (supported %s)", ErrUnsupportedSchema, v, supportedSchema)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c. Values that cannot be
// parsed are returned as errors rather than silently ignored, since a bad
// TILECONV_JOBS would otherwise change concurrency without notice.
func (c *Config) ApplyEnv(lookupEnv func(string) (string, bool)) error {
	if v, ok := lookupEnv(EnvConverter); ok && v != "" {
		c.Convert.Converter = v
	}
	if v, ok := lookupEnv(EnvJobs); ok && strings.TrimSpace(v) != "" {
		jobs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", EnvJobs, v)
		}
		if jobs < 0 {
			jobs = 0
		}
		c.Convert.Jobs = jobs
	}
	if v, ok := lookupEnv(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookupEnv(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	return nil
}

// GetConfigDir returns the tileconv configuration directory.
func GetConfigDir() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return home, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".tileconv"), nil
}
