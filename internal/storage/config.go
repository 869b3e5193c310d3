// Manages the store configuration stored in pagedb.json or pagedb.yaml.

package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/maruel/pagedb/internal/pagedb"
	natomic "github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigJSON is the configuration file name. Comments and trailing commas
	// are accepted.
	ConfigJSON = "pagedb.json"
	// ConfigYAML is read when ConfigJSON does not exist.
	ConfigYAML = "pagedb.yaml"
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: `^([0-9.]+(ns|us|µs|ms|s|m|h))+$`, Examples: []any{"1s", "250ms"}}
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config stores the settings of a [Store].
// Loaded from pagedb.json (or pagedb.yaml), created with defaults if missing.
type Config struct {
	// DataDir is the directory holding the configuration and table files. It
	// is set by LoadConfig, not read from the file.
	DataDir string `json:"-" yaml:"-"`

	// MinFormat is the oldest table file format accepted.
	MinFormat int `json:"min_format" yaml:"min_format" jsonschema:"description=Oldest accepted table file format (1=flat 2=paged),enum=1,enum=2"`

	// FlushInterval is the period of the lazy write worker.
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval" jsonschema:"description=Period of the background flush for lazily written tables"`

	// SlidingTimeout is the idle period after which stock movements are
	// dropped from memory.
	SlidingTimeout Duration `json:"sliding_timeout" yaml:"sliding_timeout" jsonschema:"description=Idle period before the stock movement cache is dropped"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"log_level" yaml:"log_level" jsonschema:"description=Log level,enum=debug,enum=info,enum=warn,enum=error"`

	// PageSize is the page size of the product table. Power of two.
	PageSize int `json:"page_size" yaml:"page_size" jsonschema:"description=Page size in bytes of the product table (power of two)"`

	// Compression is "none" or "brotli" for the product table.
	Compression string `json:"compression" yaml:"compression" jsonschema:"description=Payload compression of the product table,enum=none,enum=brotli"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MinFormat:      int(pagedb.FormatFlat),
		FlushInterval:  Duration(pagedb.DefaultFlushInterval),
		SlidingTimeout: Duration(pagedb.DefaultSlidingTimeout),
		LogLevel:       "info",
		PageSize:       pagedb.DefaultPageSize,
		Compression:    pagedb.CompressionBrotli.String(),
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	switch pagedb.FormatVersion(c.MinFormat) { //nolint:gosec // small enum
	case pagedb.FormatFlat, pagedb.FormatPaged:
	default:
		return fmt.Errorf("min_format %d is not a known format", c.MinFormat)
	}
	if time.Duration(c.FlushInterval) < time.Millisecond {
		return errors.New("flush_interval must be at least 1ms")
	}
	if time.Duration(c.SlidingTimeout) < pagedb.MinSlidingTimeout {
		return fmt.Errorf("sliding_timeout must be at least %s", pagedb.MinSlidingTimeout)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PageSize < 64 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size %d must be a power of two of at least 64", c.PageSize)
	}
	if _, err := c.compression(); err != nil {
		return err
	}
	return nil
}

func (c *Config) compression() (pagedb.Compression, error) {
	switch c.Compression {
	case pagedb.CompressionNone.String():
		return pagedb.CompressionNone, nil
	case pagedb.CompressionBrotli.String():
		return pagedb.CompressionBrotli, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", c.Compression)
	}
}

// Options returns the engine options for this configuration.
func (c *Config) Options(logger *slog.Logger) *pagedb.Options {
	return &pagedb.Options{
		MinFormat:     pagedb.FormatVersion(c.MinFormat), //nolint:gosec // validated
		FlushInterval: time.Duration(c.FlushInterval),
		Logger:        logger,
	}
}

// ParseLogLevel parses a log level name.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// ConfigPath returns the configuration file in use in dataDir: pagedb.json,
// else pagedb.yaml if it exists, else pagedb.json.
func ConfigPath(dataDir string) string {
	p := filepath.Join(dataDir, ConfigJSON)
	if fileExists(p) {
		return p
	}
	if y := filepath.Join(dataDir, ConfigYAML); fileExists(y) {
		return y
	}
	return p
}

// LoadConfig loads the configuration from dataDir. Fields missing from the
// file keep their default. Creates pagedb.json with defaults if no
// configuration file exists.
func LoadConfig(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath(dataDir)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(dataDir); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	case filepath.Ext(path) == ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}
	cfg.DataDir = dataDir
	return &cfg, nil
}

// Save writes the configuration to dataDir/pagedb.json.
func (c *Config) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := natomic.WriteFile(filepath.Join(dataDir, ConfigJSON), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", ConfigJSON, err)
	}
	return nil
}

// ConfigSchema returns the JSON schema of the configuration file.
func ConfigSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return r.Reflect(&Config{})
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
