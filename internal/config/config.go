package config

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// ImageConfig describes the media image paksync works on.
type ImageConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Lock takes an advisory lock on the image while it is open.
	Lock bool `yaml:"lock" toml:"lock"`
}

// RemoteConfig selects the document store. DSN forms are the ones accepted by
// remotestore.BuildStoreFromDSN.
type RemoteConfig struct {
	DSN        string `yaml:"dsn" toml:"dsn"`
	Database   string `yaml:"database" toml:"database"`
	Username   string `yaml:"username" toml:"username"`
	Password   string `yaml:"password" toml:"password"`
	Timeout    string `yaml:"timeout" toml:"timeout"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`
}

type SyncConfig struct {
	LedgerDSN      string  `yaml:"ledger_dsn" toml:"ledger_dsn"`
	Policy         string  `yaml:"policy" toml:"policy"`
	Concurrency    int     `yaml:"concurrency" toml:"concurrency"`
	Interval       string  `yaml:"interval" toml:"interval"`
	IntervalJitter float64 `yaml:"interval_jitter" toml:"interval_jitter"`
	Timeout        string  `yaml:"timeout" toml:"timeout"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	StoreDSN        string   `yaml:"store_dsn" toml:"store_dsn"`
	Databases       []string `yaml:"databases" toml:"databases"`
	Username        string   `yaml:"username" toml:"username"`
	Password        string   `yaml:"password" toml:"password"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes" toml:"max_body_bytes"`
	RateLimitMax    int      `yaml:"rate_limit_max" toml:"rate_limit_max"`
	RateLimitWindow string   `yaml:"rate_limit_window" toml:"rate_limit_window"`
}

// ArchiveConfig selects where pre-save backups go. An empty DSN disables them.
type ArchiveConfig struct {
	DSN  string `yaml:"dsn" toml:"dsn"`
	Keep int    `yaml:"keep" toml:"keep"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Output string `yaml:"output" toml:"output"` // stdout, stderr, file, none
	Format string `yaml:"format" toml:"format"` // json, text
	File   string `yaml:"file" toml:"file"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Protocol    string `yaml:"protocol" toml:"protocol"` // grpc or http
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

type Config struct {
	Image   ImageConfig   `yaml:"image" toml:"image"`
	Remote  RemoteConfig  `yaml:"remote" toml:"remote"`
	Sync    SyncConfig    `yaml:"sync" toml:"sync"`
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Archive ArchiveConfig `yaml:"archive" toml:"archive"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
}

// Format names a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func Default() *Config {
	return &Config{
		Image: ImageConfig{Lock: true},
		Remote: RemoteConfig{
			DSN:        "memory://",
			Database:   "saves",
			Timeout:    "15s",
			MaxRetries: 3,
		},
		Sync: SyncConfig{
			Policy:         "manual",
			Concurrency:    4,
			Interval:       "30s",
			IntervalJitter: 0.2,
			Timeout:        "1m",
		},
		Server: ServerConfig{
			Addr:            ":5984",
			StoreDSN:        "memory://",
			Databases:       []string{"saves"},
			MaxBodyBytes:    1 << 20,
			RateLimitMax:    600,
			RateLimitWindow: "1m",
		},
		Archive: ArchiveConfig{Keep: 10},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			Format: "text",
			File:   "paksync.log",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "paksync",
		},
	}
}

// ParseDuration parses a duration string. Empty, "0" or invalid input yields
// the default; invalid input is logged.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil || d <= 0 {
		if logger != nil {
			logger.Warn("invalid duration, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration in the given format from r over the defaults.
// A nil reader or empty input returns the defaults.
func Load(r io.Reader, format Format) (*Config, error) {
	cfg := Default()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config toml: %w", err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	return cfg, nil
}

// FormatForPath picks the syntax from the file extension; anything that is not
// .toml is read as YAML.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// LoadFile reads configuration from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return Load(file, FormatForPath(path))
}

// ApplyEnv overlays PAKSYNC_* environment variables. Malformed numeric values
// are logged and ignored.
func (c *Config) ApplyEnv() {
	stringEnv(&c.Image.Path, "PAKSYNC_IMAGE")
	stringEnv(&c.Remote.DSN, "PAKSYNC_REMOTE_DSN")
	stringEnv(&c.Remote.Database, "PAKSYNC_REMOTE_DATABASE")
	stringEnv(&c.Remote.Username, "PAKSYNC_REMOTE_USERNAME")
	stringEnv(&c.Remote.Password, "PAKSYNC_REMOTE_PASSWORD")
	c.Remote.Timeout = durationEnv("PAKSYNC_REMOTE_TIMEOUT", c.Remote.Timeout)
	c.Remote.MaxRetries = intEnv("PAKSYNC_REMOTE_MAX_RETRIES", c.Remote.MaxRetries)
	stringEnv(&c.Sync.LedgerDSN, "PAKSYNC_LEDGER_DSN")
	stringEnv(&c.Sync.Policy, "PAKSYNC_POLICY")
	c.Sync.Concurrency = intEnv("PAKSYNC_CONCURRENCY", c.Sync.Concurrency)
	c.Sync.Interval = durationEnv("PAKSYNC_INTERVAL", c.Sync.Interval)
	c.Sync.IntervalJitter = floatEnv("PAKSYNC_INTERVAL_JITTER", c.Sync.IntervalJitter)
	stringEnv(&c.Server.Addr, "PAKSYNC_SERVER_ADDR")
	stringEnv(&c.Server.StoreDSN, "PAKSYNC_SERVER_STORE_DSN")
	stringEnv(&c.Server.Username, "PAKSYNC_SERVER_USERNAME")
	stringEnv(&c.Server.Password, "PAKSYNC_SERVER_PASSWORD")
	c.Server.RateLimitMax = intEnv("PAKSYNC_RATE_LIMIT_MAX", c.Server.RateLimitMax)
	c.Server.RateLimitWindow = durationEnv("PAKSYNC_RATE_LIMIT_WINDOW", c.Server.RateLimitWindow)
	stringEnv(&c.Archive.DSN, "PAKSYNC_ARCHIVE_DSN")
	stringEnv(&c.Logging.Level, "PAKSYNC_LOG_LEVEL")
	stringEnv(&c.Logging.Output, "PAKSYNC_LOG_OUTPUT")
	stringEnv(&c.Tracing.Endpoint, "PAKSYNC_OTLP_ENDPOINT")
	if raw := strings.TrimSpace(os.Getenv("PAKSYNC_TRACING")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			log.Printf("invalid PAKSYNC_TRACING=%q, using fallback %t", raw, c.Tracing.Enabled)
		} else {
			c.Tracing.Enabled = enabled
		}
	}
}

func stringEnv(dst *string, name string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*dst = value
	}
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

// durationEnv keeps durations as strings so ParseDuration applies the same
// defaults to file and environment values.
func durationEnv(name string, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	if _, err := time.ParseDuration(raw); err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return raw
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
