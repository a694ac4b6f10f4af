package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/hylla/fieldsync/internal/domain"
)

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalText decodes a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText encodes the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the on-disk runtime configuration.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Blobs     BlobConfig      `toml:"blobs"`
	Remote    RemoteConfig    `toml:"remote"`
	Sync      SyncConfig      `toml:"sync"`
	Bus       BusConfig       `toml:"bus"`
	Logging   LoggingConfig   `toml:"logging"`
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type BlobConfig struct {
	Dir           string `toml:"dir"`
	QuotaBytes    int64  `toml:"quota_bytes"`
	MaxPhotoBytes int64  `toml:"max_photo_bytes"`
}

type RemoteConfig struct {
	BaseURL    string                 `toml:"base_url"`
	Token      string                 `toml:"token"`
	Timeout    Duration               `toml:"timeout"`
	RateLimit  float64                `toml:"rate_limit"`
	Burst      int                    `toml:"burst"`
	HealthPath string                 `toml:"health_path"`
	Tables     map[string]TableConfig `toml:"tables"`
}

// TableConfig overrides how one entity type maps onto a remote table.
type TableConfig struct {
	Name         string `toml:"name"`
	IDField      string `toml:"id_field"`
	ParentField  string `toml:"parent_field"`
	ServiceField string `toml:"service_field"`
	NameField    string `toml:"name_field"`
}

type SyncConfig struct {
	Interval         Duration `toml:"interval"`
	BackoffMin       Duration `toml:"backoff_min"`
	BackoffMax       Duration `toml:"backoff_max"`
	PhotoConcurrency int      `toml:"photo_concurrency"`
	ProbeInterval    Duration `toml:"probe_interval"`
}

type BusConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

// DevFileConfig controls the rotating logfmt sink used in dev mode.
type DevFileConfig struct {
	Enabled    bool   `toml:"enabled"`
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

type ServerConfig struct {
	HTTPBind    string `toml:"http_bind"`
	APIEndpoint string `toml:"api_endpoint"`
	MCPEndpoint string `toml:"mcp_endpoint"`
}

type TelemetryConfig struct {
	TraceStdout bool `toml:"trace_stdout"`
}

// Default returns the configuration used when no file overrides it.
func Default(dbPath, blobDir string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Blobs: BlobConfig{
			Dir:           blobDir,
			QuotaBytes:    2 << 30,
			MaxPhotoBytes: 32 << 20,
		},
		Remote: RemoteConfig{
			Timeout:    Duration{30 * time.Second},
			RateLimit:  10,
			Burst:      5,
			HealthPath: "/health",
			Tables:     map[string]TableConfig{},
		},
		Sync: SyncConfig{
			Interval:         Duration{time.Minute},
			BackoffMin:       Duration{2 * time.Second},
			BackoffMax:       Duration{5 * time.Minute},
			PhotoConcurrency: 3,
			ProbeInterval:    Duration{15 * time.Second},
		},
		Bus: BusConfig{
			SubjectPrefix: "fieldsync.invalidate",
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled:    true,
				Dir:        ".fieldsync/log",
				MaxSizeMB:  20,
				MaxBackups: 5,
			},
		},
		Server: ServerConfig{
			HTTPBind:    "127.0.0.1:7380",
			APIEndpoint: "/api/v1",
			MCPEndpoint: "/mcp",
		},
	}
}

// Load reads path over defaults. A missing or empty file yields defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the runtime cannot use.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if c.Blobs.QuotaBytes < 0 {
		return errors.New("blobs.quota_bytes must be >= 0")
	}
	if c.Blobs.MaxPhotoBytes < 0 {
		return errors.New("blobs.max_photo_bytes must be >= 0")
	}

	if raw := strings.TrimSpace(c.Remote.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid remote.base_url: %q", c.Remote.BaseURL)
		}
	}
	if c.Remote.Timeout.Duration < 0 {
		return errors.New("remote.timeout must be >= 0")
	}
	if c.Remote.RateLimit < 0 || c.Remote.Burst < 0 {
		return errors.New("remote.rate_limit and remote.burst must be >= 0")
	}
	for key, table := range c.Remote.Tables {
		if _, err := domain.ParseEntityType(key); err != nil {
			return fmt.Errorf("remote.tables.%s: unknown entity type", key)
		}
		if strings.ContainsAny(table.Name, "/?#") {
			return fmt.Errorf("remote.tables.%s.name is not a table name: %q", key, table.Name)
		}
	}

	if c.Sync.Interval.Duration < 0 || c.Sync.ProbeInterval.Duration < 0 {
		return errors.New("sync intervals must be >= 0")
	}
	if c.Sync.BackoffMin.Duration < 0 || c.Sync.BackoffMax.Duration < 0 {
		return errors.New("sync backoff must be >= 0")
	}
	if c.Sync.BackoffMax.Duration > 0 && c.Sync.BackoffMax.Duration < c.Sync.BackoffMin.Duration {
		return errors.New("sync.backoff_max must be >= sync.backoff_min")
	}
	if c.Sync.PhotoConcurrency < 0 {
		return errors.New("sync.photo_concurrency must be >= 0")
	}

	switch strings.TrimSpace(strings.ToLower(c.Logging.Level)) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Logging.DevFile.MaxSizeMB < 0 || c.Logging.DevFile.MaxBackups < 0 {
		return errors.New("logging.dev_file limits must be >= 0")
	}

	for name, endpoint := range map[string]string{
		"server.api_endpoint": c.Server.APIEndpoint,
		"server.mcp_endpoint": c.Server.MCPEndpoint,
	} {
		if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
			return fmt.Errorf("%s must start with /: %q", name, endpoint)
		}
	}
	return nil
}

// NameFields returns the configured display-name payload key per entity type.
func (c Config) NameFields() map[domain.EntityType]string {
	out := map[domain.EntityType]string{}
	for key, table := range c.Remote.Tables {
		entityType, err := domain.ParseEntityType(key)
		if err != nil {
			continue
		}
		if field := strings.TrimSpace(table.NameField); field != "" {
			out[entityType] = field
		}
	}
	return out
}

// EnsureConfigDir creates the directory holding path.
func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
