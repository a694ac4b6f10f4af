package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hylla/fieldsync/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default("/tmp/fieldsync.db", "/tmp/blobs")
	if cfg.Database.Path != "/tmp/fieldsync.db" || cfg.Blobs.Dir != "/tmp/blobs" {
		t.Fatalf("unexpected paths %#v %#v", cfg.Database, cfg.Blobs)
	}
	if cfg.Sync.BackoffMin.Duration != 2*time.Second || cfg.Sync.BackoffMax.Duration != 5*time.Minute {
		t.Fatalf("unexpected backoff defaults %#v", cfg.Sync)
	}
	if cfg.Remote.HealthPath != "/health" || cfg.Bus.SubjectPrefix != "fieldsync.invalidate" {
		t.Fatalf("unexpected remote/bus defaults %#v %#v", cfg.Remote, cfg.Bus)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	defaults := Default("/tmp/fieldsync.db", "/tmp/blobs")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), defaults)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != defaults.Database.Path {
		t.Fatalf("expected default db path, got %q", cfg.Database.Path)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "/custom/fieldsync.db"

[remote]
base_url = "https://records.example.com/api/v2"
timeout = "10s"
rate_limit = 2.5

[remote.tables.room]
name = "inspection_rooms"
name_field = "room_name"

[sync]
interval = "30s"
backoff_min = "1s"
backoff_max = "1m"
photo_concurrency = 5

[bus]
nats_url = "nats://127.0.0.1:4222"

[logging]
level = "debug"

[logging.dev_file]
enabled = false
`)

	cfg, err := Load(path, Default("/tmp/default.db", "/tmp/blobs"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/custom/fieldsync.db" {
		t.Fatalf("unexpected db path %q", cfg.Database.Path)
	}
	if cfg.Remote.Timeout.Duration != 10*time.Second || cfg.Remote.RateLimit != 2.5 {
		t.Fatalf("unexpected remote %#v", cfg.Remote)
	}
	if cfg.Remote.Burst != 5 {
		t.Fatalf("expected default burst kept, got %d", cfg.Remote.Burst)
	}
	if cfg.Remote.Tables["room"].Name != "inspection_rooms" {
		t.Fatalf("unexpected tables %#v", cfg.Remote.Tables)
	}
	if cfg.Sync.Interval.Duration != 30*time.Second || cfg.Sync.PhotoConcurrency != 5 {
		t.Fatalf("unexpected sync %#v", cfg.Sync)
	}
	if cfg.Bus.NATSURL != "nats://127.0.0.1:4222" || cfg.Bus.SubjectPrefix != "fieldsync.invalidate" {
		t.Fatalf("unexpected bus %#v", cfg.Bus)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.DevFile.Enabled {
		t.Fatalf("unexpected logging %#v", cfg.Logging)
	}
	if got := cfg.NameFields(); got[domain.EntityRoom] != "room_name" || len(got) != 1 {
		t.Fatalf("unexpected name fields %#v", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad duration": `
[sync]
interval = "soon"
`,
		"backoff inverted": `
[sync]
backoff_min = "1m"
backoff_max = "1s"
`,
		"bad base url": `
[remote]
base_url = "ftp://records"
`,
		"unknown table": `
[remote.tables.garage]
name = "garages"
`,
		"bad level": `
[logging]
level = "loud"
`,
		"relative endpoint": `
[server]
api_endpoint = "api"
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content), Default("/tmp/default.db", "/tmp/blobs")); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte(" 90s ")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	out, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}
	if string(out) != "1m30s" {
		t.Fatalf("unexpected text %q", out)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "config.toml")
	if err := EnsureConfigDir(target); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(target)); err != nil {
		t.Fatalf("expected dir to exist, stat error %v", err)
	}
}
