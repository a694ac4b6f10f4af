package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	serveradapter "github.com/hylla/fieldsync/internal/adapters/server"
	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/config"
	"github.com/hylla/fieldsync/internal/domain"
)

// TestMain sets deterministic environment defaults for CLI tests.
func TestMain(m *testing.M) {
	_ = os.Setenv("FIELDSYNC_DEV_MODE", "false")
	os.Exit(m.Run())
}

// isolateHome points every platform base dir at a temp dir.
func isolateHome(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("HOME", root)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	t.Setenv("FIELDSYNC_CONFIG", "")
	t.Setenv("FIELDSYNC_DB_PATH", "")
	return root
}

// writeTestConfig writes a config rooted in dir, optionally pointing at a remote.
func writeTestConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
[database]
path = %q

[blobs]
dir = %q

[remote]
base_url = %q

[logging]
level = "error"
`, filepath.Join(dir, "fieldsync.db"), filepath.Join(dir, "blobs"), baseURL)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestRunPathsCommand(t *testing.T) {
	root := isolateHome(t)
	dbPath := filepath.Join(root, "custom.db")

	var out bytes.Buffer
	if err := run(context.Background(), []string{"paths", "--db", dbPath}, &out, nil); err != nil {
		t.Fatalf("run(paths) error = %v", err)
	}
	text := out.String()
	for _, want := range []string{"app: fieldsync", "dev_mode: false", "profile: fieldsync", "db: " + dbPath, "blobs: "} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output, got %q", want, text)
		}
	}
}

func TestRunPathsHonorsEnvOverrides(t *testing.T) {
	root := isolateHome(t)
	t.Setenv("FIELDSYNC_DB_PATH", filepath.Join(root, "env.db"))
	t.Setenv("FIELDSYNC_CONFIG", filepath.Join(root, "env.toml"))

	var out bytes.Buffer
	if err := run(context.Background(), []string{"paths"}, &out, nil); err != nil {
		t.Fatalf("run(paths) error = %v", err)
	}
	if !strings.Contains(out.String(), "db: "+filepath.Join(root, "env.db")) || !strings.Contains(out.String(), "config: "+filepath.Join(root, "env.toml")) {
		t.Fatalf("expected env overrides in output, got %q", out.String())
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	isolateHome(t)
	if err := run(context.Background(), []string{"bogus"}, nil, nil); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestRunStatusLocalOnly(t *testing.T) {
	root := isolateHome(t)
	cfgPath := writeTestConfig(t, root, "")

	var out bytes.Buffer
	if err := run(context.Background(), []string{"status", "--json", "--config", cfgPath}, &out, nil); err != nil {
		t.Fatalf("run(status) error = %v", err)
	}
	var status struct {
		State  string `json:"state"`
		Online bool   `json:"online"`
		Queued int    `json:"queued"`
	}
	if err := json.Unmarshal(out.Bytes(), &status); err != nil {
		t.Fatalf("Unmarshal() error = %v (%q)", err, out.String())
	}
	if status.State != string(app.StateIdle) || status.Online || status.Queued != 0 {
		t.Fatalf("unexpected status %#v", status)
	}

	out.Reset()
	if err := run(context.Background(), []string{"status", "--config", cfgPath}, &out, nil); err != nil {
		t.Fatalf("run(status) error = %v", err)
	}
	if !strings.Contains(out.String(), "queued") || !strings.Contains(out.String(), "offline") {
		t.Fatalf("expected rendered status table, got %q", out.String())
	}
}

func TestRunSyncRequiresRemote(t *testing.T) {
	root := isolateHome(t)
	cfgPath := writeTestConfig(t, root, "")

	err := run(context.Background(), []string{"sync", "--config", cfgPath}, nil, nil)
	if !errors.Is(err, app.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestRunSyncAgainstReachableRemote(t *testing.T) {
	root := isolateHome(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer remote.Close()
	cfgPath := writeTestConfig(t, root, remote.URL)

	var out bytes.Buffer
	if err := run(context.Background(), []string{"sync", "--json", "--config", cfgPath}, &out, nil); err != nil {
		t.Fatalf("run(sync) error = %v", err)
	}
	var report app.DrainReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("Unmarshal() error = %v (%q)", err, out.String())
	}
	if report.Dispatched != 0 || report.Remaining != 0 || report.Passes == 0 {
		t.Fatalf("unexpected drain report %#v", report)
	}
}

func TestRunRetryWithoutFailures(t *testing.T) {
	root := isolateHome(t)
	cfgPath := writeTestConfig(t, root, "")

	err := run(context.Background(), []string{"retry", "loc-404", "--config", cfgPath}, nil, nil)
	if !errors.Is(err, app.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if err := run(context.Background(), []string{"retry", "--config", cfgPath}, nil, nil); err == nil {
		t.Fatalf("expected argument error without a local id")
	}
}

func TestRunSessionLoginLogout(t *testing.T) {
	root := isolateHome(t)
	cfgPath := writeTestConfig(t, root, "")

	if err := run(context.Background(), []string{"session", "login", "inspector@example.com", "--config", cfgPath}, nil, nil); err != nil {
		t.Fatalf("run(session login) error = %v", err)
	}
	if err := run(context.Background(), []string{"session", "logout", "--config", cfgPath}, nil, nil); err != nil {
		t.Fatalf("run(session logout) error = %v", err)
	}
	err := run(context.Background(), []string{"session", "open", "svc-missing", "--config", cfgPath}, nil, nil)
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound opening an unknown service, got %v", err)
	}
}

func TestRunServeWiresDependencies(t *testing.T) {
	root := isolateHome(t)
	cfgPath := writeTestConfig(t, root, "")

	original := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = original })

	var (
		gotCfg  serveradapter.Config
		gotDeps serveradapter.Dependencies
		readyOK error
		online  bool
	)
	serveCommandRunner = func(_ context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
		gotCfg, gotDeps = cfg, deps
		readyOK = deps.Ready()
		online = deps.Online()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, []string{"serve", "--http", "127.0.0.1:9911", "--config", cfgPath}, nil, nil); err != nil {
		t.Fatalf("run(serve) error = %v", err)
	}
	if gotCfg.HTTPBind != "127.0.0.1:9911" || gotCfg.APIEndpoint != "/api/v1" || gotCfg.MCPEndpoint != "/mcp" {
		t.Fatalf("unexpected server config %#v", gotCfg)
	}
	if gotCfg.ServerName != "fieldsync" || gotCfg.ServerVersion != version {
		t.Fatalf("unexpected server identity %#v", gotCfg)
	}
	if gotDeps.Records == nil || gotDeps.Sync == nil {
		t.Fatalf("expected record and sync services wired, got %#v", gotDeps)
	}
	if readyOK != nil || online {
		t.Fatalf("expected ready local-only engine, ready=%v online=%v", readyOK, online)
	}
}

func TestRunServeReportsServerFailure(t *testing.T) {
	root := isolateHome(t)
	cfgPath := writeTestConfig(t, root, "")

	original := serveCommandRunner
	t.Cleanup(func() { serveCommandRunner = original })
	serveCommandRunner = func(context.Context, serveradapter.Config, serveradapter.Dependencies) error {
		return errors.New("address already in use")
	}
	err := run(context.Background(), []string{"serve", "--config", cfgPath}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "address already in use") {
		t.Fatalf("expected server failure, got %v", err)
	}
}

func TestRuntimeLoggerDevFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	var console bytes.Buffer
	logger, err := newRuntimeLogger(&console, "fieldsync", true, config.LoggingConfig{
		Level: "info",
		DevFile: config.DevFileConfig{
			Enabled:    true,
			Dir:        dir,
			MaxSizeMB:  1,
			MaxBackups: 1,
		},
	}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	wantPath := filepath.Join(dir, "fieldsync-20261018.log")
	if logger.DevLogPath() != wantPath {
		t.Fatalf("DevLogPath() = %q, want %q", logger.DevLogPath(), wantPath)
	}

	logger.Info("outbox drained", "ops", 3)
	logger.Debug("hidden below level")
	logger.SetConsoleEnabled(false)
	logger.Warn("file only")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	text := string(content)
	if !strings.Contains(text, "level=info") || !strings.Contains(text, "ops=3") || !strings.Contains(text, "file only") {
		t.Fatalf("unexpected dev log content %q", text)
	}
	if strings.Contains(text, "hidden below level") {
		t.Fatalf("expected debug entry filtered, got %q", text)
	}
	if !strings.Contains(console.String(), "outbox drained") || strings.Contains(console.String(), "file only") {
		t.Fatalf("unexpected console output %q", console.String())
	}
}

func TestRuntimeLoggerRejectsBadLevel(t *testing.T) {
	if _, err := newRuntimeLogger(nil, "fieldsync", false, config.LoggingConfig{Level: "loud"}, nil); err == nil {
		t.Fatalf("expected error for bad level")
	}
}

func TestSanitizeLogFileStem(t *testing.T) {
	cases := map[string]string{
		"":               "fieldsync",
		"  ":             "fieldsync",
		"fieldsync":      "fieldsync",
		"field sync/dev": "field-sync-dev",
		"/":              "fieldsync",
	}
	for in, want := range cases {
		if got := sanitizeLogFileStem(in); got != want {
			t.Fatalf("sanitizeLogFileStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderStatusListsFailedOps(t *testing.T) {
	var out bytes.Buffer
	renderStatus(&out, app.StatusReport{
		State:  app.StateBackoff,
		Online: true,
		Outbox: app.OutboxStats{Queued: 2, Failed: 1},
		FailedOps: []domain.Operation{{
			OpID:             7,
			Kind:             domain.OpCreate,
			TargetEntityType: domain.EntityRoom,
			TargetLocalID:    "loc-7",
			Attempt:          1,
			LastError:        "name is required",
		}},
	})
	text := out.String()
	for _, want := range []string{"backoff", "online", "loc-7", "name is required"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in rendered status, got %q", want, text)
		}
	}
}

func TestNewImageIDIsUnique(t *testing.T) {
	a, b := newImageID(), newImageID()
	if a == b || len(a) != 26 || strings.ToLower(a) != a {
		t.Fatalf("unexpected image ids %q %q", a, b)
	}
}
