package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/fieldsync/internal/adapters/remote"
	"github.com/hylla/fieldsync/internal/adapters/storage/blobfs"
	"github.com/hylla/fieldsync/internal/adapters/storage/sqlite"
	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/config"
	"github.com/hylla/fieldsync/internal/domain"
	"github.com/hylla/fieldsync/internal/invalidation"
	"github.com/hylla/fieldsync/internal/platform"
	"github.com/oklog/ulid/v2"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
}

// engine is one opened runtime: store, blob cache, remote client and service.
type engine struct {
	cfg     config.Config
	paths   platform.Paths
	logger  *runtimeLogger
	repo    *sqlite.Repository
	bus     *invalidation.Bus
	relay   *invalidation.NATSRelay
	prober  *remote.Prober
	tracing *platform.Tracing
	svc     *app.Service
}

// offlineConnectivity is used when no remote base url is configured.
type offlineConnectivity struct{}

func (offlineConnectivity) Online() bool         { return false }
func (offlineConnectivity) Changes() <-chan bool { return nil }

// resolvePaths applies flag and environment overrides over platform defaults.
func resolvePaths(opts rootOptions) (platform.Paths, error) {
	return platform.Resolve(platform.Options{
		AppName:    opts.appName,
		DevMode:    opts.devMode,
		ConfigPath: opts.configPath,
		DBPath:     opts.dbPath,
	})
}

// openEngine loads configuration and wires every adapter into an app.Service.
func openEngine(ctx context.Context, opts rootOptions, stderr io.Writer) (*engine, error) {
	paths, err := resolvePaths(opts)
	if err != nil {
		return nil, err
	}
	configPath := paths.ConfigPath
	defaultCfg := config.Default(paths.DBPath, paths.BlobDir)
	cfg, err := config.Load(configPath, defaultCfg)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if paths.DBOverridden {
		cfg.Database.Path = paths.DBPath
	}
	if token := strings.TrimSpace(os.Getenv("FIELDSYNC_REMOTE_TOKEN")); token != "" {
		cfg.Remote.Token = token
	}

	logger, err := newRuntimeLogger(stderr, opts.appName, opts.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	e := &engine{cfg: cfg, paths: paths, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = e.Close(context.Background())
		}
	}()

	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path, "blob_dir", cfg.Blobs.Dir)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	var traceOut io.Writer
	if cfg.Telemetry.TraceStdout {
		traceOut = stderr
	}
	if e.tracing, err = platform.NewTracing(opts.appName, traceOut); err != nil {
		return nil, fmt.Errorf("configure tracing: %w", err)
	}

	logger.Info("opening sqlite repository", "db_path", cfg.Database.Path)
	if e.repo, err = sqlite.Open(cfg.Database.Path); err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}

	var blobs app.BlobStore
	store, err := blobfs.Open(cfg.Blobs.Dir, blobfs.Options{QuotaBytes: cfg.Blobs.QuotaBytes})
	if err != nil {
		// Photos still capture through the outbox without a blob cache.
		logger.Warn("blob cache unavailable", "dir", cfg.Blobs.Dir, "err", err)
	} else {
		blobs = store
	}

	e.bus = invalidation.NewBus()
	if url := strings.TrimSpace(cfg.Bus.NATSURL); url != "" {
		relay, err := invalidation.DialNATS(e.bus, invalidation.NATSConfig{
			URL:           url,
			SubjectPrefix: cfg.Bus.SubjectPrefix,
		}, logger)
		if err != nil {
			logger.Warn("invalidation relay unavailable", "nats_url", url, "err", err)
		} else {
			e.relay = relay
		}
	}

	deps := app.Dependencies{
		Repo:         e.repo,
		Blobs:        blobs,
		Bus:          e.bus,
		Logger:       logger,
		IDGen:        uuid.NewString,
		ImageIDGen:   newImageID,
		Clock:        time.Now,
		Connectivity: offlineConnectivity{},
	}
	if strings.TrimSpace(cfg.Remote.BaseURL) != "" {
		client, err := remote.New(remote.Config{
			BaseURL:   cfg.Remote.BaseURL,
			Token:     cfg.Remote.Token,
			Timeout:   cfg.Remote.Timeout.Duration,
			RateLimit: cfg.Remote.RateLimit,
			Burst:     cfg.Remote.Burst,
			Tables:    remoteTables(cfg.Remote.Tables),
		})
		if err != nil {
			return nil, fmt.Errorf("configure remote client: %w", err)
		}
		e.prober = remote.NewProber(client, remote.ProberConfig{
			HealthPath: cfg.Remote.HealthPath,
			Interval:   cfg.Sync.ProbeInterval.Duration,
			Logger:     logger,
		})
		deps.Remote = client
		deps.Connectivity = e.prober
	} else {
		logger.Info("no remote configured; running local only")
	}

	e.svc = app.NewService(deps, app.ServiceConfig{
		NameFields:       cfg.NameFields(),
		SyncInterval:     cfg.Sync.Interval.Duration,
		BackoffMin:       cfg.Sync.BackoffMin.Duration,
		BackoffMax:       cfg.Sync.BackoffMax.Duration,
		PhotoConcurrency: cfg.Sync.PhotoConcurrency,
		MaxBlobBytes:     cfg.Blobs.MaxPhotoBytes,
	})
	logger.Debug("application service initialized", "remote", cfg.Remote.BaseURL != "", "relay", e.relay != nil)
	ok = true
	return e, nil
}

// probe refreshes connectivity once so one-shot commands see the real state.
func (e *engine) probe(ctx context.Context) bool {
	if e.prober == nil {
		return false
	}
	return e.prober.Probe(ctx)
}

// ready reports local store health for readiness checks.
func (e *engine) ready() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.repo.Ping(ctx)
}

// online reports remote reachability.
func (e *engine) online() bool {
	return e.svc.IsOnline()
}

// Close releases everything openEngine acquired.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	if e.relay != nil {
		errs = append(errs, e.relay.Close())
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.repo != nil {
		if err := e.repo.Close(); err != nil {
			e.logger.Warn("sqlite close failed", "db_path", e.cfg.Database.Path, "err", err)
			errs = append(errs, err)
		}
	}
	if e.tracing != nil {
		errs = append(errs, e.tracing.Shutdown(ctx))
	}
	errs = append(errs, e.logger.Close())
	return errors.Join(errs...)
}

// remoteTables maps configured table overrides onto entity types.
func remoteTables(in map[string]config.TableConfig) map[domain.EntityType]remote.Table {
	out := make(map[domain.EntityType]remote.Table, len(in))
	for key, table := range in {
		entityType, err := domain.ParseEntityType(key)
		if err != nil {
			continue
		}
		out[entityType] = remote.Table{
			Name:         table.Name,
			IDField:      table.IDField,
			ParentField:  table.ParentField,
			ServiceField: table.ServiceField,
		}
	}
	return out
}

// newImageID returns a lexically sortable identifier for captured photos.
func newImageID() string {
	return strings.ToLower(ulid.Make().String())
}
