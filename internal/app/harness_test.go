package app_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/hylla/fieldsync/internal/adapters/storage/blobfs"
	"github.com/hylla/fieldsync/internal/adapters/storage/sqlite"
	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
	"github.com/hylla/fieldsync/internal/invalidation"
)

// fakeRemote is an in-memory remote record store.
type fakeRemote struct {
	mu      sync.Mutex
	next    int
	records map[string]app.RemoteRecord
	photos  map[string][]byte
	calls   []string
	// errs fails calls keyed by local id for creates and server id otherwise.
	errs map[string]error
	// block, when set, holds creates until it closes or the call is cancelled.
	block   chan struct{}
	started chan string
	// onCreate runs after a create is accepted and before it returns.
	onCreate func(localID string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		records: map[string]app.RemoteRecord{},
		photos:  map[string][]byte{},
		errs:    map[string]error{},
	}
}

func (f *fakeRemote) setErr(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, key)
		return
	}
	f.errs[key] = err
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) record(serverID string) (app.RemoteRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[serverID]
	return rec, ok
}

func (f *fakeRemote) begin(call, key string) (chan struct{}, chan string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if err := f.errs[key]; err != nil {
		return nil, nil, err
	}
	return f.block, f.started, nil
}

func (f *fakeRemote) store(req app.CreateRequest, content []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("srv-%d", f.next)
	f.records[id] = app.RemoteRecord{
		EntityType:     req.EntityType,
		ServerID:       id,
		ParentServerID: req.ParentServerID,
		Payload:        req.Payload.Clone(),
	}
	if content != nil {
		f.photos[id] = content
	}
	return id
}

func (f *fakeRemote) Create(ctx context.Context, req app.CreateRequest) (string, error) {
	block, started, err := f.begin(fmt.Sprintf("create %s %s", req.EntityType, req.LocalID), req.LocalID)
	if err != nil {
		return "", err
	}
	if block != nil {
		if started != nil {
			started <- req.LocalID
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
		}
	}
	if f.onCreate != nil {
		f.onCreate(req.LocalID)
	}
	return f.store(req, nil), nil
}

func (f *fakeRemote) Update(_ context.Context, entityType domain.EntityType, serverID string, payload domain.Payload) error {
	if _, _, err := f.begin(fmt.Sprintf("update %s %s", entityType, serverID), serverID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[serverID]
	if !ok {
		return fmt.Errorf("%w: %s not found", app.ErrRejected, serverID)
	}
	rec.Payload = rec.Payload.Merge(payload)
	f.records[serverID] = rec
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, entityType domain.EntityType, serverID string) error {
	if _, _, err := f.begin(fmt.Sprintf("delete %s %s", entityType, serverID), serverID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, serverID)
	return nil
}

func (f *fakeRemote) UploadPhoto(_ context.Context, upload app.PhotoUpload) (string, error) {
	if _, _, err := f.begin(fmt.Sprintf("upload %s", upload.LocalID), upload.LocalID); err != nil {
		return "", err
	}
	content, err := io.ReadAll(upload.Content)
	if err != nil {
		return "", err
	}
	return f.store(upload.CreateRequest, content), nil
}

func (f *fakeRemote) FetchRecord(_ context.Context, _ domain.EntityType, serverID string) (app.RemoteRecord, error) {
	rec, ok := f.record(serverID)
	if !ok {
		return app.RemoteRecord{}, app.ErrNotFound
	}
	rec.Payload = rec.Payload.Clone()
	return rec, nil
}

func (f *fakeRemote) FetchService(_ context.Context, serviceServerID string) (app.ServiceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	service, ok := f.records[serviceServerID]
	if !ok {
		return app.ServiceSnapshot{}, fmt.Errorf("%w: service %s", app.ErrRejected, serviceServerID)
	}
	out := app.ServiceSnapshot{ServiceServerID: serviceServerID, Records: []app.RemoteRecord{service}}
	frontier := []string{serviceServerID}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for id, rec := range f.records {
			if rec.ParentServerID == parent {
				out.Records = append(out.Records, rec)
				frontier = append(frontier, id)
			}
		}
	}
	return out, nil
}

func (f *fakeRemote) PhotoURL(serverID string) string {
	return "https://records.test/photos/" + serverID
}

// fakeConn is a switchable connectivity source.
type fakeConn struct {
	online  atomic.Bool
	changes chan bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{changes: make(chan bool, 4)}
	c.online.Store(online)
	return c
}

func (c *fakeConn) Online() bool         { return c.online.Load() }
func (c *fakeConn) Changes() <-chan bool { return c.changes }

func (c *fakeConn) set(online bool) {
	if c.online.Swap(online) != online {
		c.changes <- online
	}
}

type harness struct {
	svc    *app.Service
	repo   *sqlite.Repository
	remote *fakeRemote
	conn   *fakeConn
	bus    *invalidation.Bus
	blobs  *blobfs.Store
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	blobOpts blobfs.Options
	noBlobs  bool
	online   bool
}

func withBlobQuota(bytes int64) harnessOption {
	return func(cfg *harnessConfig) { cfg.blobOpts.QuotaBytes = bytes }
}

func withoutBlobs() harnessOption {
	return func(cfg *harnessConfig) { cfg.noBlobs = true }
}

func offline() harnessOption {
	return func(cfg *harnessConfig) { cfg.online = false }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{online: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	bus := invalidation.NewBus()
	t.Cleanup(bus.Close)

	h := &harness{
		repo:   repo,
		remote: newFakeRemote(),
		conn:   newFakeConn(cfg.online),
		bus:    bus,
	}
	deps := app.Dependencies{
		Repo:         repo,
		Remote:       h.remote,
		Connectivity: h.conn,
		Bus:          bus,
		IDGen:        sequence("loc"),
		ImageIDGen:   sequence("img"),
	}
	if !cfg.noBlobs {
		h.blobs = blobfs.New(afero.NewMemMapFs(), "/var/fieldsync/blobs", cfg.blobOpts)
		deps.Blobs = h.blobs
	}
	h.svc = app.NewService(deps, app.ServiceConfig{
		BackoffMin:       10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		PhotoConcurrency: 2,
	})
	return h
}

func sequence(prefix string) app.IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// seedService creates a project, a service and optional rooms and syncs them.
func (h *harness) seedService(t *testing.T, rooms ...string) (domain.LocalRecord, []domain.LocalRecord) {
	t.Helper()
	ctx := context.Background()
	project := h.create(t, domain.EntityProject, "", domain.Payload{"name": "Harbor Tower"})
	service := h.create(t, domain.EntityService, project.LocalID, domain.Payload{"name": "Annual inspection"})
	out := make([]domain.LocalRecord, 0, len(rooms))
	for _, name := range rooms {
		out = append(out, h.create(t, domain.EntityRoom, service.LocalID, domain.Payload{"name": name}))
	}
	h.sync(t)
	service = h.get(t, domain.EntityService, service.LocalID)
	for i := range out {
		out[i] = h.get(t, domain.EntityRoom, out[i].LocalID)
	}
	if _, err := h.svc.OpenService(ctx, service.LocalID); err != nil {
		t.Fatalf("OpenService() error = %v", err)
	}
	return service, out
}

func (h *harness) create(t *testing.T, entityType domain.EntityType, parent string, payload domain.Payload) domain.LocalRecord {
	t.Helper()
	rec, err := h.svc.CreateEntity(context.Background(), app.CreateEntityInput{
		EntityType:    entityType,
		ParentLocalID: parent,
		Payload:       payload,
	})
	if err != nil {
		t.Fatalf("CreateEntity(%s) error = %v", entityType, err)
	}
	return rec
}

func (h *harness) get(t *testing.T, entityType domain.EntityType, localID string) domain.LocalRecord {
	t.Helper()
	rec, err := h.svc.GetCached(context.Background(), entityType, domain.Temporary(localID))
	if err != nil {
		t.Fatalf("GetCached(%s) error = %v", localID, err)
	}
	return rec
}

func (h *harness) sync(t *testing.T) app.DrainReport {
	t.Helper()
	report, err := h.svc.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	return report
}

func (h *harness) pending(t *testing.T, localID string) []domain.Operation {
	t.Helper()
	ops, err := h.svc.PendingOperations(context.Background(), app.OutboxQuery{TargetLocalID: localID})
	if err != nil {
		t.Fatalf("PendingOperations() error = %v", err)
	}
	return ops
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
