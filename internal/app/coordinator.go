package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hylla/fieldsync/internal/domain"
)

const tracerName = "github.com/hylla/fieldsync/internal/app"

// SyncState is the coordinator state.
type SyncState string

// SyncState values.
const (
	StateIdle     SyncState = "idle"
	StateDraining SyncState = "draining"
	StateBackoff  SyncState = "backoff"
)

const defaultPhotoConcurrency = 3

// errTargetDeleted is the cancel cause used when a record is deleted mid-upload.
var errTargetDeleted = errors.New("target deleted locally")

// DrainReport summarizes one drain.
type DrainReport struct {
	Passes     int           `json:"passes"`
	Dispatched int           `json:"dispatched"`
	Succeeded  int           `json:"succeeded"`
	Reconciled int           `json:"reconciled"`
	Photos     int           `json:"photos"`
	Skipped    int           `json:"skipped"`
	Rejected   int           `json:"rejected"`
	Transient  int           `json:"transient"`
	Cancelled  int           `json:"cancelled"`
	Remaining  int           `json:"remaining"`
	RetryIn    time.Duration `json:"retry_in"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// CoordinatorSnapshot is a point-in-time view of coordinator state.
type CoordinatorSnapshot struct {
	State     SyncState
	Last      DrainReport
	NextRetry time.Time
	Failures  int
}

type coordinatorDeps struct {
	repo       Repository
	remote     RemoteAPI
	blobs      BlobStore
	conn       Connectivity
	reconciler *Reconciler
	rehydrator *Rehydrator
	notify     notifier
	clock      Clock
	logger     Logger
}

type coordinatorConfig struct {
	interval         time.Duration
	backoff          Backoff
	photoConcurrency int
}

// Coordinator drains the outbox against the remote API. Only one drain runs at a time.
type Coordinator struct {
	coordinatorDeps
	cfg    coordinatorConfig
	tracer trace.Tracer

	trigger chan struct{}
	drainMu sync.Mutex

	mu        sync.Mutex
	state     SyncState
	rerun     bool
	last      DrainReport
	failures  int
	nextRetry time.Time
	inflight  map[string]context.CancelCauseFunc
}

func newCoordinator(deps coordinatorDeps, cfg coordinatorConfig) *Coordinator {
	cfg.backoff = cfg.backoff.normalized()
	if cfg.photoConcurrency <= 0 {
		cfg.photoConcurrency = defaultPhotoConcurrency
	}
	return &Coordinator{
		coordinatorDeps: deps,
		cfg:             cfg,
		tracer:          otel.Tracer(tracerName),
		trigger:         make(chan struct{}, 1),
		state:           StateIdle,
		inflight:        map[string]context.CancelCauseFunc{},
	}
}

// Trigger requests a drain. Triggers received while draining coalesce into one rerun.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() CoordinatorSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CoordinatorSnapshot{State: c.state, Last: c.last, NextRetry: c.nextRetry, Failures: c.failures}
}

// State returns the current state.
func (c *Coordinator) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(state SyncState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()
	if !changed {
		return
	}
	c.notify.event(domain.InvalidationEvent{Kind: domain.EventSyncState, State: string(state), At: c.clock().UTC()})
}

func (c *Coordinator) online() bool {
	return c.conn == nil || c.conn.Online()
}

// CancelTarget aborts an in-flight upload for a record deleted locally.
func (c *Coordinator) CancelTarget(localID string) {
	c.mu.Lock()
	cancel, ok := c.inflight[localID]
	c.mu.Unlock()
	if ok {
		cancel(errTargetDeleted)
	}
}

func (c *Coordinator) targetContext(ctx context.Context, localID string) (context.Context, func()) {
	tctx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.inflight[localID] = cancel
	c.mu.Unlock()
	return tctx, func() {
		c.mu.Lock()
		delete(c.inflight, localID)
		c.mu.Unlock()
		cancel(nil)
	}
}

// Run drives the state machine until ctx is done: idle until a trigger, the
// periodic timer or restored connectivity, then draining, then backoff on a
// transient failure.
func (c *Coordinator) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.cfg.interval > 0 {
		ticker := time.NewTicker(c.cfg.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var changes <-chan bool
	if c.conn != nil {
		changes = c.conn.Changes()
	}
	var backoff *time.Timer
	var backoffC <-chan time.Time
	stopBackoff := func() {
		if backoff != nil {
			backoff.Stop()
		}
		backoff, backoffC = nil, nil
	}
	defer stopBackoff()

	c.Trigger()
	for {
		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return nil
		case <-c.trigger:
			if backoffC != nil {
				continue
			}
		case <-tick:
			if backoffC != nil {
				continue
			}
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if !online {
				continue
			}
			c.logger.Info("connectivity restored")
			stopBackoff()
			c.mu.Lock()
			c.failures = 0
			c.mu.Unlock()
		case <-backoffC:
			backoff, backoffC = nil, nil
		}

		if !c.online() {
			c.setState(StateIdle)
			continue
		}
		if delay := c.drainUntilSettled(ctx); delay > 0 {
			backoff = time.NewTimer(delay)
			backoffC = backoff.C
		}
	}
}

// drainUntilSettled drains and returns the backoff delay when the drain hit a
// transient failure.
func (c *Coordinator) drainUntilSettled(ctx context.Context) time.Duration {
	report, err := c.Drain(ctx)
	if errors.Is(err, ErrDrainInProgress) {
		return 0
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Error("sync drain failed", "err", err)
	}
	return report.RetryIn
}

// Drain runs passes over the outbox until a pass makes no progress or a
// transient failure stops it. A concurrent call returns ErrDrainInProgress and
// schedules a rerun, which the running drain picks up before it returns.
func (c *Coordinator) Drain(ctx context.Context) (DrainReport, error) {
	c.mu.Lock()
	if !c.drainMu.TryLock() {
		c.rerun = true
		c.mu.Unlock()
		return DrainReport{}, ErrDrainInProgress
	}
	c.rerun = false
	c.mu.Unlock()
	defer c.releaseDrain()

	ctx, span := c.tracer.Start(ctx, "sync.drain")
	defer span.End()

	metricDrains.Inc()
	c.setState(StateDraining)
	report := DrainReport{StartedAt: c.clock().UTC()}
	var drainErr error
	for {
		report.Passes++
		progress, stop, err := c.pass(ctx, &report)
		if err != nil {
			drainErr = err
			break
		}
		if stop {
			break
		}
		if !progress && !c.takeRerun() {
			break
		}
	}
	report.FinishedAt = c.clock().UTC()
	if stats, err := c.repo.OutboxStats(ctx); err == nil {
		report.Remaining = stats.Queued + stats.Inflight
		metricOutboxDepth.Set(float64(stats.Total()))
	}

	span.SetAttributes(
		attribute.Int("sync.dispatched", report.Dispatched),
		attribute.Int("sync.succeeded", report.Succeeded),
		attribute.Int("sync.rejected", report.Rejected),
		attribute.Int("sync.transient", report.Transient),
	)

	c.mu.Lock()
	if report.Transient > 0 {
		c.failures++
		report.RetryIn = c.cfg.backoff.Delay(c.failures)
		c.nextRetry = report.FinishedAt.Add(report.RetryIn)
	} else if drainErr == nil {
		c.failures = 0
		c.nextRetry = time.Time{}
	}
	c.last = report
	c.mu.Unlock()

	if drainErr != nil {
		span.RecordError(drainErr)
		span.SetStatus(codes.Error, drainErr.Error())
		c.setState(StateIdle)
		return report, drainErr
	}
	if report.RetryIn > 0 {
		c.setState(StateBackoff)
		c.logger.Warn("sync backing off", "retry_in", report.RetryIn, "remaining", report.Remaining)
	} else {
		c.setState(StateIdle)
	}
	if report.Dispatched > 0 {
		c.logger.Info("sync drain finished",
			"dispatched", report.Dispatched,
			"succeeded", report.Succeeded,
			"rejected", report.Rejected,
			"skipped", report.Skipped,
			"remaining", report.Remaining,
		)
	}
	return report, nil
}

func (c *Coordinator) takeRerun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	again := c.rerun
	c.rerun = false
	return again
}

// releaseDrain unlocks the drain. A rerun requested after the last pass becomes
// a trigger so the run loop drains again.
func (c *Coordinator) releaseDrain() {
	c.mu.Lock()
	again := c.rerun
	c.rerun = false
	c.drainMu.Unlock()
	c.mu.Unlock()
	if again {
		c.Trigger()
	}
}

// outcome of a single dispatched operation.
type dispatchResult struct {
	op       domain.Operation
	serverID string
	err      error
}

// pass walks the outbox once in opId order, one operation per target.
func (c *Coordinator) pass(ctx context.Context, report *DrainReport) (progress, stop bool, err error) {
	skip := map[string]struct{}{}
	var photos []domain.Operation
	for {
		if err := ctx.Err(); err != nil {
			return progress, true, err
		}
		op, ok, err := c.repo.PeekNext(ctx, PeekFilter{SkipTargets: keys(skip)})
		if err != nil {
			return progress, true, fmt.Errorf("peek outbox: %w", err)
		}
		if !ok {
			break
		}
		skip[op.TargetLocalID] = struct{}{}

		state, err := c.prepare(ctx, &op)
		if err != nil {
			return progress, true, err
		}
		switch state {
		case prepareWait:
			report.Skipped++
			continue
		case prepareFailed:
			report.Rejected++
			continue
		}

		if op.Kind == domain.OpCreate && op.TargetEntityType == domain.EntityPhoto {
			photos = append(photos, op)
			continue
		}

		result := c.dispatch(ctx, op)
		report.Dispatched++
		ok, halt, err := c.complete(ctx, result, report)
		if err != nil {
			return progress, true, err
		}
		progress = progress || ok
		if halt {
			return progress, true, nil
		}
	}

	if len(photos) == 0 {
		return progress, false, nil
	}
	results := c.uploadPhotos(ctx, photos)
	report.Dispatched += len(results)
	halt := false
	for _, result := range results {
		ok, transient, err := c.complete(ctx, result, report)
		if err != nil {
			return progress, true, err
		}
		progress = progress || ok
		halt = halt || transient
	}
	return progress, halt, nil
}

type prepareState int

const (
	prepareReady prepareState = iota
	prepareWait
	prepareFailed
)

// prepare resolves the ids op needs. Operations whose dependency is still queued
// wait; operations that can never resolve fail permanently.
func (c *Coordinator) prepare(ctx context.Context, op *domain.Operation) (prepareState, error) {
	if op.DependsOnLocalID != "" && op.DependsOnServerID == "" {
		serverID, ok, err := c.repo.ResolveServerID(ctx, op.DependsOnLocalID)
		if err != nil {
			return prepareWait, err
		}
		if !ok {
			waiting, err := c.repo.PendingOperations(ctx, OutboxQuery{TargetLocalID: op.DependsOnLocalID})
			if err != nil {
				return prepareWait, err
			}
			if len(waiting) > 0 {
				c.logger.Debug("operation waiting on dependency", "op_id", op.OpID, "local_id", op.TargetLocalID, "depends_on", op.DependsOnLocalID)
				return prepareWait, nil
			}
			return prepareFailed, c.failPermanent(ctx, *op, fmt.Errorf("%w: dependency %s was never created", ErrRejected, op.DependsOnLocalID))
		}
		op.DependsOnServerID = serverID
	}
	if op.Kind != domain.OpCreate && op.TargetServerID == "" {
		serverID, ok, err := c.repo.ResolveServerID(ctx, op.TargetLocalID)
		if err != nil {
			return prepareWait, err
		}
		if !ok {
			return prepareFailed, c.failPermanent(ctx, *op, fmt.Errorf("%w: %s has no server id", ErrRejected, op.TargetLocalID))
		}
		op.TargetServerID = serverID
	}
	return prepareReady, nil
}

func (c *Coordinator) failPermanent(ctx context.Context, op domain.Operation, cause error) error {
	if err := c.repo.FailOperation(ctx, op.OpID, cause.Error(), true); err != nil {
		return err
	}
	c.setRecordStatus(ctx, op.TargetLocalID, domain.SyncFailed, cause.Error())
	recordOp(string(op.Kind), "rejected")
	c.logger.Error("operation failed permanently", "op_id", op.OpID, "local_id", op.TargetLocalID, "err", cause)
	return nil
}

// begin marks an operation inflight and its record syncing.
func (c *Coordinator) begin(ctx context.Context, op domain.Operation) error {
	if err := c.repo.MarkInflight(ctx, op.OpID); err != nil {
		return err
	}
	if op.Kind != domain.OpDelete {
		c.setRecordStatus(ctx, op.TargetLocalID, domain.SyncSyncing, "")
	}
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, op domain.Operation) dispatchResult {
	if err := c.begin(ctx, op); err != nil {
		return dispatchResult{op: op, err: fmt.Errorf("%w: %v", ErrLocalStorage, err)}
	}
	ctx, span := c.tracer.Start(ctx, "sync.dispatch", trace.WithAttributes(
		attribute.Int64("outbox.op_id", op.OpID),
		attribute.String("outbox.kind", string(op.Kind)),
		attribute.String("entity.type", string(op.TargetEntityType)),
		attribute.String("entity.local_id", op.TargetLocalID),
	))
	defer span.End()

	tctx, done := c.targetContext(ctx, op.TargetLocalID)
	defer done()

	result := dispatchResult{op: op}
	switch op.Kind {
	case domain.OpCreate:
		result.serverID, result.err = c.remote.Create(tctx, CreateRequest{
			EntityType:       op.TargetEntityType,
			LocalID:          op.TargetLocalID,
			Payload:          op.Payload,
			ParentEntityType: parentTypeOf(op),
			ParentServerID:   op.DependsOnServerID,
		})
	case domain.OpUpdate:
		result.err = c.remote.Update(tctx, op.TargetEntityType, op.TargetServerID, op.Payload)
	case domain.OpDelete:
		result.err = c.remote.Delete(tctx, op.TargetEntityType, op.TargetServerID)
	}
	// A call that landed before the cancel still counts; the queued delete
	// follows it once the server id is known.
	if result.err != nil && context.Cause(tctx) == errTargetDeleted {
		result.err = errTargetDeleted
	}
	if result.err != nil {
		span.RecordError(result.err)
		span.SetStatus(codes.Error, result.err.Error())
	}
	return result
}

// parentTypeOf reads the parent entity type stored on create payloads that
// can hang under several parents.
func parentTypeOf(op domain.Operation) domain.EntityType {
	if raw := op.Payload.String(payloadParentType); raw != "" {
		if parsed, err := domain.ParseEntityType(raw); err == nil {
			return parsed
		}
	}
	if parents := domain.ParentTypes(op.TargetEntityType); len(parents) == 1 {
		return parents[0]
	}
	return ""
}

func (c *Coordinator) uploadPhotos(ctx context.Context, ops []domain.Operation) []dispatchResult {
	results := make([]dispatchResult, len(ops))
	var g errgroup.Group
	g.SetLimit(c.cfg.photoConcurrency)
	for i, op := range ops {
		if err := c.begin(ctx, op); err != nil {
			results[i] = dispatchResult{op: op, err: fmt.Errorf("%w: %v", ErrLocalStorage, err)}
			continue
		}
		g.Go(func() error {
			results[i] = c.uploadPhoto(ctx, op)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) uploadPhoto(ctx context.Context, op domain.Operation) dispatchResult {
	ctx, span := c.tracer.Start(ctx, "sync.upload_photo", trace.WithAttributes(
		attribute.Int64("outbox.op_id", op.OpID),
		attribute.String("entity.local_id", op.TargetLocalID),
	))
	defer span.End()

	tctx, done := c.targetContext(ctx, op.TargetLocalID)
	defer done()

	content, err := c.photoContent(tctx, op)
	if err != nil {
		return dispatchResult{op: op, err: err}
	}
	defer content.Close()

	serverID, err := c.remote.UploadPhoto(tctx, PhotoUpload{
		CreateRequest: CreateRequest{
			EntityType:       op.TargetEntityType,
			LocalID:          op.TargetLocalID,
			Payload:          op.Payload,
			ParentEntityType: parentTypeOf(op),
			ParentServerID:   op.DependsOnServerID,
		},
		FileName:    op.Payload.String(payloadFileName),
		ContentType: op.Payload.String(payloadContentType),
		Content:     content,
	})
	if err != nil && context.Cause(tctx) == errTargetDeleted {
		err = errTargetDeleted
	}
	if err != nil {
		span.RecordError(err)
	}
	return dispatchResult{op: op, serverID: serverID, err: err}
}

// photoContent opens the original capture, falling back to bytes carried in the
// outbox when local caching was skipped.
func (c *Coordinator) photoContent(ctx context.Context, op domain.Operation) (io.ReadCloser, error) {
	imageID := op.Payload.String(payloadImageID)
	if c.blobs != nil && imageID != "" {
		rc, _, err := c.blobs.Open(ctx, imageID, domain.RenditionOriginal)
		if err == nil {
			return rc, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrLocalStorage) {
			return nil, err
		}
	}
	if len(op.Attachment) > 0 {
		return io.NopCloser(bytes.NewReader(op.Attachment)), nil
	}
	return nil, fmt.Errorf("%w: photo content for %s is missing", ErrRejected, op.TargetLocalID)
}

// complete records the outcome of one dispatch. It reports whether the
// operation succeeded and whether draining must stop for backoff.
func (c *Coordinator) complete(ctx context.Context, result dispatchResult, report *DrainReport) (bool, bool, error) {
	op := result.op
	kind := string(op.Kind)
	switch {
	case result.err == nil:
		if op.Kind == domain.OpCreate {
			if result.serverID == "" {
				report.Rejected++
				return false, false, c.failPermanent(ctx, op, fmt.Errorf("%w: create returned no identifier", ErrRejected))
			}
			changed, err := c.reconciler.apply(ctx, op.TargetEntityType, op.TargetLocalID, result.serverID, op.OpID)
			if err != nil {
				if errors.Is(err, domain.ErrServerIDConflict) {
					report.Rejected++
					return false, false, c.failPermanent(ctx, op, err)
				}
				return false, true, err
			}
			if changed {
				report.Reconciled++
			} else {
				c.setRecordStatus(ctx, op.TargetLocalID, domain.SyncSynced, "")
			}
			if op.TargetEntityType == domain.EntityPhoto {
				report.Photos++
			}
		} else if err := c.repo.AckOperation(ctx, op.OpID); err != nil {
			return false, true, err
		}
		if op.Kind == domain.OpUpdate {
			c.setRecordStatus(ctx, op.TargetLocalID, domain.SyncSynced, "")
		}
		c.rehydrator.track(ctx, op)
		report.Succeeded++
		recordOp(kind, "ok")
		c.logger.Debug("operation synced", "op_id", op.OpID, "local_id", op.TargetLocalID, "kind", kind, "server_id", result.serverID)
		return true, false, nil

	case errors.Is(result.err, errTargetDeleted):
		// A create the server never confirmed takes the queued delete with it. Any other
		// kind is dropped alone so the delete queued behind it still ships.
		if op.Kind == domain.OpCreate {
			n, err := c.repo.DiscardOperations(ctx, op.TargetLocalID)
			if err != nil {
				return false, true, err
			}
			report.Cancelled += n
		} else {
			if err := c.repo.AckOperation(ctx, op.OpID); err != nil {
				return false, true, err
			}
			report.Cancelled++
		}
		recordOp(kind, "cancelled")
		c.logger.Warn("in-flight operation cancelled by local delete", "op_id", op.OpID, "local_id", op.TargetLocalID)
		return false, false, nil

	case IsPermanent(result.err):
		report.Rejected++
		return false, false, c.failPermanent(ctx, op, result.err)

	default:
		if err := c.repo.FailOperation(ctx, op.OpID, result.err.Error(), false); err != nil {
			return false, true, err
		}
		c.setRecordStatus(ctx, op.TargetLocalID, domain.SyncPending, "")
		report.Transient++
		recordOp(kind, "transient")
		c.logger.Warn("operation failed, will retry", "op_id", op.OpID, "local_id", op.TargetLocalID, "attempt", op.Attempt+1, "err", result.err)
		return false, true, nil
	}
}

// setRecordStatus moves a record through the sync lifecycle. Records deleted
// locally while their operation ran are skipped.
func (c *Coordinator) setRecordStatus(ctx context.Context, localID string, status domain.SyncStatus, lastError string) {
	token, err := c.repo.SetSyncStatus(ctx, localID, status, lastError)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		c.logger.Error("sync status update failed", "local_id", localID, "status", status, "err", err)
		return
	}
	c.notify.tokens(token)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	return out
}
