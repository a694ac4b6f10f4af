package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hylla/fieldsync/internal/domain"
)

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	NameFields       map[domain.EntityType]string
	SyncInterval     time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	PhotoConcurrency int
	MaxBlobBytes     int64
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Dependencies groups the collaborators a Service is wired with.
type Dependencies struct {
	Repo         Repository
	Blobs        BlobStore
	Remote       RemoteAPI
	Connectivity Connectivity
	Bus          EventBus
	Logger       Logger
	IDGen        IDGenerator
	ImageIDGen   IDGenerator
	Clock        Clock
}

// defaultNameField is the payload key holding a record's display name.
const defaultNameField = "name"

// defaultMaxBlobBytes caps one captured photo.
const defaultMaxBlobBytes = 32 << 20

// Service is the presentation-facing entry point to the local store and sync engine.
type Service struct {
	repo       Repository
	blobs      BlobStore
	remote     RemoteAPI
	conn       Connectivity
	bus        EventBus
	logger     Logger
	idGen      IDGenerator
	imageIDGen IDGenerator
	clock      Clock
	nameFields map[domain.EntityType]string
	maxBlob    int64

	// writeMu serializes presentation writes so one caller owns a localID at a time.
	writeMu sync.Mutex

	notify      notifier
	names       *NameIndex
	session     *Session
	reconciler  *Reconciler
	rehydrator  *Rehydrator
	coordinator *Coordinator
}

// NewService constructs a new value for this package.
func NewService(deps Dependencies, cfg ServiceConfig) *Service {
	if deps.IDGen == nil {
		deps.IDGen = uuid.NewString
	}
	if deps.ImageIDGen == nil {
		deps.ImageIDGen = deps.IDGen
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	nameFields := map[domain.EntityType]string{}
	for entityType, field := range cfg.NameFields {
		if field = strings.TrimSpace(field); field != "" {
			nameFields[entityType] = field
		}
	}
	if cfg.MaxBlobBytes <= 0 {
		cfg.MaxBlobBytes = defaultMaxBlobBytes
	}

	s := &Service{
		repo:       deps.Repo,
		blobs:      deps.Blobs,
		remote:     deps.Remote,
		conn:       deps.Connectivity,
		bus:        deps.Bus,
		logger:     deps.Logger,
		idGen:      deps.IDGen,
		imageIDGen: deps.ImageIDGen,
		clock:      deps.Clock,
		nameFields: nameFields,
		maxBlob:    cfg.MaxBlobBytes,
		notify:     notifier{bus: deps.Bus},
		names:      NewNameIndex(),
	}
	s.session = newSession(deps.Repo)
	s.reconciler = newReconciler(deps.Repo, s.notify, deps.Clock, deps.Logger)
	s.rehydrator = newRehydrator(deps.Repo, deps.Remote, deps.Connectivity, s.notify, s.names, deps.IDGen, deps.Clock, deps.Logger)
	s.coordinator = newCoordinator(coordinatorDeps{
		repo:       deps.Repo,
		remote:     deps.Remote,
		blobs:      deps.Blobs,
		conn:       deps.Connectivity,
		reconciler: s.reconciler,
		rehydrator: s.rehydrator,
		notify:     s.notify,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}, coordinatorConfig{
		interval:         cfg.SyncInterval,
		backoff:          Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax},
		photoConcurrency: cfg.PhotoConcurrency,
	})
	return s
}

// Coordinator returns the sync coordinator owned by the service.
func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// Reconciler returns the identifier reconciler owned by the service.
func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// GetCached returns a cached record by temporary or confirmed id.
func (s *Service) GetCached(ctx context.Context, entityType domain.EntityType, ref domain.Ref) (domain.LocalRecord, error) {
	if !entityType.Valid() {
		return domain.LocalRecord{}, domain.ErrInvalidEntityType
	}
	if localID, ok := ref.LocalID(); ok {
		return s.repo.GetRecord(ctx, entityType, localID)
	}
	if serverID, ok := ref.ServerID(); ok {
		return s.repo.FindRecordByServerID(ctx, entityType, serverID)
	}
	return domain.LocalRecord{}, domain.ErrInvalidID
}

// Query returns cached records matching q.
func (s *Service) Query(ctx context.Context, q RecordQuery) ([]domain.LocalRecord, error) {
	if !q.EntityType.Valid() {
		return nil, domain.ErrInvalidEntityType
	}
	return s.repo.QueryRecords(ctx, q)
}

// PendingOperations lists queued outbox work, optionally for one target.
func (s *Service) PendingOperations(ctx context.Context, q OutboxQuery) ([]domain.Operation, error) {
	return s.repo.PendingOperations(ctx, q)
}

// CreateEntityInput holds input values for create entity operations.
type CreateEntityInput struct {
	EntityType    domain.EntityType
	ParentLocalID string
	Payload       domain.Payload
}

// CreateEntity writes a new pending record and queues its create.
func (s *Service) CreateEntity(ctx context.Context, in CreateEntityInput) (domain.LocalRecord, error) {
	if in.EntityType == domain.EntityPhoto {
		return domain.LocalRecord{}, fmt.Errorf("%w: photos are created by CaptureBlob", ErrInvalidRequest)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.createLocked(ctx, s.idGen(), in, nil)
}

func (s *Service) createLocked(ctx context.Context, localID string, in CreateEntityInput, attachment []byte) (domain.LocalRecord, error) {
	record, err := domain.NewLocalRecord(localID, in.EntityType, in.Payload, s.clock())
	if err != nil {
		return domain.LocalRecord{}, err
	}
	parent, err := s.resolveParent(ctx, in.EntityType, in.ParentLocalID)
	if err != nil {
		return domain.LocalRecord{}, err
	}
	if parent != nil {
		record.SetParent(*parent)
	}
	if err := s.ensureMutable(ctx, record.ServiceLocalID); err != nil {
		return domain.LocalRecord{}, err
	}

	op, err := domain.NewOperation(domain.OpCreate, record, record.Payload, s.clock())
	if err != nil {
		return domain.LocalRecord{}, err
	}
	if parent != nil {
		op.DependsOnLocalID = parent.LocalID
		op.DependsOnServerID = parent.ServerID
	}
	op.Attachment = attachment

	result, err := s.commit(ctx, Mutation{Put: &record, Ops: []domain.Operation{op}})
	if err != nil {
		return domain.LocalRecord{}, err
	}
	s.names.Invalidate(record.ServiceLocalID, record.EntityType)
	s.logger.Debug("entity created", "entity_type", record.EntityType, "local_id", record.LocalID)
	s.coordinator.Trigger()
	return result.Record, nil
}

func (s *Service) resolveParent(ctx context.Context, entityType domain.EntityType, parentLocalID string) (*domain.LocalRecord, error) {
	allowed := domain.ParentTypes(entityType)
	parentLocalID = strings.TrimSpace(parentLocalID)
	if parentLocalID == "" {
		if len(allowed) > 0 && entityType != domain.EntityService {
			return nil, fmt.Errorf("%w: %s requires a parent", ErrInvalidRequest, entityType)
		}
		return nil, nil
	}
	for _, parentType := range allowed {
		parent, err := s.repo.GetRecord(ctx, parentType, parentLocalID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &parent, nil
	}
	return nil, fmt.Errorf("parent %s for %s: %w", parentLocalID, entityType, ErrNotFound)
}

// UpdateEntity merges a field diff into a cached record and queues the update.
func (s *Service) UpdateEntity(ctx context.Context, entityType domain.EntityType, localID string, diff domain.Payload) (domain.LocalRecord, error) {
	if len(diff) == 0 {
		return domain.LocalRecord{}, fmt.Errorf("%w: empty update", ErrInvalidRequest)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.updateLocked(ctx, entityType, localID, diff)
}

func (s *Service) updateLocked(ctx context.Context, entityType domain.EntityType, localID string, diff domain.Payload) (domain.LocalRecord, error) {
	record, err := s.repo.GetRecord(ctx, entityType, localID)
	if err != nil {
		return domain.LocalRecord{}, err
	}
	if err := s.ensureMutable(ctx, record.ServiceLocalID); err != nil {
		return domain.LocalRecord{}, err
	}
	renamed := s.renames(record, diff)
	record.Apply(diff, s.clock())

	op, err := domain.NewOperation(domain.OpUpdate, record, diff, s.clock())
	if err != nil {
		return domain.LocalRecord{}, err
	}
	result, err := s.commit(ctx, Mutation{Put: &record, Ops: []domain.Operation{op}})
	if err != nil {
		return domain.LocalRecord{}, err
	}
	if renamed {
		s.names.Invalidate(record.ServiceLocalID, record.EntityType)
	}
	s.coordinator.Trigger()
	return result.Record, nil
}

func (s *Service) renames(record domain.LocalRecord, diff domain.Payload) bool {
	field := s.nameField(record.EntityType)
	if _, ok := diff[field]; !ok {
		return false
	}
	return diff.String(field) != record.Payload.String(field)
}

func (s *Service) nameField(entityType domain.EntityType) string {
	if field, ok := s.nameFields[entityType]; ok {
		return field
	}
	return defaultNameField
}

// DeleteResult reports what a delete did to the outbox.
type DeleteResult struct {
	Deleted   []string
	Cancelled int
	Queued    int
}

// DeleteEntity removes a record and its descendants locally and queues remote deletes.
// Work that never reached the server is cancelled without network traffic.
func (s *Service) DeleteEntity(ctx context.Context, entityType domain.EntityType, localID string) (DeleteResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record, err := s.repo.GetRecord(ctx, entityType, localID)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := s.ensureMutable(ctx, record.ServiceLocalID); err != nil {
		return DeleteResult{}, err
	}
	subtree, err := s.subtree(ctx, record)
	if err != nil {
		return DeleteResult{}, err
	}

	mutation := Mutation{}
	for _, rec := range subtree {
		op, err := domain.NewOperation(domain.OpDelete, rec, nil, s.clock())
		if err != nil {
			return DeleteResult{}, err
		}
		mutation.Delete = append(mutation.Delete, rec.LocalID)
		mutation.Ops = append(mutation.Ops, op)
	}
	result, err := s.commit(ctx, mutation)
	if err != nil {
		return DeleteResult{}, err
	}
	for _, id := range mutation.Delete {
		s.coordinator.CancelTarget(id)
	}

	out := DeleteResult{Deleted: mutation.Delete}
	for _, enq := range result.Enqueued {
		out.Cancelled += len(enq.Removed)
		if !enq.Cancelled && enq.Op.OpID != 0 {
			out.Queued++
		}
	}
	for _, rec := range subtree {
		s.names.Invalidate(rec.ServiceLocalID, rec.EntityType)
		if rec.EntityType == domain.EntityPhoto {
			s.dropBlob(ctx, rec)
		}
	}
	s.logger.Info("entity deleted", "entity_type", record.EntityType, "local_id", record.LocalID, "cancelled_ops", out.Cancelled, "queued_ops", out.Queued)
	if out.Queued > 0 {
		s.coordinator.Trigger()
	}
	return out, nil
}

// subtree returns record and every descendant, children before parents.
func (s *Service) subtree(ctx context.Context, root domain.LocalRecord) ([]domain.LocalRecord, error) {
	ordered := []domain.LocalRecord{root}
	for i := 0; i < len(ordered); i++ {
		for _, childType := range domain.EntityTypes() {
			if !isParentType(childType, ordered[i].EntityType) {
				continue
			}
			children, err := s.repo.QueryRecords(ctx, RecordQuery{EntityType: childType, ParentLocalID: ordered[i].LocalID})
			if err != nil {
				return nil, err
			}
			ordered = append(ordered, children...)
		}
	}
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered, nil
}

func isParentType(child, parent domain.EntityType) bool {
	return domain.IsParentType(child, parent)
}

// MutationRequest is the generic presentation-layer mutation.
type MutationRequest struct {
	Kind          domain.OpKind
	EntityType    domain.EntityType
	LocalID       string
	ParentLocalID string
	Payload       domain.Payload
}

// MutationOutcome reports the result of EnqueueMutation.
type MutationOutcome struct {
	Record domain.LocalRecord
	Delete *DeleteResult
}

// EnqueueMutation applies one create, update or delete through the matching operation.
func (s *Service) EnqueueMutation(ctx context.Context, req MutationRequest) (MutationOutcome, error) {
	switch req.Kind {
	case domain.OpCreate:
		rec, err := s.CreateEntity(ctx, CreateEntityInput{EntityType: req.EntityType, ParentLocalID: req.ParentLocalID, Payload: req.Payload})
		return MutationOutcome{Record: rec}, err
	case domain.OpUpdate:
		rec, err := s.UpdateEntity(ctx, req.EntityType, req.LocalID, req.Payload)
		return MutationOutcome{Record: rec}, err
	case domain.OpDelete:
		res, err := s.DeleteEntity(ctx, req.EntityType, req.LocalID)
		if err != nil {
			return MutationOutcome{}, err
		}
		return MutationOutcome{Delete: &res}, nil
	default:
		return MutationOutcome{}, domain.ErrInvalidOperation
	}
}

// OnInvalidated calls fn for every event matching filter until the returned cancel runs.
func (s *Service) OnInvalidated(filter domain.EventFilter, fn func(domain.InvalidationEvent)) func() {
	if s.bus == nil || fn == nil {
		return func() {}
	}
	events, unsubscribe := s.bus.Subscribe(filter)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range events {
			fn(evt)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
		})
	}
}

// Subscribe exposes the raw invalidation stream for transport adapters.
func (s *Service) Subscribe(filter domain.EventFilter) (<-chan domain.InvalidationEvent, func()) {
	if s.bus == nil {
		ch := make(chan domain.InvalidationEvent)
		close(ch)
		return ch, func() {}
	}
	return s.bus.Subscribe(filter)
}

// ChangesSince replays persisted change tokens as events.
func (s *Service) ChangesSince(ctx context.Context, seq int64, limit int) ([]domain.InvalidationEvent, error) {
	tokens, err := s.repo.ChangesSince(ctx, seq, limit)
	if err != nil {
		return nil, err
	}
	events := make([]domain.InvalidationEvent, 0, len(tokens))
	for _, token := range tokens {
		events = append(events, domain.EventFromToken(token))
	}
	return events, nil
}

// IsOnline reports whether the remote API is reachable.
func (s *Service) IsOnline() bool {
	return s.conn == nil || s.conn.Online()
}

// TriggerSync asks the coordinator for a drain without waiting for it.
func (s *Service) TriggerSync() {
	s.coordinator.Trigger()
}

// SyncNow runs one drain and waits for it.
func (s *Service) SyncNow(ctx context.Context) (DrainReport, error) {
	return s.coordinator.Drain(ctx)
}

// StatusReport summarizes the engine for status surfaces.
type StatusReport struct {
	State     SyncState
	Online    bool
	Outbox    OutboxStats
	LastDrain DrainReport
	NextRetry time.Time
	Service   string
	FailedOps []domain.Operation
}

// Status returns the current engine status.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	stats, err := s.repo.OutboxStats(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	failed, err := s.repo.PendingOperations(ctx, OutboxQuery{States: []domain.OpState{domain.OpFailed}})
	if err != nil {
		return StatusReport{}, err
	}
	current, err := s.session.CurrentService(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	snap := s.coordinator.Snapshot()
	return StatusReport{
		State:     snap.State,
		Online:    s.IsOnline(),
		Outbox:    stats,
		LastDrain: snap.Last,
		NextRetry: snap.NextRetry,
		Service:   current,
		FailedOps: failed,
	}, nil
}

// RetryFailed requeues the failed operations of one entity.
func (s *Service) RetryFailed(ctx context.Context, localID string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.repo.RetryFailed(ctx, localID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: no failed operations for %s", ErrInvalidRequest, localID)
	}
	token, err := s.repo.SetSyncStatus(ctx, localID, domain.SyncPending, "")
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	default:
		s.notify.tokens(token)
	}
	s.logger.Info("failed operations requeued", "local_id", localID, "ops", n)
	s.coordinator.Trigger()
	return n, nil
}

// DiscardResult reports what a user-initiated discard removed.
type DiscardResult struct {
	DiscardedOps int
	Deleted      []string
	Refreshed    bool
}

// DiscardFailed drops the failed work of one entity. An entity the server never
// accepted is removed locally along with its descendants.
func (s *Service) DiscardFailed(ctx context.Context, localID string) (DiscardResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	failed, err := s.repo.PendingOperations(ctx, OutboxQuery{TargetLocalID: localID, States: []domain.OpState{domain.OpFailed}})
	if err != nil {
		return DiscardResult{}, err
	}
	if len(failed) == 0 {
		return DiscardResult{}, fmt.Errorf("%w: no failed operations for %s", ErrInvalidRequest, localID)
	}
	record, err := s.repo.GetRecord(ctx, failed[0].TargetEntityType, localID)
	if errors.Is(err, ErrNotFound) {
		n, err := s.repo.DiscardOperations(ctx, localID)
		return DiscardResult{DiscardedOps: n}, err
	}
	if err != nil {
		return DiscardResult{}, err
	}

	if record.ServerID == "" {
		subtree, err := s.subtree(ctx, record)
		if err != nil {
			return DiscardResult{}, err
		}
		out := DiscardResult{}
		for _, rec := range subtree {
			out.Deleted = append(out.Deleted, rec.LocalID)
		}
		result, err := s.commit(ctx, Mutation{Delete: out.Deleted, Discard: out.Deleted})
		if err != nil {
			return DiscardResult{}, err
		}
		out.DiscardedOps = result.Discarded
		for _, id := range out.Deleted {
			s.coordinator.CancelTarget(id)
		}
		for _, rec := range subtree {
			s.names.Invalidate(rec.ServiceLocalID, rec.EntityType)
			if rec.EntityType == domain.EntityPhoto {
				s.dropBlob(ctx, rec)
			}
		}
		s.logger.Info("failed entity discarded", "local_id", localID, "ops", out.DiscardedOps)
		return out, nil
	}

	n, err := s.repo.DiscardOperations(ctx, localID)
	if err != nil {
		return DiscardResult{}, err
	}
	out := DiscardResult{DiscardedOps: n}
	out.Refreshed = s.refreshFromServer(ctx, record)
	if !out.Refreshed {
		token, err := s.repo.SetSyncStatus(ctx, localID, domain.SyncSynced, "")
		if err != nil {
			return DiscardResult{}, err
		}
		s.notify.tokens(token)
	}
	s.logger.Info("failed changes discarded", "local_id", localID, "ops", n, "refreshed", out.Refreshed)
	return out, nil
}

// refreshFromServer replaces a record with the server copy when online.
func (s *Service) refreshFromServer(ctx context.Context, record domain.LocalRecord) bool {
	if s.remote == nil || !s.IsOnline() {
		return false
	}
	remote, err := s.remote.FetchRecord(ctx, record.EntityType, record.ServerID)
	if err != nil {
		s.logger.Warn("refresh after discard failed", "local_id", record.LocalID, "err", err)
		return false
	}
	record.Payload = remote.Payload.Clone()
	record.SyncStatus = domain.SyncSynced
	record.LastError = ""
	record.UpdatedAt = s.clock().UTC()
	tokens, err := s.repo.HydrateRecords(ctx, []domain.LocalRecord{record})
	if err != nil {
		s.logger.Warn("refresh after discard failed", "local_id", record.LocalID, "err", err)
		return false
	}
	s.notify.tokens(tokens...)
	s.names.Invalidate(record.ServiceLocalID, record.EntityType)
	return true
}

// LookupByName finds a record by display name through the rebuildable name index.
func (s *Service) LookupByName(ctx context.Context, serviceLocalID string, entityType domain.EntityType, name string) (domain.LocalRecord, error) {
	if !entityType.Valid() {
		return domain.LocalRecord{}, domain.ErrInvalidEntityType
	}
	localID, ok := s.names.Lookup(serviceLocalID, entityType, name)
	if !ok {
		records, err := s.repo.QueryRecords(ctx, RecordQuery{EntityType: entityType, ServiceLocalID: serviceLocalID})
		if err != nil {
			return domain.LocalRecord{}, err
		}
		s.names.Build(serviceLocalID, entityType, s.nameField(entityType), records)
		localID, ok = s.names.Lookup(serviceLocalID, entityType, name)
		if !ok {
			return domain.LocalRecord{}, ErrNotFound
		}
	}
	return s.repo.GetRecord(ctx, entityType, localID)
}

// ServiceReadiness reports whether a service may be presented.
type ServiceReadiness struct {
	Service    domain.LocalRecord
	Rehydrated *RehydrateResult
}

// OpenService makes serviceLocalID the session's current service, rehydrating a purged cache first.
func (s *Service) OpenService(ctx context.Context, serviceLocalID string) (ServiceReadiness, error) {
	need, err := s.rehydrator.NeedsRehydration(ctx, serviceLocalID)
	if err != nil {
		return ServiceReadiness{}, err
	}
	out := ServiceReadiness{}
	if need {
		if !s.IsOnline() {
			return ServiceReadiness{}, fmt.Errorf("%w: %s was purged and the remote api is unreachable", ErrServiceNotReady, serviceLocalID)
		}
		result := s.rehydrator.Rehydrate(ctx, serviceLocalID)
		out.Rehydrated = &result
		if !result.Success {
			return out, fmt.Errorf("%w: %v", ErrServiceNotReady, result.Err)
		}
	}
	service, err := s.repo.GetRecord(ctx, domain.EntityService, serviceLocalID)
	if err != nil {
		return out, err
	}
	out.Service = service
	if err := s.session.SetCurrentService(ctx, serviceLocalID); err != nil {
		return out, err
	}
	return out, nil
}

// NeedsRehydration reports whether a service cache was purged behind the outbox's back.
func (s *Service) NeedsRehydration(ctx context.Context, serviceLocalID string) (bool, error) {
	return s.rehydrator.NeedsRehydration(ctx, serviceLocalID)
}

// Rehydrate rebuilds one service cache from the remote record store.
func (s *Service) Rehydrate(ctx context.Context, serviceLocalID string) RehydrateResult {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.rehydrator.Rehydrate(ctx, serviceLocalID)
}

// CurrentService returns the service opened in this session, if any.
func (s *Service) CurrentService(ctx context.Context) (string, error) {
	return s.session.CurrentService(ctx)
}

// Login records the signed-in user for the session.
func (s *Service) Login(ctx context.Context, user string) error {
	return s.session.SetUser(ctx, user)
}

// Logout clears session-owned state.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.session.Clear(ctx); err != nil {
		return err
	}
	s.names.Reset()
	s.logger.Info("session cleared")
	return nil
}

// ensureMutable blocks writes to a service whose cache needs rehydration.
func (s *Service) ensureMutable(ctx context.Context, serviceLocalID string) error {
	if serviceLocalID == "" {
		return nil
	}
	need, err := s.rehydrator.NeedsRehydration(ctx, serviceLocalID)
	if err != nil {
		return err
	}
	if need {
		return fmt.Errorf("%w: %s", ErrRehydrationRequired, serviceLocalID)
	}
	return nil
}

// commit persists a mutation and publishes its change tokens.
func (s *Service) commit(ctx context.Context, m Mutation) (MutationResult, error) {
	result, err := s.repo.ApplyMutation(ctx, m)
	if err != nil {
		return MutationResult{}, err
	}
	s.notify.tokens(result.Tokens...)
	for _, enq := range result.Enqueued {
		if len(enq.Removed) > 0 {
			metricOpsCancelled.Add(float64(len(enq.Removed)))
		}
		if enq.Merged {
			metricOpsCoalesced.Inc()
		}
	}
	return result, nil
}
