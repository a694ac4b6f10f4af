package app

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/hylla/fieldsync/internal/domain"
)

// Repository is the durable on-device store behind the cache, outbox and reconciliation map.
type Repository interface {
	EntityCache
	Outbox
	ReconciliationStore
	SessionStore

	// ApplyMutation persists a cache write and its outbox entries in one transaction.
	ApplyMutation(context.Context, Mutation) (MutationResult, error)
}

// RecordQuery filters cached records. Predicate runs after the storage prefilter.
type RecordQuery struct {
	EntityType     domain.EntityType
	ServiceLocalID string
	ParentLocalID  string
	Statuses       []domain.SyncStatus
	Predicate      func(domain.LocalRecord) bool
}

// EntityCache stores entity records on-device.
type EntityCache interface {
	GetRecord(context.Context, domain.EntityType, string) (domain.LocalRecord, error)
	FindRecordByServerID(context.Context, domain.EntityType, string) (domain.LocalRecord, error)
	QueryRecords(context.Context, RecordQuery) ([]domain.LocalRecord, error)
	CountRecords(context.Context, RecordQuery) (int, error)
	PutRecord(context.Context, domain.LocalRecord) (domain.LocalRecord, domain.ChangeToken, error)
	SetSyncStatus(context.Context, string, domain.SyncStatus, string) (domain.ChangeToken, error)
	DeleteRecord(context.Context, string) (domain.ChangeToken, error)
	HydrateRecords(context.Context, []domain.LocalRecord) ([]domain.ChangeToken, error)
	ChangesSince(context.Context, int64, int) ([]domain.ChangeToken, error)
}

// EnqueueResult reports how an operation was folded into the outbox.
type EnqueueResult struct {
	Op        domain.Operation
	Merged    bool
	Removed   []int64
	Cancelled bool
}

// PeekFilter narrows PeekNext.
type PeekFilter struct {
	EntityType  domain.EntityType
	SkipTargets []string
}

// OutboxQuery filters PendingOperations.
type OutboxQuery struct {
	TargetLocalID  string
	ServiceLocalID string
	States         []domain.OpState
}

// OutboxStats summarizes queued work.
type OutboxStats struct {
	Queued   int
	Inflight int
	Failed   int
	Oldest   time.Time
}

// Total returns every operation not yet acknowledged.
func (s OutboxStats) Total() int {
	return s.Queued + s.Inflight + s.Failed
}

// Outbox is the durable ordered log of pending mutations.
type Outbox interface {
	EnqueueOperation(context.Context, domain.Operation) (EnqueueResult, error)
	PeekNext(context.Context, PeekFilter) (domain.Operation, bool, error)
	MarkInflight(context.Context, int64) error
	AckOperation(context.Context, int64) error
	FailOperation(context.Context, int64, string, bool) error
	PendingOperations(context.Context, OutboxQuery) ([]domain.Operation, error)
	RetryFailed(context.Context, string) (int, error)
	DiscardOperations(context.Context, string) (int, error)
	OutboxStats(context.Context) (OutboxStats, error)
}

// ReconcileOutcome reports what a reconciliation changed.
type ReconcileOutcome struct {
	Changed bool
	Token   domain.ChangeToken
}

// ReconciliationStore persists the local to server id map. Reconcile writes the
// mapping, the record's server id and the outbox rewrite in one transaction. When
// ackOpID is non-zero the same transaction acknowledges it and marks the record
// synced.
type ReconciliationStore interface {
	ResolveServerID(context.Context, string) (string, bool, error)
	ResolveLocalID(context.Context, domain.EntityType, string) (string, bool, error)
	Reconcile(ctx context.Context, entry domain.ReconciliationEntry, ackOpID int64) (ReconcileOutcome, error)
}

// ServiceMarker records what a fully synced service looked like.
type ServiceMarker struct {
	ServiceLocalID  string
	ServiceServerID string
	Rooms           int
	ChecklistItems  int
	SyncedAt        time.Time
}

// SessionStore persists session-scoped values and per-service sync markers.
type SessionStore interface {
	GetSessionValue(context.Context, string) (string, bool, error)
	SetSessionValue(context.Context, string, string) error
	ClearSession(context.Context) error
	GetServiceMarker(context.Context, string) (ServiceMarker, bool, error)
	PutServiceMarker(context.Context, ServiceMarker) error
}

// Mutation is one atomic presentation-layer write. Discard drops every outbox
// entry of the listed targets; Delete removes records; Ops are then enqueued in order.
type Mutation struct {
	Put     *domain.LocalRecord
	Delete  []string
	Discard []string
	Ops     []domain.Operation
}

// MutationResult carries what ApplyMutation persisted.
type MutationResult struct {
	Record    domain.LocalRecord
	Tokens    []domain.ChangeToken
	Enqueued  []EnqueueResult
	Discarded int
}

// BlobStore persists photo content keyed by image id.
type BlobStore interface {
	SaveOriginal(context.Context, domain.CachedBlob, io.Reader) (domain.CachedBlob, error)
	SaveAnnotated(context.Context, string, io.Reader, string, json.RawMessage) (domain.CachedBlob, error)
	Stat(context.Context, string) (domain.CachedBlob, error)
	Open(context.Context, string, domain.BlobRendition) (io.ReadCloser, domain.CachedBlob, error)
	Delete(context.Context, string) error
	LocalURL(string, domain.BlobRendition) string
}

// CreateRequest describes one remote create.
type CreateRequest struct {
	EntityType       domain.EntityType
	LocalID          string
	Payload          domain.Payload
	ParentEntityType domain.EntityType
	ParentServerID   string
}

// PhotoUpload describes one photo create carrying binary content.
type PhotoUpload struct {
	CreateRequest
	FileName    string
	ContentType string
	Content     io.Reader
}

// RemoteRecord is one row returned by the remote record store.
type RemoteRecord struct {
	EntityType     domain.EntityType
	ServerID       string
	ParentServerID string
	Payload        domain.Payload
}

// ServiceSnapshot is the authoritative server state of one service.
type ServiceSnapshot struct {
	ServiceServerID string
	Records         []RemoteRecord
}

// RemoteAPI is the remote record store. Errors wrap ErrTransient or ErrRejected.
type RemoteAPI interface {
	Create(context.Context, CreateRequest) (string, error)
	Update(context.Context, domain.EntityType, string, domain.Payload) error
	Delete(context.Context, domain.EntityType, string) error
	UploadPhoto(context.Context, PhotoUpload) (string, error)
	FetchRecord(context.Context, domain.EntityType, string) (RemoteRecord, error)
	FetchService(context.Context, string) (ServiceSnapshot, error)
	PhotoURL(string) string
}

// Connectivity reports reachability of the remote API.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// EventBus is the cache invalidation channel.
type EventBus interface {
	Publish(domain.InvalidationEvent)
	Subscribe(domain.EventFilter) (<-chan domain.InvalidationEvent, func())
}

// Logger is satisfied by *log.Logger from charmbracelet/log.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(any, ...any) {}
func (nopLogger) Info(any, ...any)  {}
func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}
