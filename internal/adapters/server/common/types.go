// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a request that cannot run in the current engine state.
var ErrConflict = errors.New("conflict")

// ErrUnavailable reports that the remote record store cannot be reached.
var ErrUnavailable = errors.New("remote unavailable")

// ErrRejected reports a mutation the remote record store refused.
var ErrRejected = errors.New("rejected")

// Record is the transport view of one cached entity.
type Record struct {
	LocalID        string         `json:"local_id"`
	ServerID       string         `json:"server_id,omitempty"`
	EntityType     string         `json:"entity_type"`
	SyncStatus     string         `json:"sync_status"`
	LastError      string         `json:"last_error,omitempty"`
	ParentLocalID  string         `json:"parent_id,omitempty"`
	ServiceLocalID string         `json:"service_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Operation is the transport view of one outbox entry.
type Operation struct {
	OpID          int64     `json:"op_id"`
	Kind          string    `json:"kind"`
	EntityType    string    `json:"entity_type"`
	TargetLocalID string    `json:"target_id"`
	DependsOn     string    `json:"depends_on,omitempty"`
	State         string    `json:"state"`
	Attempt       int       `json:"attempt"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GetRecordRequest addresses one record by temporary or server id.
type GetRecordRequest struct {
	EntityType string
	LocalID    string
	ServerID   string
}

// QueryRecordsRequest filters cached records.
type QueryRecordsRequest struct {
	EntityType string
	ServiceID  string
	ParentID   string
	Status     string
}

// MutationRequest stores transport input for create, update and delete.
type MutationRequest struct {
	Kind       string         `json:"kind"`
	EntityType string         `json:"entity_type"`
	LocalID    string         `json:"local_id,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// MutationResult reports the local effect of a mutation.
type MutationResult struct {
	Record    *Record  `json:"record,omitempty"`
	Deleted   []string `json:"deleted,omitempty"`
	Cancelled int      `json:"cancelled_ops"`
	Queued    int      `json:"queued_ops"`
}

// DrainSummary reports one sync drain.
type DrainSummary struct {
	Dispatched int       `json:"dispatched"`
	Succeeded  int       `json:"succeeded"`
	Reconciled int       `json:"reconciled"`
	Photos     int       `json:"photos"`
	Skipped    int       `json:"skipped"`
	Rejected   int       `json:"rejected"`
	Transient  int       `json:"transient"`
	Cancelled  int       `json:"cancelled"`
	Remaining  int       `json:"remaining"`
	RetryIn    string    `json:"retry_in,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SyncStatus summarizes the sync engine.
type SyncStatus struct {
	State     string       `json:"state"`
	Online    bool         `json:"online"`
	Queued    int          `json:"queued"`
	Inflight  int          `json:"inflight"`
	Failed    int          `json:"failed"`
	Oldest    *time.Time   `json:"oldest_pending,omitempty"`
	NextRetry *time.Time   `json:"next_retry,omitempty"`
	ServiceID string       `json:"current_service,omitempty"`
	LastDrain DrainSummary `json:"last_drain"`
	FailedOps []Operation  `json:"failed_ops"`
}

// TriggerSyncRequest selects between queueing a drain and waiting for one.
type TriggerSyncRequest struct {
	Wait bool `json:"wait"`
}

// TriggerSyncResult reports a sync trigger.
type TriggerSyncResult struct {
	Triggered bool          `json:"triggered"`
	Drain     *DrainSummary `json:"drain,omitempty"`
}

// OutboxActionResult reports a retry or discard of failed work.
type OutboxActionResult struct {
	LocalID   string   `json:"local_id"`
	Requeued  int      `json:"requeued,omitempty"`
	Discarded int      `json:"discarded,omitempty"`
	Deleted   []string `json:"deleted,omitempty"`
	Refreshed bool     `json:"refreshed,omitempty"`
}

// RehydrateResult reports a service cache rebuild.
type RehydrateResult struct {
	ServiceID string         `json:"service_id"`
	Restored  map[string]int `json:"restored"`
	Kept      int            `json:"kept"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// OpenServiceResult reports a service made current for the session.
type OpenServiceResult struct {
	Service    Record           `json:"service"`
	Rehydrated *RehydrateResult `json:"rehydrated,omitempty"`
}

// CapturePhotoRequest stores transport input for a photo capture.
type CapturePhotoRequest struct {
	ParentType  string
	ParentID    string
	FileName    string
	ContentType string
	Caption     string
	Content     io.Reader
}

// Photo is the transport view of a captured photo.
type Photo struct {
	ImageID    string `json:"image_id"`
	Record     Record `json:"record"`
	DisplayURL string `json:"display_url,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
}

// AnnotatePhotoRequest stores transport input for an annotation.
type AnnotatePhotoRequest struct {
	ImageID  string
	Caption  *string
	Drawings json.RawMessage
	Content  io.Reader
}

// PhotoContent is an open locally cached photo.
type PhotoContent struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// Event is the transport view of one invalidation event.
type Event struct {
	Seq        int64     `json:"seq"`
	Kind       string    `json:"kind"`
	EntityType string    `json:"entity_type,omitempty"`
	ServiceID  string    `json:"service_id,omitempty"`
	LocalID    string    `json:"local_id,omitempty"`
	ServerID   string    `json:"server_id,omitempty"`
	State      string    `json:"state,omitempty"`
	At         time.Time `json:"at"`
}

// EventFilter selects events for a stream.
type EventFilter struct {
	EntityTypes []string
	Kinds       []string
	ServiceID   string
	LocalID     string
}

// RecordService exposes cache reads and mutations.
type RecordService interface {
	GetRecord(context.Context, GetRecordRequest) (Record, error)
	QueryRecords(context.Context, QueryRecordsRequest) ([]Record, error)
	ApplyMutation(context.Context, MutationRequest) (MutationResult, error)
}

// SyncService exposes sync control and status.
type SyncService interface {
	TriggerSync(context.Context, TriggerSyncRequest) (TriggerSyncResult, error)
	SyncStatus(context.Context) (SyncStatus, error)
	RetryFailed(context.Context, string) (OutboxActionResult, error)
	DiscardFailed(context.Context, string) (OutboxActionResult, error)
}

// ServiceLifecycle exposes service open and rehydration.
type ServiceLifecycle interface {
	OpenService(context.Context, string) (OpenServiceResult, error)
	Rehydrate(context.Context, string) (RehydrateResult, error)
}

// PhotoService exposes photo capture and local blob reads.
type PhotoService interface {
	CapturePhoto(context.Context, CapturePhotoRequest) (Photo, error)
	AnnotatePhoto(context.Context, AnnotatePhotoRequest) (Photo, error)
	GetPhoto(context.Context, string) (Photo, error)
	OpenPhoto(context.Context, string) (PhotoContent, error)
}

// EventStream exposes live invalidation events and their persisted replay.
type EventStream interface {
	Subscribe(EventFilter) (<-chan Event, func())
	ChangesSince(context.Context, int64, int) ([]Event, error)
}
