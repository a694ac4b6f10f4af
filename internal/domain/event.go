package domain

import (
	"slices"
	"time"
)

// ChangeOp describes a persisted cache mutation.
type ChangeOp string

// ChangeOp values used by the change token log.
const (
	ChangePut        ChangeOp = "put"
	ChangeDelete     ChangeOp = "delete"
	ChangeStatus     ChangeOp = "status"
	ChangeReconcile  ChangeOp = "reconcile"
	ChangeRehydrated ChangeOp = "rehydrate"
)

// ChangeToken is one entry of the cache change log. Seq is strictly increasing.
type ChangeToken struct {
	Seq            int64
	EntityType     EntityType
	LocalID        string
	ServiceLocalID string
	Op             ChangeOp
	OccurredAt     time.Time
}

// EventKind classifies invalidation events.
type EventKind string

// EventKind values.
const (
	EventChanged    EventKind = "changed"
	EventDeleted    EventKind = "deleted"
	EventReconciled EventKind = "reconciled"
	EventRehydrated EventKind = "rehydrated"
	EventSyncState  EventKind = "sync_state"
)

// InvalidationEvent tells subscribers that cached data may have changed. Fields are
// hints for deciding whether to re-read the cache, not data.
type InvalidationEvent struct {
	Seq            int64      `json:"seq"`
	Kind           EventKind  `json:"kind"`
	EntityType     EntityType `json:"entity_type,omitempty"`
	ServiceLocalID string     `json:"service_id,omitempty"`
	LocalID        string     `json:"local_id,omitempty"`
	ServerID       string     `json:"server_id,omitempty"`
	State          string     `json:"state,omitempty"`
	At             time.Time  `json:"at"`
}

// EventFromToken converts a change token into the event published for it.
func EventFromToken(token ChangeToken) InvalidationEvent {
	kind := EventChanged
	switch token.Op {
	case ChangeDelete:
		kind = EventDeleted
	case ChangeReconcile:
		kind = EventReconciled
	case ChangeRehydrated:
		kind = EventRehydrated
	}
	return InvalidationEvent{
		Seq:            token.Seq,
		Kind:           kind,
		EntityType:     token.EntityType,
		ServiceLocalID: token.ServiceLocalID,
		LocalID:        token.LocalID,
		At:             token.OccurredAt,
	}
}

// EventFilter selects events for a subscriber. Empty fields match everything.
type EventFilter struct {
	EntityTypes    []EntityType
	Kinds          []EventKind
	ServiceLocalID string
	LocalID        string
}

// Matches reports whether evt passes the filter.
func (f EventFilter) Matches(evt InvalidationEvent) bool {
	if len(f.EntityTypes) > 0 && !slices.Contains(f.EntityTypes, evt.EntityType) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.ServiceLocalID != "" && evt.ServiceLocalID != f.ServiceLocalID {
		return false
	}
	if f.LocalID != "" && evt.LocalID != f.LocalID {
		return false
	}
	return true
}
