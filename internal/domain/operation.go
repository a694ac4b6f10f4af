package domain

import (
	"strings"
	"time"
)

// OpKind identifies the mutation an outbox operation carries.
type OpKind string

// OpKind values.
const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// ParseOpKind validates an operation kind.
func ParseOpKind(raw string) (OpKind, error) {
	kind := OpKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case OpCreate, OpUpdate, OpDelete:
		return kind, nil
	default:
		return "", ErrInvalidOperation
	}
}

// OpState tracks delivery progress for a queued operation.
type OpState string

// OpState values.
const (
	OpQueued   OpState = "queued"
	OpInflight OpState = "inflight"
	OpFailed   OpState = "failed"
)

// Operation is one durable outbox entry.
type Operation struct {
	OpID              int64
	Kind              OpKind
	TargetLocalID     string
	TargetEntityType  EntityType
	ServiceLocalID    string
	Payload           Payload
	DependsOnLocalID  string
	TargetServerID    string
	DependsOnServerID string
	State             OpState
	Attempt           int
	LastError         string
	Attachment        []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewOperation constructs a queued operation for a record.
func NewOperation(kind OpKind, record LocalRecord, payload Payload, now time.Time) (Operation, error) {
	if _, err := ParseOpKind(string(kind)); err != nil {
		return Operation{}, err
	}
	if strings.TrimSpace(record.LocalID) == "" {
		return Operation{}, ErrInvalidID
	}
	if !record.EntityType.Valid() {
		return Operation{}, ErrInvalidEntityType
	}
	if kind == OpDelete {
		payload = nil
	}
	return Operation{
		Kind:             kind,
		TargetLocalID:    record.LocalID,
		TargetEntityType: record.EntityType,
		ServiceLocalID:   record.ServiceLocalID,
		Payload:          payload.Clone(),
		TargetServerID:   record.ServerID,
		State:            OpQueued,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}, nil
}

// Pending reports whether the operation has not been dispatched yet.
func (o Operation) Pending() bool {
	return o.State == OpQueued || o.State == OpFailed
}

// EnqueuePlan describes how an incoming operation is folded into the outbox.
type EnqueuePlan struct {
	// Insert is set when a new row must be appended.
	Insert *Operation
	// MergeInto names an existing row whose payload becomes MergedPayload.
	MergeInto     int64
	MergedPayload Payload
	// Remove lists rows dropped without contacting the server.
	Remove []int64
}

// Cancelled reports whether the plan drops queued work and sends nothing.
func (p EnqueuePlan) Cancelled() bool {
	return p.Insert == nil && p.MergeInto == 0 && len(p.Remove) > 0
}

// PlanEnqueue decides how incoming is applied given the operations still pending for
// the same target, ordered by OpID.
func PlanEnqueue(pending []Operation, incoming Operation) (EnqueuePlan, error) {
	for _, op := range pending {
		if op.TargetLocalID != incoming.TargetLocalID {
			return EnqueuePlan{}, ErrInvalidOperation
		}
	}
	switch incoming.Kind {
	case OpCreate:
		if len(pending) > 0 {
			return EnqueuePlan{}, ErrDuplicateCreate
		}
		return EnqueuePlan{Insert: &incoming}, nil
	case OpUpdate:
		return planUpdate(pending, incoming), nil
	case OpDelete:
		return planDelete(pending, incoming), nil
	default:
		return EnqueuePlan{}, ErrInvalidOperation
	}
}

func planUpdate(pending []Operation, incoming Operation) EnqueuePlan {
	for _, op := range pending {
		if op.Kind == OpCreate && op.State != OpInflight {
			return EnqueuePlan{MergeInto: op.OpID, MergedPayload: op.Payload.Merge(incoming.Payload)}
		}
	}
	if n := len(pending); n > 0 {
		last := pending[n-1]
		if last.Kind == OpUpdate && last.State == OpQueued {
			return EnqueuePlan{MergeInto: last.OpID, MergedPayload: last.Payload.Merge(incoming.Payload)}
		}
		if last.Kind == OpDelete {
			// Updates after a queued delete have nothing to apply to.
			return EnqueuePlan{}
		}
	}
	return EnqueuePlan{Insert: &incoming}
}

func planDelete(pending []Operation, incoming Operation) EnqueuePlan {
	unsent := false
	deleteQueued := false
	for _, op := range pending {
		switch {
		case op.Kind == OpCreate && op.State != OpInflight:
			unsent = true
		case op.Kind == OpDelete:
			deleteQueued = true
		}
	}
	plan := EnqueuePlan{}
	for _, op := range pending {
		if op.State == OpInflight {
			continue
		}
		if unsent || op.Kind == OpUpdate {
			plan.Remove = append(plan.Remove, op.OpID)
		}
	}
	if unsent || deleteQueued {
		return plan
	}
	plan.Insert = &incoming
	return plan
}
