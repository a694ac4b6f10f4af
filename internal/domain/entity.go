package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"
)

// EntityType identifies one cached entity table.
type EntityType string

// EntityType values.
const (
	EntityProject       EntityType = "project"
	EntityService       EntityType = "service"
	EntityRoom          EntityType = "room"
	EntityChecklistItem EntityType = "checklist_item"
	EntityPoint         EntityType = "point"
	EntityPhoto         EntityType = "photo"
)

// validEntityTypes stores all supported entity types in dependency order.
var validEntityTypes = []EntityType{
	EntityProject,
	EntityService,
	EntityRoom,
	EntityChecklistItem,
	EntityPoint,
	EntityPhoto,
}

// EntityTypes returns every supported entity type, parents before children.
func EntityTypes() []EntityType {
	return slices.Clone(validEntityTypes)
}

// parentTypes lists which entity types may own each entity type.
var parentTypes = map[EntityType][]EntityType{
	EntityProject:       nil,
	EntityService:       {EntityProject},
	EntityRoom:          {EntityService},
	EntityChecklistItem: {EntityService},
	EntityPoint:         {EntityRoom},
	EntityPhoto:         {EntityRoom, EntityChecklistItem, EntityPoint},
}

// ParentTypes returns the entity types that may own t.
func ParentTypes(t EntityType) []EntityType {
	return slices.Clone(parentTypes[t])
}

// IsParentType reports whether parent may own child.
func IsParentType(child, parent EntityType) bool {
	return slices.Contains(parentTypes[child], parent)
}

// ParseEntityType normalizes and validates an entity type name.
func ParseEntityType(raw string) (EntityType, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "rooms", "efe":
		normalized = string(EntityRoom)
	case "checklist", "checklist_items", "item", "items":
		normalized = string(EntityChecklistItem)
	case "points":
		normalized = string(EntityPoint)
	case "photos", "attachment", "attachments":
		normalized = string(EntityPhoto)
	case "projects":
		normalized = string(EntityProject)
	case "services":
		normalized = string(EntityService)
	}
	entityType := EntityType(normalized)
	if !slices.Contains(validEntityTypes, entityType) {
		return "", ErrInvalidEntityType
	}
	return entityType, nil
}

// Valid reports whether the entity type is supported.
func (t EntityType) Valid() bool {
	return slices.Contains(validEntityTypes, t)
}

// SyncStatus describes where a cached record sits in the sync lifecycle.
type SyncStatus string

// SyncStatus values.
const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// ParseSyncStatus validates a persisted sync status value.
func ParseSyncStatus(raw string) (SyncStatus, error) {
	status := SyncStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case SyncPending, SyncSyncing, SyncSynced, SyncFailed:
		return status, nil
	default:
		return "", ErrInvalidSyncStatus
	}
}

// Payload is the opaque field set of one entity.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	return maps.Clone(p)
}

// Merge returns a copy of p with every field of diff applied. Later fields win.
func (p Payload) Merge(diff Payload) Payload {
	out := p.Clone()
	maps.Copy(out, diff)
	return out
}

// String returns the string value stored under key, or "" when absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return strings.Trim(string(encoded), `"`)
	}
}

// LocalRecord represents one cached entity.
type LocalRecord struct {
	LocalID        string
	ServerID       string
	EntityType     EntityType
	Payload        Payload
	SyncStatus     SyncStatus
	LastError      string
	ParentLocalID  string
	ServiceLocalID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewLocalRecord constructs a pending record authored on this device.
func NewLocalRecord(localID string, entityType EntityType, payload Payload, now time.Time) (LocalRecord, error) {
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return LocalRecord{}, ErrInvalidID
	}
	if !entityType.Valid() {
		return LocalRecord{}, ErrInvalidEntityType
	}
	return LocalRecord{
		LocalID:    localID,
		EntityType: entityType,
		Payload:    payload.Clone(),
		SyncStatus: SyncPending,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}, nil
}

// SetParent links the record to its owning entity and service.
func (r *LocalRecord) SetParent(parent LocalRecord) {
	r.ParentLocalID = parent.LocalID
	if parent.EntityType == EntityService {
		r.ServiceLocalID = parent.LocalID
		return
	}
	r.ServiceLocalID = parent.ServiceLocalID
}

// Apply merges a field diff into the record payload.
func (r *LocalRecord) Apply(diff Payload, now time.Time) {
	r.Payload = r.Payload.Merge(diff)
	r.UpdatedAt = now.UTC()
}

// Ref returns the tagged identifier for the record.
func (r LocalRecord) Ref() Ref {
	if r.ServerID != "" {
		return Confirmed(r.ServerID)
	}
	return Temporary(r.LocalID)
}
