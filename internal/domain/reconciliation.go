package domain

import (
	"strings"
	"time"
)

// ReconciliationEntry maps a client-assigned id to the id the server assigned on create.
type ReconciliationEntry struct {
	LocalID    string
	EntityType EntityType
	ServerID   string
	CreatedAt  time.Time
}

// NewReconciliationEntry validates one local to server id pair.
func NewReconciliationEntry(entityType EntityType, localID, serverID string, now time.Time) (ReconciliationEntry, error) {
	localID = strings.TrimSpace(localID)
	serverID = strings.TrimSpace(serverID)
	if localID == "" || serverID == "" {
		return ReconciliationEntry{}, ErrInvalidID
	}
	if !entityType.Valid() {
		return ReconciliationEntry{}, ErrInvalidEntityType
	}
	return ReconciliationEntry{
		LocalID:    localID,
		EntityType: entityType,
		ServerID:   serverID,
		CreatedAt:  now.UTC(),
	}, nil
}

// Same reports whether two entries describe the same mapping.
func (e ReconciliationEntry) Same(other ReconciliationEntry) bool {
	return e.LocalID == other.LocalID && e.ServerID == other.ServerID && e.EntityType == other.EntityType
}
