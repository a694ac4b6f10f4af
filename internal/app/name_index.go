package app

import (
	"sort"
	"strings"
	"sync"

	"github.com/hylla/fieldsync/internal/domain"
)

type nameScope struct {
	service    string
	entityType domain.EntityType
}

// NameIndex is a secondary display-name to localID lookup. It is derived from the
// cache, rebuilt on demand, and dropped whenever a write in its scope may rename.
// It is never used to key reconciliation or photo association.
type NameIndex struct {
	mu     sync.RWMutex
	scopes map[nameScope]map[string]string
}

// NewNameIndex constructs an empty index.
func NewNameIndex() *NameIndex {
	return &NameIndex{scopes: map[nameScope]map[string]string{}}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Lookup returns the localID for name when the scope is built.
func (n *NameIndex) Lookup(service string, entityType domain.EntityType, name string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names, ok := n.scopes[nameScope{service: service, entityType: entityType}]
	if !ok {
		return "", false
	}
	localID, ok := names[normalizeName(name)]
	return localID, ok
}

// Built reports whether a scope is currently indexed.
func (n *NameIndex) Built(service string, entityType domain.EntityType) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.scopes[nameScope{service: service, entityType: entityType}]
	return ok
}

// Build indexes records by field. The oldest record wins a duplicate name.
func (n *NameIndex) Build(service string, entityType domain.EntityType, field string, records []domain.LocalRecord) {
	sorted := append([]domain.LocalRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	names := make(map[string]string, len(sorted))
	for _, rec := range sorted {
		key := normalizeName(rec.Payload.String(field))
		if key == "" {
			continue
		}
		if _, taken := names[key]; !taken {
			names[key] = rec.LocalID
		}
	}
	n.mu.Lock()
	n.scopes[nameScope{service: service, entityType: entityType}] = names
	n.mu.Unlock()
}

// Invalidate drops one scope.
func (n *NameIndex) Invalidate(service string, entityType domain.EntityType) {
	n.mu.Lock()
	delete(n.scopes, nameScope{service: service, entityType: entityType})
	n.mu.Unlock()
}

// InvalidateService drops every scope of a service.
func (n *NameIndex) InvalidateService(service string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for scope := range n.scopes {
		if scope.service == service {
			delete(n.scopes, scope)
		}
	}
}

// Reset drops every scope.
func (n *NameIndex) Reset() {
	n.mu.Lock()
	n.scopes = map[nameScope]map[string]string{}
	n.mu.Unlock()
}
