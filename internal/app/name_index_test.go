package app

import (
	"testing"
	"time"

	"github.com/hylla/fieldsync/internal/domain"
)

func namedRecord(localID, name string, created time.Time) domain.LocalRecord {
	return domain.LocalRecord{
		LocalID:    localID,
		EntityType: domain.EntityRoom,
		Payload:    domain.Payload{"name": name},
		CreatedAt:  created,
	}
}

func TestNameIndexBuildAndLookup(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	idx := NewNameIndex()
	if _, ok := idx.Lookup("svc-1", domain.EntityRoom, "Kitchen"); ok {
		t.Fatalf("expected empty index miss")
	}
	idx.Build("svc-1", domain.EntityRoom, "name", []domain.LocalRecord{
		namedRecord("r-2", "kitchen", now.Add(time.Minute)),
		namedRecord("r-1", "  Kitchen ", now),
		namedRecord("r-3", "", now),
	})
	if !idx.Built("svc-1", domain.EntityRoom) {
		t.Fatalf("expected scope built")
	}
	got, ok := idx.Lookup("svc-1", domain.EntityRoom, "KITCHEN")
	if !ok || got != "r-1" {
		t.Fatalf("expected oldest record r-1, got %q %v", got, ok)
	}
	if _, ok := idx.Lookup("svc-2", domain.EntityRoom, "kitchen"); ok {
		t.Fatalf("expected other service scope to miss")
	}
}

func TestNameIndexInvalidation(t *testing.T) {
	idx := NewNameIndex()
	records := []domain.LocalRecord{namedRecord("r-1", "Kitchen", time.Now())}
	idx.Build("svc-1", domain.EntityRoom, "name", records)
	idx.Build("svc-1", domain.EntityChecklistItem, "name", records)
	idx.Build("svc-2", domain.EntityRoom, "name", records)

	idx.Invalidate("svc-1", domain.EntityRoom)
	if idx.Built("svc-1", domain.EntityRoom) || !idx.Built("svc-1", domain.EntityChecklistItem) {
		t.Fatalf("expected only the room scope dropped")
	}
	idx.InvalidateService("svc-1")
	if idx.Built("svc-1", domain.EntityChecklistItem) || !idx.Built("svc-2", domain.EntityRoom) {
		t.Fatalf("expected only svc-1 scopes dropped")
	}
	idx.Reset()
	if idx.Built("svc-2", domain.EntityRoom) {
		t.Fatalf("expected reset to drop every scope")
	}
}
