package blobfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
	"github.com/spf13/afero"
)

func newTestStore(t *testing.T, quota int64) *Store {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return New(afero.NewMemMapFs(), "/var/fieldsync/blobs", Options{QuotaBytes: quota, Clock: func() time.Time { return now }})
}

func mustBlob(t *testing.T, imageID string) domain.CachedBlob {
	t.Helper()
	meta, err := domain.NewCachedBlob(imageID, "photo-"+imageID, "room-1", "kitchen.jpg", "image/jpeg", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewCachedBlob() error = %v", err)
	}
	return meta
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return string(data)
}

func TestStore_OriginalAndAnnotated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)

	saved, err := store.SaveOriginal(ctx, mustBlob(t, "01HX"), strings.NewReader("raw-jpeg"))
	if err != nil {
		t.Fatalf("SaveOriginal() error = %v", err)
	}
	if !saved.HasOriginal || saved.HasAnnotated || saved.Size != int64(len("raw-jpeg")) {
		t.Fatalf("unexpected metadata %#v", saved)
	}
	if saved.DisplayRendition() != domain.RenditionOriginal {
		t.Fatalf("expected original display rendition, got %q", saved.DisplayRendition())
	}
	if _, _, err := store.Open(ctx, "01HX", domain.RenditionAnnotated); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before annotation, got %v", err)
	}

	drawings := json.RawMessage(`[{"type":"arrow","x":4,"y":9}]`)
	annotated, err := store.SaveAnnotated(ctx, "01HX", strings.NewReader("marked-jpeg"), "Cracked tile", drawings)
	if err != nil {
		t.Fatalf("SaveAnnotated() error = %v", err)
	}
	if !annotated.HasAnnotated || annotated.Caption != "Cracked tile" {
		t.Fatalf("unexpected annotated metadata %#v", annotated)
	}

	stat, err := store.Stat(ctx, "01HX")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if stat.PhotoLocalID != "photo-01HX" || string(stat.Drawings) != string(drawings) {
		t.Fatalf("unexpected stat %#v", stat)
	}
	rc, _, err := store.Open(ctx, "01HX", stat.DisplayRendition())
	if err != nil {
		t.Fatalf("Open(display) error = %v", err)
	}
	if got := readAll(t, rc); got != "marked-jpeg" {
		t.Fatalf("expected annotated bytes, got %q", got)
	}
	rc, _, err = store.Open(ctx, "01HX", domain.RenditionOriginal)
	if err != nil {
		t.Fatalf("Open(original) error = %v", err)
	}
	if got := readAll(t, rc); got != "raw-jpeg" {
		t.Fatalf("expected original bytes kept, got %q", got)
	}

	// Metadata-only annotation keeps the annotated rendition.
	if _, err := store.SaveAnnotated(ctx, "01HX", nil, "Cracked tile, east wall", nil); err != nil {
		t.Fatalf("SaveAnnotated(meta only) error = %v", err)
	}
	stat, err = store.Stat(ctx, "01HX")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if !stat.HasAnnotated || stat.Caption != "Cracked tile, east wall" || len(stat.Drawings) == 0 {
		t.Fatalf("unexpected metadata after caption edit %#v", stat)
	}

	if got := store.LocalURL("01HX", domain.RenditionAnnotated); got != "file:///var/fieldsync/blobs/01HX/annotated" {
		t.Fatalf("unexpected local url %q", got)
	}

	if err := store.Delete(ctx, "01HX"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Stat(ctx, "01HX"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "01HX"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestStore_QuotaReportsLocalStorage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10)

	if _, err := store.SaveOriginal(ctx, mustBlob(t, "a"), bytes.NewReader(make([]byte, 6))); err != nil {
		t.Fatalf("SaveOriginal(a) error = %v", err)
	}
	_, err := store.SaveOriginal(ctx, mustBlob(t, "b"), bytes.NewReader(make([]byte, 6)))
	if !errors.Is(err, app.ErrLocalStorage) {
		t.Fatalf("expected ErrLocalStorage over quota, got %v", err)
	}
	if _, err := store.Stat(ctx, "b"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected rejected capture to leave nothing behind, got %v", err)
	}
	used, err := store.Usage(ctx)
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if used != 6 {
		t.Fatalf("expected 6 bytes used, got %d", used)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.SaveOriginal(ctx, mustBlob(t, "b"), bytes.NewReader(make([]byte, 6))); err != nil {
		t.Fatalf("SaveOriginal(b) after delete error = %v", err)
	}
}

func TestStore_Validation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := store.Stat(ctx, id); !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("Stat(%q) expected ErrInvalidID, got %v", id, err)
		}
	}
	if _, err := store.SaveOriginal(ctx, mustBlob(t, "x"), strings.NewReader("")); !errors.Is(err, domain.ErrInvalidBlob) {
		t.Fatalf("expected ErrInvalidBlob for empty content, got %v", err)
	}
	if _, err := store.SaveAnnotated(ctx, "missing", strings.NewReader("a"), "", nil); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound annotating unknown image, got %v", err)
	}
	if _, err := store.SaveAnnotated(ctx, "x", nil, "", json.RawMessage(`{broken`)); !errors.Is(err, domain.ErrInvalidBlob) {
		t.Fatalf("expected ErrInvalidBlob for bad drawings, got %v", err)
	}
	if _, _, err := store.Open(ctx, "x", domain.BlobRendition("thumb")); !errors.Is(err, domain.ErrInvalidBlob) {
		t.Fatalf("expected ErrInvalidBlob for unknown rendition, got %v", err)
	}
}

func TestOpenRequiresDirectory(t *testing.T) {
	if _, err := Open("  ", Options{}); err == nil {
		t.Fatal("expected error for empty blob directory")
	}
	store, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx := context.Background()
	if _, err := store.SaveOriginal(ctx, mustBlob(t, "disk"), strings.NewReader("bytes")); err != nil {
		t.Fatalf("SaveOriginal() error = %v", err)
	}
	rc, meta, err := store.Open(ctx, "disk", domain.RenditionOriginal)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := readAll(t, rc); got != "bytes" || meta.ContentType != "image/jpeg" {
		t.Fatalf("unexpected read %q %#v", got, meta)
	}
}
