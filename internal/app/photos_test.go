package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
)

func capture(t *testing.T, h *harness, room domain.LocalRecord, content string) app.CaptureResult {
	t.Helper()
	res, err := h.svc.CaptureBlob(context.Background(), app.CaptureInput{
		ParentEntityType: domain.EntityRoom,
		ParentLocalID:    room.LocalID,
		FileName:         "leak.jpg",
		ContentType:      "image/jpeg",
		Caption:          "  Ceiling stain ",
		Content:          strings.NewReader(content),
	})
	if err != nil {
		t.Fatalf("CaptureBlob() error = %v", err)
	}
	return res
}

func TestCaptureUploadsFromBlobStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, rooms := h.seedService(t, "Kitchen")

	res := capture(t, h, rooms[0], "jpeg-bytes")
	if res.Degraded || res.ImageID != "img-1" {
		t.Fatalf("unexpected capture %#v", res)
	}
	if res.Photo.Payload.String("caption") != "Ceiling stain" || res.Photo.ParentLocalID != rooms[0].LocalID {
		t.Fatalf("unexpected photo record %#v", res.Photo)
	}
	url, err := h.svc.GetDisplayURL(ctx, res.ImageID)
	if err != nil {
		t.Fatalf("GetDisplayURL() error = %v", err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "/img-1/original") {
		t.Fatalf("unexpected local url %q", url)
	}
	ops := h.pending(t, res.Photo.LocalID)
	if len(ops) != 1 || len(ops[0].Attachment) != 0 {
		t.Fatalf("expected one create without inline bytes, got %#v", ops)
	}

	report := h.sync(t)
	if report.Photos != 1 {
		t.Fatalf("expected one uploaded photo, got %#v", report)
	}
	photo := h.get(t, domain.EntityPhoto, res.Photo.LocalID)
	if photo.SyncStatus != domain.SyncSynced {
		t.Fatalf("expected synced photo, got %s", photo.SyncStatus)
	}
	h.remote.mu.Lock()
	uploaded := string(h.remote.photos[photo.ServerID])
	h.remote.mu.Unlock()
	if uploaded != "jpeg-bytes" {
		t.Fatalf("expected uploaded bytes, got %q", uploaded)
	}
	remotePhoto, _ := h.remote.record(photo.ServerID)
	if remotePhoto.ParentServerID != rooms[0].ServerID || remotePhoto.Payload.String("image_id") != res.ImageID {
		t.Fatalf("unexpected remote photo %#v", remotePhoto)
	}
}

func TestCaptureUnderUnsyncedParentWaits(t *testing.T) {
	h := newHarness(t)
	service, _ := h.seedService(t)
	room := h.create(t, domain.EntityRoom, service.LocalID, domain.Payload{"name": "Kitchen"})

	res := capture(t, h, room, "jpeg-bytes")
	ops := h.pending(t, res.Photo.LocalID)
	if len(ops) != 1 || ops[0].DependsOnLocalID != room.LocalID || ops[0].DependsOnServerID != "" {
		t.Fatalf("expected photo waiting on room, got %#v", ops)
	}

	h.sync(t)
	room = h.get(t, domain.EntityRoom, room.LocalID)
	photo := h.get(t, domain.EntityPhoto, res.Photo.LocalID)
	remotePhoto, ok := h.remote.record(photo.ServerID)
	if !ok || remotePhoto.ParentServerID != room.ServerID {
		t.Fatalf("expected photo under %q, got %#v", room.ServerID, remotePhoto)
	}
}

func TestAnnotateBlobQueuesCaption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, rooms := h.seedService(t, "Kitchen")
	res := capture(t, h, rooms[0], "jpeg-bytes")
	h.sync(t)

	caption := "Stain near vent"
	photo, err := h.svc.AnnotateBlob(ctx, app.AnnotateInput{
		ImageID:  res.ImageID,
		Content:  strings.NewReader("annotated-bytes"),
		Caption:  &caption,
		Drawings: json.RawMessage(`[{"shape":"circle","x":12,"y":40}]`),
	})
	if err != nil {
		t.Fatalf("AnnotateBlob() error = %v", err)
	}
	if photo.Payload.String("caption") != caption || photo.SyncStatus != domain.SyncSynced {
		t.Fatalf("unexpected annotated record %#v", photo)
	}
	url, err := h.svc.GetDisplayURL(ctx, res.ImageID)
	if err != nil {
		t.Fatalf("GetDisplayURL() error = %v", err)
	}
	if !strings.HasSuffix(url, "/img-1/annotated") {
		t.Fatalf("expected annotated rendition, got %q", url)
	}
	rc, meta, err := h.svc.OpenBlob(ctx, res.ImageID)
	if err != nil {
		t.Fatalf("OpenBlob() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "annotated-bytes" || meta.Caption != caption {
		t.Fatalf("unexpected blob %q %#v", data, meta)
	}

	h.sync(t)
	remotePhoto, _ := h.remote.record(photo.ServerID)
	if remotePhoto.Payload.String("caption") != caption || remotePhoto.Payload.String("drawings") == "" {
		t.Fatalf("expected caption and drawings on the server, got %#v", remotePhoto.Payload)
	}

	if _, err := h.svc.AnnotateBlob(ctx, app.AnnotateInput{ImageID: res.ImageID, Drawings: json.RawMessage(`{`)}); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestCaptureFallsBackToOutboxWhenCacheFull(t *testing.T) {
	h := newHarness(t, withBlobQuota(4))
	_, rooms := h.seedService(t, "Kitchen")

	res := capture(t, h, rooms[0], "jpeg-bytes")
	if !res.Degraded {
		t.Fatalf("expected degraded capture when the blob quota is exceeded")
	}
	ops := h.pending(t, res.Photo.LocalID)
	if len(ops) != 1 || string(ops[0].Attachment) != "jpeg-bytes" {
		t.Fatalf("expected bytes carried in the outbox, got %#v", ops)
	}
	h.sync(t)
	photo := h.get(t, domain.EntityPhoto, res.Photo.LocalID)
	h.remote.mu.Lock()
	uploaded := string(h.remote.photos[photo.ServerID])
	h.remote.mu.Unlock()
	if uploaded != "jpeg-bytes" {
		t.Fatalf("expected uploaded bytes from the outbox, got %q", uploaded)
	}
}

func TestDisplayURLFallsBackToServer(t *testing.T) {
	h := newHarness(t, withoutBlobs())
	ctx := context.Background()
	_, rooms := h.seedService(t, "Kitchen")
	res := capture(t, h, rooms[0], "jpeg-bytes")
	if !res.Degraded {
		t.Fatalf("expected degraded capture without a blob store")
	}
	if _, err := h.svc.GetDisplayURL(ctx, res.ImageID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before upload, got %v", err)
	}
	h.sync(t)
	photo := h.get(t, domain.EntityPhoto, res.Photo.LocalID)
	url, err := h.svc.GetDisplayURL(ctx, res.ImageID)
	if err != nil {
		t.Fatalf("GetDisplayURL() error = %v", err)
	}
	if url != "https://records.test/photos/"+photo.ServerID {
		t.Fatalf("unexpected server url %q", url)
	}
}

func TestDeletePhotoDropsBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, rooms := h.seedService(t, "Kitchen")
	res := capture(t, h, rooms[0], "jpeg-bytes")

	if _, err := h.svc.DeleteEntity(ctx, domain.EntityRoom, rooms[0].LocalID); err != nil {
		t.Fatalf("DeleteEntity() error = %v", err)
	}
	if _, err := h.blobs.Stat(ctx, res.ImageID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected blob removed with its room, got %v", err)
	}
	if ops := h.pending(t, res.Photo.LocalID); len(ops) != 0 {
		t.Fatalf("expected unsent upload cancelled, got %#v", ops)
	}
}

func TestCaptureValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	service, rooms := h.seedService(t, "Kitchen")

	cases := []struct {
		name string
		in   app.CaptureInput
		want error
	}{
		{"no content", app.CaptureInput{ParentEntityType: domain.EntityRoom, ParentLocalID: rooms[0].LocalID}, app.ErrInvalidRequest},
		{"empty content", app.CaptureInput{ParentEntityType: domain.EntityRoom, ParentLocalID: rooms[0].LocalID, Content: strings.NewReader("")}, app.ErrInvalidRequest},
		{"service parent", app.CaptureInput{ParentEntityType: domain.EntityService, ParentLocalID: service.LocalID, Content: strings.NewReader("x")}, app.ErrInvalidRequest},
		{"missing parent", app.CaptureInput{ParentEntityType: domain.EntityRoom, ParentLocalID: "gone", Content: strings.NewReader("x")}, app.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.svc.CaptureBlob(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
