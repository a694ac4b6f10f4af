package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hylla/fieldsync/internal/adapters/server/common"
)

// stubBackend provides deterministic responses for every transport contract.
type stubBackend struct {
	mu sync.Mutex

	record    common.Record
	records   []common.Record
	mutation  common.MutationResult
	status    common.SyncStatus
	trigger   common.TriggerSyncResult
	outbox    common.OutboxActionResult
	opened    common.OpenServiceResult
	rehydrate common.RehydrateResult
	photo     common.Photo
	content   string
	replay    []common.Event
	err       error

	lastGet      common.GetRecordRequest
	lastQuery    common.QueryRecordsRequest
	lastMutation common.MutationRequest
	lastTrigger  common.TriggerSyncRequest
	lastOutbox   string
	lastCapture  common.CapturePhotoRequest
	captured     string
	lastAnnotate common.AnnotatePhotoRequest
	lastFilter   common.EventFilter

	live chan common.Event
}

func (s *stubBackend) GetRecord(_ context.Context, req common.GetRecordRequest) (common.Record, error) {
	s.lastGet = req
	return s.record, s.err
}

func (s *stubBackend) QueryRecords(_ context.Context, req common.QueryRecordsRequest) ([]common.Record, error) {
	s.lastQuery = req
	return s.records, s.err
}

func (s *stubBackend) ApplyMutation(_ context.Context, req common.MutationRequest) (common.MutationResult, error) {
	s.lastMutation = req
	return s.mutation, s.err
}

func (s *stubBackend) TriggerSync(_ context.Context, req common.TriggerSyncRequest) (common.TriggerSyncResult, error) {
	s.lastTrigger = req
	return s.trigger, s.err
}

func (s *stubBackend) SyncStatus(context.Context) (common.SyncStatus, error) {
	return s.status, s.err
}

func (s *stubBackend) RetryFailed(_ context.Context, localID string) (common.OutboxActionResult, error) {
	s.lastOutbox = "retry " + localID
	return s.outbox, s.err
}

func (s *stubBackend) DiscardFailed(_ context.Context, localID string) (common.OutboxActionResult, error) {
	s.lastOutbox = "discard " + localID
	return s.outbox, s.err
}

func (s *stubBackend) OpenService(context.Context, string) (common.OpenServiceResult, error) {
	return s.opened, s.err
}

func (s *stubBackend) Rehydrate(context.Context, string) (common.RehydrateResult, error) {
	return s.rehydrate, s.err
}

func (s *stubBackend) CapturePhoto(_ context.Context, req common.CapturePhotoRequest) (common.Photo, error) {
	data, _ := io.ReadAll(req.Content)
	s.lastCapture = req
	s.captured = string(data)
	return s.photo, s.err
}

func (s *stubBackend) AnnotatePhoto(_ context.Context, req common.AnnotatePhotoRequest) (common.Photo, error) {
	s.lastAnnotate = req
	return s.photo, s.err
}

func (s *stubBackend) GetPhoto(context.Context, string) (common.Photo, error) {
	return s.photo, s.err
}

func (s *stubBackend) OpenPhoto(context.Context, string) (common.PhotoContent, error) {
	if s.err != nil {
		return common.PhotoContent{}, s.err
	}
	return common.PhotoContent{
		Body:        io.NopCloser(strings.NewReader(s.content)),
		ContentType: "image/jpeg",
		Size:        int64(len(s.content)),
	}, nil
}

func (s *stubBackend) Subscribe(filter common.EventFilter) (<-chan common.Event, func()) {
	s.mu.Lock()
	s.lastFilter = filter
	s.mu.Unlock()
	return s.live, func() {}
}

func (s *stubBackend) ChangesSince(_ context.Context, seq int64, _ int) ([]common.Event, error) {
	var out []common.Event
	for _, evt := range s.replay {
		if evt.Seq > seq {
			out = append(out, evt)
		}
	}
	return out, s.err
}

func serve(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// decodeBody decodes one JSON response body into the requested type.
func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return out
}

// TestHandlerRecordRoutes verifies record read and mutation routing.
func TestHandlerRecordRoutes(t *testing.T) {
	backend := &stubBackend{
		record:   common.Record{LocalID: "loc-1", EntityType: "room", SyncStatus: "pending"},
		records:  []common.Record{{LocalID: "loc-1"}},
		mutation: common.MutationResult{Queued: 1},
	}
	h := NewHandler(backend, backend)

	rec := serve(t, h, http.MethodGet, "/records/room/loc-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeBody[common.Record](t, rec); got.LocalID != "loc-1" || backend.lastGet.LocalID != "loc-1" {
		t.Fatalf("unexpected record %#v / %#v", got, backend.lastGet)
	}

	serve(t, h, http.MethodGet, "/records/room/srv-9?by=server", nil)
	if backend.lastGet.ServerID != "srv-9" || backend.lastGet.LocalID != "" {
		t.Fatalf("expected server id lookup, got %#v", backend.lastGet)
	}

	rec = serve(t, h, http.MethodGet, "/records/room?service=svc-1&status=failed", nil)
	if rec.Code != http.StatusOK || backend.lastQuery.ServiceID != "svc-1" || backend.lastQuery.Status != "failed" {
		t.Fatalf("unexpected query %d %#v", rec.Code, backend.lastQuery)
	}

	rec = serve(t, h, http.MethodPost, "/records/room", strings.NewReader(`{"parent_id":"svc-1","payload":{"name":"Kitchen"}}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", rec.Code)
	}
	if backend.lastMutation.Kind != "create" || backend.lastMutation.ParentID != "svc-1" || backend.lastMutation.Payload["name"] != "Kitchen" {
		t.Fatalf("unexpected create %#v", backend.lastMutation)
	}

	rec = serve(t, h, http.MethodPatch, "/records/room/loc-1", strings.NewReader(`{"payload":{"name":"Galley"}}`))
	if rec.Code != http.StatusOK || backend.lastMutation.Kind != "update" || backend.lastMutation.LocalID != "loc-1" {
		t.Fatalf("unexpected update %d %#v", rec.Code, backend.lastMutation)
	}

	rec = serve(t, h, http.MethodDelete, "/records/room/loc-1", nil)
	if rec.Code != http.StatusOK || backend.lastMutation.Kind != "delete" {
		t.Fatalf("unexpected delete %d %#v", rec.Code, backend.lastMutation)
	}

	rec = serve(t, h, http.MethodPut, "/records/room/loc-1", nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") == "" {
		t.Fatalf("expected 405 with Allow, got %d", rec.Code)
	}
}

// TestHandlerRejectsMalformedBodies verifies strict body decoding.
func TestHandlerRejectsMalformedBodies(t *testing.T) {
	backend := &stubBackend{}
	h := NewHandler(backend, backend)

	for name, body := range map[string]string{
		"unknown field": `{"payload":{},"extra":1}`,
		"trailing":      `{"payload":{}} {}`,
		"not json":      `payload`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := serve(t, h, http.MethodPost, "/records/room", strings.NewReader(body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeBody[ErrorEnvelope](t, rec); got.Error.Code != "invalid_request" {
				t.Fatalf("code = %q, want invalid_request", got.Error.Code)
			}
		})
	}
}

// TestHandlerErrorMapping verifies structured status mapping for backend errors.
func TestHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", errors.Join(common.ErrInvalidRequest, errors.New("bad")), http.StatusBadRequest, "invalid_request"},
		{"not found", errors.Join(common.ErrNotFound, errors.New("missing")), http.StatusNotFound, "not_found"},
		{"conflict", errors.Join(common.ErrConflict, errors.New("rehydrate")), http.StatusConflict, "conflict"},
		{"rejected", errors.Join(common.ErrRejected, errors.New("422")), http.StatusUnprocessableEntity, "rejected"},
		{"offline", errors.Join(common.ErrUnavailable, errors.New("offline")), http.StatusServiceUnavailable, "remote_unavailable"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &stubBackend{err: tc.err}
			rec := serve(t, NewHandler(backend, backend), http.MethodGet, "/sync/status", nil)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := decodeBody[ErrorEnvelope](t, rec); got.Error.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q", got.Error.Code, tc.wantCode)
			}
		})
	}
}

// TestHandlerSyncRoutes verifies sync trigger, status and outbox actions.
func TestHandlerSyncRoutes(t *testing.T) {
	backend := &stubBackend{
		trigger: common.TriggerSyncResult{Triggered: true},
		status:  common.SyncStatus{State: "backoff", Queued: 2},
		outbox:  common.OutboxActionResult{LocalID: "loc-3", Requeued: 1},
	}
	h := NewHandler(backend, backend)

	rec := serve(t, h, http.MethodPost, "/sync", nil)
	if rec.Code != http.StatusAccepted || backend.lastTrigger.Wait {
		t.Fatalf("expected async trigger, got %d %#v", rec.Code, backend.lastTrigger)
	}
	rec = serve(t, h, http.MethodPost, "/sync", strings.NewReader(`{"wait":true}`))
	if rec.Code != http.StatusOK || !backend.lastTrigger.Wait {
		t.Fatalf("expected waited trigger, got %d %#v", rec.Code, backend.lastTrigger)
	}

	rec = serve(t, h, http.MethodGet, "/sync/status", nil)
	if got := decodeBody[common.SyncStatus](t, rec); got.State != "backoff" || got.Queued != 2 {
		t.Fatalf("unexpected status %#v", got)
	}

	serve(t, h, http.MethodPost, "/outbox/loc-3/retry", nil)
	if backend.lastOutbox != "retry loc-3" {
		t.Fatalf("unexpected outbox call %q", backend.lastOutbox)
	}
	serve(t, h, http.MethodPost, "/outbox/loc-3/discard", nil)
	if backend.lastOutbox != "discard loc-3" {
		t.Fatalf("unexpected outbox call %q", backend.lastOutbox)
	}
	if rec := serve(t, h, http.MethodPost, "/outbox/loc-3/explode", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// TestHandlerServiceRoutes verifies open and rehydrate routing.
func TestHandlerServiceRoutes(t *testing.T) {
	backend := &stubBackend{
		opened:    common.OpenServiceResult{Service: common.Record{LocalID: "svc-1"}},
		rehydrate: common.RehydrateResult{ServiceID: "svc-1", Success: true, Restored: map[string]int{"room": 2}},
	}
	h := NewHandler(backend, backend)

	rec := serve(t, h, http.MethodPost, "/services/svc-1/open", nil)
	if got := decodeBody[common.OpenServiceResult](t, rec); got.Service.LocalID != "svc-1" {
		t.Fatalf("unexpected open %#v", got)
	}
	rec = serve(t, h, http.MethodPost, "/services/svc-1/rehydrate", nil)
	if got := decodeBody[common.RehydrateResult](t, rec); !got.Success || got.Restored["room"] != 2 {
		t.Fatalf("unexpected rehydrate %#v", got)
	}
}

// TestHandlerPhotoRoutes verifies multipart capture, annotation and content streaming.
func TestHandlerPhotoRoutes(t *testing.T) {
	backend := &stubBackend{
		photo:   common.Photo{ImageID: "img-1", DisplayURL: "file:///blobs/img-1/original"},
		content: "jpeg-bytes",
	}
	h := NewHandler(backend, backend)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("parent_type", "room")
	_ = mw.WriteField("parent_id", "loc-2")
	_ = mw.WriteField("caption", " Leak ")
	fw, _ := mw.CreateFormFile("file", "leak.jpg")
	_, _ = fw.Write([]byte("jpeg-bytes"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/photos", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if backend.lastCapture.ParentID != "loc-2" || backend.lastCapture.Caption != "Leak" || backend.lastCapture.FileName != "leak.jpg" {
		t.Fatalf("unexpected capture %#v", backend.lastCapture)
	}
	if backend.captured != "jpeg-bytes" {
		t.Fatalf("unexpected captured bytes %q", backend.captured)
	}

	body.Reset()
	mw = multipart.NewWriter(&body)
	_ = mw.WriteField("caption", "Stain near vent")
	_ = mw.WriteField("drawings", `[{"shape":"circle"}]`)
	_ = mw.Close()
	req = httptest.NewRequest(http.MethodPost, "/photos/img-1/annotation", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("annotate status = %d: %s", rec.Code, rec.Body.String())
	}
	if backend.lastAnnotate.Caption == nil || *backend.lastAnnotate.Caption != "Stain near vent" || backend.lastAnnotate.Content != nil {
		t.Fatalf("unexpected annotate %#v", backend.lastAnnotate)
	}

	rec = serve(t, h, http.MethodGet, "/photos/img-1/content", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "jpeg-bytes" || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected content %d %q", rec.Code, rec.Body.String())
	}

	rec = serve(t, h, http.MethodPost, "/photos", strings.NewReader(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart capture, got %d", rec.Code)
	}
}

// TestHandlerEventsReplay verifies the plain GET replay of persisted changes.
func TestHandlerEventsReplay(t *testing.T) {
	backend := &stubBackend{replay: []common.Event{{Seq: 1, LocalID: "a"}, {Seq: 2, LocalID: "b"}}}
	h := NewHandler(backend, backend)

	rec := serve(t, h, http.MethodGet, "/events?since=1", nil)
	got := decodeBody[struct {
		Events []common.Event `json:"events"`
	}](t, rec)
	if len(got.Events) != 1 || got.Events[0].LocalID != "b" {
		t.Fatalf("unexpected replay %#v", got.Events)
	}
	if rec := serve(t, h, http.MethodGet, "/events?since=soon", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// TestHandlerEventsWebsocket verifies replay then live streaming over a websocket.
func TestHandlerEventsWebsocket(t *testing.T) {
	backend := &stubBackend{
		replay: []common.Event{
			{Seq: 1, Kind: "changed", EntityType: "room", LocalID: "a"},
			{Seq: 2, Kind: "changed", EntityType: "point", LocalID: "b"},
			{Seq: 3, Kind: "deleted", EntityType: "room", LocalID: "c"},
		},
		live: make(chan common.Event, 4),
	}
	srv := httptest.NewServer(NewHandler(backend, backend))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events?since=0&type=room", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var evt common.Event
	for _, want := range []string{"a", "c"} {
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if evt.LocalID != want {
			t.Fatalf("replayed %q, want %q", evt.LocalID, want)
		}
	}

	backend.live <- common.Event{Seq: 3, Kind: "deleted", EntityType: "room", LocalID: "c"}
	backend.live <- common.Event{Seq: 4, Kind: "reconciled", EntityType: "room", LocalID: "d", ServerID: "srv-4"}
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if evt.LocalID != "d" || evt.ServerID != "srv-4" {
		t.Fatalf("expected live event after replay, got %#v", evt)
	}
	backend.mu.Lock()
	filter := backend.lastFilter
	backend.mu.Unlock()
	if len(filter.EntityTypes) != 1 || filter.EntityTypes[0] != "room" {
		t.Fatalf("unexpected subscription filter %#v", filter)
	}
}

// TestHandlerUnknownRoute verifies structured not-found responses.
func TestHandlerUnknownRoute(t *testing.T) {
	backend := &stubBackend{}
	rec := serve(t, NewHandler(backend, backend), http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decodeBody[ErrorEnvelope](t, rec); got.Error.Code != "not_found" {
		t.Fatalf("code = %q, want not_found", got.Error.Code)
	}
}
