// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/fieldsync/internal/adapters/server/common"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// maxPhotoUploadBytes limits one multipart photo upload.
const maxPhotoUploadBytes int64 = 64 << 20

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	records   common.RecordService
	sync      common.SyncService
	lifecycle common.ServiceLifecycle
	photos    common.PhotoService
	events    common.EventStream
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter. Photo, lifecycle and event routes are
// enabled when records also implements those contracts.
func NewHandler(records common.RecordService, sync common.SyncService) *Handler {
	h := &Handler{records: records, sync: sync}
	if svc, ok := records.(common.ServiceLifecycle); ok {
		h.lifecycle = svc
	}
	if svc, ok := records.(common.PhotoService); ok {
		h.photos = svc
	}
	if svc, ok := records.(common.EventStream); ok {
		h.events = svc
	}
	return h
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) == 0 {
		writeNotFound(w)
		return
	}
	switch parts[0] {
	case "records":
		h.routeRecords(w, r, parts[1:])
	case "sync":
		h.routeSync(w, r, parts[1:])
	case "outbox":
		h.routeOutbox(w, r, parts[1:])
	case "services":
		h.routeServices(w, r, parts[1:])
	case "photos":
		h.routePhotos(w, r, parts[1:])
	case "events":
		if len(parts) != 1 {
			writeNotFound(w)
			return
		}
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleEvents(w, r)
	default:
		writeNotFound(w)
	}
}

// routeRecords serves `/records/{type}` and `/records/{type}/{id}`.
func (h *Handler) routeRecords(w http.ResponseWriter, r *http.Request, parts []string) {
	if h.records == nil {
		writeUnavailable(w, "record")
		return
	}
	switch len(parts) {
	case 1:
		switch r.Method {
		case http.MethodGet:
			h.handleQueryRecords(w, r, parts[0])
		case http.MethodPost:
			h.handleCreateRecord(w, r, parts[0])
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case 2:
		switch r.Method {
		case http.MethodGet:
			h.handleGetRecord(w, r, parts[0], parts[1])
		case http.MethodPatch:
			h.handleUpdateRecord(w, r, parts[0], parts[1])
		case http.MethodDelete:
			h.handleDeleteRecord(w, r, parts[0], parts[1])
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	default:
		writeNotFound(w)
	}
}

// handleGetRecord serves GET `/records/{type}/{id}`. `?by=server` addresses a server id.
func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request, entityType, id string) {
	req := common.GetRecordRequest{EntityType: entityType, LocalID: id}
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("by")), "server") {
		req = common.GetRecordRequest{EntityType: entityType, ServerID: id}
	}
	rec, err := h.records.GetRecord(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleQueryRecords serves GET `/records/{type}`.
func (h *Handler) handleQueryRecords(w http.ResponseWriter, r *http.Request, entityType string) {
	q := r.URL.Query()
	rows, err := h.records.QueryRecords(r.Context(), common.QueryRecordsRequest{
		EntityType: entityType,
		ServiceID:  strings.TrimSpace(q.Get("service")),
		ParentID:   strings.TrimSpace(q.Get("parent")),
		Status:     strings.TrimSpace(q.Get("status")),
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": rows})
}

// createRecordBody is the POST `/records/{type}` body.
type createRecordBody struct {
	ParentID string         `json:"parent_id"`
	Payload  map[string]any `json:"payload"`
}

// handleCreateRecord serves POST `/records/{type}`.
func (h *Handler) handleCreateRecord(w http.ResponseWriter, r *http.Request, entityType string) {
	var body createRecordBody
	if err := decodeJSONBody(r.Context(), w, r, &body); err != nil {
		writeErrorFrom(w, err)
		return
	}
	res, err := h.records.ApplyMutation(r.Context(), common.MutationRequest{
		Kind:       "create",
		EntityType: entityType,
		ParentID:   body.ParentID,
		Payload:    body.Payload,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// updateRecordBody is the PATCH `/records/{type}/{id}` body.
type updateRecordBody struct {
	Payload map[string]any `json:"payload"`
}

// handleUpdateRecord serves PATCH `/records/{type}/{id}`.
func (h *Handler) handleUpdateRecord(w http.ResponseWriter, r *http.Request, entityType, localID string) {
	var body updateRecordBody
	if err := decodeJSONBody(r.Context(), w, r, &body); err != nil {
		writeErrorFrom(w, err)
		return
	}
	res, err := h.records.ApplyMutation(r.Context(), common.MutationRequest{
		Kind:       "update",
		EntityType: entityType,
		LocalID:    localID,
		Payload:    body.Payload,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteRecord serves DELETE `/records/{type}/{id}`.
func (h *Handler) handleDeleteRecord(w http.ResponseWriter, r *http.Request, entityType, localID string) {
	res, err := h.records.ApplyMutation(r.Context(), common.MutationRequest{
		Kind:       "delete",
		EntityType: entityType,
		LocalID:    localID,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// routeSync serves `/sync` and `/sync/status`.
func (h *Handler) routeSync(w http.ResponseWriter, r *http.Request, parts []string) {
	if h.sync == nil {
		writeUnavailable(w, "sync")
		return
	}
	switch {
	case len(parts) == 0:
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		var req common.TriggerSyncRequest
		if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
			writeErrorFrom(w, err)
			return
		}
		res, err := h.sync.TriggerSync(r.Context(), req)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		status := http.StatusOK
		if !req.Wait {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	case len(parts) == 1 && parts[0] == "status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		status, err := h.sync.SyncStatus(r.Context())
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	default:
		writeNotFound(w)
	}
}

// routeOutbox serves POST `/outbox/{id}/retry` and POST `/outbox/{id}/discard`.
func (h *Handler) routeOutbox(w http.ResponseWriter, r *http.Request, parts []string) {
	if h.sync == nil {
		writeUnavailable(w, "sync")
		return
	}
	if len(parts) != 2 {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var (
		res common.OutboxActionResult
		err error
	)
	switch parts[1] {
	case "retry":
		res, err = h.sync.RetryFailed(r.Context(), parts[0])
	case "discard":
		res, err = h.sync.DiscardFailed(r.Context(), parts[0])
	default:
		writeNotFound(w)
		return
	}
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// routeServices serves POST `/services/{id}/open` and POST `/services/{id}/rehydrate`.
func (h *Handler) routeServices(w http.ResponseWriter, r *http.Request, parts []string) {
	if h.lifecycle == nil {
		writeUnavailable(w, "service lifecycle")
		return
	}
	if len(parts) != 2 {
		writeNotFound(w)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "open":
		res, err := h.lifecycle.OpenService(r.Context(), parts[0])
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "rehydrate":
		res, err := h.lifecycle.Rehydrate(r.Context(), parts[0])
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeNotFound(w)
	}
}

// splitPath canonicalizes one request path into route segments.
func splitPath(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil
		}
	}
	return parts
}

// queryInt parses one optional integer query parameter.
func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, common.ErrInvalidRequest)
	}
	return v, nil
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
	case errors.Is(err, common.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrConflict):
		writeJSONError(w, http.StatusConflict, APIError{
			Code:    "conflict",
			Message: err.Error(),
			Hint:    "Wait for the running sync, or rehydrate the service before writing to it.",
		})
	case errors.Is(err, common.ErrRejected):
		writeJSONError(w, http.StatusUnprocessableEntity, APIError{
			Code:    "rejected",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "remote_unavailable",
			Message: err.Error(),
			Hint:    "Local reads and writes still work; queued changes sync when connectivity returns.",
		})
	default:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: err.Error(),
		})
	}
}

// writeNotFound writes the structured unknown-endpoint response.
func writeNotFound(w http.ResponseWriter) {
	writeJSONError(w, http.StatusNotFound, APIError{
		Code:    "not_found",
		Message: "endpoint not found",
	})
}

// writeUnavailable reports a surface that was not wired.
func writeUnavailable(w http.ResponseWriter, surface string) {
	writeJSONError(w, http.StatusNotImplemented, APIError{
		Code:    "not_implemented",
		Message: surface + " APIs are not available",
	})
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}
