package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/fieldsync/internal/adapters/server/common"
)

// routePhotos serves the `/photos` surface.
func (h *Handler) routePhotos(w http.ResponseWriter, r *http.Request, parts []string) {
	if h.photos == nil {
		writeUnavailable(w, "photo")
		return
	}
	switch {
	case len(parts) == 0:
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleCapturePhoto(w, r)
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		photo, err := h.photos.GetPhoto(r.Context(), parts[0])
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		writeJSON(w, http.StatusOK, photo)
	case len(parts) == 2 && parts[1] == "content":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handlePhotoContent(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "annotation":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleAnnotatePhoto(w, r, parts[0])
	default:
		writeNotFound(w)
	}
}

// handleCapturePhoto serves multipart POST `/photos` with a `file` part.
func (h *Handler) handleCapturePhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoUploadBytes)
	reader, err := r.MultipartReader()
	if err != nil {
		writeErrorFrom(w, fmt.Errorf("photo upload must be multipart/form-data: %w", errors.Join(common.ErrInvalidRequest, err)))
		return
	}

	req := common.CapturePhotoRequest{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeErrorFrom(w, fmt.Errorf("read multipart: %w", errors.Join(common.ErrInvalidRequest, err)))
			return
		}
		if part.FormName() == "file" {
			// The file part is consumed by CapturePhoto, so fields must precede it.
			req.FileName = part.FileName()
			req.ContentType = part.Header.Get("Content-Type")
			req.Content = part
			photo, err := h.photos.CapturePhoto(r.Context(), req)
			_ = part.Close()
			if err != nil {
				writeErrorFrom(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, photo)
			return
		}
		value, err := readField(part)
		if err != nil {
			writeErrorFrom(w, err)
			return
		}
		switch part.FormName() {
		case "parent_type":
			req.ParentType = value
		case "parent_id":
			req.ParentID = value
		case "caption":
			req.Caption = value
		}
	}
	writeErrorFrom(w, fmt.Errorf("multipart body has no file part: %w", common.ErrInvalidRequest))
}

// handleAnnotatePhoto serves multipart POST `/photos/{id}/annotation`. Every part is optional.
func (h *Handler) handleAnnotatePhoto(w http.ResponseWriter, r *http.Request, imageID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPhotoUploadBytes)
	if err := r.ParseMultipartForm(maxRequestBodyBytes); err != nil {
		writeErrorFrom(w, fmt.Errorf("annotation must be multipart/form-data: %w", errors.Join(common.ErrInvalidRequest, err)))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req := common.AnnotatePhotoRequest{ImageID: imageID}
	if values, ok := r.MultipartForm.Value["caption"]; ok && len(values) > 0 {
		caption := values[0]
		req.Caption = &caption
	}
	if raw := strings.TrimSpace(r.FormValue("drawings")); raw != "" {
		req.Drawings = json.RawMessage(raw)
	}
	if files := r.MultipartForm.File["file"]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			writeErrorFrom(w, fmt.Errorf("open annotated file: %w", errors.Join(common.ErrInvalidRequest, err)))
			return
		}
		defer f.Close()
		req.Content = f
	}
	photo, err := h.photos.AnnotatePhoto(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, photo)
}

// handlePhotoContent streams the locally cached display rendition.
func (h *Handler) handlePhotoContent(w http.ResponseWriter, r *http.Request, imageID string) {
	content, err := h.photos.OpenPhoto(r.Context(), imageID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	defer content.Body.Close()

	contentType := content.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if content.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, content.Body)
}

// readField reads one small multipart form value.
func readField(part *multipart.Part) (string, error) {
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, 4<<10))
	if err != nil {
		return "", fmt.Errorf("read field %q: %w", part.FormName(), errors.Join(common.ErrInvalidRequest, err))
	}
	return strings.TrimSpace(string(data)), nil
}
