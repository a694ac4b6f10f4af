package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hylla/fieldsync/internal/domain"
)

// Photo payload keys.
const (
	payloadImageID     = "image_id"
	payloadCaption     = "caption"
	payloadDrawings    = "drawings"
	payloadFileName    = "file_name"
	payloadContentType = "content_type"
	payloadParentType  = "parent_type"
)

// CaptureInput holds input values for capture blob operations.
type CaptureInput struct {
	ParentEntityType domain.EntityType
	ParentLocalID    string
	FileName         string
	ContentType      string
	Caption          string
	Content          io.Reader
}

// CaptureResult reports a stored capture.
type CaptureResult struct {
	ImageID string
	Photo   domain.LocalRecord
	// Degraded is set when local caching failed and the bytes travel in the outbox.
	Degraded bool
}

// CaptureBlob stores a photo for parentLocalID and queues its upload.
func (s *Service) CaptureBlob(ctx context.Context, in CaptureInput) (CaptureResult, error) {
	if in.Content == nil {
		return CaptureResult{}, fmt.Errorf("%w: photo content is required", ErrInvalidRequest)
	}
	if !isParentType(domain.EntityPhoto, in.ParentEntityType) {
		return CaptureResult{}, fmt.Errorf("%w: photos cannot attach to %q", ErrInvalidRequest, in.ParentEntityType)
	}
	data, err := io.ReadAll(io.LimitReader(in.Content, s.maxBlob+1))
	if err != nil {
		return CaptureResult{}, fmt.Errorf("read photo content: %w", err)
	}
	if int64(len(data)) > s.maxBlob {
		return CaptureResult{}, fmt.Errorf("%w: photo exceeds %d bytes", ErrInvalidRequest, s.maxBlob)
	}
	if len(data) == 0 {
		return CaptureResult{}, fmt.Errorf("%w: photo content is empty", ErrInvalidRequest)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.repo.GetRecord(ctx, in.ParentEntityType, in.ParentLocalID); err != nil {
		return CaptureResult{}, err
	}
	imageID := s.imageIDGen()
	payload := domain.Payload{
		payloadImageID:     imageID,
		payloadCaption:     strings.TrimSpace(in.Caption),
		payloadFileName:    strings.TrimSpace(in.FileName),
		payloadContentType: strings.TrimSpace(in.ContentType),
		payloadParentType:  string(in.ParentEntityType),
	}

	var attachment []byte
	degraded := false
	photoLocalID := s.idGen()
	if s.blobs == nil {
		attachment, degraded = data, true
	} else {
		meta, err := domain.NewCachedBlob(imageID, photoLocalID, in.ParentLocalID, in.FileName, in.ContentType, s.clock())
		if err != nil {
			return CaptureResult{}, err
		}
		meta.Caption = strings.TrimSpace(in.Caption)
		if _, err := s.blobs.SaveOriginal(ctx, meta, bytes.NewReader(data)); err != nil {
			if !errors.Is(err, ErrLocalStorage) {
				return CaptureResult{}, err
			}
			s.logger.Warn("photo cache unavailable, carrying bytes in outbox", "image_id", imageID, "err", err)
			attachment, degraded = data, true
		}
	}

	record, err := s.createLocked(ctx, photoLocalID, CreateEntityInput{
		EntityType:    domain.EntityPhoto,
		ParentLocalID: in.ParentLocalID,
		Payload:       payload,
	}, attachment)
	if err != nil {
		if s.blobs != nil && !degraded {
			_ = s.blobs.Delete(ctx, imageID)
		}
		return CaptureResult{}, err
	}
	return CaptureResult{ImageID: imageID, Photo: record, Degraded: degraded}, nil
}

// AnnotateInput holds input values for annotate blob operations.
type AnnotateInput struct {
	ImageID  string
	Content  io.Reader
	Caption  *string
	Drawings json.RawMessage
}

// AnnotateBlob stores an annotated rendition and overlay metadata, and queues the
// caption and drawing changes on the photo record.
func (s *Service) AnnotateBlob(ctx context.Context, in AnnotateInput) (domain.LocalRecord, error) {
	photo, err := s.photoByImageID(ctx, in.ImageID)
	if err != nil {
		return domain.LocalRecord{}, err
	}
	caption := photo.Payload.String(payloadCaption)
	if in.Caption != nil {
		caption = strings.TrimSpace(*in.Caption)
	}
	if len(in.Drawings) > 0 && !json.Valid(in.Drawings) {
		return domain.LocalRecord{}, fmt.Errorf("%w: drawings must be json", domain.ErrInvalidPayload)
	}
	if s.blobs != nil {
		if _, err := s.blobs.SaveAnnotated(ctx, in.ImageID, in.Content, caption, in.Drawings); err != nil {
			if !errors.Is(err, ErrLocalStorage) && !errors.Is(err, ErrNotFound) {
				return domain.LocalRecord{}, err
			}
			s.logger.Warn("annotated rendition not cached", "image_id", in.ImageID, "err", err)
		}
	}

	diff := domain.Payload{}
	if in.Caption != nil {
		diff[payloadCaption] = caption
	}
	if len(in.Drawings) > 0 {
		diff[payloadDrawings] = string(in.Drawings)
	}
	if len(diff) == 0 {
		return photo, nil
	}
	return s.UpdateEntity(ctx, domain.EntityPhoto, photo.LocalID, diff)
}

// GetPhoto returns the photo record that owns imageID.
func (s *Service) GetPhoto(ctx context.Context, imageID string) (domain.LocalRecord, error) {
	return s.photoByImageID(ctx, imageID)
}

func (s *Service) photoByImageID(ctx context.Context, imageID string) (domain.LocalRecord, error) {
	imageID = strings.TrimSpace(imageID)
	if imageID == "" {
		return domain.LocalRecord{}, domain.ErrInvalidID
	}
	if s.blobs != nil {
		if meta, err := s.blobs.Stat(ctx, imageID); err == nil && meta.PhotoLocalID != "" {
			if rec, err := s.repo.GetRecord(ctx, domain.EntityPhoto, meta.PhotoLocalID); err == nil {
				return rec, nil
			}
		}
	}
	records, err := s.repo.QueryRecords(ctx, RecordQuery{
		EntityType: domain.EntityPhoto,
		Predicate: func(rec domain.LocalRecord) bool {
			return rec.Payload.String(payloadImageID) == imageID
		},
	})
	if err != nil {
		return domain.LocalRecord{}, err
	}
	if len(records) == 0 {
		return domain.LocalRecord{}, ErrNotFound
	}
	return records[0], nil
}

// GetDisplayURL returns where a viewer can load the photo: the local annotated or
// original rendition when cached, otherwise the server copy once uploaded.
func (s *Service) GetDisplayURL(ctx context.Context, imageID string) (string, error) {
	if s.blobs != nil {
		meta, err := s.blobs.Stat(ctx, imageID)
		if err == nil {
			return s.blobs.LocalURL(imageID, meta.DisplayRendition()), nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrLocalStorage) {
			return "", err
		}
	}
	photo, err := s.photoByImageID(ctx, imageID)
	if err != nil {
		return "", err
	}
	if photo.ServerID == "" || s.remote == nil {
		return "", fmt.Errorf("photo %s: %w", imageID, ErrNotFound)
	}
	return s.remote.PhotoURL(photo.ServerID), nil
}

// OpenBlob opens the display rendition of a cached photo.
func (s *Service) OpenBlob(ctx context.Context, imageID string) (io.ReadCloser, domain.CachedBlob, error) {
	if s.blobs == nil {
		return nil, domain.CachedBlob{}, ErrNotFound
	}
	meta, err := s.blobs.Stat(ctx, imageID)
	if err != nil {
		return nil, domain.CachedBlob{}, err
	}
	return s.blobs.Open(ctx, imageID, meta.DisplayRendition())
}

func (s *Service) dropBlob(ctx context.Context, photo domain.LocalRecord) {
	imageID := photo.Payload.String(payloadImageID)
	if s.blobs == nil || imageID == "" {
		return
	}
	if err := s.blobs.Delete(ctx, imageID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("photo blob not removed", "image_id", imageID, "local_id", photo.LocalID, "err", err)
	}
}
