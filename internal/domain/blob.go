package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// BlobRendition selects which stored variant of an image to read.
type BlobRendition string

// BlobRendition values.
const (
	RenditionOriginal  BlobRendition = "original"
	RenditionAnnotated BlobRendition = "annotated"
)

// CachedBlob describes locally stored photo content and its overlay metadata.
type CachedBlob struct {
	ImageID       string          `json:"image_id"`
	PhotoLocalID  string          `json:"photo_local_id"`
	ParentLocalID string          `json:"parent_local_id"`
	Caption       string          `json:"caption"`
	Drawings      json.RawMessage `json:"drawings,omitempty"`
	FileName      string          `json:"file_name"`
	ContentType   string          `json:"content_type"`
	Size          int64           `json:"size"`
	HasOriginal   bool            `json:"has_original"`
	HasAnnotated  bool            `json:"has_annotated"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewCachedBlob validates blob metadata for a fresh capture.
func NewCachedBlob(imageID, photoLocalID, parentLocalID, fileName, contentType string, now time.Time) (CachedBlob, error) {
	imageID = strings.TrimSpace(imageID)
	photoLocalID = strings.TrimSpace(photoLocalID)
	if imageID == "" || photoLocalID == "" {
		return CachedBlob{}, ErrInvalidID
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return CachedBlob{
		ImageID:       imageID,
		PhotoLocalID:  photoLocalID,
		ParentLocalID: strings.TrimSpace(parentLocalID),
		FileName:      strings.TrimSpace(fileName),
		ContentType:   contentType,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

// DisplayRendition returns the rendition a viewer should show.
func (b CachedBlob) DisplayRendition() BlobRendition {
	if b.HasAnnotated {
		return RenditionAnnotated
	}
	return RenditionOriginal
}
