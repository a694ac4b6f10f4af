// Package blobfs stores photo renditions on a filesystem keyed by image id.
package blobfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hylla/fieldsync/internal/app"
	"github.com/hylla/fieldsync/internal/domain"
	"github.com/spf13/afero"
)

const metaFile = "meta.json"

// Options configures a Store.
type Options struct {
	// QuotaBytes caps the bytes held across every image. Zero disables the cap.
	QuotaBytes int64
	Clock      func() time.Time
}

// Store keeps each image under <root>/<imageID>/ with one file per rendition and
// a meta.json sidecar.
type Store struct {
	fs    afero.Fs
	root  string
	quota int64
	clock func() time.Time

	mu sync.Mutex
}

// Open returns a Store rooted at dir on the OS filesystem.
func Open(dir string, opts Options) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("blob directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir: %w", err)
	}
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return New(afero.NewBasePathFs(osfs, abs), abs, opts), nil
}

// New wraps an existing filesystem. root is only used to build local URLs.
func New(fsys afero.Fs, root string, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{fs: fsys, root: root, quota: opts.QuotaBytes, clock: clock}
}

// SaveOriginal writes the captured rendition and its metadata.
func (s *Store) SaveOriginal(ctx context.Context, meta domain.CachedBlob, content io.Reader) (domain.CachedBlob, error) {
	if err := validImageID(meta.ImageID); err != nil {
		return domain.CachedBlob{}, err
	}
	if content == nil {
		return domain.CachedBlob{}, fmt.Errorf("%w: content is required", domain.ErrInvalidBlob)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.CachedBlob{}, err
	}

	if err := s.fs.MkdirAll(blobPath(meta.ImageID), 0o755); err != nil {
		return domain.CachedBlob{}, storageErr("create image dir", err)
	}
	size, err := s.writeRendition(meta.ImageID, domain.RenditionOriginal, content)
	if err != nil {
		s.cleanupEmpty(meta.ImageID)
		return domain.CachedBlob{}, err
	}
	now := s.clock().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
	meta.Size = size
	meta.HasOriginal = true
	if err := s.writeMeta(meta); err != nil {
		_ = s.fs.RemoveAll(blobPath(meta.ImageID))
		return domain.CachedBlob{}, err
	}
	return meta, nil
}

// SaveAnnotated stores an annotated rendition next to the original and updates
// the overlay metadata. A nil content reader only updates metadata.
func (s *Store) SaveAnnotated(ctx context.Context, imageID string, content io.Reader, caption string, drawings json.RawMessage) (domain.CachedBlob, error) {
	if err := validImageID(imageID); err != nil {
		return domain.CachedBlob{}, err
	}
	if len(drawings) > 0 && !json.Valid(drawings) {
		return domain.CachedBlob{}, fmt.Errorf("%w: drawings must be json", domain.ErrInvalidBlob)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return domain.CachedBlob{}, err
	}

	meta, err := s.readMeta(imageID)
	if err != nil {
		return domain.CachedBlob{}, err
	}
	if content != nil {
		if _, err := s.writeRendition(imageID, domain.RenditionAnnotated, content); err != nil {
			return domain.CachedBlob{}, err
		}
		meta.HasAnnotated = true
	}
	meta.Caption = caption
	if len(drawings) > 0 {
		meta.Drawings = append(json.RawMessage(nil), drawings...)
	}
	meta.UpdatedAt = s.clock().UTC()
	if err := s.writeMeta(meta); err != nil {
		return domain.CachedBlob{}, err
	}
	return meta, nil
}

// Stat returns the metadata for imageID.
func (s *Store) Stat(_ context.Context, imageID string) (domain.CachedBlob, error) {
	if err := validImageID(imageID); err != nil {
		return domain.CachedBlob{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMeta(imageID)
}

// Open opens one rendition for reading.
func (s *Store) Open(_ context.Context, imageID string, rendition domain.BlobRendition) (io.ReadCloser, domain.CachedBlob, error) {
	if err := validImageID(imageID); err != nil {
		return nil, domain.CachedBlob{}, err
	}
	if err := validRendition(rendition); err != nil {
		return nil, domain.CachedBlob{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(imageID)
	if err != nil {
		return nil, domain.CachedBlob{}, err
	}
	if rendition == domain.RenditionAnnotated && !meta.HasAnnotated {
		return nil, domain.CachedBlob{}, fmt.Errorf("image %s has no annotated rendition: %w", imageID, app.ErrNotFound)
	}
	f, err := s.fs.Open(blobPath(imageID, string(rendition)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.CachedBlob{}, fmt.Errorf("image %s %s: %w", imageID, rendition, app.ErrNotFound)
		}
		return nil, domain.CachedBlob{}, storageErr("open rendition", err)
	}
	return f, meta, nil
}

// Delete removes every rendition of imageID.
func (s *Store) Delete(_ context.Context, imageID string) error {
	if err := validImageID(imageID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := afero.DirExists(s.fs, blobPath(imageID))
	if err != nil {
		return storageErr("stat image dir", err)
	}
	if !exists {
		return app.ErrNotFound
	}
	if err := s.fs.RemoveAll(blobPath(imageID)); err != nil {
		return storageErr("remove image", err)
	}
	return nil
}

// LocalURL returns a file URL for one rendition.
func (s *Store) LocalURL(imageID string, rendition domain.BlobRendition) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.root, imageID, string(rendition)))}
	return u.String()
}

// Usage reports the bytes held by every stored rendition.
func (s *Store) Usage(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage()
}

func (s *Store) usage() (int64, error) {
	var total int64
	err := afero.Walk(s.fs, "/", func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() && info.Name() != metaFile {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("measure blob usage", err)
	}
	return total, nil
}

// writeRendition streams content to a temp file and renames it into place, so a
// failed write never leaves a truncated rendition behind.
func (s *Store) writeRendition(imageID string, rendition domain.BlobRendition, content io.Reader) (int64, error) {
	limit := int64(-1)
	if s.quota > 0 {
		used, err := s.usage()
		if err != nil {
			return 0, err
		}
		if existing, err := s.fs.Stat(blobPath(imageID, string(rendition))); err == nil {
			used -= existing.Size()
		}
		limit = s.quota - used
		if limit <= 0 {
			return 0, fmt.Errorf("%w: blob quota of %d bytes exhausted", app.ErrLocalStorage, s.quota)
		}
	}

	tmp, err := afero.TempFile(s.fs, blobPath(imageID), "."+string(rendition)+"-*")
	if err != nil {
		return 0, storageErr("create temp rendition", err)
	}
	tmpName := tmp.Name()
	reader := content
	if limit >= 0 {
		reader = io.LimitReader(content, limit+1)
	}
	n, copyErr := io.Copy(tmp, reader)
	closeErr := tmp.Close()
	if copyErr == nil && limit >= 0 && n > limit {
		copyErr = fmt.Errorf("%w: blob quota of %d bytes exceeded", app.ErrLocalStorage, s.quota)
	}
	if copyErr == nil && n == 0 {
		copyErr = fmt.Errorf("%w: empty rendition", domain.ErrInvalidBlob)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = s.fs.Remove(tmpName)
		if errors.Is(copyErr, app.ErrLocalStorage) || errors.Is(copyErr, domain.ErrInvalidBlob) {
			return 0, copyErr
		}
		return 0, storageErr("write rendition", copyErr)
	}
	if err := s.fs.Rename(tmpName, blobPath(imageID, string(rendition))); err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, storageErr("commit rendition", err)
	}
	return n, nil
}

func (s *Store) readMeta(imageID string) (domain.CachedBlob, error) {
	raw, err := afero.ReadFile(s.fs, blobPath(imageID, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.CachedBlob{}, fmt.Errorf("image %s: %w", imageID, app.ErrNotFound)
		}
		return domain.CachedBlob{}, storageErr("read blob metadata", err)
	}
	var meta domain.CachedBlob
	if err := json.Unmarshal(raw, &meta); err != nil {
		return domain.CachedBlob{}, storageErr("decode blob metadata", err)
	}
	return meta, nil
}

func (s *Store) writeMeta(meta domain.CachedBlob) error {
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode blob metadata: %w", err)
	}
	tmpName := blobPath(meta.ImageID, "."+metaFile+".tmp")
	if err := afero.WriteFile(s.fs, tmpName, encoded, 0o644); err != nil {
		return storageErr("write blob metadata", err)
	}
	if err := s.fs.Rename(tmpName, blobPath(meta.ImageID, metaFile)); err != nil {
		_ = s.fs.Remove(tmpName)
		return storageErr("commit blob metadata", err)
	}
	return nil
}

// cleanupEmpty removes an image directory left without metadata.
func (s *Store) cleanupEmpty(imageID string) {
	if ok, _ := afero.Exists(s.fs, blobPath(imageID, metaFile)); ok {
		return
	}
	_ = s.fs.RemoveAll(blobPath(imageID))
}

// blobPath builds a path rooted at the store directory.
func blobPath(parts ...string) string {
	return path.Join(append([]string{"/"}, parts...)...)
}

func storageErr(action string, err error) error {
	return fmt.Errorf("%w: %s: %v", app.ErrLocalStorage, action, err)
}

func validImageID(imageID string) error {
	imageID = strings.TrimSpace(imageID)
	if imageID == "" || imageID == "." || imageID == ".." || strings.ContainsAny(imageID, `/\`) {
		return domain.ErrInvalidID
	}
	return nil
}

func validRendition(rendition domain.BlobRendition) error {
	switch rendition {
	case domain.RenditionOriginal, domain.RenditionAnnotated:
		return nil
	default:
		return fmt.Errorf("%w: unknown rendition %q", domain.ErrInvalidBlob, rendition)
	}
}

var _ app.BlobStore = (*Store)(nil)
