// Package filestore receives binary attachments (voice recordings, images,
// documents) and keeps them on the local filesystem below the configured data
// root. It enforces per-kind size limits and type allow lists, writes each
// upload in a single streaming pass, and never leaves a partially written
// file behind. It also serves stored files back for download and lists a
// patient's partition.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/copd/assessment/internal/platform/layout"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrFileTooLarge   = errors.New("file exceeds maximum allowed size")
	ErrTypeNotAllowed = errors.New("file type is not allowed")
	ErrEmptyFile      = errors.New("file is empty")
	ErrMissingFile    = errors.New("file is required")
	ErrUnknownKind    = errors.New("file_type must be one of voice, image, document, other")
	ErrNotFound       = errors.New("file not found")

	// ErrStorage marks directory or file write failures.
	ErrStorage = errors.New("storage failure")
)

// RejectedError reports an attachment refused before or while it was
// written. Err is one of ErrFileTooLarge, ErrTypeNotAllowed, ErrEmptyFile or
// ErrMissingFile.
type RejectedError struct {
	Field    string
	FileName string
	Err      error
}

func (e *RejectedError) Error() string {
	if e.FileName == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Field, e.FileName, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Kinds and rules
// ---------------------------------------------------------------------------

// Kind is the broad category of an attachment.
type Kind string

const (
	KindVoice    Kind = "voice"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindOther    Kind = "other"
)

// ParseKind validates a file_type value.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindVoice, KindImage, KindDocument, KindOther:
		return k, nil
	}
	return "", ErrUnknownKind
}

// Limits holds the maximum accepted size in bytes per kind.
type Limits struct {
	Voice    int64
	Image    int64
	Document int64
	Other    int64
}

// DefaultLimits returns the limits used when configuration leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		Voice:    50 << 20,
		Image:    10 << 20,
		Document: 20 << 20,
		Other:    100 << 20,
	}
}

// Rule is the acceptance policy for one kind.
type Rule struct {
	MaxBytes int64
	// Extensions is the fallback allow list; nil accepts any file.
	Extensions map[string]bool
	// MediaPrefix or MediaTypes identify content types of the right broad
	// category. A match skips the extension check.
	MediaPrefix string
	MediaTypes  map[string]bool
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// Rules builds the per-kind policies for the given limits. Zero limits fall
// back to the defaults.
func Rules(l Limits) map[Kind]Rule {
	def := DefaultLimits()
	pick := func(v, d int64) int64 {
		if v <= 0 {
			return d
		}
		return v
	}
	return map[Kind]Rule{
		KindVoice: {
			MaxBytes:    pick(l.Voice, def.Voice),
			Extensions:  set(".wav", ".mp3", ".m4a", ".ogg", ".flac"),
			MediaPrefix: "audio/",
		},
		KindImage: {
			MaxBytes:    pick(l.Image, def.Image),
			Extensions:  set(".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"),
			MediaPrefix: "image/",
		},
		KindDocument: {
			MaxBytes:   pick(l.Document, def.Document),
			Extensions: set(".pdf", ".doc", ".docx", ".txt", ".csv", ".xlsx"),
			MediaTypes: set(
				"application/pdf",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
				"text/plain",
				"text/csv",
			),
		},
		KindOther: {
			MaxBytes: pick(l.Other, def.Other),
		},
	}
}

// Accepts reports whether a file with this name and declared content type
// belongs to the rule's kind. The content type wins when it matches; the
// extension is consulted only otherwise.
func (r Rule) Accepts(fileName, contentType string) bool {
	if r.Extensions == nil {
		return true
	}
	mt := mediaType(contentType)
	if r.MediaPrefix != "" && strings.HasPrefix(mt, r.MediaPrefix) {
		return true
	}
	if r.MediaTypes[mt] {
		return true
	}
	return r.Extensions[strings.ToLower(filepath.Ext(fileName))]
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Upload is one incoming attachment.
type Upload struct {
	PatientID   string
	Kind        Kind
	Field       string // form field the file arrived in
	FileName    string // client supplied name
	ContentType string
	Body        io.Reader
}

// StoredFile describes an attachment after it has been fully written.
type StoredFile struct {
	Field        string    `json:"field,omitempty"`
	Kind         Kind      `json:"file_type"`
	OriginalName string    `json:"original_filename"`
	StoredName   string    `json:"stored_filename"`
	Path         string    `json:"file_path"`
	Date         string    `json:"date"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"file_size"`
	CreatedAt    time.Time `json:"upload_time"`
}

// Entry is one file in a patient's partition.
type Entry struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified_at"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store holds attachments on an afero filesystem. Requests share no state
// beyond the filesystem itself, so a Store is safe for concurrent use.
type Store struct {
	fs     afero.Fs
	layout layout.Layout
	rules  map[Kind]Rule
	now    func() time.Time
}

// New creates a Store. fs is usually afero.NewOsFs().
func New(fsys afero.Fs, l layout.Layout, limits Limits) *Store {
	return &Store{fs: fsys, layout: l, rules: Rules(limits), now: time.Now}
}

// Rule returns the policy for kind.
func (s *Store) Rule(kind Kind) (Rule, bool) {
	r, ok := s.rules[kind]
	return r, ok
}

// Layout exposes the partitioning used by the store.
func (s *Store) Layout() layout.Layout { return s.layout }

// Save validates and writes one attachment. The returned path refers to a
// file that has been synced and closed; on any error no file is left behind.
func (s *Store) Save(ctx context.Context, up Upload) (*StoredFile, error) {
	rule, ok := s.rules[up.Kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	if up.Body == nil {
		return nil, &RejectedError{Field: up.Field, Err: ErrMissingFile}
	}
	if !rule.Accepts(up.FileName, up.ContentType) {
		return nil, &RejectedError{Field: up.Field, FileName: up.FileName, Err: ErrTypeNotAllowed}
	}

	now := s.now()
	dir, err := s.layout.AttachmentDir(up.PatientID, string(up.Kind), now)
	if err != nil {
		return nil, err
	}
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create directory %s: %v", ErrStorage, dir, err)
	}

	name := layout.AttachmentName(up.PatientID, now, layout.NewSuffix(), filepath.Ext(up.FileName))
	path := filepath.Join(dir, name)
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, path, err)
	}

	// Read one byte past the limit so an oversize upload is detected without
	// buffering it.
	written, err := io.Copy(f, io.LimitReader(&ctxReader{ctx: ctx, r: up.Body}, rule.MaxBytes+1))
	if err != nil {
		s.discard(f, path)
		return nil, fmt.Errorf("%w: write %s: %v", ErrStorage, path, err)
	}
	if written > rule.MaxBytes {
		s.discard(f, path)
		return nil, &RejectedError{Field: up.Field, FileName: up.FileName, Err: fmt.Errorf("%w (%d bytes)", ErrFileTooLarge, rule.MaxBytes)}
	}
	if written == 0 {
		s.discard(f, path)
		return nil, &RejectedError{Field: up.Field, FileName: up.FileName, Err: ErrEmptyFile}
	}
	if err := f.Sync(); err != nil {
		s.discard(f, path)
		return nil, fmt.Errorf("%w: sync %s: %v", ErrStorage, path, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(path)
		return nil, fmt.Errorf("%w: close %s: %v", ErrStorage, path, err)
	}

	return &StoredFile{
		Field:        up.Field,
		Kind:         up.Kind,
		OriginalName: up.FileName,
		StoredName:   name,
		Path:         path,
		Date:         now.Format(layout.DateFormat),
		ContentType:  up.ContentType,
		Size:         written,
		CreatedAt:    now,
	}, nil
}

func (s *Store) discard(f afero.File, path string) {
	_ = f.Close()
	_ = s.fs.Remove(path)
}

// Remove deletes a stored attachment and its sidecar, if any. Missing files
// are not an error.
func (s *Store) Remove(path string) error {
	var errs []error
	for _, p := range []string{path, path + layout.SidecarExt} {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteSidecar stores a metadata document next to an attachment.
func (s *Store) WriteSidecar(path string, data []byte) (string, error) {
	sidecar := path + layout.SidecarExt
	if err := afero.WriteFile(s.fs, sidecar, data, 0o640); err != nil {
		_ = s.fs.Remove(sidecar)
		return "", fmt.Errorf("%w: write %s: %v", ErrStorage, sidecar, err)
	}
	return sidecar, nil
}

// Open returns a stored attachment addressed by its public coordinates.
// The caller closes the file.
func (s *Store) Open(patientID, kind, date, name string) (afero.File, fs.FileInfo, error) {
	if _, err := ParseKind(kind); err != nil {
		return nil, nil, err
	}
	path, err := s.layout.Resolve(patientID, kind, date, name)
	if err != nil {
		return nil, nil, err
	}
	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("%w: stat %s: %v", ErrStorage, path, err)
	}
	if info.IsDir() {
		return nil, nil, ErrNotFound
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	return f, info, nil
}

// List walks a patient's partition and returns every file sorted by path.
// A patient with nothing stored yields an empty list.
func (s *Store) List(patientID string) ([]Entry, error) {
	dir, err := s.layout.PatientDir(patientID)
	if err != nil {
		return nil, err
	}
	entries := []Entry{}
	if _, err := s.fs.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	err = afero.Walk(s.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		entries = append(entries, Entry{
			Path:    s.layout.Rel(path),
			Name:    info.Name(),
			Type:    entryType(dir, path),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// entryType classifies a file by its position in the partition: records sit
// directly in the patient directory, attachments below <kind>/<date>/.
func entryType(patientDir, path string) string {
	rel, err := filepath.Rel(patientDir, path)
	if err != nil {
		return "unknown"
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch {
	case len(parts) == 1 && strings.HasSuffix(parts[0], layout.RecordExt):
		return "record"
	case len(parts) == 3 && strings.HasSuffix(parts[2], layout.SidecarExt):
		return "metadata"
	case len(parts) == 3:
		return parts[0]
	}
	return "unknown"
}

// ctxReader stops a copy once the request context is done, so an aborted
// upload goes through the same cleanup path as a failed write.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
