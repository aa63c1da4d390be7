// Package recordstore writes validated submissions as JSON documents into the
// submitting patient's partition and reads them back.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/internal/platform/layout"
)

// ResultSuccess is the only value of Result.Result.
const ResultSuccess = "success"

// Document is the on-disk shape of a record file.
type Document struct {
	PatientID string `json:"USER_UUID"`
	Data      any    `json:"data"`
}

// Result describes a record that has been written.
type Result struct {
	Result   string `json:"result"`
	FilePath string `json:"filepath"`
}

// Writer serializes documents below the layout root.
type Writer struct {
	fs     afero.Fs
	layout layout.Layout
	now    func() time.Time
}

func NewWriter(fsys afero.Fs, l layout.Layout) *Writer {
	return &Writer{fs: fsys, layout: l, now: time.Now}
}

// Write stores doc as <root>/<patient>/<date>_<time>_<suffix>_<category>.json.
// The file is created exclusively; an existing file is never overwritten.
// Failures wrap filestore.ErrStorage.
func (w *Writer) Write(ctx context.Context, category string, doc Document) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", filestore.ErrStorage, err)
	}
	path, err := w.layout.RecordPath(doc.PatientID, category, w.now(), layout.NewSuffix())
	if err != nil {
		return nil, err
	}
	dir, _ := w.layout.PatientDir(doc.PatientID)
	if err := w.fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create directory %s: %v", filestore.ErrStorage, dir, err)
	}

	f, err := w.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", filestore.ErrStorage, path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		_ = f.Close()
		_ = w.fs.Remove(path)
		return nil, fmt.Errorf("%w: encode %s: %v", filestore.ErrStorage, path, err)
	}
	if err := f.Close(); err != nil {
		_ = w.fs.Remove(path)
		return nil, fmt.Errorf("%w: close %s: %v", filestore.ErrStorage, path, err)
	}
	return &Result{Result: ResultSuccess, FilePath: path}, nil
}

// Read decodes a record file. The payload is decoded into data, which should
// be a pointer to the category's payload type.
func (w *Writer) Read(path string, data any) (string, error) {
	raw, err := afero.ReadFile(w.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", filestore.ErrNotFound
		}
		return "", fmt.Errorf("%w: read %s: %v", filestore.ErrStorage, path, err)
	}
	doc := Document{Data: data}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return doc.PatientID, nil
}
