package files

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/internal/platform/validation"
	"github.com/copd/assessment/pkg/pagination"
)

type Validator interface {
	Validate(i interface{}) error
}

type Store interface {
	Save(ctx context.Context, up filestore.Upload) (*filestore.StoredFile, error)
	Remove(path string) error
	WriteSidecar(path string, data []byte) (string, error)
	Open(patientID, kind, date, name string) (afero.File, fs.FileInfo, error)
	List(patientID string) ([]filestore.Entry, error)
}

type Service struct {
	store        Store
	validator    Validator
	downloadBase string
	logger       zerolog.Logger
}

// NewService creates the files service. downloadBase is the public URL (or
// path) the /files routes are mounted under, e.g.
// "https://api.example.org/app/copd".
func NewService(store Store, v Validator, downloadBase string, logger zerolog.Logger) *Service {
	return &Service{
		store:        store,
		validator:    v,
		downloadBase: strings.TrimRight(downloadBase, "/"),
		logger:       logger.With().Str("component", "files").Logger(),
	}
}

// Upload stores one file of the declared type together with a sidecar
// holding its description and metadata. If the sidecar cannot be written
// the file is removed again.
func (s *Service) Upload(ctx context.Context, form UploadForm) (*UploadResult, error) {
	extra := &validation.ValidationError{}
	if form.File == nil || form.File.Body == nil {
		extra.Add("file", "required", "", "field required")
	}
	var metadata map[string]interface{}
	if strings.TrimSpace(form.Metadata) != "" {
		if err := json.Unmarshal([]byte(form.Metadata), &metadata); err != nil || metadata == nil {
			extra.Add("metadata", "json", "", "must be a JSON object")
		}
	}
	req := &uploadRequest{PatientID: form.PatientID, FileType: strings.ToLower(strings.TrimSpace(form.FileType))}
	if err := validation.Merge(extra, s.validator.Validate(req)); err != nil {
		return nil, err
	}
	kind, err := filestore.ParseKind(req.FileType)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.Save(ctx, filestore.Upload{
		PatientID:   form.PatientID,
		Kind:        kind,
		Field:       "file",
		FileName:    form.File.FileName,
		ContentType: form.File.ContentType,
		Body:        form.File.Body,
	})
	if err != nil {
		return nil, err
	}

	info := &FileInfo{
		StoredFile:  *stored,
		PatientID:   form.PatientID,
		Description: optional(form.Description),
		Metadata:    metadata,
	}
	sidecar, err := json.MarshalIndent(info, "", "  ")
	if err == nil {
		_, err = s.store.WriteSidecar(stored.Path, sidecar)
	}
	if err != nil {
		if rmErr := s.store.Remove(stored.Path); rmErr != nil {
			s.logger.Error().Err(rmErr).Str("patient_id", form.PatientID).Str("path", stored.Path).Msg("rollback: upload could not be removed")
		}
		s.logger.Error().Err(err).Str("patient_id", form.PatientID).Str("path", stored.Path).Msg("sidecar write failed")
		return nil, err
	}

	s.logger.Info().
		Str("patient_id", form.PatientID).
		Str("file_type", string(kind)).
		Str("path", stored.Path).
		Int64("size", stored.Size).
		Msg("file uploaded")

	return &UploadResult{
		Message:     "file uploaded successfully",
		FileInfo:    info,
		DownloadURL: s.DownloadURL(form.PatientID, kind, stored.Date, stored.StoredName),
	}, nil
}

// DownloadURL is the address GET /files/:USER_UUID/:file_type/:date/:filename
// serves a stored file from.
func (s *Service) DownloadURL(patientID string, kind filestore.Kind, date, name string) string {
	p := path.Join("/files", url.PathEscape(patientID), string(kind), date, url.PathEscape(name))
	return s.downloadBase + p
}

// Open returns a stored file for download. The caller closes it.
func (s *Service) Open(patientID, kind, date, name string) (afero.File, fs.FileInfo, error) {
	return s.store.Open(patientID, kind, date, name)
}

// List returns one page of a patient's stored files and the total count.
func (s *Service) List(patientID string, p pagination.Params) ([]filestore.Entry, int, error) {
	entries, err := s.store.List(patientID)
	if err != nil {
		return nil, 0, err
	}
	page, total := pagination.Page(entries, p)
	return page, total, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
