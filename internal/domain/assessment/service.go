package assessment

import (
	"context"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/internal/platform/recordstore"
	"github.com/copd/assessment/internal/platform/validation"
)

// bytesPerSecond approximates 16 kHz 16-bit mono audio; voice_duration is
// size divided by this.
const bytesPerSecond = 32000

// pendingPath fills attachment slots during validation, before the file has
// been written and its real path is known.
const pendingPath = "pending"

type Validator interface {
	Validate(i interface{}) error
}

type RecordWriter interface {
	Write(ctx context.Context, category string, doc recordstore.Document) (*recordstore.Result, error)
}

type FileReceiver interface {
	Save(ctx context.Context, up filestore.Upload) (*filestore.StoredFile, error)
	Remove(path string) error
}

type Service struct {
	validator Validator
	records   RecordWriter
	files     FileReceiver
	logger    zerolog.Logger
}

func NewService(v Validator, records RecordWriter, files FileReceiver, logger zerolog.Logger) *Service {
	return &Service{validator: v, records: records, files: files, logger: logger.With().Str("component", "assessment").Logger()}
}

// Submit validates a JSON submission and writes it as a record. Nothing is
// written when validation fails.
func (s *Service) Submit(ctx context.Context, sub Submission) (*recordstore.Result, error) {
	return s.SubmitDecoded(ctx, sub, nil)
}

// SubmitDecoded is Submit for a body that only partly decoded. decodeErrs
// lists the fields that could not be decoded; they are reported together
// with the violations of everything else.
func (s *Service) SubmitDecoded(ctx context.Context, sub Submission, decodeErrs *validation.ValidationError) (*recordstore.Result, error) {
	if err := validation.Merge(decodeErrs, s.validator.Validate(sub)); err != nil {
		return nil, err
	}
	return s.write(ctx, sub)
}

func (s *Service) write(ctx context.Context, sub Submission) (*recordstore.Result, error) {
	res, err := s.records.Write(ctx, string(sub.Category()), recordstore.Document{PatientID: sub.Patient(), Data: sub.Payload()})
	if err != nil {
		s.logger.Error().Err(err).
			Str("patient_id", sub.Patient()).
			Str("category", string(sub.Category())).
			Msg("record write failed")
		return nil, err
	}
	s.logger.Info().
		Str("patient_id", sub.Patient()).
		Str("category", string(sub.Category())).
		Str("path", res.FilePath).
		Msg("record stored")
	return res, nil
}

// SubmitSurveyVoice validates the scalar fields and the presence of all four
// recordings, stores the recordings, then writes the record. If any step
// after validation fails, every recording stored for this request is
// removed again.
func (s *Service) SubmitSurveyVoice(ctx context.Context, form SurveyVoiceForm) (*SurveyVoiceResult, error) {
	extra := &validation.ValidationError{}
	mbs := parseFormInt(extra, "data.MBS", form.MBS)
	borg := parseFormInt(extra, "data.Borg_RPE", form.BorgRPE)

	data := &SurveyVoice{MBS: mbs, BorgRPE: borg}
	slots := map[string]**AttachmentSlot{
		SlotPreAh:         &data.VoicePreAh,
		SlotPostAh:        &data.VoicePostAh,
		SlotPreParagraph:  &data.VoicePreParagraph,
		SlotPostParagraph: &data.VoicePostParagraph,
	}
	for _, name := range SurveyVoiceSlots {
		if part := form.Files[name]; part != nil && part.Body != nil {
			*slots[name] = &AttachmentSlot{Path: pendingPath, Transcription: optional(form.Transcriptions[name])}
		}
	}
	req := &SurveyVoiceRequest{PatientID: form.PatientID, Data: data}
	if err := validation.Merge(extra, s.validator.Validate(req)); err != nil {
		return nil, err
	}

	var saved []*filestore.StoredFile
	uploaded := make(map[string]UploadedFile, len(SurveyVoiceSlots))
	for _, name := range SurveyVoiceSlots {
		part := form.Files[name]
		stored, err := s.files.Save(ctx, filestore.Upload{
			PatientID:   form.PatientID,
			Kind:        filestore.KindVoice,
			Field:       name,
			FileName:    part.FileName,
			ContentType: part.ContentType,
			Body:        part.Body,
		})
		if err != nil {
			s.rollback(form.PatientID, CategorySurveyVoice, saved)
			return nil, err
		}
		saved = append(saved, stored)
		(*slots[name]).Path = stored.Path
		uploaded[name] = UploadedFile{OriginalName: stored.OriginalName, StoredName: stored.StoredName, Path: stored.Path}
	}

	res, err := s.write(ctx, req)
	if err != nil {
		s.rollback(form.PatientID, CategorySurveyVoice, saved)
		return nil, err
	}
	return &SurveyVoiceResult{Result: res.Result, FilePath: res.FilePath, UploadedFiles: uploaded}, nil
}

// SubmitVoiceFile stores one recording and writes a voice record describing
// it. The duration is estimated from the byte count.
func (s *Service) SubmitVoiceFile(ctx context.Context, form VoiceFileForm) (*VoiceFileResult, error) {
	extra := &validation.ValidationError{}
	data := &Voice{
		FilePath:       pendingPath,
		Transcription:  optional(form.Transcription),
		Quality:        optional(form.Quality),
		AnalysisResult: optional(form.AnalysisResult),
	}
	if form.File == nil || form.File.Body == nil {
		extra.Add("file", "required", "", "field required")
	} else {
		data.FileName = form.File.FileName
	}
	req := &VoiceRequest{PatientID: form.PatientID, Data: data}
	if err := validation.Merge(extra, s.validator.Validate(req)); err != nil {
		return nil, err
	}

	stored, err := s.files.Save(ctx, filestore.Upload{
		PatientID:   form.PatientID,
		Kind:        filestore.KindVoice,
		Field:       "file",
		FileName:    form.File.FileName,
		ContentType: form.File.ContentType,
		Body:        form.File.Body,
	})
	if err != nil {
		return nil, err
	}
	duration := float64(stored.Size) / bytesPerSecond
	data.FilePath = stored.Path
	data.Duration = &duration
	data.Format = audioFormat(stored.ContentType, stored.OriginalName)

	res, err := s.write(ctx, req)
	if err != nil {
		s.rollback(form.PatientID, CategoryVoice, []*filestore.StoredFile{stored})
		return nil, err
	}
	return &VoiceFileResult{Result: res.Result, FilePath: res.FilePath, UploadedFile: stored.OriginalName, StoredPath: stored.Path}, nil
}

func (s *Service) rollback(patientID string, category Category, saved []*filestore.StoredFile) {
	for _, f := range saved {
		if err := s.files.Remove(f.Path); err != nil {
			s.logger.Error().Err(err).
				Str("patient_id", patientID).
				Str("category", string(category)).
				Str("path", f.Path).
				Msg("rollback: attachment could not be removed")
			continue
		}
		s.logger.Warn().
			Str("patient_id", patientID).
			Str("category", string(category)).
			Str("path", f.Path).
			Msg("rollback: attachment removed")
	}
}

// parseFormInt converts a form value. An empty value stays nil and is left
// to the required check; a malformed one is recorded in extra.
func parseFormInt(extra *validation.ValidationError, field, raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		extra.Add(field, "int", "", "must be an integer")
		return nil
	}
	return &n
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// audioFormat is the subtype of the declared content type, e.g. "mpeg" for
// audio/mpeg, or the file extension when no content type was sent.
func audioFormat(contentType, fileName string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if _, sub, ok := strings.Cut(mt, "/"); ok && sub != "" {
			return sub
		}
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
}
