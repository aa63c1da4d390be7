package assessment

import "io"

// Category tags a submission with the schema it was validated against and the
// suffix of the record file it is stored in.
type Category string

const (
	CategoryBasic       Category = "basic"
	CategoryOximeter    Category = "oximeter"
	CategoryChairStand  Category = "chair-stand"
	CategorySurvey      Category = "survey"
	CategorySurveyVoice Category = "survey-voice"
	CategoryVoice       Category = "voice"
)

// Submission is the envelope every record shares. Each request type fixes
// its own category, so the category can never drift from the payload.
type Submission interface {
	Category() Category
	Patient() string
	Payload() any
}

// -- Payloads --

type BasicInfo struct {
	Sex       *int     `json:"sex" validate:"required,oneof=1 2"`
	Birth     string   `json:"birth" validate:"required,isodate"`
	Height    *float64 `json:"height" validate:"required,gt=0"`
	Weight    *float64 `json:"weight" validate:"required,gt=0"`
	Education *int     `json:"education" validate:"required,min=1,max=6"`
}

type Oximeter struct {
	PreHR    *float64 `json:"pre_HR" validate:"required"`
	PreSpO2  *float64 `json:"pre_SpO2" validate:"required"`
	PostHR   *float64 `json:"post_HR" validate:"required"`
	PostSpO2 *float64 `json:"post_SpO2" validate:"required"`
}

type ChairStand struct {
	Count *float64 `json:"CS_count" validate:"required,min=0"`
}

type Survey struct {
	CAT1      *int     `json:"CAT1" validate:"required,min=0,max=5"`
	CAT2      *int     `json:"CAT2" validate:"required,min=0,max=5"`
	CAT3      *int     `json:"CAT3" validate:"required,min=0,max=5"`
	CAT4      *int     `json:"CAT4" validate:"required,min=0,max=5"`
	CAT5      *int     `json:"CAT5" validate:"required,min=0,max=5"`
	CAT6      *int     `json:"CAT6" validate:"required,min=0,max=5"`
	CAT7      *int     `json:"CAT7" validate:"required,min=0,max=5"`
	CAT8      *int     `json:"CAT8" validate:"required,min=0,max=5"`
	CATSum    *int     `json:"CAT_sum" validate:"required,min=0,max=40"`
	MMRC      *int     `json:"mMRC" validate:"required,min=0,max=4"`
	SmokeCAT1 *int     `json:"Smoke_CAT1" validate:"required,min=1,max=2"`
	SmokeCAT2 *int     `json:"Smoke_CAT2" validate:"required,min=1,max=3"`
	SmokeCAT3 *int     `json:"Smoke_CAT3" validate:"required,min=1,max=4"`
	SmokeCAT4 *float64 `json:"Smoke_CAT4" validate:"required,min=0"`
}

// scores returns CAT1..CAT8 in order.
func (s *Survey) scores() []*int {
	return []*int{s.CAT1, s.CAT2, s.CAT3, s.CAT4, s.CAT5, s.CAT6, s.CAT7, s.CAT8}
}

// AttachmentSlot references a recording that has already been written in
// full. It never carries the audio itself.
type AttachmentSlot struct {
	Path          string  `json:"voice_file_path" validate:"required"`
	Transcription *string `json:"transcription"`
}

type SurveyVoice struct {
	MBS                *int            `json:"MBS" validate:"required,min=0,max=10"`
	BorgRPE            *int            `json:"Borg_RPE" validate:"required,min=6,max=20"`
	VoicePreAh         *AttachmentSlot `json:"voice_pre_ah" validate:"required"`
	VoicePostAh        *AttachmentSlot `json:"voice_post_ah" validate:"required"`
	VoicePreParagraph  *AttachmentSlot `json:"voice_pre_paragraph" validate:"required"`
	VoicePostParagraph *AttachmentSlot `json:"voice_post_paragraph" validate:"required"`
}

// Voice is the general voice record. Only the path is required; the rest is
// filled in when the recording is uploaded through /voice/file.
type Voice struct {
	FilePath       string   `json:"voice_file_path" validate:"required"`
	Transcription  *string  `json:"transcription"`
	FileName       string   `json:"voice_file_name,omitempty"`
	Duration       *float64 `json:"voice_duration,omitempty" validate:"omitempty,min=0"`
	Format         string   `json:"voice_format,omitempty"`
	Quality        *string  `json:"voice_quality,omitempty"`
	AnalysisResult *string  `json:"analysis_result,omitempty"`
}

// -- Requests --

type BasicRequest struct {
	PatientID string     `json:"USER_UUID" validate:"required,patient_id"`
	Data      *BasicInfo `json:"data" validate:"required"`
}

func (BasicRequest) Category() Category { return CategoryBasic }
func (r BasicRequest) Patient() string  { return r.PatientID }
func (r BasicRequest) Payload() any     { return r.Data }

type OximeterRequest struct {
	PatientID string    `json:"USER_UUID" validate:"required,patient_id"`
	Data      *Oximeter `json:"data" validate:"required"`
}

func (OximeterRequest) Category() Category { return CategoryOximeter }
func (r OximeterRequest) Patient() string  { return r.PatientID }
func (r OximeterRequest) Payload() any     { return r.Data }

type ChairStandRequest struct {
	PatientID string      `json:"USER_UUID" validate:"required,patient_id"`
	Data      *ChairStand `json:"data" validate:"required"`
}

func (ChairStandRequest) Category() Category { return CategoryChairStand }
func (r ChairStandRequest) Patient() string  { return r.PatientID }
func (r ChairStandRequest) Payload() any     { return r.Data }

type SurveyRequest struct {
	PatientID string  `json:"USER_UUID" validate:"required,patient_id"`
	Data      *Survey `json:"data" validate:"required"`
}

func (SurveyRequest) Category() Category { return CategorySurvey }
func (r SurveyRequest) Patient() string  { return r.PatientID }
func (r SurveyRequest) Payload() any     { return r.Data }

type SurveyVoiceRequest struct {
	PatientID string       `json:"USER_UUID" validate:"required,patient_id"`
	Data      *SurveyVoice `json:"data" validate:"required"`
}

func (SurveyVoiceRequest) Category() Category { return CategorySurveyVoice }
func (r SurveyVoiceRequest) Patient() string  { return r.PatientID }
func (r SurveyVoiceRequest) Payload() any     { return r.Data }

type VoiceRequest struct {
	PatientID string `json:"USER_UUID" validate:"required,patient_id"`
	Data      *Voice `json:"data" validate:"required"`
}

func (VoiceRequest) Category() Category { return CategoryVoice }
func (r VoiceRequest) Patient() string  { return r.PatientID }
func (r VoiceRequest) Payload() any     { return r.Data }

// -- Multipart forms --

// FilePart is one file received in a multipart form.
type FilePart struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

// Slot names of the four survey-voice recordings, in the order they are
// stored.
const (
	SlotPreAh         = "voice_pre_ah"
	SlotPostAh        = "voice_post_ah"
	SlotPreParagraph  = "voice_pre_paragraph"
	SlotPostParagraph = "voice_post_paragraph"
)

var SurveyVoiceSlots = []string{SlotPreAh, SlotPostAh, SlotPreParagraph, SlotPostParagraph}

// SurveyVoiceForm holds the raw /survey-voice form. MBS and BorgRPE are kept
// as text so that malformed numbers can be reported with the other
// violations.
type SurveyVoiceForm struct {
	PatientID      string
	MBS            string
	BorgRPE        string
	Files          map[string]*FilePart
	Transcriptions map[string]string
}

// VoiceFileForm holds the raw /voice/file form.
type VoiceFileForm struct {
	PatientID      string
	File           *FilePart
	Transcription  string
	Quality        string
	AnalysisResult string
}

// -- Results --

type UploadedFile struct {
	OriginalName string `json:"original_filename"`
	StoredName   string `json:"stored_filename"`
	Path         string `json:"file_path"`
}

type SurveyVoiceResult struct {
	Result        string                  `json:"result"`
	FilePath      string                  `json:"filepath"`
	UploadedFiles map[string]UploadedFile `json:"uploaded_files"`
}

type VoiceFileResult struct {
	Result       string `json:"result"`
	FilePath     string `json:"filepath"`
	UploadedFile string `json:"uploaded_file"`
	StoredPath   string `json:"file_path"`
}
