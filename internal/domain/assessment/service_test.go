package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/internal/platform/layout"
	"github.com/copd/assessment/internal/platform/recordstore"
	"github.com/copd/assessment/internal/platform/validation"
)

// -- Helpers --

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

type testEnv struct {
	fs      afero.Fs
	layout  layout.Layout
	records *recordstore.Writer
	files   *filestore.Store
}

func newTestEnv() *testEnv {
	fsys := afero.NewMemMapFs()
	l := layout.New("/data")
	return &testEnv{
		fs:      fsys,
		layout:  l,
		records: recordstore.NewWriter(fsys, l),
		files:   filestore.New(fsys, l, filestore.Limits{}),
	}
}

func newTestValidator() *validation.Validator {
	v := validation.New()
	RegisterRules(v)
	return v
}

func newTestService() (*Service, *testEnv) {
	env := newTestEnv()
	return NewService(newTestValidator(), env.records, env.files, zerolog.Nop()), env
}

// failingWriter stands in for a record store whose disk has gone away.
type failingWriter struct{}

func (failingWriter) Write(context.Context, string, recordstore.Document) (*recordstore.Result, error) {
	return nil, fmt.Errorf("%w: no space left on device", filestore.ErrStorage)
}

func readRecord(t *testing.T, fsys afero.Fs, path string) map[string]interface{} {
	t.Helper()
	raw, err := afero.ReadFile(fsys, path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return doc
}

func listFiles(t *testing.T, fsys afero.Fs, root string) []string {
	t.Helper()
	var out []string
	_ = afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

func violations(t *testing.T, err error) map[string]string {
	t.Helper()
	var ve *validation.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *validation.ValidationError, got %v", err)
	}
	out := make(map[string]string, len(ve.Violations))
	for _, v := range ve.Violations {
		out[v.Field] = v.Constraint
	}
	if len(out) != len(ve.Violations) {
		t.Errorf("a field was reported twice: %+v", ve.Violations)
	}
	return out
}

func validSurvey() *Survey {
	return &Survey{
		CAT1: intp(1), CAT2: intp(2), CAT3: intp(3), CAT4: intp(4),
		CAT5: intp(5), CAT6: intp(0), CAT7: intp(1), CAT8: intp(2),
		CATSum: intp(18), MMRC: intp(2),
		SmokeCAT1: intp(1), SmokeCAT2: intp(3), SmokeCAT3: intp(4), SmokeCAT4: floatp(12.5),
	}
}

// -- JSON submissions --

func TestService_SubmitBasic_WritesExactFields(t *testing.T) {
	svc, env := newTestService()
	req := &BasicRequest{PatientID: "p1", Data: &BasicInfo{
		Sex: intp(2), Birth: "1948-11-30", Height: floatp(158.5), Weight: floatp(51.2), Education: intp(6),
	}}

	res, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Result != "success" {
		t.Errorf("expected success, got %s", res.Result)
	}
	if !strings.HasSuffix(res.FilePath, "_basic.json") || filepath.Dir(res.FilePath) != filepath.Join("/data", "p1") {
		t.Errorf("unexpected record path %s", res.FilePath)
	}

	doc := readRecord(t, env.fs, res.FilePath)
	if doc["USER_UUID"] != "p1" {
		t.Errorf("expected USER_UUID p1, got %v", doc["USER_UUID"])
	}
	data := doc["data"].(map[string]interface{})
	want := map[string]interface{}{"sex": 2.0, "birth": "1948-11-30", "height": 158.5, "weight": 51.2, "education": 6.0}
	if len(data) != len(want) {
		t.Errorf("expected exactly %d fields, got %v", len(want), data)
	}
	for k, v := range want {
		if data[k] != v {
			t.Errorf("field %s: got %v, want %v", k, data[k], v)
		}
	}
}

func TestService_SubmitBasic_Boundaries(t *testing.T) {
	svc, _ := newTestService()
	for _, edu := range []int{1, 6} {
		req := &BasicRequest{PatientID: "p1", Data: &BasicInfo{
			Sex: intp(1), Birth: "2000-01-01", Height: floatp(0.1), Weight: floatp(0.1), Education: intp(edu),
		}}
		if _, err := svc.Submit(context.Background(), req); err != nil {
			t.Errorf("education=%d: unexpected error: %v", edu, err)
		}
	}
}

func TestService_SubmitBasic_Invalid(t *testing.T) {
	svc, env := newTestService()
	req := &BasicRequest{PatientID: "p1", Data: &BasicInfo{
		Sex: intp(3), Birth: "30/11/1948", Height: floatp(0), Weight: floatp(-1),
	}}

	_, err := svc.Submit(context.Background(), req)
	got := violations(t, err)
	want := map[string]string{
		"data.sex":       "oneof",
		"data.birth":     "isodate",
		"data.height":    "gt",
		"data.weight":    "gt",
		"data.education": "required",
	}
	if len(got) != len(want) {
		t.Errorf("expected %d violations, got %v", len(want), got)
	}
	for field, tag := range want {
		if got[field] != tag {
			t.Errorf("field %s: got %q, want %q", field, got[field], tag)
		}
	}
	if files := listFiles(t, env.fs, "/data"); len(files) != 0 {
		t.Errorf("nothing should be written, found %v", files)
	}
}

func TestService_Submit_MissingEnvelope(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Submit(context.Background(), &ChairStandRequest{})
	got := violations(t, err)
	if got["USER_UUID"] != "required" || got["data"] != "required" {
		t.Errorf("unexpected violations %v", got)
	}
}

func TestService_Submit_RejectsTraversalPatientID(t *testing.T) {
	svc, env := newTestService()
	_, err := svc.Submit(context.Background(), &ChairStandRequest{PatientID: "../../etc", Data: &ChairStand{Count: floatp(3)}})
	if got := violations(t, err); got["USER_UUID"] != "patient_id" {
		t.Errorf("unexpected violations %v", got)
	}
	if files := listFiles(t, env.fs, "/"); len(files) != 0 {
		t.Errorf("nothing should be written, found %v", files)
	}
}

func TestService_SubmitOximeter_NoRange(t *testing.T) {
	svc, _ := newTestService()
	req := &OximeterRequest{PatientID: "p1", Data: &Oximeter{
		PreHR: floatp(0), PreSpO2: floatp(-5), PostHR: floatp(300), PostSpO2: floatp(101),
	}}
	if _, err := svc.Submit(context.Background(), req); err != nil {
		t.Fatalf("oximeter values have no range: %v", err)
	}

	_, err := svc.Submit(context.Background(), &OximeterRequest{PatientID: "p1", Data: &Oximeter{PreHR: floatp(70)}})
	if got := violations(t, err); len(got) != 3 {
		t.Errorf("expected 3 missing fields, got %v", got)
	}
}

func TestService_SubmitChairStand_ZeroIsValid(t *testing.T) {
	svc, env := newTestService()
	res, err := svc.Submit(context.Background(), &ChairStandRequest{PatientID: "p1", Data: &ChairStand{Count: floatp(0)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := readRecord(t, env.fs, res.FilePath)["data"].(map[string]interface{})
	if data["CS_count"] != 0.0 {
		t.Errorf("expected CS_count 0, got %v", data["CS_count"])
	}

	_, err = svc.Submit(context.Background(), &ChairStandRequest{PatientID: "p1", Data: &ChairStand{Count: floatp(-1)}})
	if got := violations(t, err); got["data.CS_count"] != "min" {
		t.Errorf("unexpected violations %v", got)
	}
}

func TestService_SubmitSurvey_ReportsEverySubScore(t *testing.T) {
	svc, _ := newTestService()
	s := validSurvey()
	s.CAT1 = intp(6)
	s.CAT3 = intp(-1)

	_, err := svc.Submit(context.Background(), &SurveyRequest{PatientID: "p1", Data: s})
	got := violations(t, err)
	if len(got) != 2 || got["data.CAT1"] != "max" || got["data.CAT3"] != "min" {
		t.Errorf("expected exactly CAT1 and CAT3 violations, got %v", got)
	}
}

func TestService_SubmitSurvey_SumMustMatch(t *testing.T) {
	svc, _ := newTestService()
	s := validSurvey()
	s.CATSum = intp(17)

	_, err := svc.Submit(context.Background(), &SurveyRequest{PatientID: "p1", Data: s})
	got := violations(t, err)
	if len(got) != 1 || got["data.CAT_sum"] != catSumTag {
		t.Errorf("expected a single CAT_sum violation, got %v", got)
	}
}

func TestService_SubmitSurvey_RangesAndRoundTrip(t *testing.T) {
	svc, env := newTestService()
	in := validSurvey()

	res, err := svc.Submit(context.Background(), &SurveyRequest{PatientID: "p1", Data: in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out Survey
	pid, err := env.records.Read(res.FilePath, &out)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if pid != "p1" {
		t.Errorf("expected p1, got %s", pid)
	}
	a, _ := json.Marshal(in)
	b, _ := json.Marshal(&out)
	if string(a) != string(b) {
		t.Errorf("round trip mismatch:\n in=%s\nout=%s", a, b)
	}

	bad := validSurvey()
	bad.MMRC = intp(5)
	bad.SmokeCAT1 = intp(0)
	bad.SmokeCAT2 = intp(4)
	bad.SmokeCAT3 = intp(5)
	bad.SmokeCAT4 = floatp(-0.5)
	_, err = svc.Submit(context.Background(), &SurveyRequest{PatientID: "p1", Data: bad})
	if got := violations(t, err); len(got) != 5 {
		t.Errorf("expected 5 violations, got %v", got)
	}
}

func TestService_SubmitVoice_NullTranscription(t *testing.T) {
	svc, env := newTestService()
	res, err := svc.Submit(context.Background(), &VoiceRequest{PatientID: "p1", Data: &Voice{FilePath: "/data/p1/voice/20261015/a.wav"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := readRecord(t, env.fs, res.FilePath)["data"].(map[string]interface{})
	tr, ok := data["transcription"]
	if !ok || tr != nil {
		t.Errorf("expected transcription to be present and null, got %v (present=%v)", tr, ok)
	}
	if !strings.HasSuffix(res.FilePath, "_voice.json") {
		t.Errorf("unexpected record path %s", res.FilePath)
	}
}

func TestService_Submit_StorageFailure(t *testing.T) {
	env := newTestEnv()
	svc := NewService(newTestValidator(), failingWriter{}, env.files, zerolog.Nop())
	_, err := svc.Submit(context.Background(), &ChairStandRequest{PatientID: "p1", Data: &ChairStand{Count: floatp(1)}})
	if !errors.Is(err, filestore.ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}

// -- Survey voice --

func mp3Part(name, content string) *FilePart {
	return &FilePart{FileName: name, ContentType: "audio/mpeg", Body: strings.NewReader(content)}
}

func validSurveyVoiceForm() SurveyVoiceForm {
	return SurveyVoiceForm{
		PatientID: "p1",
		MBS:       "5",
		BorgRPE:   "13",
		Files: map[string]*FilePart{
			SlotPreAh:         mp3Part("pre_ah.mp3", "aaaa"),
			SlotPostAh:        mp3Part("post_ah.mp3", "bbbb"),
			SlotPreParagraph:  mp3Part("pre_par.mp3", "cccc"),
			SlotPostParagraph: mp3Part("post_par.mp3", "dddd"),
		},
		Transcriptions: map[string]string{SlotPreParagraph: "오늘은 날씨가 좋습니다"},
	}
}

func TestService_SubmitSurveyVoice(t *testing.T) {
	svc, env := newTestService()

	res, err := svc.SubmitSurveyVoice(context.Background(), validSurveyVoiceForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(res.FilePath, "_survey-voice.json") {
		t.Errorf("unexpected record path %s", res.FilePath)
	}

	stored := listFiles(t, env.fs, "/data/p1/voice")
	if len(stored) != 4 {
		t.Fatalf("expected 4 stored recordings, got %v", stored)
	}
	if len(res.UploadedFiles) != 4 {
		t.Fatalf("expected 4 uploaded files, got %v", res.UploadedFiles)
	}

	data := readRecord(t, env.fs, res.FilePath)["data"].(map[string]interface{})
	if data["MBS"] != 5.0 || data["Borg_RPE"] != 13.0 {
		t.Errorf("unexpected scalars %v %v", data["MBS"], data["Borg_RPE"])
	}
	seen := map[string]bool{}
	for _, slot := range SurveyVoiceSlots {
		s := data[slot].(map[string]interface{})
		path := s["voice_file_path"].(string)
		if path != res.UploadedFiles[slot].Path {
			t.Errorf("%s: record path %s does not match response %s", slot, path, res.UploadedFiles[slot].Path)
		}
		if seen[path] {
			t.Errorf("%s: duplicate path %s", slot, path)
		}
		seen[path] = true
		if _, err := env.fs.Stat(path); err != nil {
			t.Errorf("%s: referenced file missing: %v", slot, err)
		}
		tr, ok := s["transcription"]
		if !ok {
			t.Errorf("%s: transcription key missing", slot)
		}
		if slot == SlotPreParagraph {
			if tr != "오늘은 날씨가 좋습니다" {
				t.Errorf("%s: unexpected transcription %v", slot, tr)
			}
		} else if tr != nil {
			t.Errorf("%s: expected null transcription, got %v", slot, tr)
		}
	}
	if res.UploadedFiles[SlotPreAh].OriginalName != "pre_ah.mp3" {
		t.Errorf("unexpected original name %s", res.UploadedFiles[SlotPreAh].OriginalName)
	}
}

func TestService_SubmitSurveyVoice_ValidationHasNoSideEffects(t *testing.T) {
	svc, env := newTestService()
	form := validSurveyVoiceForm()
	form.MBS = "five"
	form.BorgRPE = "21"
	delete(form.Files, SlotPostAh)

	_, err := svc.SubmitSurveyVoice(context.Background(), form)
	got := violations(t, err)
	want := map[string]string{
		"data.MBS":           "int",
		"data.Borg_RPE":      "max",
		"data.voice_post_ah": "required",
	}
	if len(got) != len(want) {
		t.Errorf("expected %d violations, got %v", len(want), got)
	}
	for field, tag := range want {
		if got[field] != tag {
			t.Errorf("field %s: got %q, want %q", field, got[field], tag)
		}
	}
	if files := listFiles(t, env.fs, "/data"); len(files) != 0 {
		t.Errorf("nothing should be written, found %v", files)
	}
}

func TestService_SubmitSurveyVoice_RejectedAttachmentRollsBack(t *testing.T) {
	svc, env := newTestService()
	form := validSurveyVoiceForm()
	form.Files[SlotPostParagraph] = &FilePart{FileName: "setup.exe", ContentType: "application/octet-stream", Body: strings.NewReader("MZ")}

	_, err := svc.SubmitSurveyVoice(context.Background(), form)
	var rej *filestore.RejectedError
	if !errors.As(err, &rej) || !errors.Is(err, filestore.ErrTypeNotAllowed) {
		t.Fatalf("expected type rejection, got %v", err)
	}
	if rej.Field != SlotPostParagraph {
		t.Errorf("expected field %s, got %s", SlotPostParagraph, rej.Field)
	}
	if files := listFiles(t, env.fs, "/data"); len(files) != 0 {
		t.Errorf("earlier recordings must be removed, found %v", files)
	}
}

func TestService_SubmitSurveyVoice_RecordFailureRollsBack(t *testing.T) {
	env := newTestEnv()
	svc := NewService(newTestValidator(), failingWriter{}, env.files, zerolog.Nop())

	_, err := svc.SubmitSurveyVoice(context.Background(), validSurveyVoiceForm())
	if !errors.Is(err, filestore.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if files := listFiles(t, env.fs, "/data"); len(files) != 0 {
		t.Errorf("recordings must be removed after a failed record write, found %v", files)
	}
}

// -- Voice file --

func TestService_SubmitVoiceFile(t *testing.T) {
	svc, env := newTestService()
	audio := strings.Repeat("x", 64000)

	res, err := svc.SubmitVoiceFile(context.Background(), VoiceFileForm{
		PatientID:     "p1",
		File:          &FilePart{FileName: "reading.mp3", ContentType: "audio/mpeg", Body: strings.NewReader(audio)},
		Transcription: "hello",
		Quality:       "good",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UploadedFile != "reading.mp3" {
		t.Errorf("unexpected uploaded_file %s", res.UploadedFile)
	}
	if _, err := env.fs.Stat(res.StoredPath); err != nil {
		t.Errorf("stored file missing: %v", err)
	}

	data := readRecord(t, env.fs, res.FilePath)["data"].(map[string]interface{})
	if data["voice_duration"] != 2.0 {
		t.Errorf("expected duration 2, got %v", data["voice_duration"])
	}
	if data["voice_format"] != "mpeg" {
		t.Errorf("expected format mpeg, got %v", data["voice_format"])
	}
	if data["voice_file_path"] != res.StoredPath || data["voice_file_name"] != "reading.mp3" {
		t.Errorf("unexpected file fields %v", data)
	}
	if data["transcription"] != "hello" || data["voice_quality"] != "good" {
		t.Errorf("unexpected metadata %v", data)
	}
	if _, ok := data["analysis_result"]; ok {
		t.Error("analysis_result was not sent and should be omitted")
	}
}

func TestService_SubmitVoiceFile_MissingFile(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.SubmitVoiceFile(context.Background(), VoiceFileForm{PatientID: ""})
	got := violations(t, err)
	if got["file"] != "required" || got["USER_UUID"] != "required" {
		t.Errorf("unexpected violations %v", got)
	}
}

func TestService_SubmitVoiceFile_RejectsNonAudio(t *testing.T) {
	svc, env := newTestService()
	_, err := svc.SubmitVoiceFile(context.Background(), VoiceFileForm{
		PatientID: "p1",
		File:      &FilePart{FileName: "notes.pdf", ContentType: "application/pdf", Body: strings.NewReader("%PDF")},
	})
	if !errors.Is(err, filestore.ErrTypeNotAllowed) {
		t.Fatalf("expected ErrTypeNotAllowed, got %v", err)
	}
	if files := listFiles(t, env.fs, "/data"); len(files) != 0 {
		t.Errorf("nothing should be written, found %v", files)
	}
}

func TestService_SubmitVoiceFile_RecordFailureRollsBack(t *testing.T) {
	env := newTestEnv()
	svc := NewService(newTestValidator(), failingWriter{}, env.files, zerolog.Nop())

	_, err := svc.SubmitVoiceFile(context.Background(), VoiceFileForm{
		PatientID: "p1",
		File:      &FilePart{FileName: "a.wav", ContentType: "audio/wav", Body: strings.NewReader("RIFF")},
	})
	if !errors.Is(err, filestore.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if files := listFiles(t, env.fs, "/data"); len(files) != 0 {
		t.Errorf("recording must be removed, found %v", files)
	}
}

func TestAudioFormat(t *testing.T) {
	tests := []struct{ contentType, name, want string }{
		{"audio/mpeg", "a.mp3", "mpeg"},
		{"audio/wav; codecs=1", "a.wav", "wav"},
		{"", "a.M4A", "m4a"},
	}
	for _, tt := range tests {
		if got := audioFormat(tt.contentType, tt.name); got != tt.want {
			t.Errorf("audioFormat(%q, %q) = %q, want %q", tt.contentType, tt.name, got, tt.want)
		}
	}
}
