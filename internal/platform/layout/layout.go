// Package layout is the single place that decides where submissions and
// attachments live on disk. Every other package asks layout for a path; none
// of them join patient identifiers into paths on their own.
//
// The tree under the configured root looks like:
//
//	<root>/<patient>/<YYYYMMDD>_<HHMMSS>_<suffix>_<category>.json
//	<root>/<patient>/<kind>/<YYYYMMDD>/<patient>_<YYYYMMDD>_<HHMMSS>_<suffix><ext>
package layout

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DateFormat = "20060102"
	TimeFormat = "150405"

	// RecordExt is the extension of serialized submission records.
	RecordExt = ".json"
	// SidecarExt is appended to an attachment path for its metadata file.
	SidecarExt = ".meta.json"

	suffixLen = 8
)

var (
	ErrInvalidPatientID = errors.New("USER_UUID must contain only letters, digits and hyphens (1-64 characters)")
	ErrInvalidSegment   = errors.New("invalid path segment")
)

var (
	patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
	datePattern      = regexp.MustCompile(`^[0-9]{8}$`)
	kindPattern      = regexp.MustCompile(`^[a-z]{1,32}$`)
	fileNamePattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)
	extPattern       = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)
)

// ValidPatientID reports whether id may be used as a directory name.
func ValidPatientID(id string) bool {
	return patientIDPattern.MatchString(id)
}

// Layout maps patients, categories and attachment kinds onto paths below Root.
type Layout struct {
	Root string
}

func New(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: filepath.Clean(root)}
}

// PatientDir returns the partition directory for a patient.
func (l Layout) PatientDir(patientID string) (string, error) {
	if !ValidPatientID(patientID) {
		return "", ErrInvalidPatientID
	}
	return filepath.Join(l.Root, patientID), nil
}

// RecordPath returns the file a submission record is written to.
func (l Layout) RecordPath(patientID, category string, at time.Time, suffix string) (string, error) {
	dir, err := l.PatientDir(patientID)
	if err != nil {
		return "", err
	}
	if !kindPattern.MatchString(strings.ReplaceAll(category, "-", "")) {
		return "", fmt.Errorf("%w: category %q", ErrInvalidSegment, category)
	}
	name := fmt.Sprintf("%s_%s_%s_%s%s", at.Format(DateFormat), at.Format(TimeFormat), suffix, category, RecordExt)
	return filepath.Join(dir, name), nil
}

// AttachmentDir returns the directory attachments of one kind received on
// the given day are stored in.
func (l Layout) AttachmentDir(patientID, kind string, at time.Time) (string, error) {
	dir, err := l.PatientDir(patientID)
	if err != nil {
		return "", err
	}
	if !kindPattern.MatchString(kind) {
		return "", fmt.Errorf("%w: kind %q", ErrInvalidSegment, kind)
	}
	return filepath.Join(dir, kind, at.Format(DateFormat)), nil
}

// AttachmentName builds a stored attachment file name. ext is the client's
// extension including its dot; it is lowercased and dropped unless it is
// short and plain ASCII, so every stored name can be resolved again.
func AttachmentName(patientID string, at time.Time, suffix, ext string) string {
	ext = strings.ToLower(ext)
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	return fmt.Sprintf("%s_%s_%s_%s%s", patientID, at.Format(DateFormat), at.Format(TimeFormat), suffix, ext)
}

// Resolve maps the public coordinates of a stored attachment back to its
// path. Every segment is checked so no request can escape the root.
func (l Layout) Resolve(patientID, kind, date, fileName string) (string, error) {
	if !datePattern.MatchString(date) {
		return "", fmt.Errorf("%w: date %q", ErrInvalidSegment, date)
	}
	if !fileNamePattern.MatchString(fileName) || strings.Contains(fileName, "..") {
		return "", fmt.Errorf("%w: file name %q", ErrInvalidSegment, fileName)
	}
	at, err := time.Parse(DateFormat, date)
	if err != nil {
		return "", fmt.Errorf("%w: date %q", ErrInvalidSegment, date)
	}
	dir, err := l.AttachmentDir(patientID, kind, at)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Rel returns path relative to the root using forward slashes.
func (l Layout) Rel(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// NewSuffix returns a short random token used to keep file names written in
// the same second apart.
func NewSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}
