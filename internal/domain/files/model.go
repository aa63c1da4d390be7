package files

import (
	"io"

	"github.com/copd/assessment/internal/platform/filestore"
)

// UploadForm is the raw /file/upload form.
type UploadForm struct {
	PatientID   string
	FileType    string
	Description string
	Metadata    string
	File        *FilePart
}

type FilePart struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

// uploadRequest carries the scalar fields through the validator.
type uploadRequest struct {
	PatientID string `json:"USER_UUID" validate:"required,patient_id"`
	FileType  string `json:"file_type" validate:"required,oneof=voice image document other"`
}

// FileInfo describes an uploaded file. It is returned to the client and also
// written next to the file as its sidecar.
type FileInfo struct {
	filestore.StoredFile
	PatientID   string                 `json:"USER_UUID"`
	Description *string                `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type UploadResult struct {
	Message     string    `json:"message"`
	FileInfo    *FileInfo `json:"file_info"`
	DownloadURL string    `json:"download_url"`
}
