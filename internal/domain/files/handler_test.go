package files

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestServer() (*echo.Echo, *Handler) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	h.RegisterRoutes(e.Group("/app/copd"))
	return e, h
}

func newUploadRequest(t *testing.T, fields map[string]string, name, contentType, content string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if name != "" {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		hdr.Set("Content-Type", contentType)
		part, err := w.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(content))
	}
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/app/copd/file/upload", body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_UploadAndDownload(t *testing.T) {
	e, _ := newTestServer()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newUploadRequest(t, map[string]string{"USER_UUID": "p1", "file_type": "image"}, "chest.png", "image/png", "PNGDATA"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Message == "" || res.FileInfo == nil {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}

	u, err := url.Parse(res.DownloadURL)
	if err != nil {
		t.Fatalf("bad download url %q: %v", res.DownloadURL, err)
	}
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.Path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "PNGDATA" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderContentDisposition) == "" {
		t.Error("expected Content-Disposition header")
	}
}

func TestHandler_UploadAndDownload_NonASCIIExtension(t *testing.T) {
	e, _ := newTestServer()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newUploadRequest(t, map[string]string{"USER_UUID": "p1", "file_type": "voice"}, "rec.wäv", "audio/wav", "RIFF"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.FileInfo.OriginalName != "rec.wäv" {
		t.Errorf("original name must be kept, got %q", res.FileInfo.OriginalName)
	}

	u, err := url.Parse(res.DownloadURL)
	if err != nil {
		t.Fatalf("bad download url %q: %v", res.DownloadURL, err)
	}
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.Path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download %s: expected 200, got %d: %s", u.Path, rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "RIFF" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestHandler_Download_IsNeverCached(t *testing.T) {
	e, _ := newTestServer()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=60")
			return next(c)
		}
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newUploadRequest(t, map[string]string{"USER_UUID": "p1", "file_type": "document"}, "r.pdf", "application/pdf", "%PDF"))
	var res UploadResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	u, _ := url.Parse(res.DownloadURL)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, u.Path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(echo.HeaderCacheControl); got != "no-store" {
		t.Errorf("downloads must not be cached, got Cache-Control %q", got)
	}
}

func TestHandler_Upload_UnknownFileType(t *testing.T) {
	e, _ := newTestServer()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, newUploadRequest(t, map[string]string{"USER_UUID": "p1", "file_type": "video"}, "a.mp4", "video/mp4", "x"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Download_NotFound(t *testing.T) {
	e, _ := newTestServer()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app/copd/files/p1/voice/20261015/missing.wav", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Download_RejectsBadSegments(t *testing.T) {
	_, h := newTestServer()
	e := echo.New()

	tests := [][4]string{
		{"p1", "voice", "20261015", ".."},
		{"..", "voice", "20261015", "a.wav"},
		{"p1", "voice", "2026-10-15", "a.wav"},
		{"p1", "video", "20261015", "a.wav"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("USER_UUID", "file_type", "date", "filename")
		c.SetParamValues(tt[0], tt[1], tt[2], tt[3])

		err := h.Download(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %v", tt, err)
		}
	}
}

func TestHandler_List(t *testing.T) {
	e, _ := newTestServer()
	for _, name := range []string{"a.png", "b.png"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, newUploadRequest(t, map[string]string{"USER_UUID": "p1", "file_type": "image"}, name, "image/png", "data"))
		if rec.Code != http.StatusOK {
			t.Fatalf("upload %s: %d %s", name, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app/copd/files/list/p1?limit=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// two images plus their sidecars
	if resp.Total != 4 || len(resp.Data) != 3 || !resp.HasMore {
		t.Errorf("unexpected listing %+v", resp)
	}
}

func TestHandler_List_EmptyPatient(t *testing.T) {
	e, _ := newTestServer()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app/copd/files/list/nobody", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"data":[]`)) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}
