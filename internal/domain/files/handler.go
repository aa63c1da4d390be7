package files

import (
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/copd/assessment/internal/platform/apierror"
	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/file/upload", h.Upload)
	g.GET("/files/list/:USER_UUID", h.List)
	g.GET("/files/:USER_UUID/:file_type/:date/:filename", h.Download)
}

func (h *Handler) Upload(c echo.Context) error {
	var part *FilePart
	fh, err := c.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return apierror.Form(err)
	default:
		src, err := fh.Open()
		if err != nil {
			return apierror.From(fmt.Errorf("%w: open upload: %v", filestore.ErrStorage, err))
		}
		defer src.Close()
		part = &FilePart{FileName: fh.Filename, ContentType: fh.Header.Get(echo.HeaderContentType), Body: src}
	}

	res, err := h.svc.Upload(c.Request().Context(), UploadForm{
		PatientID:   c.FormValue("USER_UUID"),
		FileType:    c.FormValue("file_type"),
		Description: c.FormValue("description"),
		Metadata:    c.FormValue("metadata"),
		File:        part,
	})
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Download(c echo.Context) error {
	f, info, err := h.svc.Open(c.Param("USER_UUID"), c.Param("file_type"), c.Param("date"), c.Param("filename"))
	if err != nil {
		return apierror.From(err)
	}
	defer f.Close()

	// Attachments are patient recordings and documents whatever the API-wide
	// cache policy is.
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	c.Response().Header().Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": info.Name()}))
	http.ServeContent(c.Response(), c.Request(), info.Name(), info.ModTime(), f)
	return nil
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Param("USER_UUID"), pg)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
