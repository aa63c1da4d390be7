package assessment

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/copd/assessment/internal/platform/apierror"
	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/internal/platform/validation"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/basic", h.SubmitBasic)
	g.POST("/oximeter", h.SubmitOximeter)
	g.POST("/chair-stand", h.SubmitChairStand)
	g.POST("/survey", h.SubmitSurvey)
	g.POST("/survey-voice", h.SubmitSurveyVoice)
	g.POST("/voice", h.SubmitVoice)
	g.POST("/voice/file", h.SubmitVoiceFile)
}

// -- JSON submissions --

func (h *Handler) SubmitBasic(c echo.Context) error {
	return h.submit(c, &BasicRequest{})
}

func (h *Handler) SubmitOximeter(c echo.Context) error {
	return h.submit(c, &OximeterRequest{})
}

func (h *Handler) SubmitChairStand(c echo.Context) error {
	return h.submit(c, &ChairStandRequest{})
}

func (h *Handler) SubmitSurvey(c echo.Context) error {
	return h.submit(c, &SurveyRequest{})
}

func (h *Handler) SubmitVoice(c echo.Context) error {
	return h.submit(c, &VoiceRequest{})
}

// submit binds a JSON body. A field of the wrong type does not stop the
// request: it becomes a violation and the rest of the body is still checked.
func (h *Handler) submit(c echo.Context, req Submission) error {
	err := c.Bind(req)
	decodeErrs := validation.DecodeError(err)
	if err != nil && decodeErrs == nil {
		return apierror.From(err)
	}
	res, err := h.svc.SubmitDecoded(c.Request().Context(), req, decodeErrs)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Multipart submissions --

func (h *Handler) SubmitSurveyVoice(c echo.Context) error {
	// Files first: reading a file surfaces multipart parse errors, while
	// FormValue would swallow them.
	files := make(map[string]*FilePart, len(SurveyVoiceSlots))
	for _, slot := range SurveyVoiceSlots {
		part, closer, err := formFile(c, slot)
		if err != nil {
			return err
		}
		if closer != nil {
			defer closer.Close()
		}
		files[slot] = part
	}

	form := SurveyVoiceForm{
		PatientID:      c.FormValue("USER_UUID"),
		MBS:            c.FormValue("MBS"),
		BorgRPE:        c.FormValue("Borg_RPE"),
		Files:          files,
		Transcriptions: make(map[string]string, len(SurveyVoiceSlots)),
	}
	for _, slot := range SurveyVoiceSlots {
		form.Transcriptions[slot] = c.FormValue(slot + "_transcription")
	}

	res, err := h.svc.SubmitSurveyVoice(c.Request().Context(), form)
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SubmitVoiceFile(c echo.Context) error {
	part, closer, err := formFile(c, "file")
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	res, err := h.svc.SubmitVoiceFile(c.Request().Context(), VoiceFileForm{
		PatientID:      c.FormValue("USER_UUID"),
		File:           part,
		Transcription:  c.FormValue("transcription"),
		Quality:        c.FormValue("voice_quality"),
		AnalysisResult: c.FormValue("analysis_result"),
	})
	if err != nil {
		return apierror.From(err)
	}
	return c.JSON(http.StatusOK, res)
}

// formFile opens an uploaded file. A missing field yields a nil part and no
// error so that the service can report it with the other violations.
func formFile(c echo.Context, field string) (*FilePart, io.Closer, error) {
	fh, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, apierror.Form(err)
	}
	src, err := fh.Open()
	if err != nil {
		return nil, nil, apierror.From(fmt.Errorf("%w: open upload %s: %v", filestore.ErrStorage, field, err))
	}
	return &FilePart{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Body:        src,
	}, src, nil
}
