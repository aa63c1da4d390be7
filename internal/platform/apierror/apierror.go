// Package apierror translates service errors into HTTP responses. Handlers
// return From(err) and let echo's error handler render the body.
package apierror

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/copd/assessment/internal/platform/filestore"
	"github.com/copd/assessment/internal/platform/layout"
	"github.com/copd/assessment/internal/platform/validation"
)

const (
	msgValidation = "validation failed"
	msgStorage    = "failed to store submission"
	msgInternal   = "internal server error"
)

// From maps err to an *echo.HTTPError:
//
//	*validation.ValidationError      400, every violation listed
//	*filestore.RejectedError         413 when too large, 400 otherwise
//	invalid identifiers or segments  400
//	filestore.ErrNotFound            404
//	request body over the limit      413
//	filestore.ErrStorage and others  500 with a generic message
func From(err error) *echo.HTTPError {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	var ve *validation.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message":    msgValidation,
			"violations": ve.Violations,
		}).SetInternal(err)
	}

	var rej *filestore.RejectedError
	if errors.As(err, &rej) {
		code := http.StatusBadRequest
		if errors.Is(rej.Err, filestore.ErrFileTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		return echo.NewHTTPError(code, map[string]interface{}{
			"message": rej.Error(),
			"field":   rej.Field,
		}).SetInternal(err)
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large").SetInternal(err)
	case errors.Is(err, layout.ErrInvalidPatientID),
		errors.Is(err, layout.ErrInvalidSegment),
		errors.Is(err, filestore.ErrUnknownKind):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, filestore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, filestore.ErrNotFound.Error()).SetInternal(err)
	case errors.Is(err, filestore.ErrStorage):
		return echo.NewHTTPError(http.StatusInternalServerError, msgStorage).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, msgInternal).SetInternal(err)
}

// Form maps a failure to parse a multipart request. An oversize body stays
// 413; anything else is a malformed request.
func Form(err error) *echo.HTTPError {
	var he *echo.HTTPError
	var tooLarge *http.MaxBytesError
	if errors.As(err, &he) || errors.As(err, &tooLarge) {
		return From(err)
	}
	return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form: "+err.Error()).SetInternal(err)
}
