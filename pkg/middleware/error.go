package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/errs"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error maps domain errors to HTTP status codes. Integrity violations stay
// 500s and are logged loudly; they are incidents, not client mistakes.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()

		if errs.IsMergeIntegrity(err) {
			logger.WithContext(ctx).WithError(err).Error("merge integrity violation surfaced to api")
		} else {
			logger.WithContext(ctx).WithError(err).Error("api is returning an error")
		}

		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"
		meta := map[string]any{}

		switch {
		case errs.IsValidation(err):
			code = http.StatusBadRequest
			message = err.Error()
		case errors.Is(err, errs.ErrNotFound):
			code = http.StatusNotFound
			message = err.Error()
		case errs.IsConflict(err) || errors.Is(err, errs.ErrAlreadyMerged):
			code = http.StatusConflict
			message = err.Error()
		case errs.IsOracleUnavailable(err):
			code = http.StatusServiceUnavailable
			message = err.Error()
		case errs.IsMergeIntegrity(err):
			message = "merge aborted: integrity check failed"
		default:
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
				if msg, ok := he.Message.(string); ok {
					message = msg
				}
			}
			if httperror.IsHTTPError(err) {
				httperr := httperror.ToHTTPError(err)
				code = httperror.GetStatusCode(err)
				message = httperr.Error()
				meta = httperr.Meta
			}
		}

		requestID := appcontext.GetRequestID(ctx)
		traceID := tracing.GetTraceID(ctx)

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: requestID,
			TraceID:   traceID,
			Meta:      meta,
		})
	}
}
