package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/records/internal/platform/apperr"
)

// RetryAfterSeconds is advertised on 503 responses.
const RetryAfterSeconds = 1

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	RequestID string `json:"request_id,omitempty"`
}

var kinds = []error{
	apperr.ErrValidation,
	apperr.ErrAuthorizationDenied,
	apperr.ErrConflict,
	apperr.ErrNotFound,
	apperr.ErrResourceUnavailable,
	apperr.ErrAuditWrite,
}

// StatusOf maps err to its HTTP status, honoring echo's own errors.
func StatusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.HTTPStatus(err)
}

func describe(err error, status int) ErrorBody {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return ErrorBody{Error: http.StatusText(he.Code), Reason: msg}
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return ErrorBody{Error: kind.Error(), Reason: apperr.Reason(err)}
		}
	}
	if status == http.StatusServiceUnavailable {
		return ErrorBody{Error: apperr.ErrResourceUnavailable.Error(), Reason: "request timed out"}
	}
	return ErrorBody{Error: "internal error", Reason: "internal server error"}
}

// ErrorHandler renders handler errors as ErrorBody. Internal failures are
// logged and their detail withheld from the caller.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := StatusOf(err)
		body := describe(err, status)
		body.RequestID = requestID(c)

		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			logger.Error().Err(err).
				Str("request_id", body.RequestID).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}
		if status == http.StatusServiceUnavailable {
			c.Response().Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
