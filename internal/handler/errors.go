package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrorHandler renders errors that escape handlers (router misses, body
// limits, rate limits, recovered panics) in the same {"detail": ...} shape
// as relay failures.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		detail := http.StatusText(status)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			detail = fmt.Sprint(he.Message)
			if he.Internal != nil {
				logger.DebugContext(c.Request().Context(), "http error", "status", status, "err", he.Internal)
			}
		} else {
			logger.ErrorContext(c.Request().Context(), "unhandled error", "err", err)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, ErrorResponse{Detail: detail})
		}
		if werr != nil {
			logger.ErrorContext(c.Request().Context(), "write error response", "err", werr)
		}
	}
}
