// Package middleware provides Echo middleware for logging, request correlation,
// metrics and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"audio-relay-go/internal/logging"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Errors returned by handlers are logged and passed on to Echo's error handler.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", statusOf(c, err),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_ip", c.RealIP(),
				"bytes_in", req.ContentLength,
				"bytes_out", res.Size,
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}
			logger.InfoContext(req.Context(), "request", attrs...)
			return err
		}
	}
}

// Correlation copies the request ID assigned by echo's RequestID middleware
// into the request context so every log line for the request carries it.
// It must be registered after RequestID.
func Correlation() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Response().Header().Get(echo.HeaderXRequestID)
			if id == "" {
				id = c.Request().Header.Get(echo.HeaderXRequestID)
			}
			if id != "" {
				req := c.Request()
				c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
			}
			return next(c)
		}
	}
}
