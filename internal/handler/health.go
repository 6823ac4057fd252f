package handler

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"audio-relay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Framework identifies the serving stack in health responses.
const Framework = "Echo " + echo.Version

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status        string  `json:"status"`
	WebhookURL    string  `json:"webhook_url"`
	Framework     string  `json:"framework"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	clock   clockwork.Clock
	started time.Time
}

// NewHealthHandler creates a HealthHandler. Uptime is measured from this call.
func NewHealthHandler(cfg *config.Config, v Version, clock clockwork.Clock) *HealthHandler {
	return &HealthHandler{
		cfg:     cfg,
		version: v,
		clock:   clock,
		started: clock.Now(),
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports liveness and the configured webhook target.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		WebhookURL:    h.cfg.Webhook.URL,
		Framework:     Framework,
		Version:       string(h.version),
		UptimeSeconds: h.clock.Since(h.started).Seconds(),
	})
}
