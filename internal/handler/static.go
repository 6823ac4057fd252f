package handler

import (
	"net/url"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"audio-relay-go/internal/config"
)

// StaticHandler serves the recorder page and its assets from a directory.
type StaticHandler struct {
	dir   string
	index string
}

// NewStaticHandler creates a StaticHandler rooted at cfg.Static.Dir.
func NewStaticHandler(cfg *config.Config) *StaticHandler {
	return &StaticHandler{dir: cfg.Static.Dir, index: cfg.Static.Index}
}

// Index serves the entry document.
func (h *StaticHandler) Index(c echo.Context) error {
	return c.File(filepath.Join(h.dir, h.index))
}

// Asset serves a file below the static directory. Paths are cleaned against
// a virtual root so they cannot escape it.
func (h *StaticHandler) Asset(c echo.Context) error {
	p, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return echo.ErrBadRequest
	}
	return c.File(filepath.Join(h.dir, filepath.Clean("/"+p)))
}
