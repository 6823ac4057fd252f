package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"audio-relay-go/internal/model"
	"audio-relay-go/internal/service"
)

// ErrorResponse is the JSON body of every failed relay.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// RelayHandler accepts audio uploads and relays them to the webhook.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Record reads the "audio" file field, relays it and writes the webhook's
// body back with the webhook's content type.
func (h *RelayHandler) Record(c echo.Context) error {
	upload, err := readUpload(c)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.writeError(c, service.InternalError(err))
	}

	// A nil upload is reported by the service as a validation failure.
	resp, err := h.service.Relay(c.Request().Context(), upload)
	if err != nil {
		return h.writeError(c, err)
	}

	return c.Blob(http.StatusOK, resp.ContentType, resp.Body)
}

// readUpload returns the uploaded file, or nil when the request carries no
// usable "audio" file part. Body limit violations surface as *echo.HTTPError.
func readUpload(c echo.Context) (*model.Upload, error) {
	fh, err := c.FormFile(model.FormField)
	if err != nil {
		if tooLarge(err) {
			return nil, echo.ErrStatusRequestEntityTooLarge
		}
		// Missing field, non-multipart body or a malformed form: nothing to relay.
		return nil, nil
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	data, err := readAll(f, fh)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	return &model.Upload{
		Filename:    clientFilename(fh),
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Data:        data,
	}, nil
}

// clientFilename returns the filename as the client sent it, including any
// directory components that multipart.FileHeader.Filename strips.
func clientFilename(fh *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(fh.Header.Get(echo.HeaderContentDisposition))
	if err != nil || params["filename"] == "" {
		return fh.Filename
	}
	return params["filename"]
}

func readAll(f multipart.File, fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size <= 0 {
		return io.ReadAll(f)
	}
	data := make([]byte, fh.Size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) ||
		errors.Is(err, echo.ErrStatusRequestEntityTooLarge) ||
		errors.Is(err, multipart.ErrMessageTooLarge)
}

// writeError maps a relay failure onto its HTTP status and {"detail": ...} body.
func (h *RelayHandler) writeError(c echo.Context, err error) error {
	var re *service.RelayError
	if !errors.As(err, &re) {
		re = service.InternalError(err)
	}

	level := slog.LevelWarn
	if re.Kind == service.KindInternal {
		level = slog.LevelError
	}
	h.logger.Log(c.Request().Context(), level, "relay failed",
		"kind", re.Kind.String(),
		"status", re.StatusCode,
		"err", err,
	)

	return c.JSON(re.StatusCode, ErrorResponse{Detail: re.Detail})
}
