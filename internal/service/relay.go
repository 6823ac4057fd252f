// Package service implements upload validation and webhook relaying.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"audio-relay-go/internal/metrics"
	"audio-relay-go/internal/model"
)

// Kind classifies relay failures. The set is closed.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return metrics.OutcomeValidation
	case KindUpstream:
		return metrics.OutcomeUpstream
	default:
		return metrics.OutcomeInternal
	}
}

// Validation failures. The messages are returned to clients verbatim.
var (
	ErrNoAudioFile   = errors.New("No audio file selected")     //nolint:staticcheck // client-facing text
	ErrNotAudioFile  = errors.New("File must be an audio file") //nolint:staticcheck // client-facing text
	errUnexpectedNil = errors.New("webhook client returned no response")
)

// RelayError is returned by RelayService.Relay for every failure.
type RelayError struct {
	Kind       Kind
	StatusCode int
	Detail     string
	Err        error
}

func (e *RelayError) Error() string { return e.Detail }
func (e *RelayError) Unwrap() error { return e.Err }

// ValidationError wraps a failed input precondition.
func ValidationError(err error) *RelayError {
	return &RelayError{
		Kind:       KindValidation,
		StatusCode: http.StatusBadRequest,
		Detail:     err.Error(),
		Err:        err,
	}
}

// UpstreamError reports a webhook reply other than 200. Error statuses are
// propagated as-is; anything else becomes 502 since it cannot signal failure
// to the caller on its own.
func UpstreamError(resp *model.WebhookResponse) *RelayError {
	status := resp.StatusCode
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &RelayError{
		Kind:       KindUpstream,
		StatusCode: status,
		Detail:     fmt.Sprintf("webhook returned status %d: %s", resp.StatusCode, resp.Body),
	}
}

// InternalError wraps transport failures and anything unexpected.
func InternalError(err error) *RelayError {
	return &RelayError{
		Kind:       KindInternal,
		StatusCode: http.StatusInternalServerError,
		Detail:     fmt.Sprintf("Processing failed: %v", err),
		Err:        err,
	}
}

// Sender delivers an upload to the webhook. *client.WebhookClient implements it.
type Sender interface {
	Send(ctx context.Context, u *model.Upload) (*model.WebhookResponse, error)
}

// RelayService validates uploads and relays them to the webhook.
type RelayService struct {
	sender  Sender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(sender Sender, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		sender:  sender,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// Validate checks the preconditions that must hold before any network call.
func Validate(u *model.Upload) error {
	if u == nil || u.Filename == "" {
		return ValidationError(ErrNoAudioFile)
	}
	if !strings.HasPrefix(u.ContentType, "audio/") {
		return ValidationError(ErrNotAudioFile)
	}
	return nil
}

// Relay validates the upload, forwards it and returns the webhook's 200
// response. Every error it returns is a *RelayError.
func (s *RelayService) Relay(ctx context.Context, u *model.Upload) (*model.WebhookResponse, error) {
	resp, err := s.relay(ctx, u)
	s.record(u, err)
	return resp, err
}

func (s *RelayService) relay(ctx context.Context, u *model.Upload) (*model.WebhookResponse, error) {
	if err := Validate(u); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "relaying upload",
		"filename", u.Filename,
		"content_type", u.ContentType,
		"bytes", u.Size(),
	)

	resp, err := s.sender.Send(ctx, u)
	if err != nil {
		return nil, InternalError(err)
	}
	if resp == nil {
		return nil, InternalError(errUnexpectedNil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, UpstreamError(resp)
	}
	return resp, nil
}

func (s *RelayService) record(u *model.Upload, err error) {
	if s.metrics == nil {
		return
	}
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = KindOf(err).String()
	} else {
		s.metrics.UploadBytes.Observe(float64(u.Size()))
	}
	s.metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
}

// KindOf reports the failure kind of err; errors that are not a *RelayError are internal.
func KindOf(err error) Kind {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}
