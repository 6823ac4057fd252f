// Package client provides the outbound HTTP client for the audio webhook.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"audio-relay-go/internal/config"
	"audio-relay-go/internal/metrics"
	"audio-relay-go/internal/model"
)

const userAgent = "audio-relay-go/1.0"

// WebhookClient posts uploads to the configured webhook.
type WebhookClient struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewWebhookClient creates a WebhookClient with connection pooling and an
// explicit timeout taken from config. Redirects are followed by the default
// policy; retries are never attempted.
// The metrics parameter is optional; pass nil to disable webhook metrics recording.
func NewWebhookClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *WebhookClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Webhook.IdleConnections,
		MaxIdleConnsPerHost: cfg.Webhook.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &WebhookClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Webhook.Timeout(),
		},
		url:     cfg.Webhook.URL,
		logger:  logger.With("component", "webhook_client"),
		metrics: m,
	}
}

// URL returns the webhook destination.
func (c *WebhookClient) URL() string {
	return c.url
}

// Send posts the upload as multipart/form-data and returns the full webhook
// response, whatever its status. An error means no usable response was received.
func (c *WebhookClient) Send(ctx context.Context, u *model.Upload) (*model.WebhookResponse, error) {
	body, contentType, err := encodeUpload(u)
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", userAgent)

	c.logger.DebugContext(ctx, "webhook request",
		"filename", u.Filename,
		"content_type", u.ContentType,
		"bytes", u.Size(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(start, 0)
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	c.observe(start, resp.StatusCode)
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = model.DefaultContentType
	}

	return &model.WebhookResponse{
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Body:        data,
	}, nil
}

// observe records call latency; status 0 marks a call without an HTTP response.
func (c *WebhookClient) observe(start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	if status == 0 {
		c.metrics.WebhookFailures.Inc()
		return
	}
	c.metrics.WebhookResponses.WithLabelValues(strconv.Itoa(status)).Inc()
}

// encodeUpload builds a single-part multipart body. The part keeps the
// client's declared content type instead of the octet-stream that
// multipart.Writer.CreateFormFile would assign. Filenames with control or
// non-ASCII characters are sent in the RFC 2231 filename* form so they can
// never break out of the Content-Disposition line.
func encodeUpload(u *model.Upload) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	disposition := mime.FormatMediaType("form-data", map[string]string{
		"name":     model.FormField,
		"filename": u.Filename,
	})
	if disposition == "" {
		return nil, "", fmt.Errorf("invalid filename %q", u.Filename)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", disposition)
	h.Set("Content-Type", u.ContentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(u.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
