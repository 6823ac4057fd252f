package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio-relay-go/internal/client"
	"audio-relay-go/internal/config"
	"audio-relay-go/internal/model"
	"audio-relay-go/internal/service"
)

// webhookDouble is an httptest webhook that counts calls and remembers the last upload.
type webhookDouble struct {
	*httptest.Server
	calls    atomic.Int32
	lastFile atomic.Value // []byte
	lastName atomic.Value // string
	lastType atomic.Value // string
}

func newWebhookDouble(t *testing.T, reply http.HandlerFunc) *webhookDouble {
	t.Helper()
	d := &webhookDouble{}
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.calls.Add(1)
		if f, fh, err := r.FormFile(model.FormField); err == nil {
			data, _ := io.ReadAll(f)
			_ = f.Close()
			d.lastFile.Store(data)
			d.lastName.Store(clientFilename(fh))
			d.lastType.Store(fh.Header.Get("Content-Type"))
		}
		reply(w, r)
	}))
	t.Cleanup(d.Close)
	return d
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(webhookURL string) *config.Config {
	return &config.Config{
		Webhook: config.WebhookConfig{
			URL:             webhookURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

func newTestRelayHandler(cfg *config.Config) *RelayHandler {
	logger := discardLogger()
	wc := client.NewWebhookClient(cfg, logger, nil)
	return NewRelayHandler(service.NewRelayService(wc, logger, nil), logger)
}

// multipartBody encodes one file part; an empty field name yields a form with only a text field.
func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if field == "" {
		require.NoError(t, w.WriteField("note", "no file here"))
	} else {
		writeFilePart(t, w, fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename), contentType, data)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

// rawDispositionBody encodes one file part with a hand-written Content-Disposition.
func rawDispositionBody(t *testing.T, disposition, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	writeFilePart(t, w, disposition, contentType, data)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func writeFilePart(t *testing.T, w *multipart.Writer, disposition, contentType string, data []byte) {
	t.Helper()
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", disposition)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
}

func record(t *testing.T, h *RelayHandler, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/record", body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.Record(c))
	return rec
}

func detailOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestRelayHandler_Record_RelaysAudio(t *testing.T) {
	reply := []byte{0xff, 0xfb, 0x90, 0x64, 0x00, 0x00}
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(reply)
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	audio := []byte("\x1aE\xdf\xa3 webm bytes \x00\x01")
	body, ct := multipartBody(t, "audio", "recording.webm", "audio/webm;codecs=opus", audio)
	rec := record(t, h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, reply, rec.Body.Bytes())

	assert.EqualValues(t, 1, webhook.calls.Load())
	assert.Equal(t, audio, webhook.lastFile.Load())
	assert.Equal(t, "recording.webm", webhook.lastName.Load())
	assert.Equal(t, "audio/webm;codecs=opus", webhook.lastType.Load())
}

func TestRelayHandler_Record_RelaysJSON(t *testing.T) {
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"transcript":"hello there"}`))
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	body, ct := multipartBody(t, "audio", "clip.ogg", "audio/ogg", []byte("OggS"))
	rec := record(t, h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, `{"transcript":"hello there"}`, rec.Body.String())
}

func TestRelayHandler_Record_ForwardsRawFilename(t *testing.T) {
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	body, ct := multipartBody(t, "audio", "dir/sub/rec.webm", "audio/webm", []byte("x"))
	rec := record(t, h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, webhook.calls.Load())
	assert.Equal(t, "dir/sub/rec.webm", webhook.lastName.Load())
}

func TestRelayHandler_Record_FilenameWithCRLF(t *testing.T) {
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	audio := []byte("webm")
	body, ct := rawDispositionBody(t,
		`form-data; name="audio"; filename*=utf-8''a%0D%0AX-Injected%3A%20yes`,
		"audio/webm", audio)
	rec := record(t, h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, webhook.calls.Load())
	assert.Equal(t, "a\r\nX-Injected: yes", webhook.lastName.Load())
	assert.Equal(t, audio, webhook.lastFile.Load())
	assert.Equal(t, "audio/webm", webhook.lastType.Load())
}

func TestRelayHandler_Record_DefaultContentType(t *testing.T) {
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("raw"))
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	body, ct := multipartBody(t, "audio", "a.wav", "audio/wav", []byte("RIFF"))
	rec := record(t, h, body, ct)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.DefaultContentType, rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "raw", rec.Body.String())
}

func TestRelayHandler_Record_ValidationMakesNoCall(t *testing.T) {
	tests := []struct {
		name        string
		body        func(t *testing.T) (io.Reader, string)
		wantMessage string
	}{
		{
			name: "no audio field",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "", "", "", nil)
			},
			wantMessage: "No audio file selected",
		},
		{
			name: "wrong field name",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "file", "a.webm", "audio/webm", []byte("x"))
			},
			wantMessage: "No audio file selected",
		},
		{
			name: "empty filename",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "audio", "", "audio/webm", []byte("x"))
			},
			wantMessage: "No audio file selected",
		},
		{
			name: "not multipart",
			body: func(t *testing.T) (io.Reader, string) {
				return strings.NewReader(`{"audio":"base64"}`), "application/json"
			},
			wantMessage: "No audio file selected",
		},
		{
			name: "text file",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "audio", "notes.txt", "text/plain", []byte("hi"))
			},
			wantMessage: "File must be an audio file",
		},
		{
			name: "video file",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "audio", "clip.webm", "video/webm", []byte("x"))
			},
			wantMessage: "File must be an audio file",
		},
		{
			name: "no part content type",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, "audio", "clip.webm", "", []byte("x"))
			},
			wantMessage: "File must be an audio file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			h := newTestRelayHandler(testConfig(webhook.URL))

			body, ct := tt.body(t)
			rec := record(t, h, body, ct)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantMessage, detailOf(t, rec))
			assert.EqualValues(t, 0, webhook.calls.Load(), "webhook must not be called")
		})
	}
}

func TestRelayHandler_Record_UpstreamError(t *testing.T) {
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	body, ct := multipartBody(t, "audio", "recording.webm", "audio/webm", []byte("x"))
	rec := record(t, h, body, ct)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, echo.MIMEApplicationJSON, rec.Header().Get(echo.HeaderContentType))
	detail := detailOf(t, rec)
	assert.Contains(t, detail, "503")
	assert.Contains(t, detail, "overloaded")
}

func TestRelayHandler_Record_ConnectionFailure(t *testing.T) {
	// Reserve a port, then close the listener so connections are refused.
	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()

	h := newTestRelayHandler(testConfig(url))

	body, ct := multipartBody(t, "audio", "recording.webm", "audio/webm", []byte("x"))
	rec := record(t, h, body, ct)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(detailOf(t, rec), "Processing failed: "))
}

func TestRelayHandler_Record_Timeout(t *testing.T) {
	release := make(chan struct{})
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	cfg := testConfig(webhook.URL)
	cfg.Webhook.TimeoutSeconds = 1
	h := newTestRelayHandler(cfg)

	body, ct := multipartBody(t, "audio", "recording.webm", "audio/webm", []byte("x"))
	start := time.Now()
	rec := record(t, h, body, ct)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRelayHandler_Record_Idempotent(t *testing.T) {
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	var recs []*httptest.ResponseRecorder
	for range 2 {
		body, ct := multipartBody(t, "audio", "recording.webm", "audio/webm", []byte("same bytes"))
		recs = append(recs, record(t, h, body, ct))
	}

	assert.Equal(t, recs[0].Code, recs[1].Code)
	assert.Equal(t, recs[0].Header().Get(echo.HeaderContentType), recs[1].Header().Get(echo.HeaderContentType))
	assert.Equal(t, recs[0].Body.Bytes(), recs[1].Body.Bytes())
	assert.EqualValues(t, 2, webhook.calls.Load())
}

func TestRelayHandler_Record_BodyLimit(t *testing.T) {
	webhook := newWebhookDouble(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := newTestRelayHandler(testConfig(webhook.URL))

	e := echo.New()
	e.Use(echomw.BodyLimit("1K"))
	e.POST("/api/record", h.Record)

	body, ct := multipartBody(t, "audio", "long.webm", "audio/webm", bytes.Repeat([]byte{0x42}, 4096))
	req := httptest.NewRequest(http.MethodPost, "/api/record", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.EqualValues(t, 0, webhook.calls.Load())
}

func TestRelayHandler_writeError_NonRelayError(t *testing.T) {
	h := &RelayHandler{logger: discardLogger()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/record", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.writeError(c, fmt.Errorf("unexpected: %w", io.ErrUnexpectedEOF)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Processing failed: unexpected: unexpected EOF", detailOf(t, rec))
}
