// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Upload sizes from 1 KiB to 32 MiB.
var uploadBuckets = prometheus.ExponentialBuckets(1024, 4, 8)

// Relay outcome label values.
const (
	OutcomeSuccess    = "success"
	OutcomeValidation = "validation"
	OutcomeUpstream   = "upstream"
	OutcomeInternal   = "internal"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	WebhookDuration  prometheus.Histogram
	WebhookResponses *prometheus.CounterVec
	WebhookFailures  prometheus.Counter

	RelayOutcomes *prometheus.CounterVec
	UploadBytes   prometheus.Histogram
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audio_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audio_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_relay_webhook_request_duration_seconds",
			Help:    "Webhook call latency in seconds, including failed calls.",
			Buckets: defaultBuckets,
		}),
		WebhookResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_relay_webhook_responses_total",
			Help: "Total webhook responses by status code.",
		}, []string{"status_code"}),
		WebhookFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audio_relay_webhook_failures_total",
			Help: "Webhook calls that produced no HTTP response.",
		}),
		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_relay_relays_total",
			Help: "Relay attempts by outcome.",
		}, []string{"outcome"}),
		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_relay_upload_bytes",
			Help:    "Size of accepted audio uploads in bytes.",
			Buckets: uploadBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.WebhookDuration,
		m.WebhookResponses,
		m.WebhookFailures,
		m.RelayOutcomes,
		m.UploadBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/record", "/api/health", "/static", "/healthz"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// metricsPath is the configured scrape path; empty means none.
func NormalizePath(path, metricsPath string) string {
	if path == "/" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if hasPathPrefix(path, prefix) {
			return prefix
		}
	}
	if metricsPath != "" && hasPathPrefix(path, metricsPath) {
		return metricsPath
	}
	return "other"
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?")
}
