// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	capturesTotal          *prometheus.CounterVec
	captureDurationSeconds *prometheus.HistogramVec
	captureRetriesTotal    *prometheus.CounterVec
	queueDepth             *prometheus.GaugeVec
	activeSessions         prometheus.Gauge
	bridgeFallbacksTotal   prometheus.Counter
	batchesTotal           *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec

	once sync.Once
)

func init() {
	Init()
}

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adcapture_captures_total",
				Help: "Total capture attempts, labeled by device, site, outcome and error class.",
			},
			[]string{"device", "site", "outcome", "class"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adcapture_capture_duration_seconds",
				Help:    "Histogram of end-to-end capture durations, labeled by device.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
			},
			[]string{"device"},
		)

		captureRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adcapture_retries_total",
				Help: "Total retried capture attempts, labeled by error class.",
			},
			[]string{"class"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "adcapture_queue_depth",
				Help: "Jobs per queue, labeled by queue name and state.",
			},
			[]string{"queue", "state"},
		)

		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "adcapture_active_sessions",
				Help: "Number of live browser sessions.",
			},
		)

		bridgeFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "adcapture_bridge_fallbacks_total",
				Help: "Mobile captures that fell back to direct capture because no overlay renderer answered.",
			},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adcapture_batches_total",
				Help: "Completed batches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCapture records one finished capture attempt. The site label is the
// publisher hostname, normalized via SanitizeSite.
func ObserveCapture(device, site string, success bool, class string, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	capturesTotal.WithLabelValues(device, site, outcome, class).Inc()
	captureDurationSeconds.WithLabelValues(device).Observe(duration.Seconds())
}

// ObserveRetry counts one retried attempt for the given error class.
func ObserveRetry(class string) {
	captureRetriesTotal.WithLabelValues(class).Inc()
}

// SetQueueDepth records one queue gauge sample.
func SetQueueDepth(queue, state string, n int) {
	queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// SetActiveSessions records the live session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// ObserveBridgeFallback counts one bridge-unavailable fallback.
func ObserveBridgeFallback() {
	bridgeFallbacksTotal.Inc()
}

// ObserveBatch counts a finished batch by outcome ("completed" or "timeout").
func ObserveBatch(outcome string) {
	batchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
