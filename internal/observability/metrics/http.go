package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

const namespace = "dictamen"

type HTTPServerMetrics struct {
	service  string
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	turnsTotal          *prometheus.CounterVec
	turnDuration        *prometheus.HistogramVec
	turnSources         *prometheus.HistogramVec
	classifierFallbacks *prometheus.CounterVec
	rewriteFallbacks    *prometheus.CounterVec
	tierFailuresTotal   *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by intent label, search tier and status.",
		},
		[]string{"service", "label", "tier", "status"},
	)
	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Chat turn duration in seconds by intent label.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"service", "label"},
	)
	turnSources := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "sources",
			Help:      "Sources attached per successful turn.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		},
		[]string{"service", "label"},
	)
	classifierFallbacks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "fallback_total",
			Help:      "Turns classified by the keyword fallback, by reason.",
		},
		[]string{"service", "reason"},
	)
	rewriteFallbacks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewriter",
			Name:      "fallback_total",
			Help:      "Rewrites that fell back to the original query, by reason.",
		},
		[]string{"service", "reason"},
	)
	tierFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "tier_failures_total",
			Help:      "Failed search tier attempts.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		turnsTotal,
		turnDuration,
		turnSources,
		classifierFallbacks,
		rewriteFallbacks,
		tierFailuresTotal,
	)

	return &HTTPServerMetrics{
		service:             service,
		registry:            registry,
		requestTotal:        requestTotal,
		requestDuration:     requestDuration,
		requestInFlight:     requestInFlight,
		turnsTotal:          turnsTotal,
		turnDuration:        turnDuration,
		turnSources:         turnSources,
		classifierFallbacks: classifierFallbacks,
		rewriteFallbacks:    rewriteFallbacks,
		tierFailuresTotal:   tierFailuresTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/v1/sessions/") {
		return path
	}
	switch {
	case strings.HasSuffix(path, "/history"):
		return "/v1/sessions/{session_id}/history"
	case strings.HasSuffix(path, "/export"):
		return "/v1/sessions/{session_id}/export"
	default:
		return "/v1/sessions/{session_id}"
	}
}

// ObserveTurn records one processed chat turn.
func (m *HTTPServerMetrics) ObserveTurn(obs domain.TurnObservation) {
	label := string(obs.Label)
	if label == "" {
		label = "none"
	}
	tier := string(obs.Tier)
	if tier == "" {
		tier = string(domain.TierNone)
	}
	status := "success"
	if obs.Err != nil {
		status = "error"
	}

	m.turnsTotal.WithLabelValues(m.service, label, tier, status).Inc()
	m.turnDuration.WithLabelValues(m.service, label).Observe(obs.Duration.Seconds())
	if obs.Err == nil {
		m.turnSources.WithLabelValues(m.service, label).Observe(float64(obs.SourceCount))
	}
	if obs.ClassifiedBy == domain.ClassifiedByFallback {
		m.classifierFallbacks.WithLabelValues(m.service, reasonOrUnknown(obs.ClassifyReason)).Inc()
	}
	if obs.RewriteFallback != "" {
		m.rewriteFallbacks.WithLabelValues(m.service, obs.RewriteFallback).Inc()
	}
	if obs.TierFailures > 0 {
		m.tierFailuresTotal.WithLabelValues(m.service).Add(float64(obs.TierFailures))
	}
}

func reasonOrUnknown(reason string) string {
	if reason == "" {
		return "unknown"
	}
	return reason
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
