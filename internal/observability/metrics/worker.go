package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers history retention jobs run by the worker.
type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	purgeTotal      *prometheus.CounterVec
	purgeDuration   *prometheus.HistogramVec
	purgeInFlight   prometheus.Gauge
	purgedMessages  *prometheus.CounterVec
	lastPurgeUnixTs prometheus.Gauge
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	purgeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "purge_jobs_total",
			Help:      "Total retention purge jobs by trigger and status.",
		},
		[]string{"service", "trigger", "status"},
	)
	purgeDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "purge_duration_seconds",
			Help:      "Retention purge duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	purgeInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "purge_in_flight",
			Help:      "Number of in-flight purge jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	purgedMessages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "purged_messages_total",
			Help:      "Messages removed by retention purges.",
		},
		[]string{"service"},
	)
	lastPurge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "last_successful_purge_timestamp_seconds",
			Help:      "Unix time of the last successful purge.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(purgeTotal, purgeDuration, purgeInFlight, purgedMessages, lastPurge)

	return &WorkerMetrics{
		service:         service,
		registry:        registry,
		purgeTotal:      purgeTotal,
		purgeDuration:   purgeDuration,
		purgeInFlight:   purgeInFlight,
		purgedMessages:  purgedMessages,
		lastPurgeUnixTs: lastPurge,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartPurge() {
	m.purgeInFlight.Inc()
}

func (m *WorkerMetrics) FinishPurge(trigger string, removed int64, duration time.Duration, err error) {
	m.purgeInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.purgeTotal.WithLabelValues(m.service, trigger, status).Inc()
	m.purgeDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
	if err != nil {
		return
	}
	if removed > 0 {
		m.purgedMessages.WithLabelValues(m.service).Add(float64(removed))
	}
	m.lastPurgeUnixTs.Set(float64(time.Now().Unix()))
}
