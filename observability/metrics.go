package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes Prometheus collectors for the payment session engine.
type EngineMetrics struct {
	issued          *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	reused          prometheus.Counter
	activeListeners prometheus.Gauge
	watcherErrors   *prometheus.CounterVec
	issueLatency    prometheus.Histogram
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised metrics registry for session
// issuance, lifecycle outcomes, and chain watcher health.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stealthpay",
				Subsystem: "engine",
				Name:      "sessions_issued_total",
				Help:      "Count of stealth address issuances segmented by chain.",
			}, []string{"chain"}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stealthpay",
				Subsystem: "engine",
				Name:      "session_outcomes_total",
				Help:      "Terminal session outcomes segmented by status.",
			}, []string{"status"}),
			reused: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stealthpay",
				Subsystem: "engine",
				Name:      "sessions_reused_total",
				Help:      "Count of issuance requests answered with an existing open session.",
			}),
			activeListeners: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stealthpay",
				Subsystem: "engine",
				Name:      "active_listeners",
				Help:      "Number of chain watchers currently attached.",
			}),
			watcherErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stealthpay",
				Subsystem: "watcher",
				Name:      "errors_total",
				Help:      "Watcher failures segmented by reason.",
			}, []string{"reason"}),
			issueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "stealthpay",
				Subsystem: "engine",
				Name:      "issue_duration_seconds",
				Help:      "Latency distribution for stealth address issuance.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			engineRegistry.issued,
			engineRegistry.outcomes,
			engineRegistry.reused,
			engineRegistry.activeListeners,
			engineRegistry.watcherErrors,
			engineRegistry.issueLatency,
		)
	})
	return engineRegistry
}

// RecordIssued counts a fresh issuance on the supplied chain.
func (m *EngineMetrics) RecordIssued(chain string, duration time.Duration) {
	if m == nil {
		return
	}
	if chain == "" {
		chain = "unknown"
	}
	m.issued.WithLabelValues(chain).Inc()
	m.issueLatency.Observe(duration.Seconds())
}

// RecordReuse counts an idempotent issuance answered by an open session.
func (m *EngineMetrics) RecordReuse() {
	if m == nil {
		return
	}
	m.reused.Inc()
}

// RecordOutcome counts a terminal transition.
func (m *EngineMetrics) RecordOutcome(status string) {
	if m == nil {
		return
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	m.outcomes.WithLabelValues(status).Inc()
}

// ListenerAttached adjusts the active listener gauge.
func (m *EngineMetrics) ListenerAttached(delta int) {
	if m == nil {
		return
	}
	m.activeListeners.Add(float64(delta))
}

// RecordWatcherError counts a watcher failure by stable reason string.
func (m *EngineMetrics) RecordWatcherError(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.watcherErrors.WithLabelValues(reason).Inc()
}
