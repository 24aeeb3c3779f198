package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ConnectResults    *prometheus.CounterVec
	TeardownResults   *prometheus.CounterVec
	TeardownDuration  prometheus.Histogram
	CloseTimeouts     prometheus.Counter
	CredentialResults *prometheus.CounterVec
	FirstTextLatency  prometheus.Histogram

	lifecycle    *lifecycleWindow
	firstTextSLO time.Duration
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of server-hosted realtime conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ConnectResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_results_total",
			Help:      "Realtime connect attempts by result.",
		}, []string{"result"}),
		TeardownResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_results_total",
			Help:      "Teardowns by verification outcome.",
		}, []string{"verified"}),
		TeardownDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_duration_ms",
			Help:      "Teardown duration in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 250, 500, 750, 1000, 2000},
		}),
		CloseTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_timeouts_total",
			Help:      "Teardowns whose provider close handshake exceeded the close timeout.",
		}),
		CredentialResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_mint_total",
			Help:      "Ephemeral credential mint attempts by result.",
		}, []string{"result"}),
		FirstTextLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_text_latency_ms",
			Help:      "Latency from a user turn to the first assistant text delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		lifecycle: newLifecycleWindow(256),
	}
}

func (m *Metrics) ObserveConnect(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectResults.WithLabelValues(result).Inc()
	if result == "connected" {
		m.lifecycle.record(StageConnect, d)
	}
}

// ObserveTeardown records one teardown. closeTimedOut marks a provider close
// handshake that was abandoned at the close timeout.
func (m *Metrics) ObserveTeardown(verified, closeTimedOut bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "true"
	if !verified {
		label = "false"
		m.lifecycle.count(IndicatorTeardownUnverified)
	}
	if closeTimedOut {
		m.CloseTimeouts.Inc()
		m.lifecycle.count(IndicatorCloseTimedOut)
	}
	m.TeardownResults.WithLabelValues(label).Inc()
	m.TeardownDuration.Observe(float64(d.Milliseconds()))
	m.lifecycle.record(StageTeardown, d)
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveCredential(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CredentialResults.WithLabelValues(result).Inc()
	if result == "minted" {
		m.lifecycle.record(StageMint, d)
	}
}

func (m *Metrics) ObserveFirstTextLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstTextLatency.Observe(float64(d.Milliseconds()))
	m.lifecycle.record(StageFirstText, d)
	if m.firstTextSLO > 0 && d > m.firstTextSLO {
		m.lifecycle.count(IndicatorFirstTextSLOMiss)
	}
}

// SetFirstTextSLO sets the user-to-first-text budget; slower replies are
// counted as first_text_slo_miss. Call before serving traffic.
func (m *Metrics) SetFirstTextSLO(d time.Duration) {
	if m == nil {
		return
	}
	m.firstTextSLO = d
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Lifecycle returns rolling latency statistics for the lifecycle stages.
func (m *Metrics) Lifecycle() LifecycleSnapshot {
	if m == nil {
		return newLifecycleWindow(1).snapshot()
	}
	return m.lifecycle.snapshot()
}

// FirstTextSLO is the budget set by SetFirstTextSLO.
func (m *Metrics) FirstTextSLO() time.Duration {
	if m == nil {
		return 0
	}
	return m.firstTextSLO
}

func (m *Metrics) ResetLifecycle() {
	if m == nil {
		return
	}
	m.lifecycle.mu.Lock()
	defer m.lifecycle.mu.Unlock()
	m.lifecycle.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
