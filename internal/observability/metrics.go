package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ProviderFallbacks prometheus.Counter
	ReplyLatency      prometheus.Histogram
	RevealDuration    prometheus.Histogram

	window *exchangeStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
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
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by kind.",
		}, []string{"kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Reply provider failures by kind.",
		}, []string{"kind"}),
		ProviderFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Replies substituted with the fixed fallback because the upstream response shape was unrecognized.",
		}),
		ReplyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_ms",
			Help:      "Latency from submit to provider reply in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		RevealDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reveal_duration_ms",
			Help:      "Duration of the word-by-word reveal in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		window: newExchangeStageWindow(256),
	}
}

// ObserveExchangeStage records one stage duration into both the rolling
// window and the matching histogram, if one exists.
func (m *Metrics) ObserveExchangeStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.window.Observe(stage, ms)
	switch stage {
	case StageSubmitToReply:
		m.ReplyLatency.Observe(ms)
	case StageRevealTotal:
		m.RevealDuration.Observe(ms)
	}
}

// ObserveExchangeIndicator counts a named exchange event in the window.
func (m *Metrics) ObserveExchangeIndicator(name string) {
	m.window.ObserveIndicator(name)
}

// PerfSnapshot exports the rolling latency window for the perf endpoint.
func (m *Metrics) PerfSnapshot() ExchangeStageSnapshot {
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
