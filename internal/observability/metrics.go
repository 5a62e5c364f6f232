package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the call engine.
type Metrics struct {
	ActiveCalls     prometheus.Gauge
	CallEvents      *prometheus.CounterVec
	Frames          *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	AudioBytes      *prometheus.CounterVec
	DroppedChunks   prometheus.Counter
	EmergencyAlerts *prometheus.CounterVec
	CommitLatency   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on a specific registerer;
// tests pass a fresh registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of active call sessions.",
		}),
		CallEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_frames_total",
			Help:      "Realtime protocol frames by direction and type.",
		}, []string{"direction", "type"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts by outcome.",
		}, []string{"outcome"}),
		AudioBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes by direction.",
		}, []string{"direction"}),
		DroppedChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_chunks_total",
			Help:      "Audio chunks dropped by the bounded pre-ready queue.",
		}),
		EmergencyAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_alerts_total",
			Help:      "Emergency detector outcomes.",
		}, []string{"outcome"}),
		CommitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_ms",
			Help:      "Time from commit request to commit send in milliseconds.",
			Buckets:   []float64{50, 100, 150, 250, 400, 700, 1200},
		}),
	}
}

func (m *Metrics) ObserveCommitLatency(d time.Duration) {
	m.CommitLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
