// Package metrics registers the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the engine records into.
type Metrics struct {
	SignalsReceived *prometheus.CounterVec // by type
	SignalsRejected *prometheus.CounterVec // by reason
	OrdersPlaced    *prometheus.CounterVec // by strategy
	OrdersFilled    prometheus.Counter
	OrdersMissed    *prometheus.CounterVec // by reason
	EmergencyFlats  prometheus.Counter
	ReconcileErrors prometheus.Counter

	OpenPositions  prometheus.Gauge
	Equity         prometheus.Gauge
	Phase          prometheus.Gauge
	QueueDepth     prometheus.Gauge
	ConsoleClients prometheus.Gauge
	MasterArm      prometheus.Gauge

	ExecutionLatency prometheus.Histogram
	ChaseTicks       prometheus.Histogram
}

// New registers all instruments on the given registerer. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SignalsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "titan", Name: "signals_received_total",
			Help: "Webhook signals accepted past admission, by type.",
		}, []string{"type"}),
		SignalsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "titan", Name: "signals_rejected_total",
			Help: "Signals rejected at any layer, by reason code.",
		}, []string{"reason"}),
		OrdersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "titan", Name: "orders_placed_total",
			Help: "Orders sent to the broker, by strategy.",
		}, []string{"strategy"}),
		OrdersFilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "titan", Name: "orders_filled_total",
			Help: "Orders that reached FILLED.",
		}),
		OrdersMissed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "titan", Name: "orders_missed_total",
			Help: "Entries abandoned without a full fill, by reason.",
		}, []string{"reason"}),
		EmergencyFlats: f.NewCounter(prometheus.CounterOpts{
			Namespace: "titan", Name: "emergency_flattens_total",
			Help: "Emergency flatten invocations.",
		}),
		ReconcileErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "titan", Name: "reconcile_mismatch_cycles_total",
			Help: "Reconciliation cycles that found at least one mismatch.",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan", Name: "open_positions",
			Help: "Open positions in shadow state.",
		}),
		Equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan", Name: "equity_usd",
			Help: "Last reported account equity.",
		}),
		Phase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan", Name: "phase",
			Help: "Current capital phase (1 or 2).",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan", Name: "broker_queue_depth",
			Help: "Requests waiting on the broker rate limiter.",
		}),
		ConsoleClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan", Name: "console_clients",
			Help: "Connected operator console clients.",
		}),
		MasterArm: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan", Name: "master_arm",
			Help: "1 when execution is armed, 0 when disarmed.",
		}),
		ExecutionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "titan", Name: "execution_latency_seconds",
			Help:    "Signal confirm to terminal strategy result.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ChaseTicks: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "titan", Name: "chase_ticks",
			Help:    "Reprices performed per limit-chaser execution.",
			Buckets: prometheus.LinearBuckets(0, 1, 8),
		}),
	}
}
