// Package ctrlmetrics exposes the controller's Prometheus instrumentation,
// grounded on the teacher's internal/metrics/prometheus.go registration
// pattern (one struct of already-registered collectors, a single
// constructor taking a namespace).
package ctrlmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the controller updates.
type Metrics struct {
	ReplicateCalls   *prometheus.CounterVec
	DereplicateCalls *prometheus.CounterVec
	PinAckLatency    prometheus.Histogram
	PinTimeouts      prometheus.Counter
	ScaleUpEvents    prometheus.Counter
	ScaleDownEvents  prometheus.Counter
	HotspotEvents    prometheus.Counter
	ReconcileFanout  prometheus.Histogram
	EpochDuration    prometheus.Histogram
	ExecutorThreads  prometheus.Gauge
	DepartingCount   prometheus.Gauge
}

// New registers every collector under namespace and returns the bundle.
// Callers typically pass one Metrics per process lifetime.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReplicateCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scaler",
			Name:      "replicate_total",
			Help:      "replicate_function invocations by branch that triggered them",
		}, []string{"branch"}),
		DereplicateCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scaler",
			Name:      "dereplicate_total",
			Help:      "dereplicate_function invocations by branch that triggered them",
		}, []string{"branch"}),
		PinAckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scaler",
			Name:      "pin_ack_latency_seconds",
			Help:      "time from pin request to ack or timeout",
			Buckets:   prometheus.DefBuckets,
		}),
		PinTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scaler",
			Name:      "pin_timeouts_total",
			Help:      "pin requests that exceeded the 10s ack timeout",
		}),
		ScaleUpEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "scale_up_total",
			Help:      "executor_policy scale-up decisions (add_vms calls)",
		}),
		ScaleDownEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "scale_down_total",
			Help:      "executor_policy scale-down decisions",
		}),
		HotspotEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "hotspot_replication_total",
			Help:      "hotspot replication triggers (utilization > 0.9)",
		}),
		ReconcileFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "broadcast_fanout",
			Help:      "messages emitted per departed-node broadcast",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		EpochDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "epoch_duration_seconds",
			Help:      "wall time spent in one epoch's reconcile+policy cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		ExecutorThreads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "executor_threads",
			Help:      "current size of the executor status table",
		}),
		DepartingCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "departing_executors",
			Help:      "executors currently mid-departure",
		}),
	}
}
