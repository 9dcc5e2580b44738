// Package metrics registers the prometheus collectors every subsystem records
// into. Construction is idempotent: re-registering returns the collector
// already held by the registry, so tests and embedded engines can call New
// freely.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loom"

// Set bundles the process collectors.
type Set struct {
	InstancesClaimed prometheus.Counter
	InstancesDone    *prometheus.CounterVec
	NodesDispatched  prometheus.Counter
	NodeFailures     *prometheus.CounterVec
	NodeDuration     prometheus.Histogram
	HeartbeatErrors  prometheus.Counter

	ScheduleFires *prometheus.CounterVec

	JobsEnqueued prometheus.Counter
	JobsAcked    prometheus.Counter
	JobsNacked   *prometheus.CounterVec
	JobsSwept    prometheus.Counter
	JobDuration  prometheus.Histogram
	QueueDepth   *prometheus.GaugeVec
	Watermark    prometheus.Gauge
	StreamActive prometheus.Gauge
	WorkerSlots  prometheus.Gauge

	BackpressureActivations prometheus.Counter
	BackpressureSeconds     prometheus.Counter
}

// New builds the collector set against reg, reusing collectors that are
// already registered. Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Set {
	return &Set{
		InstancesClaimed: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "instances_claimed_total",
			Help: "Workflow instance leases acquired by this engine.",
		}),
		InstancesDone: counterVec(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "instances_done_total",
			Help: "Workflow instances moved to a terminal state.",
		}, []string{"status"}),
		NodesDispatched: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "nodes_dispatched_total",
			Help: "Task nodes submitted to executors.",
		}),
		NodeFailures: counterVec(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "node_failures_total",
			Help: "Task node failures by error kind.",
		}, []string{"kind"}),
		NodeDuration: histogram(reg, prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "node_duration_seconds",
			Help:    "Executor run time per task node.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		HeartbeatErrors: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "heartbeat_errors_total",
			Help: "Failed lease heartbeats, including lost leases.",
		}),
		ScheduleFires: counterVec(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fires_total",
			Help: "Schedule firings by outcome.",
		}, []string{"status"}),
		JobsEnqueued: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Jobs accepted into the durable queue.",
		}),
		JobsAcked: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_acked_total",
			Help: "Jobs archived as successes.",
		}),
		JobsNacked: counterVec(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_nacked_total",
			Help: "Job failures by disposition (retried or archived).",
		}, []string{"disposition"}),
		JobsSwept: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_swept_total",
			Help: "Expired executing jobs reclaimed to waiting.",
		}),
		JobDuration: histogram(reg, prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "job_duration_seconds",
			Help:    "Executor run time per queue job.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		QueueDepth: gaugeVec(reg, prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Live queue depth by shelf.",
		}, []string{"shelf"}),
		Watermark: gauge(reg, prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "watermark_level",
			Help: "Current watermark band: 0 empty through 4 critical.",
		}),
		StreamActive: gauge(reg, prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "stream_active",
			Help: "Whether the store-to-memory stream is running.",
		}),
		WorkerSlots: gauge(reg, prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "worker_slots",
			Help: "Effective processor concurrency after backpressure scaling.",
		}),
		BackpressureActivations: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "backpressure_activations_total",
			Help: "Times the queue entered the limited (high or critical) state.",
		}),
		BackpressureSeconds: counter(reg, prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "backpressure_active_seconds_total",
			Help: "Cumulative time spent in the limited state.",
		}),
	}
}

func counter(reg prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	return register(reg, c).(prometheus.Counter)
}

func counterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	return register(reg, c).(*prometheus.CounterVec)
}

func gauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	return register(reg, g).(prometheus.Gauge)
}

func gaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(opts, labels)
	return register(reg, g).(*prometheus.GaugeVec)
}

func histogram(reg prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	return register(reg, h).(prometheus.Histogram)
}

// register reuses the already-registered collector on conflict instead of
// panicking, which keeps repeated Set construction safe.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
