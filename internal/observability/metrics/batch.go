package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batch_extractor"

// BatchMetrics instruments the submitter and poller loops.
type BatchMetrics struct {
	registry *prometheus.Registry
	service  string

	tickTotal        *prometheus.CounterVec
	tickDuration     *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	jobsResolved     *prometheus.CounterVec
}

func NewBatchMetrics(service string) *BatchMetrics {
	registry := prometheus.NewRegistry()

	tickTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "loop_ticks_total",
			Help:      "Total loop ticks by loop and outcome.",
		},
		[]string{"service", "loop", "outcome"},
	)
	tickDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "loop_tick_duration_seconds",
			Help:      "Loop tick duration in seconds by loop and outcome.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "loop", "outcome"},
	)
	transitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "request_transitions_total",
			Help:      "Extraction request state transitions applied by the worker.",
		},
		[]string{"service", "transition"},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "queue_depth",
			Help:        "Queued requests observed by the last submitter tick.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	jobsResolved := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "batch_jobs_resolved_total",
			Help:      "Batch jobs that reached a terminal status.",
		},
		[]string{"service", "status"},
	)

	registry.MustRegister(tickTotal, tickDuration, transitionsTotal, queueDepth, jobsResolved)

	return &BatchMetrics{
		registry:         registry,
		service:          service,
		tickTotal:        tickTotal,
		tickDuration:     tickDuration,
		transitionsTotal: transitionsTotal,
		queueDepth:       queueDepth,
		jobsResolved:     jobsResolved,
	}
}

func (m *BatchMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick matches scheduler.Loop's OnTick hook.
func (m *BatchMetrics) ObserveTick(loop string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.tickTotal.WithLabelValues(m.service, loop, outcome).Inc()
	m.tickDuration.WithLabelValues(m.service, loop, outcome).Observe(duration.Seconds())
}

func (m *BatchMetrics) AddRequestTransitions(transition string, n int) {
	if n <= 0 {
		return
	}
	m.transitionsTotal.WithLabelValues(m.service, transition).Add(float64(n))
}

func (m *BatchMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *BatchMetrics) AddJobsResolved(status string, n int) {
	if n <= 0 {
		return
	}
	m.jobsResolved.WithLabelValues(m.service, status).Add(float64(n))
}
