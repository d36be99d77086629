package service

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultMetricsNamespace = "embedq"

// Metrics uses its own registry so several services (and tests) can coexist
// in one process.
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted *prometheus.CounterVec
	tasksRejected  *prometheus.CounterVec
	batchesTotal   prometheus.Counter
	batchErrors    prometheus.Counter
	taskErrors     prometheus.Counter
	batchSize      prometheus.Histogram
	queueWait      prometheus.Histogram
	inference      prometheus.Histogram
	workerRestarts prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec

	namespace string
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Metrics{
		registry:  registry,
		namespace: namespace,
		tasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted into the intake queue.",
		}, []string{"kind"}),
		tasksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rejected_total",
			Help:      "Submissions rejected before reaching the queue.",
		}, []string{"reason"}),
		batchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches executed by the worker.",
		}),
		batchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_errors_total",
			Help:      "Batches that hit an engine or publish failure.",
		}),
		taskErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_errors_total",
			Help:      "Tasks completed with an error result.",
		}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Tasks per executed batch.",
			Buckets:   prometheus.LinearBuckets(1, 4, 16),
		}),
		queueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Average time tasks of a batch spent queued.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		inference: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Engine time per batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		workerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Supervised worker restarts after a startup failure or crash.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordSubmitted(kind Kind) {
	m.tasksSubmitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordRejected(err error) {
	m.tasksRejected.WithLabelValues(rejectReason(err)).Inc()
}

func (m *Metrics) RecordBatchStats(report BatchReport) {
	m.batchesTotal.Inc()
	m.batchSize.Observe(float64(report.Size))
	m.queueWait.Observe(report.AvgQueueWait.Seconds())
	m.inference.Observe(report.InferenceTime.Seconds())
	m.taskErrors.Add(float64(report.TaskErrors))
	if report.Err != nil {
		m.batchErrors.Inc()
	}
}

func (m *Metrics) RecordWorkerRestart() {
	m.workerRestarts.Inc()
}

func (m *Metrics) RecordHTTPRequest(route string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// observeController exposes live queue depth and worker state. A Metrics
// value reports the first controller bound to it.
func (m *Metrics) observeController(c *Controller) {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the intake queue.",
		}, func() float64 { return float64(c.QueueDepth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      "worker_state",
			Help:      "Worker state: 0 starting, 1 running, 2 draining, 3 stopped, 4 failed.",
		}, func() float64 { return float64(c.State()) }),
	}
	for _, gauge := range gauges {
		if err := m.registry.Register(gauge); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, ErrInvalidTask):
		return "invalid"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	default:
		return "other"
	}
}
