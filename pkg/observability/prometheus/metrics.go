package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/offload/pkg/core/concurrency"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "offload"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// outcome label for tasks that produced a result
const outcomeOK = "ok"

// Metrics holds the offload metrics. It implements concurrency.Observer.
type Metrics struct {
	// Task metrics
	TasksSubmitted *prometheus.CounterVec
	TasksFinished  *prometheus.CounterVec
	TaskWait       *prometheus.HistogramVec
	TaskLatency    *prometheus.HistogramVec

	// Pool metrics
	PoolSize      prometheus.Gauge
	PoolWorkers   *prometheus.GaugeVec
	QueueDepth    prometheus.Gauge
	QueueCapacity prometheus.Gauge

	// Remote submission metrics
	RemoteRequests *prometheus.CounterVec

	registerer     prometheus.Registerer
	customMu       sync.Mutex
	customCounters map[string]*prometheus.CounterVec
}

var _ concurrency.Observer = (*Metrics)(nil)

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates the metrics and registers them with registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offload_tasks_submitted_total",
				Help: "Total number of tasks that reached the pool",
			},
			[]string{"kind"},
		),
		TasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offload_tasks_finished_total",
				Help: "Total number of resolved tasks by outcome (ok or error kind)",
			},
			[]string{"kind", "outcome"},
		),
		TaskWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offload_task_wait_seconds",
				Help:    "Time tasks spent queued before a worker picked them up",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"kind"},
		),
		TaskLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offload_task_duration_seconds",
				Help:    "Time from submission to resolution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "outcome"},
		),

		PoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "offload_pool_size",
				Help: "Target number of workers",
			},
		),
		PoolWorkers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offload_pool_workers",
				Help: "Workers by state (idle, busy, terminating)",
			},
			[]string{"state"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "offload_queue_depth",
				Help: "Number of tasks waiting for a worker",
			},
		),
		QueueCapacity: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "offload_queue_capacity",
				Help: "Maximum queue depth (0 = unbounded)",
			},
		),

		RemoteRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "offload_remote_requests_total",
				Help: "Total number of remote submissions by outcome",
			},
			[]string{"kind", "outcome"},
		),

		registerer:     registerer,
		customCounters: make(map[string]*prometheus.CounterVec),
	}
}

func outcomeLabel(failure concurrency.ErrorKind) string {
	if failure == 0 {
		return outcomeOK
	}
	return failure.String()
}

// TaskSubmitted implements concurrency.Observer
func (m *Metrics) TaskSubmitted(kind concurrency.Kind) {
	m.TasksSubmitted.WithLabelValues(string(kind)).Inc()
}

// TaskStarted implements concurrency.Observer
func (m *Metrics) TaskStarted(kind concurrency.Kind, waited time.Duration) {
	m.TaskWait.WithLabelValues(string(kind)).Observe(waited.Seconds())
}

// TaskFinished implements concurrency.Observer
func (m *Metrics) TaskFinished(kind concurrency.Kind, failure concurrency.ErrorKind, elapsed time.Duration) {
	outcome := outcomeLabel(failure)
	m.TasksFinished.WithLabelValues(string(kind), outcome).Inc()
	m.TaskLatency.WithLabelValues(string(kind), outcome).Observe(elapsed.Seconds())
}

// PoolChanged implements concurrency.Observer
func (m *Metrics) PoolChanged(s concurrency.Stats) {
	m.PoolSize.Set(float64(s.Size))
	m.PoolWorkers.WithLabelValues("idle").Set(float64(s.Idle))
	m.PoolWorkers.WithLabelValues("busy").Set(float64(s.Busy))
	m.PoolWorkers.WithLabelValues("terminating").Set(float64(s.Terminating))
	m.QueueDepth.Set(float64(s.Queued))
	m.QueueCapacity.Set(float64(s.MaxQueue))
}

// RecordRemoteRequest counts one remote submission; err is the task error, if any
func (m *Metrics) RecordRemoteRequest(kind string, err error) {
	m.RemoteRequests.WithLabelValues(kind, outcomeLabel(concurrency.KindOf(err))).Inc()
}

// Counter creates or returns a custom counter registered alongside the built-in metrics
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.Lock()
	defer m.customMu.Unlock()

	if counter, exists := m.customCounters[name]; exists {
		return counter
	}
	counter := promauto.With(m.registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.customCounters[name] = counter
	return counter
}
