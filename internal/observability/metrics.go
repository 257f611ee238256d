package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "binding_engine"

// Metrics stores Prometheus collectors used by the engine and the ops server.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	bindingOpsTotal       *prometheus.CounterVec
	bindingOpDuration     *prometheus.HistogramVec
	lockAcquireTotal      *prometheus.CounterVec
	lockWaitDuration      prometheus.Histogram
	storageConflictsTotal prometheus.Counter
	batchItemsTotal       *prometheus.CounterVec
	tasksFinishedTotal    *prometheus.CounterVec
	taskInflight          *prometheus.GaugeVec
	staleTasksResumed     prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		bindingOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "binding_operations_total",
				Help:      "Total number of bind and unbind attempts by outcome.",
			},
			[]string{"operation", "result"},
		),
		bindingOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "binding_operation_duration_seconds",
				Help:      "Bind and unbind duration in seconds, lock wait included.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"operation"},
		),
		lockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquire_total",
				Help:      "Total number of distributed lock acquisition attempts by result.",
			},
			[]string{"result"},
		),
		lockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_duration_seconds",
				Help:      "Time spent waiting for a distributed lock.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
			},
		),
		storageConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_conflicts_total",
				Help:      "Unique index violations that slipped past the lock-guarded checks.",
			},
		),
		batchItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_processed_total",
				Help:      "Total number of batch task items processed by task type and outcome.",
			},
			[]string{"type", "status"},
		),
		tasksFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of batch tasks that reached a terminal status.",
			},
			[]string{"type", "status"},
		),
		taskInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "task_inflight",
				Help:      "Current number of batch tasks being processed by this instance.",
			},
			[]string{"type"},
		),
		staleTasksResumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_tasks_resumed_total",
				Help:      "Total number of stuck or undispatched tasks re-queued by the resumer.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.bindingOpsTotal,
		m.bindingOpDuration,
		m.lockAcquireTotal,
		m.lockWaitDuration,
		m.storageConflictsTotal,
		m.batchItemsTotal,
		m.tasksFinishedTotal,
		m.taskInflight,
		m.staleTasksResumed,
	)

	return m
}

// Gatherer exposes the engine registry, e.g. for prometheus/testutil.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) ObserveBindingOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	op := normalizeLabel(operation)
	m.bindingOpsTotal.WithLabelValues(op, normalizeLabel(result)).Inc()
	m.bindingOpDuration.WithLabelValues(op).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) ObserveLockAcquire(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.lockAcquireTotal.WithLabelValues(normalizeLabel(result)).Inc()
	m.lockWaitDuration.Observe(max(waited.Seconds(), 0))
}

func (m *Metrics) IncStorageConflict() {
	if m == nil {
		return
	}
	m.storageConflictsTotal.Inc()
}

func (m *Metrics) IncBatchItem(taskType, status string) {
	if m == nil {
		return
	}
	m.batchItemsTotal.WithLabelValues(normalizeLabel(taskType), normalizeLabel(status)).Inc()
}

func (m *Metrics) IncTaskFinished(taskType, status string) {
	if m == nil {
		return
	}
	m.tasksFinishedTotal.WithLabelValues(normalizeLabel(taskType), normalizeLabel(status)).Inc()
}

func (m *Metrics) IncTaskInFlight(taskType string) {
	if m == nil {
		return
	}
	m.taskInflight.WithLabelValues(normalizeLabel(taskType)).Inc()
}

func (m *Metrics) DecTaskInFlight(taskType string) {
	if m == nil {
		return
	}
	m.taskInflight.WithLabelValues(normalizeLabel(taskType)).Dec()
}

func (m *Metrics) IncStaleTaskResumed() {
	if m == nil {
		return
	}
	m.staleTasksResumed.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
