package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smshook"

// Metrics stores Prometheus collectors used by the API, the scheduler and the
// delivery pipeline.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	deliveriesTotal       *prometheus.CounterVec
	attemptsTotal         *prometheus.CounterVec
	attemptDuration       *prometheus.HistogramVec
	workerInflight        *prometheus.GaugeVec
	retryScheduledTotal   *prometheus.CounterVec
	eventsSuppressedTotal *prometheus.CounterVec
	ussdJobsTotal         *prometheus.CounterVec
	deliveryLogRecords    *prometheus.GaugeVec
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
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery records that reached a terminal status, by event kind and status.",
			},
			[]string{"kind", "status"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_attempts_total",
				Help:      "Webhook POST attempts by classified outcome.",
			},
			[]string{"outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_attempt_duration_seconds",
				Help:      "Webhook POST duration in seconds by classified outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"outcome"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Delivery passes currently running, by task group.",
			},
			[]string{"group"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Delivery tasks rescheduled after a retryable pass, by task group.",
			},
			[]string{"group"},
		),
		eventsSuppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_suppressed_total",
				Help:      "Inbound events not forwarded, by reason.",
			},
			[]string{"reason"},
		),
		ussdJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ussd_jobs_total",
				Help:      "USSD jobs processed, by result.",
			},
			[]string{"result"},
		),
		deliveryLogRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "delivery_log_records",
				Help:      "Records currently held in the delivery log, by status bucket.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesTotal,
		m.attemptsTotal,
		m.attemptDuration,
		m.workerInflight,
		m.retryScheduledTotal,
		m.eventsSuppressedTotal,
		m.ussdJobsTotal,
		m.deliveryLogRecords,
	)

	return m
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
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDelivery(kind domain.EventKind, status domain.Status) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(normalizeLabel(kind.String()), normalizeLabel(status.String())).Inc()
}

func (m *Metrics) ObserveAttempt(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	label := normalizeLabel(outcome)
	m.attemptsTotal.WithLabelValues(label).Inc()
	m.attemptDuration.WithLabelValues(label).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncWorkerInFlight(group string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(group)).Inc()
}

func (m *Metrics) DecWorkerInFlight(group string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(group)).Dec()
}

func (m *Metrics) IncRetryScheduled(group string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(group)).Inc()
}

func (m *Metrics) IncEventSuppressed(reason string) {
	if m == nil {
		return
	}
	m.eventsSuppressedTotal.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncUSSDJob(result string) {
	if m == nil {
		return
	}
	m.ussdJobsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

// SetDeliveryLogStats mirrors the delivery log aggregate counts.
func (m *Metrics) SetDeliveryLogStats(stats domain.Stats) {
	if m == nil {
		return
	}
	m.deliveryLogRecords.WithLabelValues("total").Set(float64(stats.Total))
	m.deliveryLogRecords.WithLabelValues("success").Set(float64(stats.Success))
	m.deliveryLogRecords.WithLabelValues("failed").Set(float64(stats.Failed))
	m.deliveryLogRecords.WithLabelValues("pending").Set(float64(stats.Pending))
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

func normalizeLabel(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
