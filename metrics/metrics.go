// Package metrics provides Prometheus instrumentation for stagee.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/stagee/queue"
)

const namespace = "stagee"

// Metrics holds all collectors. Each instance owns its registry so tests and
// multiple engines in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// Submission and lifecycle
	SubmissionsTotal    *prometheus.CounterVec
	ExecutionsCompleted *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec

	// Steps
	StepDuration *prometheus.HistogramVec

	// Coordination
	LockBusyTotal            prometheus.Counter
	LocksReclaimedTotal      prometheus.Counter
	ApprovalsInvalidated     prometheus.Counter
	RBACViolationsTotal      *prometheus.CounterVec
	LeaseRenewalsTotal       prometheus.Counter
	DeadLetteredTotal        prometheus.Counter
	EventSubscriptionsActive *prometheus.GaugeVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions by dispatch mode and whether a new execution was created.",
		}, []string{"mode", "created"}),
		ExecutionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_completed_total",
			Help:      "Executions that reached a terminal state.",
		}, []string{"status", "error_kind"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27m
		}, []string{"mode"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of one step across all targets.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"kind", "status"}),
		LockBusyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_busy_total",
			Help:      "Lock acquisitions refused because another execution held the target.",
		}),
		LocksReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_reclaimed_total",
			Help:      "Expired locks force-released by the reaper.",
		}),
		ApprovalsInvalidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_invalidated_total",
			Help:      "Approvals invalidated because the plan changed after approval.",
		}),
		RBACViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rbac_violations_total",
			Help:      "Authorization gate failures by stage.",
		}, []string{"stage"}),
		LeaseRenewalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_renewals_total",
			Help:      "Queue lease renewals by heartbeats.",
		}),
		DeadLetteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Queue entries moved to the dead letter queue.",
		}),
		EventSubscriptionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscriptions_active",
			Help:      "Open event subscriptions by transport.",
		}, []string{"transport"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SubmissionsTotal,
		m.ExecutionsCompleted,
		m.ExecutionDuration,
		m.StepDuration,
		m.LockBusyTotal,
		m.LocksReclaimedTotal,
		m.ApprovalsInvalidated,
		m.RBACViolationsTotal,
		m.LeaseRenewalsTotal,
		m.DeadLetteredTotal,
		m.EventSubscriptionsActive,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry exposes the registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StatsSource reports queue depth.
type StatsSource interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// queueCollector reads queue depth from the database at scrape time, so every
// host reports the shared queue rather than its own view.
type queueCollector struct {
	source  StatsSource
	timeout time.Duration
	logger  *zap.SugaredLogger

	entries       *prometheus.Desc
	expiredLeases *prometheus.Desc
	dlq           *prometheus.Desc
}

// RegisterQueue adds queue depth gauges backed by source.
func (m *Metrics) RegisterQueue(source StatsSource, logger *zap.SugaredLogger) error {
	return m.registry.Register(&queueCollector{
		source:  source,
		timeout: 2 * time.Second,
		logger:  logger,
		entries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "entries"),
			"Queue entries by status.", []string{"status"}, nil),
		expiredLeases: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "expired_leases"),
			"Leased entries whose lease has expired and await reclaim.", nil, nil),
		dlq: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "dead_letters"),
			"Dead letter entries not yet redriven.", nil, nil),
	})
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.expiredLeases
	ch <- c.dlq
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	stats, err := c.source.Stats(ctx)
	if err != nil {
		c.logger.Warnw("Failed to collect queue stats", "error", err)
		ch <- prometheus.NewInvalidMetric(c.entries, err)
		return
	}
	for status, n := range map[queue.Status]int{
		queue.StatusQueued: stats.Queued,
		queue.StatusLeased: stats.Leased,
		queue.StatusDone:   stats.Done,
		queue.StatusDead:   stats.Dead,
	} {
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.expiredLeases, prometheus.GaugeValue, float64(stats.ExpiredLeases))
	ch <- prometheus.MustNewConstMetric(c.dlq, prometheus.GaugeValue, float64(stats.DLQ))
}
