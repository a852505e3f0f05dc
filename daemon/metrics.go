package daemon

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalpost/notifyd/notify"
)

// Metrics holds the daemon's Prometheus instruments. One instance per
// process, registered on a dedicated registry so tests can run in parallel.
type Metrics struct {
	registry *prometheus.Registry

	uptime           prometheus.GaugeFunc
	healthy          prometheus.Gauge
	subsTotal        prometheus.Gauge
	subsActive       prometheus.Gauge
	subsFailed       prometheus.Gauge
	subsReconnecting prometheus.Gauge
	jobsEnqueued     *prometheus.CounterVec
	jobsDropped      prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewMetrics builds and registers the daemon's instruments.
func NewMetrics() *Metrics {
	start := time.Now()
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "notifyd_uptime_seconds",
		Help: "Seconds since the daemon started.",
	}, func() float64 { return time.Since(start).Seconds() })
	m.healthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifyd_healthy",
		Help: "1 when the daemon reports healthy, 0 otherwise.",
	})
	m.subsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifyd_subscriptions_total",
		Help: "Configured change feed subscriptions.",
	})
	m.subsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifyd_subscriptions_active",
		Help: "Subscriptions currently subscribed to their change feed.",
	})
	m.subsFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifyd_subscriptions_failed",
		Help: "Subscriptions parked in the error state awaiting operator action.",
	})
	m.subsReconnecting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifyd_subscriptions_reconnecting",
		Help: "Subscriptions currently backing off before a reconnect.",
	})
	m.jobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifyd_jobs_enqueued_total",
		Help: "Pipeline jobs enqueued, by source.",
	}, []string{"source"})
	m.jobsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifyd_jobs_dropped_total",
		Help: "Jobs that failed to enqueue and were left for the catch-up sweep.",
	})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifyd_pipeline_queue_depth",
		Help: "Outbox rows currently PENDING or PROCESSING.",
	})
	m.registry.MustRegister(m.uptime, m.healthy,
		m.subsTotal, m.subsActive, m.subsFailed, m.subsReconnecting,
		m.jobsEnqueued, m.jobsDropped, m.queueDepth)
	return m
}

// Registry exposes the instruments for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetHealthy records the aggregated health verdict.
func (m *Metrics) SetHealthy(ok bool) {
	if ok {
		m.healthy.Set(1)
	} else {
		m.healthy.Set(0)
	}
}

// ObserveSubscription records the subscription snapshot.
func (m *Metrics) ObserveSubscription(state string) {
	m.subsTotal.Set(1)
	gauge := func(g prometheus.Gauge, on bool) {
		if on {
			g.Set(1)
		} else {
			g.Set(0)
		}
	}
	gauge(m.subsActive, state == "subscribed")
	gauge(m.subsFailed, state == "error")
	gauge(m.subsReconnecting, state == "reconnecting")
}

// SetQueueDepth records the sampled outbox depth.
func (m *Metrics) SetQueueDepth(n int64) { m.queueDepth.Set(float64(n)) }

// CountingEnqueuer wraps an enqueuer with the job counters.
type CountingEnqueuer struct {
	next    notify.Enqueuer
	metrics *Metrics
}

// NewCountingEnqueuer wraps next.
func NewCountingEnqueuer(next notify.Enqueuer, m *Metrics) *CountingEnqueuer {
	return &CountingEnqueuer{next: next, metrics: m}
}

var _ notify.Enqueuer = (*CountingEnqueuer)(nil)

// Enqueue implements notify.Enqueuer.
func (e *CountingEnqueuer) Enqueue(ctx context.Context, job notify.RealtimeJob) error {
	source := job.Source
	if source == "" {
		source = "unknown"
	}
	if err := e.next.Enqueue(ctx, job); err != nil {
		e.metrics.jobsDropped.Inc()
		return err
	}
	e.metrics.jobsEnqueued.WithLabelValues(source).Inc()
	return nil
}

// CancelNotification implements notify.Enqueuer.
func (e *CountingEnqueuer) CancelNotification(ctx context.Context, tenant string, id int64) error {
	return e.next.CancelNotification(ctx, tenant, id)
}
