package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loyalty"

var (
	jobMetricsOnce sync.Once
	jobRegistry    *JobMetrics

	notifierMetricsOnce sync.Once
	notifierRegistry    *NotifierMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// JobMetrics captures job processor activity per job table.
type JobMetrics struct {
	processed *prometheus.CounterVec
	retries   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// Jobs returns the lazily-initialised job processor metrics registry.
func Jobs() *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobRegistry = &JobMetrics{
			processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "processed_total",
				Help:      "Jobs moved to a terminal state, segmented by table and outcome.",
			}, []string{"table", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "retries_total",
				Help:      "Jobs rescheduled with backoff after a retryable error.",
			}, []string{"table"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "work_unit_duration_seconds",
				Help:      "Latency of a single job work unit including the transaction.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"table"}),
		}
		prometheus.MustRegister(jobRegistry.processed, jobRegistry.retries, jobRegistry.latency)
	})
	return jobRegistry
}

// RecordOutcome counts a terminal transition for the supplied job table.
func (m *JobMetrics) RecordOutcome(table, outcome string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(table, outcome).Inc()
}

// RecordRetry counts a reschedule for the supplied job table.
func (m *JobMetrics) RecordRetry(table string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(table).Inc()
}

// ObserveWorkUnit records the wall-clock duration of one processed job.
func (m *JobMetrics) ObserveWorkUnit(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(table).Observe(d.Seconds())
}

// NotifierMetrics captures webhook outbox delivery activity.
type NotifierMetrics struct {
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
}

// Notifier returns the lazily-initialised notifier metrics registry.
func Notifier() *NotifierMetrics {
	notifierMetricsOnce.Do(func() {
		notifierRegistry = &NotifierMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifier",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "notifier",
				Name:      "delivery_duration_seconds",
				Help:      "Latency distribution of webhook POSTs.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(notifierRegistry.deliveries, notifierRegistry.latency)
	})
	return notifierRegistry
}

// RecordDelivery counts one delivery attempt outcome ("delivered" or "failed").
func (m *NotifierMetrics) RecordDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.latency.Observe(d.Seconds())
}

// SettlementMetrics captures settlement reporter runs.
type SettlementMetrics struct {
	runs    prometheus.Counter
	reports prometheus.Counter
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			runs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "runs_total",
				Help:      "Completed settlement aggregation passes.",
			}),
			reports: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "reports_total",
				Help:      "Settlement report rows upserted.",
			}),
		}
		prometheus.MustRegister(settlementRegistry.runs, settlementRegistry.reports)
	})
	return settlementRegistry
}

// RecordRun counts one aggregation pass and the rows it produced.
func (m *SettlementMetrics) RecordRun(reports int) {
	if m == nil {
		return
	}
	m.runs.Inc()
	if reports > 0 {
		m.reports.Add(float64(reports))
	}
}

// PayoutMetrics captures payout/collection state machine transitions.
type PayoutMetrics struct {
	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// Payout returns the lazily-initialised payout metrics registry.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "transitions_total",
				Help:      "Instruction state transitions segmented by direction and state.",
			}, []string{"direction", "state"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "errors_total",
				Help:      "PSP interaction errors segmented by stage.",
			}, []string{"stage"}),
		}
		prometheus.MustRegister(payoutRegistry.transitions, payoutRegistry.errors)
	})
	return payoutRegistry
}

// RecordTransition counts an instruction reaching the supplied state.
func (m *PayoutMetrics) RecordTransition(direction, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(direction, state).Inc()
}

// RecordError counts a PSP failure at the supplied stage ("submit" or "status").
func (m *PayoutMetrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}

// HTTPMetrics captures ingress request activity.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised ingress metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Ingress requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for ingress handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records the outcome of an ingress request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}
