// Package telemetry exposes the engine's Prometheus metrics: ingestion
// outcomes, scheduler job health, outbox backlog and invoice lifecycle
// counters.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	apiRequests     *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	ingestOutcomes  *prometheus.CounterVec
	recomputes      prometheus.Counter
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobErrors       *prometheus.CounterVec
	runLoopLag      prometheus.Histogram
	outboxDispatch  *prometheus.CounterVec
	outboxBacklog   prometheus.Gauge
	invoiceStatus   *prometheus.CounterVec
	invoiceAmount   prometheus.Histogram
	walletTopUps    prometheus.Counter
	walletThreshold prometheus.Counter
}

// NewMetrics builds the metric set on a private registry so repeated
// construction (tests, embedded binaries) never double-registers.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	apiRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_api_requests_total",
		Help: "Counts API requests by method, route and status.",
	}, []string{"method", "route", "status"})

	apiDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meterflow_api_duration_seconds",
		Help:    "API request latency per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	ingestOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_events_ingested_total",
		Help: "Usage events by ingestion outcome.",
	}, []string{"outcome"})

	recomputes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meterflow_aggregation_recomputes_total",
		Help: "Full-period aggregation recomputes triggered by late events.",
	})

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_scheduler_job_runs_total",
		Help: "Scheduler job executions by job name.",
	}, []string{"job"})

	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meterflow_scheduler_job_duration_seconds",
		Help:    "Scheduler job durations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})

	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_scheduler_job_errors_total",
		Help: "Scheduler job failures by job name.",
	}, []string{"job"})

	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterflow_scheduler_run_loop_lag_seconds",
		Help:    "How far behind its tick the scheduler run loop started.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	outboxDispatch := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_outbox_dispatch_total",
		Help: "Outbox events dispatched by status.",
	}, []string{"status"})

	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meterflow_outbox_backlog",
		Help: "Number of pending events in the outbox.",
	})

	invoiceStatus := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meterflow_invoice_transitions_total",
		Help: "Invoice lifecycle transitions by target status.",
	}, []string{"status"})

	invoiceAmount := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meterflow_invoice_amount_cents",
		Help:    "Finalized invoice total distribution, in cents.",
		Buckets: []float64{100, 1000, 10000, 100000, 1000000},
	})

	walletTopUps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meterflow_wallet_topups_total",
		Help: "Recurring wallet top-ups fired.",
	})

	walletThreshold := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meterflow_wallet_threshold_crossings_total",
		Help: "Usage threshold crossings detected.",
	})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		apiRequests,
		apiDuration,
		ingestOutcomes,
		recomputes,
		jobRuns,
		jobDuration,
		jobErrors,
		runLoopLag,
		outboxDispatch,
		outboxBacklog,
		invoiceStatus,
		invoiceAmount,
		walletTopUps,
		walletThreshold,
	)

	return &Metrics{
		registry:        registry,
		apiRequests:     apiRequests,
		apiDuration:     apiDuration,
		ingestOutcomes:  ingestOutcomes,
		recomputes:      recomputes,
		jobRuns:         jobRuns,
		jobDuration:     jobDuration,
		jobErrors:       jobErrors,
		runLoopLag:      runLoopLag,
		outboxDispatch:  outboxDispatch,
		outboxBacklog:   outboxBacklog,
		invoiceStatus:   invoiceStatus,
		invoiceAmount:   invoiceAmount,
		walletTopUps:    walletTopUps,
		walletThreshold: walletThreshold,
	}
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAPIRequest records an API request and its latency.
func (m *Metrics) ObserveAPIRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordIngest counts one ingestion result.
func (m *Metrics) RecordIngest(outcome string) {
	if m == nil {
		return
	}
	m.ingestOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRecompute counts a late-event recompute.
func (m *Metrics) RecordRecompute() {
	if m == nil {
		return
	}
	m.recomputes.Inc()
}

// ObserveJob records one scheduler job execution.
func (m *Metrics) ObserveJob(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.jobErrors.WithLabelValues(job).Inc()
	}
}

// ObserveRunLoopLag records how late the scheduler loop started.
func (m *Metrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// RecordOutboxDispatch counts dispatched outbox events.
func (m *Metrics) RecordOutboxDispatch(status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outboxDispatch.WithLabelValues(status).Add(float64(count))
}

// SetOutboxBacklog reports the pending outbox depth.
func (m *Metrics) SetOutboxBacklog(depth float64) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(depth)
}

// RecordInvoiceTransition counts a lifecycle transition.
func (m *Metrics) RecordInvoiceTransition(status string) {
	if m == nil {
		return
	}
	m.invoiceStatus.WithLabelValues(status).Inc()
}

// ObserveInvoiceAmount records a finalized total.
func (m *Metrics) ObserveInvoiceAmount(totalCents int64) {
	if m == nil {
		return
	}
	m.invoiceAmount.Observe(float64(totalCents))
}

// RecordWalletTopUp counts one recurring top-up firing.
func (m *Metrics) RecordWalletTopUp() {
	if m == nil {
		return
	}
	m.walletTopUps.Inc()
}

// RecordThresholdCrossing counts one usage threshold crossing.
func (m *Metrics) RecordThresholdCrossing() {
	if m == nil {
		return
	}
	m.walletThreshold.Inc()
}
