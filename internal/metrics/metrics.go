package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for outreach
type Metrics struct {
	// Delivery counters
	EmailsSentTotal     *prometheus.CounterVec
	EmailsFailedTotal   *prometheus.CounterVec
	EmailsDeferredTotal *prometheus.CounterVec

	// Delivery runs
	DeliveryRunDurationSeconds prometheus.Histogram
	DeliveryLastClaimed        prometheus.Gauge
	StaleClaimsReleasedTotal   prometheus.Counter

	// Content quality
	QualityChecksTotal *prometheus.CounterVec
	QualityScore       prometheus.Histogram

	// Experiments
	ExperimentWinnersTotal *prometheus.CounterVec

	// Store gauges
	EmailsByStatus *prometheus.GaugeVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_emails_sent_total",
				Help: "Total number of emails accepted by the transport",
			},
			[]string{"account"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_emails_failed_total",
				Help: "Total number of emails moved to failed",
			},
			[]string{"account", "reason"},
		),
		EmailsDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_emails_deferred_total",
				Help: "Total number of emails released back to scheduled by a send cap",
			},
			[]string{"account"},
		),

		DeliveryRunDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_delivery_run_duration_seconds",
				Help:    "Duration of delivery runs in seconds",
				Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		DeliveryLastClaimed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_delivery_last_claimed",
				Help: "Number of emails claimed by the most recent delivery run",
			},
		),
		StaleClaimsReleasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outreach_delivery_stale_claims_released_total",
				Help: "Total number of abandoned claims returned to scheduled",
			},
		),

		QualityChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_quality_checks_total",
				Help: "Total number of content quality checks",
			},
			[]string{"passing"},
		),
		QualityScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_quality_score",
				Help:    "Distribution of content quality scores (lower is better)",
				Buckets: []float64{5, 10, 15, 20, 25, 30, 40, 50, 75, 100},
			},
		),

		ExperimentWinnersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_experiment_winners_total",
				Help: "Total number of experiment winner decisions",
			},
			[]string{"metric"},
		),

		EmailsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outreach_emails",
				Help: "Number of stored emails per status",
			},
			[]string{"status"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outreach_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.EmailsDeferredTotal,
		m.DeliveryRunDurationSeconds,
		m.DeliveryLastClaimed,
		m.StaleClaimsReleasedTotal,
		m.QualityChecksTotal,
		m.QualityScore,
		m.ExperimentWinnersTotal,
		m.EmailsByStatus,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncEmailsSent increments the sent email counter
func IncEmailsSent(account string) {
	if m := Global(); m != nil {
		m.EmailsSentTotal.WithLabelValues(account).Inc()
	}
}

// IncEmailsFailed increments the failed email counter
func IncEmailsFailed(account, reason string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(account, reason).Inc()
	}
}

// IncEmailsDeferred increments the deferred email counter
func IncEmailsDeferred(account string) {
	if m := Global(); m != nil {
		m.EmailsDeferredTotal.WithLabelValues(account).Inc()
	}
}

// ObserveDeliveryRun records one delivery run
func ObserveDeliveryRun(seconds float64, claimed int) {
	if m := Global(); m != nil {
		m.DeliveryRunDurationSeconds.Observe(seconds)
		m.DeliveryLastClaimed.Set(float64(claimed))
	}
}

// AddStaleClaimsReleased counts claims recovered from interrupted runs
func AddStaleClaimsReleased(n int) {
	if m := Global(); m != nil && n > 0 {
		m.StaleClaimsReleasedTotal.Add(float64(n))
	}
}

// ObserveQualityCheck records a content quality result
func ObserveQualityCheck(score float64, passing bool) {
	if m := Global(); m != nil {
		m.QualityChecksTotal.WithLabelValues(strconv.FormatBool(passing)).Inc()
		m.QualityScore.Observe(score)
	}
}

// IncExperimentWinners increments the winner decision counter
func IncExperimentWinners(metric string) {
	if m := Global(); m != nil {
		m.ExperimentWinnersTotal.WithLabelValues(metric).Inc()
	}
}
