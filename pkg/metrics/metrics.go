package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Probe observation metrics, labelled by check type, provider id and
	// provider status (approved/unapproved)
	FirstByteMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spprobe_first_byte_ms",
			Help:    "Time to first byte per check in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14),
		},
		[]string{"check_type", "provider_id", "provider_status"},
	)

	LastByteMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spprobe_last_byte_ms",
			Help:    "Time to last byte per check in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 14),
		},
		[]string{"check_type", "provider_id", "provider_status"},
	)

	ThroughputBps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spprobe_throughput_bps",
			Help:    "Observed throughput per check in bytes per second",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"check_type", "provider_id", "provider_status"},
	)

	CheckDurationMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spprobe_check_duration_ms",
			Help:    "End-to-end check duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 16),
		},
		[]string{"check_type", "provider_id", "provider_status"},
	)

	CheckStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spprobe_check_status_total",
			Help: "Check outcomes by status label (pending, success, failure.*)",
		},
		[]string{"check_type", "provider_id", "provider_status", "status"},
	)

	HTTPResponseCodeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spprobe_http_response_code_total",
			Help: "HTTP response codes observed during checks",
		},
		[]string{"check_type", "provider_id", "code"},
	)

	// Retention metrics. Cumulative proving-period counters incremented by
	// delta against the per-provider baseline.
	ProvingPeriodsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spprobe_proving_periods_total",
			Help: "Cumulative proving periods by result (success, faulted)",
		},
		[]string{"result", "provider_id", "approved"},
	)

	RetentionCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spprobe_retention_cycles_total",
			Help: "Total retention poll cycles completed",
		},
	)

	RetentionBaselineResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spprobe_retention_baseline_resets_total",
			Help: "Baseline resets triggered by negative deltas",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spprobe_queue_depth",
			Help: "Work items by queue and state",
		},
		[]string{"queue", "state"},
	)

	QueueSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spprobe_queue_swept_total",
			Help: "Expired ACTIVE work items reclaimed to RETRY",
		},
		[]string{"queue"},
	)

	// Planner metrics
	PlannerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spprobe_planner_ticks_total",
			Help: "Total planner reconciliation ticks",
		},
	)

	PlannerSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spprobe_planner_skips_total",
			Help: "Publishes skipped due to maintenance windows",
		},
		[]string{"window"},
	)

	ProvidersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spprobe_providers_total",
			Help: "Known storage providers by active and approved flags",
		},
		[]string{"active", "approved"},
	)
)

func init() {
	prometheus.MustRegister(FirstByteMs)
	prometheus.MustRegister(LastByteMs)
	prometheus.MustRegister(ThroughputBps)
	prometheus.MustRegister(CheckDurationMs)
	prometheus.MustRegister(CheckStatusTotal)
	prometheus.MustRegister(HTTPResponseCodeTotal)
	prometheus.MustRegister(ProvingPeriodsTotal)
	prometheus.MustRegister(RetentionCyclesTotal)
	prometheus.MustRegister(RetentionBaselineResets)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueSweptTotal)
	prometheus.MustRegister(PlannerTicksTotal)
	prometheus.MustRegister(PlannerSkipsTotal)
	prometheus.MustRegister(ProvidersTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
