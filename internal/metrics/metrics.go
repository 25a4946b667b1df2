package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_requests_total",
			Help: "Total number of API requests per path",
		},
		[]string{"path"},
	)

	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pickwatt_request_duration_seconds",
			Help:    "Request duration in seconds per path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_request_errors_total",
			Help: "Total number of error responses per path and status code",
		},
		[]string{"path", "code"},
	)
)

var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_pipeline_runs_total",
			Help: "Completed pipeline runs per trigger reason and final status",
		},
		[]string{"reason", "status"},
	)

	PipelineRunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pickwatt_pipeline_run_duration_seconds",
			Help:    "Pipeline run duration in seconds per trigger reason",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 25, 40},
		},
		[]string{"reason"},
	)

	EflParseOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_efl_parse_outcomes_total",
			Help: "EFL parse attempts per outcome (persisted, review, fetch_error)",
		},
		[]string{"outcome"},
	)

	ValidatorVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_validator_verdicts_total",
			Help: "Avg-price validator verdicts per status and pass strength",
		},
		[]string{"status", "strength"},
	)

	EstimateCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_estimate_cache_lookups_total",
			Help: "Estimate cache lookups per result (hit, miss)",
		},
		[]string{"result"},
	)

	EstimatesComputedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_estimates_computed_total",
			Help: "Estimates computed per result status",
		},
		[]string{"status"},
	)

	ReviewQueueOpenItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pickwatt_review_queue_open_items",
			Help: "Open review queue items per kind",
		},
		[]string{"kind"},
	)
)

// ObservePipelineRun records one finished run. Call it once per run with the
// final job status.
func ObservePipelineRun(reason, status string, startedAt time.Time) {
	PipelineRunsTotal.WithLabelValues(reason, status).Inc()
	PipelineRunDurationSeconds.WithLabelValues(reason).Observe(time.Since(startedAt).Seconds())
}

var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pickwatt_db_pool_total_conns",
			Help: "Total number of connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pickwatt_db_pool_idle_conns",
			Help: "Idle connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBPoolAcquiredConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pickwatt_db_pool_acquired_conns",
			Help: "Currently acquired (in-use) connections per driver",
		},
		[]string{"driver"},
	)

	DBPoolAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_db_pool_acquires_total",
			Help: "Total number of connection acquires per driver",
		},
		[]string{"driver"},
	)
)

func UpdateDBPoolMetrics(driver string, total, idle, acquired float64, acquires uint64) {
	DBPoolTotalConns.WithLabelValues(driver).Set(total)
	DBPoolIdleConns.WithLabelValues(driver).Set(idle)
	DBPoolAcquiredConns.WithLabelValues(driver).Set(acquired)
	DBPoolAcquiresTotal.WithLabelValues(driver).Add(float64(acquires))
}

var (
	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pickwatt_job_last_run_timestamp",
			Help: "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobLastDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pickwatt_job_last_duration_seconds",
			Help: "Duration of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pickwatt_job_failures_total",
			Help: "Total number of failed executions per job",
		},
		[]string{"job"},
	)
)

func UpdateJobMetrics(job string, startedAt time.Time, err error) {
	dur := time.Since(startedAt).Seconds()
	ScheduledJobLastDurationSeconds.WithLabelValues(job).Set(dur)
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}
