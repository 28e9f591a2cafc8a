package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rchd_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	WorkerSlotsUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rchd_worker_slots_used",
			Help: "Used build slots per worker",
		},
		[]string{"worker_id"},
	)

	WorkerSlotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rchd_worker_slots_total",
			Help: "Total build slots per worker",
		},
		[]string{"worker_id"},
	)

	CircuitStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_circuit_state_transitions_total",
			Help: "Total circuit breaker state transitions by worker and target state",
		},
		[]string{"worker_id", "state"},
	)

	// Reliability aggregator metrics
	ReliabilityDebt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rchd_reliability_aggregated_debt",
			Help: "Aggregated reliability debt per worker, in [0,1]",
		},
		[]string{"worker_id"},
	)

	ReliabilityStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_reliability_state_transitions_total",
			Help: "Total reliability health state transitions by worker and target state",
		},
		[]string{"worker_id", "state"},
	)

	// Disk-pressure metrics
	PressureAssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_pressure_assessments_total",
			Help: "Total disk-pressure assessments by resulting state",
		},
		[]string{"state"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rchd_scheduling_latency_seconds",
			Help:    "Time taken to select a worker for a build in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BuildsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_builds_dispatched_total",
			Help: "Total number of builds dispatched by worker",
		},
		[]string{"worker_id"},
	)

	BuildsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rchd_builds_failed_total",
			Help: "Total number of builds that failed to schedule",
		},
	)

	// Cancellation metrics
	CancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_cancellations_total",
			Help: "Total number of build cancellations by terminal escalation stage",
		},
		[]string{"stage"},
	)

	CancellationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rchd_cancellation_duration_seconds",
			Help:    "Time taken for a cancellation to reach a terminal state",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Process-triage metrics
	TriageActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_triage_actions_total",
			Help: "Total process-triage actions by outcome",
		},
		[]string{"outcome"},
	)

	TriageSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rchd_triage_sweep_duration_seconds",
			Help:    "Time taken for a periodic triage sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Repo-convergence metrics
	ConvergenceAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_convergence_attempts_total",
			Help: "Total repo-convergence attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Cache cleanup metrics
	CacheCleanupCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rchd_cache_cleanup_cycles_total",
			Help: "Total cache cleanup cycles completed",
		},
	)

	CacheBytesReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rchd_cache_bytes_reclaimed_total",
			Help: "Total bytes reclaimed by cache cleanup, per worker",
		},
		[]string{"worker_id"},
	)

	// Path-dependency resolver metrics
	PathDepResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rchd_pathdep_resolve_duration_seconds",
			Help:    "Time taken to resolve a cargo path-dependency graph",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerSlotsUsed)
	prometheus.MustRegister(WorkerSlotsTotal)
	prometheus.MustRegister(CircuitStateTransitionsTotal)
	prometheus.MustRegister(ReliabilityDebt)
	prometheus.MustRegister(ReliabilityStateTransitionsTotal)
	prometheus.MustRegister(PressureAssessmentsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(BuildsDispatchedTotal)
	prometheus.MustRegister(BuildsFailedTotal)
	prometheus.MustRegister(CancellationsTotal)
	prometheus.MustRegister(CancellationDuration)
	prometheus.MustRegister(TriageActionsTotal)
	prometheus.MustRegister(TriageSweepDuration)
	prometheus.MustRegister(ConvergenceAttemptsTotal)
	prometheus.MustRegister(CacheCleanupCyclesTotal)
	prometheus.MustRegister(CacheBytesReclaimed)
	prometheus.MustRegister(PathDepResolveDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
