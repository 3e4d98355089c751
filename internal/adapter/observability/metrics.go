package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_tasks_submitted_total",
			Help: "Total number of upload tasks submitted",
		},
		[]string{"priority"},
	)
	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_tasks_completed_total",
			Help: "Total number of upload tasks completed",
		},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_tasks_failed_total",
			Help: "Total number of failed upload attempts by error category",
		},
		[]string{"category"},
	)
	TasksDeadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_tasks_dead_total",
			Help: "Total number of tasks moved to the dead-letter zone",
		},
	)
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "upload_tasks_in_flight",
			Help: "Number of tasks currently leased by workers",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upload_queue_depth",
			Help: "Queue depth by status zone",
		},
		[]string{"zone"},
	)
	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upload_duration_seconds",
			Help:    "Wall time of one upload attempt",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)
	AdmissionDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Admission denials by scope (global or account)",
		},
		[]string{"scope"},
	)
	ReservationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "account_reservation_conflicts_total",
			Help: "Reservation attempts that lost the set-if-absent race",
		},
	)
	AccountHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_health_score",
			Help: "Last observed health score per account",
		},
		[]string{"account_id"},
	)
	BrowserPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browser_pool_instances",
			Help: "Browser pool instances by state",
		},
		[]string{"state"},
	)
	BrowserPoolEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browser_pool_events_total",
			Help: "Browser pool lifecycle events",
		},
		[]string{"event"},
	)
	StalledReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_tasks_stalled_reclaimed_total",
			Help: "Active tasks reclaimed to pending after heartbeat loss",
		},
	)
	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name", "operation"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call from multiple binaries/tests; registration happens once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TasksSubmittedTotal,
			TasksCompletedTotal,
			TasksFailedTotal,
			TasksDeadTotal,
			TasksInFlight,
			QueueDepth,
			UploadDuration,
			AdmissionDeniedTotal,
			ReservationConflictsTotal,
			AccountHealthScore,
			BrowserPoolSize,
			BrowserPoolEventsTotal,
			StalledReclaimedTotal,
			CircuitBreakerStateGauge,
		)
	})
}

// RecordCircuitBreakerStatus publishes the breaker state gauge.
func RecordCircuitBreakerStatus(name, operation string, state int) {
	CircuitBreakerStateGauge.WithLabelValues(name, operation).Set(float64(state))
}
