package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SLAScanDuration          prometheus.Histogram
	ConversationsEvaluated   prometheus.Counter
	BreachesDetected         *prometheus.CounterVec
	NotificationsEnqueued    *prometheus.CounterVec
	UnitFailures             *prometheus.CounterVec
	ReconcileDuration        prometheus.Histogram
	RoomsScanned             *prometheus.CounterVec
	OrganizationsReconciled  *prometheus.CounterVec
	MissingConversationsSeen prometheus.Counter
	JobLockAttempts          *prometheus.CounterVec
	JobRuns                  *prometheus.CounterVec
	RedisOperationDuration   *prometheus.HistogramVec
	RedisCommandDuration     *prometheus.HistogramVec
	RedisCommandErrors       *prometheus.CounterVec
}

// NewMetrics registers the engine's collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SLAScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sla_scan_duration_seconds",
			Help:    "Time taken to evaluate all tracked conversations",
			Buckets: prometheus.DefBuckets,
		}),
		ConversationsEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sla_conversations_evaluated_total",
			Help: "Total number of conversations evaluated against response-time thresholds",
		}),
		BreachesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_breaches_detected_total",
			Help: "Total number of newly crossed response-time thresholds",
		}, []string{"kind"}),
		NotificationsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sla_notifications_enqueued_total",
			Help: "Total number of pending member notifications created",
		}, []string{"kind"}),
		UnitFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "unit_of_work_failures_total",
			Help: "Total number of skipped units of work (conversation, room, organization)",
		}, []string{"unit"}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Time taken to reconcile all eligible organizations",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		RoomsScanned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_rooms_scanned_total",
			Help: "Total number of room history scans",
		}, []string{"status"}),
		OrganizationsReconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_organizations_total",
			Help: "Total number of organization reconciliations",
		}, []string{"status"}),
		MissingConversationsSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_missing_conversations_total",
			Help: "Total number of conversations found in chat history but not tracked locally",
		}),
		JobLockAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_lock_attempts_total",
			Help: "Total number of job lock acquisition attempts",
		}, []string{"job", "result"}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Total number of job runs by outcome",
		}, []string{"job", "outcome"}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		RedisCommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_command_duration_seconds",
			Help:    "Round-trip time of individual Redis commands and pipelines",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"command"}),
		RedisCommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redis_command_errors_total",
			Help: "Total number of failed Redis commands, excluding misses",
		}, []string{"command"}),
	}
}
