package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts task executions by outcome (done, failed, retried).
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_tasks_total",
			Help: "Total number of executed tasks by outcome.",
		},
		[]string{"outcome", "task_type"},
	)

	// TasksEnqueuedTotal counts tasks by the path that created them.
	TasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_tasks_enqueued_total",
			Help: "Total number of enqueued tasks by source.",
		},
		[]string{"source"},
	)

	ExecutionDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heartbeat_execution_duration_seconds",
			Help:    "Duration of task executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"task_type"},
	)

	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_ticks_total",
			Help: "Total number of scheduler ticks by result.",
		},
		[]string{"result"},
	)

	// SchedulerState is 1 for the current state and 0 for the others.
	SchedulerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heartbeat_scheduler_state",
			Help: "Current scheduler state.",
		},
		[]string{"state"},
	)

	SubscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "heartbeat_event_subscribers",
			Help: "Number of connected event subscribers.",
		},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heartbeat_events_published_total",
			Help: "Total number of published events by type.",
		},
		[]string{"type"},
	)

	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_events_dropped_total",
			Help: "Total number of events dropped for saturated subscribers.",
		},
	)
)

// SetSchedulerState marks state as current among states.
func SetSchedulerState(current string, states []string) {
	for _, state := range states {
		value := 0.0
		if state == current {
			value = 1
		}
		SchedulerState.WithLabelValues(state).Set(value)
	}
}
