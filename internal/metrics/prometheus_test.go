package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistered(t *testing.T) {
	tests := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"TasksTotal", TasksTotal},
		{"TasksEnqueuedTotal", TasksEnqueuedTotal},
		{"ExecutionDurationSeconds", ExecutionDurationSeconds},
		{"TicksTotal", TicksTotal},
		{"SchedulerState", SchedulerState},
		{"SubscribersGauge", SubscribersGauge},
		{"EventsPublishedTotal", EventsPublishedTotal},
		{"EventsDroppedTotal", EventsDroppedTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.metric)
		})
	}
}

func TestSetSchedulerState(t *testing.T) {
	states := []string{"idle", "working", "reflecting", "paused"}

	SetSchedulerState("working", states)
	assert.Equal(t, 1.0, testutil.ToFloat64(SchedulerState.WithLabelValues("working")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SchedulerState.WithLabelValues("idle")))

	SetSchedulerState("paused", states)
	assert.Equal(t, 0.0, testutil.ToFloat64(SchedulerState.WithLabelValues("working")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SchedulerState.WithLabelValues("paused")))
}

func TestTasksTotalIncrement(t *testing.T) {
	before := testutil.ToFloat64(TasksTotal.WithLabelValues("done", "research"))
	TasksTotal.WithLabelValues("done", "research").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TasksTotal.WithLabelValues("done", "research")))
}
