package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/internal/dispatch"
	"flowdeck/internal/repository"
	"flowdeck/internal/workpool"
	"flowdeck/pkg/models"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	logger := noopLogger{}
	orch := NewOrchestrator(
		repository.NewMemoryStore(),
		dispatch.New(logger),
		workpool.New(logger, time.Minute),
		logger,
	)

	ctx := context.Background()
	require.NoError(t, orch.CreateWorkPool(ctx, &models.WorkPool{Name: "default"}))
	require.NoError(t, orch.CreateWorkQueue(ctx, &models.WorkQueue{Name: "default", PoolName: "default"}))
	return orch
}

func sampleDeployment() *models.Deployment {
	return &models.Deployment{
		FlowID:     "etl-flow",
		Name:       "nightly",
		Entrypoint: "flows/etl.py:main",
		Parameters: map[string]any{"limit": 100},
		Schedules: []models.Schedule{
			{Type: models.RuleInterval, IntervalSeconds: 60, Active: true},
		},
		WorkPoolName:  "default",
		WorkQueueName: "default",
	}
}

func TestEndToEndScheduledRun(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	d := sampleDeployment()
	require.NoError(t, orch.CreateDeployment(ctx, d))
	require.NotEmpty(t, d.ID)
	require.NotEmpty(t, d.Schedules[0].ID)

	// Dispatch a window holding exactly two occurrences.
	t0 := time.Unix(0, 0).UTC()
	require.NoError(t, orch.DispatchWindow(ctx, t0, t0.Add(125*time.Second)))

	claimed, err := orch.ClaimRuns(ctx, "worker-1", "default", nil, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	run := claimed[0]
	require.NoError(t, orch.ReportRunStarted(ctx, run.ID))
	require.NoError(t, orch.HeartbeatRun(ctx, run.ID))
	require.NoError(t, orch.ReportRunCompleted(ctx, run.ID))

	got, err := orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, got.State)

	// Every transition landed in history.
	history, err := orch.RunHistory(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	states := map[string]models.RunState{}
	for _, h := range history {
		states[h.ID] = h.State
	}
	assert.Equal(t, models.RunStateCompleted, states[run.ID])
}

func TestDispatchWindowIdempotent(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	d := sampleDeployment()
	require.NoError(t, orch.CreateDeployment(ctx, d))

	t0 := time.Unix(0, 0).UTC()
	t1 := t0.Add(125 * time.Second)
	require.NoError(t, orch.DispatchWindow(ctx, t0, t1))
	require.NoError(t, orch.DispatchWindow(ctx, t0, t1))

	claimed, err := orch.ClaimRuns(ctx, "worker-1", "default", nil, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2, "second dispatch of the same window emits nothing")
}

func TestPausedDeploymentDispatchesNothing(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	d := sampleDeployment()
	require.NoError(t, orch.CreateDeployment(ctx, d))

	_, err := orch.SetPaused(ctx, d.ID, true)
	require.NoError(t, err)

	t0 := time.Unix(0, 0).UTC()
	require.NoError(t, orch.DispatchWindow(ctx, t0, t0.Add(time.Hour)))

	claimed, err := orch.ClaimRuns(ctx, "worker-1", "default", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestTriggerNowWithOverrides(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	d := sampleDeployment()
	d.Paused = true // trigger-now ignores pause; it is an explicit request
	require.NoError(t, orch.CreateDeployment(ctx, d))

	run, err := orch.TriggerNow(ctx, d.ID, &models.TriggerOverrides{
		Parameters: map[string]any{"limit": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateScheduled, run.State)
	assert.Equal(t, 5, run.Request.Parameters["limit"])
	assert.Empty(t, run.Request.ScheduleID)
}

func TestTriggerNowUnknownDeployment(t *testing.T) {
	orch := newOrchestrator(t)

	_, err := orch.TriggerNow(context.Background(), "nope", nil)
	var notFound *models.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestSetScheduleActive(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	d := sampleDeployment()
	require.NoError(t, orch.CreateDeployment(ctx, d))
	schedID := d.Schedules[0].ID

	updated, err := orch.SetScheduleActive(ctx, d.ID, schedID, false)
	require.NoError(t, err)
	assert.False(t, updated.Schedules[0].Active)

	t0 := time.Unix(0, 0).UTC()
	require.NoError(t, orch.DispatchWindow(ctx, t0, t0.Add(time.Hour)))
	claimed, err := orch.ClaimRuns(ctx, "worker-1", "default", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = orch.SetScheduleActive(ctx, d.ID, "missing", true)
	var notFound *models.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestCreateDeploymentRejectsBadSchedule(t *testing.T) {
	orch := newOrchestrator(t)

	d := sampleDeployment()
	d.Schedules = []models.Schedule{{Type: models.RuleInterval, IntervalSeconds: 0, Active: true}}
	err := orch.CreateDeployment(context.Background(), d)
	assert.Error(t, err)
}

func TestGetRunFallsBackToHistoryAfterEviction(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	d := sampleDeployment()
	require.NoError(t, orch.CreateDeployment(ctx, d))

	run, err := orch.TriggerNow(ctx, d.ID, nil)
	require.NoError(t, err)

	claimed, err := orch.ClaimRuns(ctx, "worker-1", "default", nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, orch.ReportRunStarted(ctx, run.ID))
	require.NoError(t, orch.ReportRunCompleted(ctx, run.ID))

	// Age the terminal run out of the matcher; the recorded history still
	// answers reads.
	orch.matcher.SweepExpired(ctx, time.Now().Add(2*time.Minute))

	got, err := orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, got.State)

	_, err = orch.GetRun(ctx, "nope")
	var notFound *models.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestSchedulerTickDispatches(t *testing.T) {
	orch := newOrchestrator(t)
	ctx := context.Background()

	d := sampleDeployment()
	require.NoError(t, orch.CreateDeployment(ctx, d))

	sched := NewScheduler(orch, time.Second, 2*time.Minute, time.Second, noopLogger{})
	require.NoError(t, sched.Tick(ctx, time.Unix(0, 0).UTC()))

	claimed, err := orch.ClaimRuns(ctx, "worker-1", "default", nil, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}
