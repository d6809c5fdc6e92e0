package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/pkg/models"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type recordingLogger struct {
	mu    sync.Mutex
	debug []string
}

func (l *recordingLogger) Debug(msg string, _ ...any) {
	l.mu.Lock()
	l.debug = append(l.debug, msg)
	l.mu.Unlock()
}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}

func testDeployment() *models.Deployment {
	return &models.Deployment{
		ID:         "dep-1",
		FlowID:     "etl-flow",
		Name:       "nightly",
		Entrypoint: "flows/etl.py:main",
		Parameters: map[string]any{"n": 5},
		Schedules: []models.Schedule{
			{ID: "sched-1", Type: models.RuleInterval, IntervalSeconds: 60, Active: true},
		},
		WorkPoolName:  "default",
		WorkQueueName: "default",
		Revision:      1,
	}
}

func TestDispatchWindow(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()

	t0 := time.Unix(0, 0).UTC()
	res, err := d.DispatchDue(context.Background(), dep, t0, t0.Add(125*time.Second), nil)
	require.NoError(t, err)

	require.Len(t, res.Requests, 2)
	assert.Empty(t, res.Failures)
	assert.Equal(t, t0.Add(60*time.Second), res.Requests[0].Occurrence)
	assert.Equal(t, t0.Add(120*time.Second), res.Requests[1].Occurrence)
	assert.Equal(t, "sched-1", res.Requests[0].ScheduleID)
	assert.Equal(t, "default", res.Requests[0].WorkQueueName)
}

func TestDispatchIdempotentPerWindow(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()

	t0 := time.Unix(0, 0).UTC()
	t1 := t0.Add(125 * time.Second)

	first, err := d.DispatchDue(context.Background(), dep, t0, t1, nil)
	require.NoError(t, err)
	require.Len(t, first.Requests, 2)

	second, err := d.DispatchDue(context.Background(), dep, t0, t1, nil)
	require.NoError(t, err)
	assert.Empty(t, second.Requests)
}

func TestDispatchPausedDeployment(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()
	dep.Paused = true

	t0 := time.Unix(0, 0).UTC()
	res, err := d.DispatchDue(context.Background(), dep, t0, t0.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Requests)
}

func TestDispatchValidationIsolatesOccurrence(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()
	dep.EnforceParameterSchema = true
	dep.ParameterSchema = map[string]any{
		"type":     "object",
		"required": []any{"n"},
		"properties": map[string]any{
			"n": map[string]any{"type": "integer"},
		},
	}

	// One occurrence out of three carries a bad override.
	bad := time.Unix(120, 0).UTC()
	overrides := func(ts time.Time) *models.TriggerOverrides {
		if ts.Equal(bad) {
			return &models.TriggerOverrides{Parameters: map[string]any{"n": "x"}}
		}
		return nil
	}

	t0 := time.Unix(0, 0).UTC()
	res, err := d.DispatchDue(context.Background(), dep, t0, t0.Add(185*time.Second), overrides)
	require.NoError(t, err)

	assert.Len(t, res.Requests, 2)
	require.Len(t, res.Failures, 1)
	var schemaErr *models.SchemaValidationError
	require.True(t, errors.As(res.Failures[0], &schemaErr))
	assert.Equal(t, bad, schemaErr.Occurrence)
}

func TestDispatchOverridesOverlayDefaults(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()
	dep.Parameters = map[string]any{"n": 5, "source": "s3"}
	dep.JobVariables = map[string]any{"cpu": 1}

	overrides := func(time.Time) *models.TriggerOverrides {
		return &models.TriggerOverrides{
			Parameters:   map[string]any{"n": 9},
			JobVariables: map[string]any{"cpu": 4},
		}
	}

	t0 := time.Unix(0, 0).UTC()
	res, err := d.DispatchDue(context.Background(), dep, t0, t0.Add(61*time.Second), overrides)
	require.NoError(t, err)
	require.Len(t, res.Requests, 1)

	req := res.Requests[0]
	assert.Equal(t, 9, req.Parameters["n"])
	assert.Equal(t, "s3", req.Parameters["source"])
	assert.Equal(t, 4, req.JobVariables["cpu"])
	// Deployment defaults are untouched.
	assert.Equal(t, 5, dep.Parameters["n"])
}

func TestDispatchedRequestImmutableUnderEdit(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()

	t0 := time.Unix(0, 0).UTC()
	res, err := d.DispatchDue(context.Background(), dep, t0, t0.Add(61*time.Second), nil)
	require.NoError(t, err)
	require.Len(t, res.Requests, 1)

	// Edit the deployment mid-window; the dispatched request keeps the
	// values it was built with.
	dep.Entrypoint = "flows/etl.py:v2"
	dep.Parameters["n"] = 99
	dep.Revision = 2

	assert.Equal(t, "flows/etl.py:main", res.Requests[0].Entrypoint)
	assert.Equal(t, 5, res.Requests[0].Parameters["n"])

	// Later occurrences pick up the edit, but earlier ones are not re-emitted.
	res2, err := d.DispatchDue(context.Background(), dep, t0, t0.Add(125*time.Second), nil)
	require.NoError(t, err)
	require.Len(t, res2.Requests, 1)
	assert.Equal(t, t0.Add(120*time.Second), res2.Requests[0].Occurrence)
	assert.Equal(t, "flows/etl.py:v2", res2.Requests[0].Entrypoint)
}

func TestDispatchLogsRevisionAdoption(t *testing.T) {
	logger := &recordingLogger{}
	d := New(logger)
	dep := testDeployment()

	t0 := time.Unix(0, 0).UTC()
	_, err := d.DispatchDue(context.Background(), dep, t0, t0.Add(61*time.Second), nil)
	require.NoError(t, err)
	assert.Empty(t, logger.debug, "first dispatch has no prior revision to adopt from")

	dep.Revision = 2
	_, err = d.DispatchDue(context.Background(), dep, t0, t0.Add(125*time.Second), nil)
	require.NoError(t, err)
	require.Len(t, logger.debug, 1)
	assert.Equal(t, "cursor adopted new deployment revision", logger.debug[0])
}

func TestDispatchConcurrentSameSchedule(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()

	t0 := time.Unix(0, 0).UTC()
	t1 := t0.Add(10 * time.Minute)

	var mu sync.Mutex
	var all []*models.RunRequest
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.DispatchDue(context.Background(), dep, t0, t1, nil)
			assert.NoError(t, err)
			mu.Lock()
			all = append(all, res.Requests...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 10 occurrences exist in the window; each is dispatched exactly once
	// across all concurrent callers.
	seen := make(map[time.Time]int)
	for _, req := range all {
		seen[req.Occurrence]++
	}
	assert.Len(t, all, 10)
	for ts, n := range seen {
		assert.Equal(t, 1, n, "occurrence %s dispatched %d times", ts, n)
	}
}

func TestTriggerNow(t *testing.T) {
	d := New(noopLogger{})
	dep := testDeployment()
	dep.EnforceParameterSchema = true
	dep.ParameterSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"n": map[string]any{"type": "integer"},
		},
	}

	now := time.Now().UTC()
	req, err := d.TriggerNow(context.Background(), dep, now, &models.TriggerOverrides{
		Parameters: map[string]any{"n": 7},
	})
	require.NoError(t, err)
	assert.Empty(t, req.ScheduleID)
	assert.Equal(t, now, req.Occurrence)
	assert.Equal(t, 7, req.Parameters["n"])

	_, err = d.TriggerNow(context.Background(), dep, now, &models.TriggerOverrides{
		Parameters: map[string]any{"n": "oops"},
	})
	var schemaErr *models.SchemaValidationError
	require.True(t, errors.As(err, &schemaErr))
}
