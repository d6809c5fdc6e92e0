package workpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/pkg/models"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func newMatcher(t *testing.T, queues ...models.WorkQueue) *Matcher {
	t.Helper()
	m := New(noopLogger{}, time.Minute)
	m.RegisterPool("default")
	for _, q := range queues {
		require.NoError(t, m.RegisterQueue(q))
	}
	return m
}

func request(queue string) *models.RunRequest {
	return &models.RunRequest{
		ID:            uuid.New().String(),
		DeploymentID:  "dep-1",
		Occurrence:    time.Now().UTC(),
		Entrypoint:    "flows/etl.py:main",
		WorkPoolName:  "default",
		WorkQueueName: queue,
		CreatedAt:     time.Now(),
	}
}

func TestEnqueueUnknownTargets(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default"})

	req := request("q1")
	req.WorkPoolName = "missing"
	_, err := m.Enqueue(req)
	var unknownPool *models.UnknownPoolError
	require.True(t, errors.As(err, &unknownPool))

	req = request("missing")
	_, err = m.Enqueue(req)
	var unknownQueue *models.UnknownQueueError
	require.True(t, errors.As(err, &unknownQueue))
}

func TestEnqueueQueueFull(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default", Capacity: 2})

	_, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	_, err = m.Enqueue(request("q1"))
	require.NoError(t, err)

	_, err = m.Enqueue(request("q1"))
	var full *models.QueueFullError
	require.True(t, errors.As(err, &full))
	assert.Equal(t, 2, full.Capacity)
}

func TestEnqueueCountsOnlyWaitingRuns(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default", Capacity: 1})

	_, err := m.Enqueue(request("q1"))
	require.NoError(t, err)

	claimed, err := m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// The claimed run no longer waits in the queue, so a fresh request fits.
	run, err := m.Enqueue(request("q1"))
	require.NoError(t, err)

	// Same for a cancelled one.
	require.NoError(t, m.Cancel(run.ID))
	_, err = m.Enqueue(request("q1"))
	require.NoError(t, err)
}

func TestClaimFIFO(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default"})

	first, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	second, err := m.Enqueue(request("q1"))
	require.NoError(t, err)

	claimed, err := m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, models.RunStatePending, claimed[0].State)
	assert.Equal(t, "w1", claimed[0].WorkerID)

	claimed, err = m.Claim(context.Background(), "w2", "default", nil, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second.ID, claimed[0].ID)
}

func TestClaimPriorityBeforeFIFO(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default"})

	_, err := m.Enqueue(request("q1"))
	require.NoError(t, err)

	urgent := request("q1")
	urgent.Priority = 10
	urgentRun, err := m.Enqueue(urgent)
	require.NoError(t, err)

	claimed, err := m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, urgentRun.ID, claimed[0].ID)
}

func TestClaimRespectsConcurrencyLimit(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default", ConcurrencyLimit: 1})

	_, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	_, err = m.Enqueue(request("q1"))
	require.NoError(t, err)

	claimed, err := m.Claim(context.Background(), "w1", "default", nil, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	runID := claimed[0].ID

	// Queue at its limit yields nothing.
	more, err := m.Claim(context.Background(), "w2", "default", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, more)

	// Finishing the in-flight run frees the slot.
	require.NoError(t, m.ReportStarted(runID))
	require.NoError(t, m.ReportCompleted(runID))

	more, err = m.Claim(context.Background(), "w2", "default", nil, 5)
	require.NoError(t, err)
	assert.Len(t, more, 1)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default"})

	_, err := m.Enqueue(request("q1"))
	require.NoError(t, err)

	const workers = 16
	results := make([][]*models.FlowRun, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := m.Claim(context.Background(), "w", "default", nil, 1)
			assert.NoError(t, err)
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	assert.Equal(t, 1, total, "exactly one caller wins the race")
}

func TestStateMachineTransitions(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default"})

	run, err := m.Enqueue(request("q1"))
	require.NoError(t, err)

	// Starting before claim is rejected.
	err = m.ReportStarted(run.ID)
	var conflict *models.ClaimConflictError
	require.True(t, errors.As(err, &conflict))

	claimed, err := m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, m.ReportStarted(run.ID))
	require.NoError(t, m.ReportFailed(run.ID, "boom"))

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, got.State)
	assert.Equal(t, "boom", got.StateMessage)
	require.NotNil(t, got.EndedAt)

	// Terminal states are immutable.
	err = m.Cancel(run.ID)
	require.True(t, errors.As(err, &conflict))
}

func TestCancelScheduledRunSkippedByClaim(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default"})

	run, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	require.NoError(t, m.Cancel(run.ID))

	claimed, err := m.Claim(context.Background(), "w1", "default", nil, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCancelled, got.State)
}

func TestCancelRunningFreesSlot(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default", ConcurrencyLimit: 1})

	run, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	_, err = m.Enqueue(request("q1"))
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.NoError(t, m.ReportStarted(run.ID))

	require.NoError(t, m.Cancel(run.ID))

	claimed, err := m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestHeartbeatTimeoutCrashesRun(t *testing.T) {
	m := New(noopLogger{}, 50*time.Millisecond)
	m.RegisterPool("default")
	require.NoError(t, m.RegisterQueue(models.WorkQueue{Name: "q1", PoolName: "default", ConcurrencyLimit: 1}))

	run, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	_, err = m.Enqueue(request("q1"))
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.NoError(t, m.ReportStarted(run.ID))

	// A fresh heartbeat keeps the run alive.
	require.NoError(t, m.Heartbeat(run.ID))
	crashed := m.SweepExpired(context.Background(), time.Now())
	assert.Empty(t, crashed)

	// Past the timeout, the run crashes and the slot frees for the next claim.
	crashed = m.SweepExpired(context.Background(), time.Now().Add(time.Second))
	require.Len(t, crashed, 1)
	assert.Equal(t, models.RunStateCrashed, crashed[0].State)

	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCrashed, got.State)

	claimed, err := m.Claim(context.Background(), "w2", "default", nil, 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestSweepEvictsOldTerminalRuns(t *testing.T) {
	m := newMatcher(t, models.WorkQueue{Name: "q1", PoolName: "default"})

	run, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	_, err = m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.NoError(t, m.ReportStarted(run.ID))
	require.NoError(t, m.ReportCompleted(run.ID))

	// A freshly finished run stays readable.
	m.SweepExpired(context.Background(), time.Now())
	got, err := m.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCompleted, got.State)

	// Once it has been terminal for longer than the heartbeat timeout, the
	// sweep drops it from the tracked set.
	m.SweepExpired(context.Background(), time.Now().Add(2*time.Minute))
	_, err = m.GetRun(run.ID)
	var notFound *models.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestTransitionHookObservesLifecycle(t *testing.T) {
	m := New(noopLogger{}, time.Minute)
	var mu sync.Mutex
	var states []models.RunState
	m.SetTransitionHook(func(run models.FlowRun) {
		mu.Lock()
		states = append(states, run.State)
		mu.Unlock()
	})
	m.RegisterPool("default")
	require.NoError(t, m.RegisterQueue(models.WorkQueue{Name: "q1", PoolName: "default"}))

	run, err := m.Enqueue(request("q1"))
	require.NoError(t, err)
	_, err = m.Claim(context.Background(), "w1", "default", nil, 1)
	require.NoError(t, err)
	require.NoError(t, m.ReportStarted(run.ID))
	require.NoError(t, m.ReportCompleted(run.ID))

	assert.Equal(t, []models.RunState{
		models.RunStateScheduled,
		models.RunStatePending,
		models.RunStateRunning,
		models.RunStateCompleted,
	}, states)
}
