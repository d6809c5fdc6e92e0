// Package storetest provides contract tests for repository.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/internal/repository"
	"flowdeck/pkg/models"
)

// Factory creates a fresh Store for each test.
type Factory func(t *testing.T) repository.Store

func sampleDeployment() *models.Deployment {
	return &models.Deployment{
		ID:         uuid.New().String(),
		FlowID:     "etl-flow",
		Name:       "nightly",
		Entrypoint: "flows/etl.py:main",
		Parameters: map[string]any{"limit": float64(100)},
		Schedules: []models.Schedule{
			{ID: uuid.New().String(), Type: models.RuleInterval, IntervalSeconds: 3600, Active: true},
		},
		Tags:          []string{"etl"},
		WorkPoolName:  "default",
		WorkQueueName: "default",
	}
}

// Run exercises the Store contract.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("create and get deployment", func(t *testing.T) {
		store := factory(t)
		d := sampleDeployment()

		require.NoError(t, store.CreateDeployment(ctx, d))
		assert.Equal(t, int64(1), d.Revision)

		got, err := store.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, d.FlowID, got.FlowID)
		assert.Equal(t, d.Name, got.Name)
		assert.Equal(t, d.Entrypoint, got.Entrypoint)
		assert.Equal(t, d.Parameters, got.Parameters)
		require.Len(t, got.Schedules, 1)
		assert.Equal(t, models.RuleInterval, got.Schedules[0].Type)
	})

	t.Run("duplicate identity conflicts", func(t *testing.T) {
		store := factory(t)
		d := sampleDeployment()
		require.NoError(t, store.CreateDeployment(ctx, d))

		dup := sampleDeployment()
		err := store.CreateDeployment(ctx, dup)
		var conflict *models.ConflictError
		require.True(t, errors.As(err, &conflict), "want ConflictError, got %v", err)
	})

	t.Run("get missing deployment", func(t *testing.T) {
		store := factory(t)
		_, err := store.GetDeployment(ctx, uuid.New().String())
		var notFound *models.NotFoundError
		require.True(t, errors.As(err, &notFound), "want NotFoundError, got %v", err)
	})

	t.Run("update bumps revision", func(t *testing.T) {
		store := factory(t)
		d := sampleDeployment()
		require.NoError(t, store.CreateDeployment(ctx, d))

		d.Paused = true
		d.Tags = []string{"etl", "paused"}
		require.NoError(t, store.UpdateDeployment(ctx, d))
		assert.Equal(t, int64(2), d.Revision)

		got, err := store.GetDeployment(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, got.Paused)
		assert.Equal(t, []string{"etl", "paused"}, got.Tags)
		assert.Equal(t, int64(2), got.Revision)
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		store := factory(t)
		d := sampleDeployment()
		require.NoError(t, store.CreateDeployment(ctx, d))

		stale := *d
		d.Paused = true
		require.NoError(t, store.UpdateDeployment(ctx, d))

		stale.Version = "v2"
		err := store.UpdateDeployment(ctx, &stale)
		var conflict *models.ConflictError
		require.True(t, errors.As(err, &conflict), "want ConflictError, got %v", err)
	})

	t.Run("update missing deployment", func(t *testing.T) {
		store := factory(t)
		d := sampleDeployment()
		err := store.UpdateDeployment(ctx, d)
		var notFound *models.NotFoundError
		require.True(t, errors.As(err, &notFound), "want NotFoundError, got %v", err)
	})

	t.Run("list with filter", func(t *testing.T) {
		store := factory(t)
		d1 := sampleDeployment()
		require.NoError(t, store.CreateDeployment(ctx, d1))

		d2 := sampleDeployment()
		d2.ID = uuid.New().String()
		d2.Name = "hourly"
		d2.WorkPoolName = "gpu"
		require.NoError(t, store.CreateDeployment(ctx, d2))

		all, err := store.ListDeployments(ctx, models.DeploymentFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		gpu, err := store.ListDeployments(ctx, models.DeploymentFilter{WorkPoolName: "gpu"})
		require.NoError(t, err)
		require.Len(t, gpu, 1)
		assert.Equal(t, "hourly", gpu[0].Name)

		tagged, err := store.ListDeployments(ctx, models.DeploymentFilter{Tags: []string{"etl"}})
		require.NoError(t, err)
		assert.Len(t, tagged, 2)
	})

	t.Run("work pools and queues", func(t *testing.T) {
		store := factory(t)
		pool := &models.WorkPool{Name: "default", Description: "shared pool"}
		require.NoError(t, store.CreateWorkPool(ctx, pool))

		q := &models.WorkQueue{Name: "high", PoolName: "default", Capacity: 10, ConcurrencyLimit: 2}
		require.NoError(t, store.CreateWorkQueue(ctx, q))

		err := store.CreateWorkQueue(ctx, &models.WorkQueue{Name: "x", PoolName: "missing"})
		var unknown *models.UnknownPoolError
		require.True(t, errors.As(err, &unknown), "want UnknownPoolError, got %v", err)

		pools, err := store.ListWorkPools(ctx)
		require.NoError(t, err)
		require.Len(t, pools, 1)

		queues, err := store.ListWorkQueues(ctx, "default")
		require.NoError(t, err)
		require.Len(t, queues, 1)
		assert.Equal(t, 2, queues[0].ConcurrencyLimit)
	})

	t.Run("flow run history", func(t *testing.T) {
		store := factory(t)
		d := sampleDeployment()
		require.NoError(t, store.CreateDeployment(ctx, d))

		now := time.Now().UTC().Truncate(time.Millisecond)
		run := &models.FlowRun{
			ID:           uuid.New().String(),
			DeploymentID: d.ID,
			Request: &models.RunRequest{
				ID:           uuid.New().String(),
				DeploymentID: d.ID,
				Occurrence:   now,
				Entrypoint:   d.Entrypoint,
			},
			State:          models.RunStateScheduled,
			CreatedAt:      now,
			StateUpdatedAt: now,
		}
		require.NoError(t, store.CreateFlowRun(ctx, run))

		run.State = models.RunStateCompleted
		ended := now.Add(time.Minute)
		run.EndedAt = &ended
		run.StateUpdatedAt = ended
		require.NoError(t, store.UpdateFlowRun(ctx, run))

		got, err := store.GetFlowRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStateCompleted, got.State)
		require.NotNil(t, got.Request)
		assert.Equal(t, d.ID, got.Request.DeploymentID)

		history, err := store.ListFlowRuns(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
	})
}
