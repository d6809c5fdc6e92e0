package repository

import (
	"context"

	"flowdeck/pkg/models"
)

// Store is the Schema Store: deployment records, pool/queue definitions, and
// flow-run history. Implementations must make multi-field updates atomic
// (all-or-nothing) and reject updates carrying a stale revision.
type Store interface {
	// CreateDeployment persists a new deployment. It fails with
	// *models.ConflictError if a deployment with the same (flow_id, name)
	// identity already exists.
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	// GetDeployment fails with *models.NotFoundError if absent.
	GetDeployment(ctx context.Context, id string) (*models.Deployment, error)
	// UpdateDeployment replaces the stored record if d.Revision matches the
	// stored revision, then bumps it. A stale revision fails with
	// *models.ConflictError; a missing record with *models.NotFoundError.
	UpdateDeployment(ctx context.Context, d *models.Deployment) error
	// ListDeployments is read-only and side-effect-free.
	ListDeployments(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, error)

	CreateWorkPool(ctx context.Context, p *models.WorkPool) error
	CreateWorkQueue(ctx context.Context, q *models.WorkQueue) error
	ListWorkPools(ctx context.Context) ([]*models.WorkPool, error)
	ListWorkQueues(ctx context.Context, poolName string) ([]*models.WorkQueue, error)

	// CreateFlowRun records a run entering history in its initial state.
	CreateFlowRun(ctx context.Context, run *models.FlowRun) error
	GetFlowRun(ctx context.Context, id string) (*models.FlowRun, error)
	// UpdateFlowRun replaces the stored run record.
	UpdateFlowRun(ctx context.Context, run *models.FlowRun) error
	// ListFlowRuns returns the run history for a deployment, newest first.
	ListFlowRuns(ctx context.Context, deploymentID string) ([]*models.FlowRun, error)

	Ping(ctx context.Context) error
}
