// Package services ties the schema store, dispatcher, and matcher together
// behind the operations the API and trigger surfaces call.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"flowdeck/internal/dispatch"
	"flowdeck/internal/repository"
	"flowdeck/internal/workpool"
	"flowdeck/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Orchestrator is the service facade over the orchestration core.
type Orchestrator struct {
	store      repository.Store
	dispatcher *dispatch.Dispatcher
	matcher    *workpool.Matcher
	logger     Logger
}

// NewOrchestrator wires the core together. It installs a transition hook on
// the matcher so every run state change is mirrored into the store's run
// history.
func NewOrchestrator(store repository.Store, dispatcher *dispatch.Dispatcher, matcher *workpool.Matcher, logger Logger) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		matcher:    matcher,
		logger:     logger,
	}
	matcher.SetTransitionHook(o.recordTransition)
	return o
}

// recordTransition mirrors a run state change into history. History is
// best-effort: a store hiccup is logged, never allowed to block the
// in-memory state machine.
func (o *Orchestrator) recordTransition(run models.FlowRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if run.State == models.RunStateScheduled {
		err = o.store.CreateFlowRun(ctx, &run)
	} else {
		err = o.store.UpdateFlowRun(ctx, &run)
	}
	if err != nil {
		o.logger.Error("failed to record run transition",
			"run_id", run.ID, "state", run.State, "error", err)
	}
}

// LoadWorkPools registers every stored pool and queue with the matcher.
// Called once at startup.
func (o *Orchestrator) LoadWorkPools(ctx context.Context) error {
	pools, err := o.store.ListWorkPools(ctx)
	if err != nil {
		return err
	}
	for _, p := range pools {
		o.matcher.RegisterPool(p.Name)
		queues, err := o.store.ListWorkQueues(ctx, p.Name)
		if err != nil {
			return err
		}
		for _, q := range queues {
			if err := o.matcher.RegisterQueue(*q); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateDeployment validates and persists a new deployment. Missing IDs are
// assigned; schedules are checked up front so a bad rule fails loudly here
// rather than at evaluation time.
func (o *Orchestrator) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	for i := range d.Schedules {
		if d.Schedules[i].ID == "" {
			d.Schedules[i].ID = uuid.New().String()
		}
		if err := d.Schedules[i].Validate(); err != nil {
			return err
		}
	}
	return o.store.CreateDeployment(ctx, d)
}

// GetDeployment returns a deployment by ID.
func (o *Orchestrator) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	return o.store.GetDeployment(ctx, id)
}

// ListDeployments returns deployments matching the filter.
func (o *Orchestrator) ListDeployments(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, error) {
	return o.store.ListDeployments(ctx, filter)
}

// UpdateDeployment replaces a deployment record atomically.
func (o *Orchestrator) UpdateDeployment(ctx context.Context, d *models.Deployment) error {
	for i := range d.Schedules {
		if d.Schedules[i].ID == "" {
			d.Schedules[i].ID = uuid.New().String()
		}
		if err := d.Schedules[i].Validate(); err != nil {
			return err
		}
	}
	return o.store.UpdateDeployment(ctx, d)
}

// SetPaused pauses or resumes a deployment. Lost revision races are retried
// a few times; schedule evaluation picks the flag up on the next window.
func (o *Orchestrator) SetPaused(ctx context.Context, id string, paused bool) (*models.Deployment, error) {
	return o.mutate(ctx, id, func(d *models.Deployment) {
		d.Paused = paused
	})
}

// SetScheduleActive flips a single schedule's active flag.
func (o *Orchestrator) SetScheduleActive(ctx context.Context, deploymentID, scheduleID string, active bool) (*models.Deployment, error) {
	var found bool
	d, err := o.mutate(ctx, deploymentID, func(d *models.Deployment) {
		if s := d.ScheduleByID(scheduleID); s != nil {
			s.Active = active
			found = true
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &models.NotFoundError{Kind: "schedule", ID: scheduleID}
	}
	return d, nil
}

func (o *Orchestrator) mutate(ctx context.Context, id string, apply func(*models.Deployment)) (*models.Deployment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		d, err := o.store.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		apply(d)
		err = o.store.UpdateDeployment(ctx, d)
		if err == nil {
			return d, nil
		}
		var conflict *models.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
	}
	return nil, &models.ConflictError{Detail: "deployment " + id + ": update kept losing revision races"}
}

// TriggerNow performs an out-of-schedule dispatch for a deployment,
// overlaying any trigger-supplied overrides, and enqueues the result.
func (o *Orchestrator) TriggerNow(ctx context.Context, deploymentID string, ov *models.TriggerOverrides) (*models.FlowRun, error) {
	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	req, err := o.dispatcher.TriggerNow(ctx, d, time.Now().UTC(), ov)
	if err != nil {
		return nil, err
	}
	return o.matcher.Enqueue(req)
}

// DispatchWindow dispatches every non-paused deployment's due occurrences in
// (t0, t1] and enqueues the resulting requests. A validation failure or a
// full queue affects only its own occurrence.
func (o *Orchestrator) DispatchWindow(ctx context.Context, t0, t1 time.Time) error {
	deployments, err := o.store.ListDeployments(ctx, models.DeploymentFilter{})
	if err != nil {
		return err
	}
	for _, d := range deployments {
		res, err := o.dispatcher.DispatchDue(ctx, d, t0, t1, nil)
		if err != nil {
			o.logger.Error("dispatch failed", "deployment_id", d.ID, "error", err)
			continue
		}
		for _, failure := range res.Failures {
			o.logger.Error("occurrence rejected", "deployment_id", d.ID, "error", failure)
		}
		for _, req := range res.Requests {
			if _, err := o.matcher.Enqueue(req); err != nil {
				// Backpressure or a misconfigured target; surfaced, never
				// silently dropped.
				o.logger.Error("enqueue failed",
					"deployment_id", d.ID, "occurrence", req.Occurrence, "error", err)
			}
		}
	}
	return nil
}

// CreateWorkPool persists a pool and registers it for matching.
func (o *Orchestrator) CreateWorkPool(ctx context.Context, p *models.WorkPool) error {
	if err := o.store.CreateWorkPool(ctx, p); err != nil {
		return err
	}
	o.matcher.RegisterPool(p.Name)
	return nil
}

// CreateWorkQueue persists a queue and registers it for matching.
func (o *Orchestrator) CreateWorkQueue(ctx context.Context, q *models.WorkQueue) error {
	if err := o.store.CreateWorkQueue(ctx, q); err != nil {
		return err
	}
	return o.matcher.RegisterQueue(*q)
}

// ListWorkPools returns the stored pool definitions.
func (o *Orchestrator) ListWorkPools(ctx context.Context) ([]*models.WorkPool, error) {
	return o.store.ListWorkPools(ctx)
}

// ListWorkQueues returns a pool's stored queue definitions.
func (o *Orchestrator) ListWorkQueues(ctx context.Context, poolName string) ([]*models.WorkQueue, error) {
	return o.store.ListWorkQueues(ctx, poolName)
}

// ClaimRuns hands up to maxRuns eligible runs to a polling worker.
func (o *Orchestrator) ClaimRuns(ctx context.Context, workerID, poolName string, queueNames []string, maxRuns int) ([]*models.FlowRun, error) {
	return o.matcher.Claim(ctx, workerID, poolName, queueNames, maxRuns)
}

// ReportRunStarted records a worker-reported start.
func (o *Orchestrator) ReportRunStarted(_ context.Context, runID string) error {
	return o.matcher.ReportStarted(runID)
}

// ReportRunCompleted records a successful finish.
func (o *Orchestrator) ReportRunCompleted(_ context.Context, runID string) error {
	return o.matcher.ReportCompleted(runID)
}

// ReportRunFailed records a failed finish.
func (o *Orchestrator) ReportRunFailed(_ context.Context, runID, message string) error {
	return o.matcher.ReportFailed(runID, message)
}

// CancelRun requests cooperative cancellation of a run.
func (o *Orchestrator) CancelRun(_ context.Context, runID string) error {
	return o.matcher.Cancel(runID)
}

// HeartbeatRun records worker liveness for a run.
func (o *Orchestrator) HeartbeatRun(_ context.Context, runID string) error {
	return o.matcher.Heartbeat(runID)
}

// GetRun returns the live state of a run. Runs the matcher has evicted after
// reaching a terminal state are served from the store's run history.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*models.FlowRun, error) {
	run, err := o.matcher.GetRun(runID)
	if err == nil {
		return run, nil
	}
	var notFound *models.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	return o.store.GetFlowRun(ctx, runID)
}

// RunHistory returns a deployment's recorded runs, newest first.
func (o *Orchestrator) RunHistory(ctx context.Context, deploymentID string) ([]*models.FlowRun, error) {
	return o.store.ListFlowRuns(ctx, deploymentID)
}
