package models

import (
	"time"
)

// RunRequest is an ephemeral instruction to start one execution. It carries
// parameters and job variables already resolved (deployment defaults
// overlaid with any trigger-supplied overrides) and is immutable once built:
// later edits to the deployment never alter a request already dispatched.
type RunRequest struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id"`
	// ScheduleID is empty for out-of-schedule (triggered) runs.
	ScheduleID string `json:"schedule_id,omitempty"`
	// Occurrence is the schedule timestamp this request was dispatched for.
	Occurrence time.Time `json:"occurrence"`

	Entrypoint   string         `json:"entrypoint"`
	Path         string         `json:"path,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	JobVariables map[string]any `json:"job_variables,omitempty"`

	WorkPoolName  string `json:"work_pool_name"`
	WorkQueueName string `json:"work_queue_name"`
	// Priority overrides FIFO ordering within a queue; higher claims first.
	Priority int `json:"priority,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RunState is the lifecycle state of a flow run.
type RunState string

const (
	RunStateScheduled RunState = "scheduled"
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCrashed   RunState = "crashed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state is final. Terminal states are immutable.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCrashed, RunStateCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether from → to is a legal state-machine edge.
// Any non-terminal state may be cancelled; Crashed is only reachable from
// Running (heartbeat timeout).
func ValidTransition(from, to RunState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case RunStateCancelled:
		return true
	case RunStatePending:
		return from == RunStateScheduled
	case RunStateRunning:
		return from == RunStatePending
	case RunStateCompleted, RunStateFailed, RunStateCrashed:
		return from == RunStateRunning
	}
	return false
}

// FlowRun is the tracked, stateful execution instance behind a RunRequest.
// It is created in the Scheduled state when the request is enqueued and
// mutated only through the state machine above.
type FlowRun struct {
	ID           string      `json:"id"`
	DeploymentID string      `json:"deployment_id"`
	Request      *RunRequest `json:"request"`

	State RunState `json:"state"`
	// WorkerID identifies the worker that claimed the run, once claimed.
	WorkerID string `json:"worker_id,omitempty"`
	// StateMessage carries the worker-reported failure detail, if any.
	StateMessage string `json:"state_message,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	StateUpdatedAt time.Time  `json:"state_updated_at"`
}
