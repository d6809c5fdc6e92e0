// Package models defines the domain models for the orchestration core.
package models

import (
	"time"
)

// Deployment pairs a flow with the metadata needed to schedule and execute
// it: default parameters, schedules, and an infrastructure target. Identity
// is the (FlowID, Name) pair, unique together.
type Deployment struct {
	ID     string `json:"id"`
	FlowID string `json:"flow_id"`
	Name   string `json:"name"`

	// Entrypoint is an opaque locator for the callable inside the flow's
	// code. It is resolved lazily by the execution runtime, never here.
	Entrypoint string `json:"entrypoint"`
	// Path is an optional base directory or remote URI the entrypoint is
	// relative to.
	Path string `json:"path,omitempty"`

	Parameters             map[string]any `json:"parameters,omitempty"`
	ParameterSchema        map[string]any `json:"parameter_schema,omitempty"`
	EnforceParameterSchema bool           `json:"enforce_parameter_schema"`

	Schedules []Schedule `json:"schedules,omitempty"`
	Paused    bool       `json:"paused"`

	// Trigger is an optional event-rule reference owned by the external
	// automation engine.
	Trigger string `json:"trigger,omitempty"`

	Version string   `json:"version,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	WorkPoolName  string         `json:"work_pool_name,omitempty"`
	WorkQueueName string         `json:"work_queue_name,omitempty"`
	JobVariables  map[string]any `json:"job_variables,omitempty"`

	PullSteps []PullStep `json:"pull_steps,omitempty"`

	// Revision is bumped on every update and is used for optimistic
	// concurrency against the store and to invalidate cached dispatch
	// cursors.
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PullStep is a declarative action for retrieving code or configuration
// before execution. The core treats it as opaque; the execution runtime
// interprets it.
type PullStep struct {
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// ScheduleByID returns the schedule with the given ID, or nil.
func (d *Deployment) ScheduleByID(id string) *Schedule {
	for i := range d.Schedules {
		if d.Schedules[i].ID == id {
			return &d.Schedules[i]
		}
	}
	return nil
}

// DeploymentFilter narrows List results. Zero-value fields match everything.
type DeploymentFilter struct {
	FlowID       string
	WorkPoolName string
	Tags         []string
	Paused       *bool
}

// Matches reports whether the deployment satisfies every set filter field.
func (f DeploymentFilter) Matches(d *Deployment) bool {
	if f.FlowID != "" && d.FlowID != f.FlowID {
		return false
	}
	if f.WorkPoolName != "" && d.WorkPoolName != f.WorkPoolName {
		return false
	}
	if f.Paused != nil && d.Paused != *f.Paused {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range d.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
