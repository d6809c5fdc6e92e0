package models

import (
	"fmt"
	"time"
)

// ConflictError indicates a duplicate identity: a deployment with the same
// (flow_id, name) pair already exists, or an optimistic revision check lost.
type ConflictError struct {
	FlowID string
	Name   string
	Detail string
}

func (e *ConflictError) Error() string {
	switch {
	case e.FlowID == "" && e.Name == "":
		return "conflict: " + e.Detail
	case e.Detail != "":
		return fmt.Sprintf("conflict for deployment %s/%s: %s", e.FlowID, e.Name, e.Detail)
	default:
		return fmt.Sprintf("deployment %s/%s already exists", e.FlowID, e.Name)
	}
}

// NotFoundError indicates a missing reference.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// SchemaValidationError indicates resolved parameters did not satisfy the
// deployment's parameter schema. It is scoped to a single occurrence and
// never aborts the rest of a dispatch batch.
type SchemaValidationError struct {
	DeploymentID string
	Occurrence   time.Time
	Detail       string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("parameters for deployment %s occurrence %s failed schema validation: %s",
		e.DeploymentID, e.Occurrence.Format(time.RFC3339), e.Detail)
}

// UnknownPoolError indicates the target work pool does not exist.
type UnknownPoolError struct {
	Pool string
}

func (e *UnknownPoolError) Error() string {
	return fmt.Sprintf("work pool %q does not exist", e.Pool)
}

// UnknownQueueError indicates the target work queue does not exist in its pool.
type UnknownQueueError struct {
	Pool  string
	Queue string
}

func (e *UnknownQueueError) Error() string {
	return fmt.Sprintf("work queue %q does not exist in pool %q", e.Queue, e.Pool)
}

// QueueFullError is a backpressure signal: the bounded queue is at capacity.
// The caller decides whether to retry later or surface it; the queue never
// silently drops.
type QueueFullError struct {
	Pool     string
	Queue    string
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("work queue %s/%s is at capacity (%d)", e.Pool, e.Queue, e.Capacity)
}

// ClaimConflictError indicates the caller lost a race for a run request.
// Recovery is to simply move on to the next eligible request.
type ClaimConflictError struct {
	RunID string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("run %q was claimed by another worker", e.RunID)
}

// StoreUnavailableError indicates the backing store stayed unreachable after
// bounded retries. It is fatal to the calling operation.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
