package models

import "time"

// WorkPool is a named grouping of infrastructure capacity. It owns zero or
// more work queues; workers poll a pool by name.
type WorkPool struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkQueue is an ordered, capacity-bounded channel of pending run requests
// within a pool.
type WorkQueue struct {
	Name     string `json:"name"`
	PoolName string `json:"pool_name"`
	// Capacity bounds the number of pending requests; 0 means unbounded.
	Capacity int `json:"capacity,omitempty"`
	// ConcurrencyLimit caps concurrently executing runs claimed from this
	// queue; 0 means unlimited. In-flight count never exceeds it.
	ConcurrencyLimit int       `json:"concurrency_limit,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// TriggerOverrides are parameter and job-variable overlays supplied by the
// automation engine for a single dispatch.
type TriggerOverrides struct {
	Parameters   map[string]any `json:"parameters,omitempty"`
	JobVariables map[string]any `json:"job_variables,omitempty"`
}

// Overlay returns base with overrides applied on top. The inputs are not
// mutated; a nil overlay returns a copy of base.
func Overlay(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
