// Package dispatch turns due schedule occurrences into run requests.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"flowdeck/internal/schedule"
	"flowdeck/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dispatcher builds RunRequests for due occurrences. It owns the
// per-(deployment, schedule) last-dispatched cursor: dispatching the same
// window twice emits nothing the second time, because only occurrences
// strictly later than the cursor are emitted. Concurrent dispatch calls for
// one schedule serialize on that schedule's cursor lock.
type Dispatcher struct {
	logger  Logger
	cursors sync.Map // schedule ID -> *cursor

	runsDispatched     metric.Int64Counter
	validationFailures metric.Int64Counter
}

// cursor is the single-writer dispatch state for one schedule.
type cursor struct {
	mu sync.Mutex
	// last is the latest occurrence timestamp already dispatched.
	last time.Time
	// revision is the deployment revision the cursor was last advanced
	// under. An edit to the deployment is picked up on the next dispatch;
	// the timestamp is retained so edits never re-emit past occurrences.
	revision int64
}

// New creates a Dispatcher.
func New(logger Logger) *Dispatcher {
	meter := otel.Meter("flowdeck/dispatch")
	dispatched, _ := meter.Int64Counter("flowdeck.runs.dispatched",
		metric.WithDescription("Run requests produced by the dispatcher"))
	failures, _ := meter.Int64Counter("flowdeck.dispatch.validation_failures",
		metric.WithDescription("Occurrences rejected by parameter schema validation"))
	return &Dispatcher{
		logger:             logger,
		runsDispatched:     dispatched,
		validationFailures: failures,
	}
}

// Result is the outcome of one dispatch batch. Failures hold one
// *models.SchemaValidationError per rejected occurrence; a failed occurrence
// never blocks its siblings.
type Result struct {
	Requests []*models.RunRequest
	Failures []error
}

// OverrideFunc supplies trigger overrides for a single occurrence. A nil
// function (or a nil return) dispatches with deployment defaults alone.
type OverrideFunc func(occurrence time.Time) *models.TriggerOverrides

// DispatchDue builds one RunRequest per occurrence of the deployment's
// schedules within the window (t0, t1]. A paused deployment yields nothing.
func (d *Dispatcher) DispatchDue(ctx context.Context, dep *models.Deployment, t0, t1 time.Time, overridesFor OverrideFunc) (*Result, error) {
	res := &Result{}
	if dep.Paused {
		return res, nil
	}

	validate, err := d.compileSchema(dep)
	if err != nil {
		return nil, err
	}

	for i := range dep.Schedules {
		sched := dep.Schedules[i]
		cur := d.cursorFor(sched.ID)

		cur.mu.Lock()
		after := t0
		if cur.last.After(after) {
			after = cur.last
		}
		if cur.revision != 0 && cur.revision != dep.Revision {
			// The cursor keeps its timestamp across edits; only the revision
			// is adopted, so past occurrences are never re-emitted.
			d.logger.Debug("cursor adopted new deployment revision",
				"schedule_id", sched.ID, "from", cur.revision, "to", dep.Revision)
		}
		cur.revision = dep.Revision

		occurrences, err := schedule.OccurrencesWithin(sched, after, t1)
		if err != nil {
			cur.mu.Unlock()
			d.logger.Error("schedule evaluation failed", "schedule_id", sched.ID, "error", err)
			return nil, err
		}

		for _, ts := range occurrences {
			var ov *models.TriggerOverrides
			if overridesFor != nil {
				ov = overridesFor(ts)
			}
			req, err := d.buildRequest(ctx, dep, sched.ID, ts, ov, validate)
			// The occurrence is consumed either way; a deterministic
			// validation failure would fail again on retry.
			cur.last = ts
			if err != nil {
				res.Failures = append(res.Failures, err)
				continue
			}
			res.Requests = append(res.Requests, req)
		}
		cur.mu.Unlock()
	}
	return res, nil
}

// TriggerNow builds a single RunRequest for an out-of-schedule dispatch,
// bypassing schedules and cursors. The occurrence timestamp is `now`.
func (d *Dispatcher) TriggerNow(ctx context.Context, dep *models.Deployment, now time.Time, ov *models.TriggerOverrides) (*models.RunRequest, error) {
	validate, err := d.compileSchema(dep)
	if err != nil {
		return nil, err
	}
	return d.buildRequest(ctx, dep, "", now, ov, validate)
}

func (d *Dispatcher) cursorFor(scheduleID string) *cursor {
	v, _ := d.cursors.LoadOrStore(scheduleID, &cursor{})
	return v.(*cursor)
}

// buildRequest resolves parameters and job variables (defaults overlaid with
// trigger overrides), validates when enforcement is on, and freezes the
// result into an immutable request.
func (d *Dispatcher) buildRequest(ctx context.Context, dep *models.Deployment, scheduleID string, occurrence time.Time, ov *models.TriggerOverrides, validate *jsonschema.Schema) (*models.RunRequest, error) {
	var paramOverrides, jobOverrides map[string]any
	if ov != nil {
		paramOverrides = ov.Parameters
		jobOverrides = ov.JobVariables
	}
	params := models.Overlay(dep.Parameters, paramOverrides)
	jobVars := models.Overlay(dep.JobVariables, jobOverrides)

	if validate != nil {
		if err := validateParameters(validate, params); err != nil {
			d.validationFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("deployment_id", dep.ID)))
			return nil, &models.SchemaValidationError{
				DeploymentID: dep.ID,
				Occurrence:   occurrence,
				Detail:       err.Error(),
			}
		}
	}

	d.runsDispatched.Add(ctx, 1,
		metric.WithAttributes(attribute.String("deployment_id", dep.ID)))

	return &models.RunRequest{
		ID:            uuid.New().String(),
		DeploymentID:  dep.ID,
		ScheduleID:    scheduleID,
		Occurrence:    occurrence,
		Entrypoint:    dep.Entrypoint,
		Path:          dep.Path,
		Parameters:    params,
		JobVariables:  jobVars,
		WorkPoolName:  dep.WorkPoolName,
		WorkQueueName: dep.WorkQueueName,
		CreatedAt:     time.Now(),
	}, nil
}

// compileSchema prepares the deployment's parameter schema validator, or nil
// when enforcement is off or no schema is set.
func (d *Dispatcher) compileSchema(dep *models.Deployment) (*jsonschema.Schema, error) {
	if !dep.EnforceParameterSchema || len(dep.ParameterSchema) == 0 {
		return nil, nil
	}
	doc, err := json.Marshal(dep.ParameterSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("parameters.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("load parameter schema: %w", err)
	}
	compiled, err := compiler.Compile("parameters.json")
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return compiled, nil
}

// validateParameters round-trips the parameters through JSON so the
// validator sees the same value types a decoded document would carry.
func validateParameters(schema *jsonschema.Schema, params map[string]any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
