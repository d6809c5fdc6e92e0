package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowdeck/pkg/models"
)

const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL implementation of the Store interface.
// Transient failures are retried with bounded exponential backoff; after
// exhaustion the operation fails with *models.StoreUnavailableError. Domain
// errors (conflict, not found) are never retried.
type PostgresStore struct {
	db         *pgxpool.Pool
	maxRetries uint64
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, maxRetries: 4}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS deployments (
			id UUID PRIMARY KEY,
			flow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			entrypoint TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			parameters JSONB NOT NULL DEFAULT '{}',
			parameter_schema JSONB,
			enforce_parameter_schema BOOLEAN NOT NULL DEFAULT FALSE,
			schedules JSONB NOT NULL DEFAULT '[]',
			paused BOOLEAN NOT NULL DEFAULT FALSE,
			trigger_ref TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			work_pool_name TEXT NOT NULL DEFAULT '',
			work_queue_name TEXT NOT NULL DEFAULT '',
			job_variables JSONB NOT NULL DEFAULT '{}',
			pull_steps JSONB NOT NULL DEFAULT '[]',
			revision BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (flow_id, name)
		);
		CREATE TABLE IF NOT EXISTS work_pools (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS work_queues (
			pool_name TEXT NOT NULL REFERENCES work_pools(name),
			name TEXT NOT NULL,
			capacity INT NOT NULL DEFAULT 0,
			concurrency_limit INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (pool_name, name)
		);
		CREATE TABLE IF NOT EXISTS flow_runs (
			id UUID PRIMARY KEY,
			deployment_id UUID NOT NULL,
			request JSONB NOT NULL,
			state TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			state_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ,
			state_updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_flow_runs_deployment
			ON flow_runs (deployment_id, created_at DESC);
	`)
	return err
}

// withRetry runs fn under bounded exponential backoff. Domain errors abort
// immediately; connectivity errors are retried up to maxRetries and then
// surfaced as StoreUnavailableError.
func (s *PostgresStore) withRetry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), s.maxRetries), ctx)
	err := backoff.Retry(func() error {
		if err := fn(); err != nil {
			if isDomainError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &models.StoreUnavailableError{Op: op, Err: err}
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}

func isDomainError(err error) bool {
	var conflict *models.ConflictError
	var notFound *models.NotFoundError
	var unknownPool *models.UnknownPoolError
	return errors.As(err, &conflict) || errors.As(err, &notFound) || errors.As(err, &unknownPool)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateDeployment persists a new deployment, enforcing (flow_id, name)
// uniqueness via the table constraint.
func (s *PostgresStore) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	now := time.Now()
	d.Revision = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	normalizeDeployment(d)

	schedules, pullSteps, err := marshalDeploymentDocs(d)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, "create deployment", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO deployments (
				id, flow_id, name, entrypoint, path, parameters,
				parameter_schema, enforce_parameter_schema, schedules, paused,
				trigger_ref, version, tags, work_pool_name, work_queue_name,
				job_variables, pull_steps, revision, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
			d.ID, d.FlowID, d.Name, d.Entrypoint, d.Path, d.Parameters,
			d.ParameterSchema, d.EnforceParameterSchema, schedules, d.Paused,
			d.Trigger, d.Version, d.Tags, d.WorkPoolName, d.WorkQueueName,
			d.JobVariables, pullSteps, d.Revision, d.CreatedAt, d.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return &models.ConflictError{FlowID: d.FlowID, Name: d.Name}
		}
		return err
	})
}

// GetDeployment retrieves a deployment by its ID.
func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	var d *models.Deployment
	err := s.withRetry(ctx, "get deployment", func() error {
		row := s.db.QueryRow(ctx, `
			SELECT id, flow_id, name, entrypoint, path, parameters,
				parameter_schema, enforce_parameter_schema, schedules, paused,
				trigger_ref, version, tags, work_pool_name, work_queue_name,
				job_variables, pull_steps, revision, created_at, updated_at
			FROM deployments WHERE id = $1`, id)
		var scanErr error
		d, scanErr = scanDeployment(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return &models.NotFoundError{Kind: "deployment", ID: id}
		}
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDeployment replaces the record atomically if the caller's revision
// is current, and bumps the revision. The single UPDATE statement makes the
// multi-field replacement all-or-nothing.
func (s *PostgresStore) UpdateDeployment(ctx context.Context, d *models.Deployment) error {
	normalizeDeployment(d)
	schedules, pullSteps, err := marshalDeploymentDocs(d)
	if err != nil {
		return err
	}
	now := time.Now()

	return s.withRetry(ctx, "update deployment", func() error {
		tag, err := s.db.Exec(ctx, `
			UPDATE deployments SET
				entrypoint=$1, path=$2, parameters=$3, parameter_schema=$4,
				enforce_parameter_schema=$5, schedules=$6, paused=$7,
				trigger_ref=$8, version=$9, tags=$10, work_pool_name=$11,
				work_queue_name=$12, job_variables=$13, pull_steps=$14,
				revision=revision+1, updated_at=$15
			WHERE id=$16 AND revision=$17`,
			d.Entrypoint, d.Path, d.Parameters, d.ParameterSchema,
			d.EnforceParameterSchema, schedules, d.Paused,
			d.Trigger, d.Version, d.Tags, d.WorkPoolName,
			d.WorkQueueName, d.JobVariables, pullSteps,
			now, d.ID, d.Revision,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a missing row from a stale revision.
			var exists bool
			if err := s.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM deployments WHERE id=$1)`, d.ID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return &models.NotFoundError{Kind: "deployment", ID: d.ID}
			}
			return &models.ConflictError{FlowID: d.FlowID, Name: d.Name, Detail: "stale revision"}
		}
		d.Revision++
		d.UpdatedAt = now
		return nil
	})
}

// ListDeployments returns deployments matching the filter, ordered by name.
func (s *PostgresStore) ListDeployments(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, error) {
	var out []*models.Deployment
	err := s.withRetry(ctx, "list deployments", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT id, flow_id, name, entrypoint, path, parameters,
				parameter_schema, enforce_parameter_schema, schedules, paused,
				trigger_ref, version, tags, work_pool_name, work_queue_name,
				job_variables, pull_steps, revision, created_at, updated_at
			FROM deployments ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			d, err := scanDeployment(rows)
			if err != nil {
				return err
			}
			if filter.Matches(d) {
				out = append(out, d)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateWorkPool registers a pool definition.
func (s *PostgresStore) CreateWorkPool(ctx context.Context, p *models.WorkPool) error {
	p.CreatedAt = time.Now()
	return s.withRetry(ctx, "create work pool", func() error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO work_pools (name, description, created_at) VALUES ($1, $2, $3)`,
			p.Name, p.Description, p.CreatedAt)
		if isUniqueViolation(err) {
			return &models.ConflictError{Name: p.Name, Detail: "work pool already exists"}
		}
		return err
	})
}

// CreateWorkQueue registers a queue definition under its pool.
func (s *PostgresStore) CreateWorkQueue(ctx context.Context, q *models.WorkQueue) error {
	q.CreatedAt = time.Now()
	return s.withRetry(ctx, "create work queue", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO work_queues (pool_name, name, capacity, concurrency_limit, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			q.PoolName, q.Name, q.Capacity, q.ConcurrencyLimit, q.CreatedAt)
		if isUniqueViolation(err) {
			return &models.ConflictError{Name: q.Name, Detail: "work queue already exists"}
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return &models.UnknownPoolError{Pool: q.PoolName}
		}
		return err
	})
}

// ListWorkPools returns all pool definitions, ordered by name.
func (s *PostgresStore) ListWorkPools(ctx context.Context) ([]*models.WorkPool, error) {
	var out []*models.WorkPool
	err := s.withRetry(ctx, "list work pools", func() error {
		rows, err := s.db.Query(ctx,
			`SELECT name, description, created_at FROM work_pools ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var p models.WorkPool
			if err := rows.Scan(&p.Name, &p.Description, &p.CreatedAt); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListWorkQueues returns the queues belonging to a pool.
func (s *PostgresStore) ListWorkQueues(ctx context.Context, poolName string) ([]*models.WorkQueue, error) {
	var out []*models.WorkQueue
	err := s.withRetry(ctx, "list work queues", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT pool_name, name, capacity, concurrency_limit, created_at
			FROM work_queues WHERE pool_name = $1 ORDER BY name`, poolName)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var q models.WorkQueue
			if err := rows.Scan(&q.PoolName, &q.Name, &q.Capacity, &q.ConcurrencyLimit, &q.CreatedAt); err != nil {
				return err
			}
			out = append(out, &q)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateFlowRun records a run entering history.
func (s *PostgresStore) CreateFlowRun(ctx context.Context, run *models.FlowRun) error {
	request, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	return s.withRetry(ctx, "create flow run", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO flow_runs (
				id, deployment_id, request, state, worker_id, state_message,
				created_at, started_at, ended_at, state_updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			run.ID, run.DeploymentID, request, run.State, run.WorkerID,
			run.StateMessage, run.CreatedAt, run.StartedAt, run.EndedAt,
			run.StateUpdatedAt)
		return err
	})
}

// GetFlowRun retrieves a run by its ID.
func (s *PostgresStore) GetFlowRun(ctx context.Context, id string) (*models.FlowRun, error) {
	var run *models.FlowRun
	err := s.withRetry(ctx, "get flow run", func() error {
		row := s.db.QueryRow(ctx, `
			SELECT id, deployment_id, request, state, worker_id, state_message,
				created_at, started_at, ended_at, state_updated_at
			FROM flow_runs WHERE id = $1`, id)
		var scanErr error
		run, scanErr = scanFlowRun(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return &models.NotFoundError{Kind: "flow run", ID: id}
		}
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateFlowRun replaces the stored run record.
func (s *PostgresStore) UpdateFlowRun(ctx context.Context, run *models.FlowRun) error {
	return s.withRetry(ctx, "update flow run", func() error {
		tag, err := s.db.Exec(ctx, `
			UPDATE flow_runs SET
				state=$1, worker_id=$2, state_message=$3,
				started_at=$4, ended_at=$5, state_updated_at=$6
			WHERE id=$7`,
			run.State, run.WorkerID, run.StateMessage,
			run.StartedAt, run.EndedAt, run.StateUpdatedAt, run.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &models.NotFoundError{Kind: "flow run", ID: run.ID}
		}
		return nil
	})
}

// ListFlowRuns returns a deployment's run history, newest first.
func (s *PostgresStore) ListFlowRuns(ctx context.Context, deploymentID string) ([]*models.FlowRun, error) {
	var out []*models.FlowRun
	err := s.withRetry(ctx, "list flow runs", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT id, deployment_id, request, state, worker_id, state_message,
				created_at, started_at, ended_at, state_updated_at
			FROM flow_runs WHERE deployment_id = $1 ORDER BY created_at DESC`,
			deploymentID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			run, err := scanFlowRun(rows)
			if err != nil {
				return err
			}
			out = append(out, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// normalizeDeployment replaces nil collections with empty ones so NOT NULL
// columns accept them.
func normalizeDeployment(d *models.Deployment) {
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	if d.JobVariables == nil {
		d.JobVariables = map[string]any{}
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
}

func marshalDeploymentDocs(d *models.Deployment) (schedules, pullSteps []byte, err error) {
	if d.Schedules == nil {
		schedules = []byte("[]")
	} else if schedules, err = json.Marshal(d.Schedules); err != nil {
		return nil, nil, fmt.Errorf("marshal schedules: %w", err)
	}
	if d.PullSteps == nil {
		pullSteps = []byte("[]")
	} else if pullSteps, err = json.Marshal(d.PullSteps); err != nil {
		return nil, nil, fmt.Errorf("marshal pull steps: %w", err)
	}
	return schedules, pullSteps, nil
}

func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var d models.Deployment
	var schedules, pullSteps []byte
	err := row.Scan(
		&d.ID, &d.FlowID, &d.Name, &d.Entrypoint, &d.Path, &d.Parameters,
		&d.ParameterSchema, &d.EnforceParameterSchema, &schedules, &d.Paused,
		&d.Trigger, &d.Version, &d.Tags, &d.WorkPoolName, &d.WorkQueueName,
		&d.JobVariables, &pullSteps, &d.Revision, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schedules, &d.Schedules); err != nil {
		return nil, fmt.Errorf("unmarshal schedules: %w", err)
	}
	if err := json.Unmarshal(pullSteps, &d.PullSteps); err != nil {
		return nil, fmt.Errorf("unmarshal pull steps: %w", err)
	}
	return &d, nil
}

func scanFlowRun(row pgx.Row) (*models.FlowRun, error) {
	var run models.FlowRun
	var request []byte
	err := row.Scan(
		&run.ID, &run.DeploymentID, &request, &run.State, &run.WorkerID,
		&run.StateMessage, &run.CreatedAt, &run.StartedAt, &run.EndedAt,
		&run.StateUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(request, &run.Request); err != nil {
		return nil, fmt.Errorf("unmarshal run request: %w", err)
	}
	return &run, nil
}
