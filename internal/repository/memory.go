package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"flowdeck/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and by single-process
// deployments that run without Postgres.
type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[string]*models.Deployment
	identity    map[identityKey]string
	pools       map[string]*models.WorkPool
	queues      map[string][]*models.WorkQueue
	runs        map[string]*models.FlowRun
	runOrder    []string
}

type identityKey struct {
	flowID string
	name   string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string]*models.Deployment),
		identity:    make(map[identityKey]string),
		pools:       make(map[string]*models.WorkPool),
		queues:      make(map[string][]*models.WorkQueue),
		runs:        make(map[string]*models.FlowRun),
	}
}

// CreateDeployment persists a new deployment, enforcing (flow_id, name)
// uniqueness.
func (s *MemoryStore) CreateDeployment(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey{flowID: d.FlowID, name: d.Name}
	if _, exists := s.identity[key]; exists {
		return &models.ConflictError{FlowID: d.FlowID, Name: d.Name}
	}

	now := time.Now()
	d.Revision = 1
	d.CreatedAt = now
	d.UpdatedAt = now

	cp := *d
	s.deployments[d.ID] = &cp
	s.identity[key] = d.ID
	return nil
}

// GetDeployment returns the stored deployment by ID.
func (s *MemoryStore) GetDeployment(_ context.Context, id string) (*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deployments[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "deployment", ID: id}
	}
	cp := *d
	return &cp, nil
}

// UpdateDeployment replaces the record if the caller's revision is current,
// then bumps the revision. The replacement is all-or-nothing.
func (s *MemoryStore) UpdateDeployment(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.deployments[d.ID]
	if !ok {
		return &models.NotFoundError{Kind: "deployment", ID: d.ID}
	}
	if stored.Revision != d.Revision {
		return &models.ConflictError{FlowID: d.FlowID, Name: d.Name, Detail: "stale revision"}
	}

	cp := *d
	cp.Revision = stored.Revision + 1
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = time.Now()
	s.deployments[d.ID] = &cp
	d.Revision = cp.Revision
	d.UpdatedAt = cp.UpdatedAt
	return nil
}

// ListDeployments returns deployments matching the filter, ordered by name.
func (s *MemoryStore) ListDeployments(_ context.Context, filter models.DeploymentFilter) ([]*models.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Deployment
	for _, d := range s.deployments {
		if filter.Matches(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateWorkPool registers a pool definition.
func (s *MemoryStore) CreateWorkPool(_ context.Context, p *models.WorkPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[p.Name]; exists {
		return &models.ConflictError{Name: p.Name, Detail: "work pool already exists"}
	}
	p.CreatedAt = time.Now()
	cp := *p
	s.pools[p.Name] = &cp
	return nil
}

// CreateWorkQueue registers a queue definition under its pool.
func (s *MemoryStore) CreateWorkQueue(_ context.Context, q *models.WorkQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pools[q.PoolName]; !exists {
		return &models.UnknownPoolError{Pool: q.PoolName}
	}
	for _, existing := range s.queues[q.PoolName] {
		if existing.Name == q.Name {
			return &models.ConflictError{Name: q.Name, Detail: "work queue already exists"}
		}
	}
	q.CreatedAt = time.Now()
	cp := *q
	s.queues[q.PoolName] = append(s.queues[q.PoolName], &cp)
	return nil
}

// ListWorkPools returns all pool definitions, ordered by name.
func (s *MemoryStore) ListWorkPools(_ context.Context) ([]*models.WorkPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.WorkPool, 0, len(s.pools))
	for _, p := range s.pools {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListWorkQueues returns the queues belonging to a pool.
func (s *MemoryStore) ListWorkQueues(_ context.Context, poolName string) ([]*models.WorkQueue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.pools[poolName]; !exists {
		return nil, &models.UnknownPoolError{Pool: poolName}
	}
	out := make([]*models.WorkQueue, 0, len(s.queues[poolName]))
	for _, q := range s.queues[poolName] {
		cp := *q
		out = append(out, &cp)
	}
	return out, nil
}

// CreateFlowRun appends a run to history.
func (s *MemoryStore) CreateFlowRun(_ context.Context, run *models.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = &cp
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// GetFlowRun returns the stored run by ID.
func (s *MemoryStore) GetFlowRun(_ context.Context, id string) (*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "flow run", ID: id}
	}
	cp := *run
	return &cp, nil
}

// UpdateFlowRun replaces the stored run record.
func (s *MemoryStore) UpdateFlowRun(_ context.Context, run *models.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return &models.NotFoundError{Kind: "flow run", ID: run.ID}
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// ListFlowRuns returns a deployment's run history, newest first.
func (s *MemoryStore) ListFlowRuns(_ context.Context, deploymentID string) ([]*models.FlowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.FlowRun
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if run.DeploymentID == deploymentID {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }
