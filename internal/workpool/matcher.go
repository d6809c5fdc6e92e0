// Package workpool matches pending run requests to worker capacity by work
// pool and work queue name, enforcing per-queue concurrency limits.
package workpool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"flowdeck/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Matcher owns the live pool/queue state and the flow-run state machine.
// Claims serialize per run via a compare-and-swap on the run's state, never
// via a lock spanning a whole queue, so claim latency stays low under many
// concurrent workers.
type Matcher struct {
	logger           Logger
	heartbeatTimeout time.Duration

	mu    sync.RWMutex
	pools map[string]*pool

	runs sync.Map // run ID -> *trackedRun
	seq  atomic.Int64

	// onTransition, when set, observes every state change with a copy of
	// the run. Used to mirror transitions into run history.
	onTransition func(models.FlowRun)

	runsClaimed metric.Int64Counter
	runsCrashed metric.Int64Counter
}

type pool struct {
	name   string
	mu     sync.RWMutex
	queues map[string]*workQueue
}

type workQueue struct {
	name     string
	poolName string
	capacity int
	limit    int

	mu      sync.Mutex
	pending []*trackedRun

	// inFlight counts claimed, non-terminal runs. Never exceeds limit.
	inFlight atomic.Int64
}

// trackedRun pairs a FlowRun with the atomic state word that claims and
// transitions CAS against. The embedded FlowRun is only read or written
// under mu; state is the authority.
type trackedRun struct {
	mu    sync.Mutex
	run   models.FlowRun
	state atomic.Int32

	queue         *workQueue
	priority      int
	seq           int64
	lastHeartbeat atomic.Int64 // unix nanos
}

const (
	stateScheduled int32 = iota
	statePending
	stateRunning
	stateCompleted
	stateFailed
	stateCrashed
	stateCancelled
)

var stateWords = map[int32]models.RunState{
	stateScheduled: models.RunStateScheduled,
	statePending:   models.RunStatePending,
	stateRunning:   models.RunStateRunning,
	stateCompleted: models.RunStateCompleted,
	stateFailed:    models.RunStateFailed,
	stateCrashed:   models.RunStateCrashed,
	stateCancelled: models.RunStateCancelled,
}

func isTerminalWord(s int32) bool { return s >= stateCompleted }

// New creates a Matcher. heartbeatTimeout governs when a Running run with a
// silent worker is declared Crashed.
func New(logger Logger, heartbeatTimeout time.Duration) *Matcher {
	meter := otel.Meter("flowdeck/workpool")
	claimed, _ := meter.Int64Counter("flowdeck.runs.claimed",
		metric.WithDescription("Run requests claimed by workers"))
	crashed, _ := meter.Int64Counter("flowdeck.runs.crashed",
		metric.WithDescription("Runs crashed on heartbeat timeout"))
	return &Matcher{
		logger:           logger,
		heartbeatTimeout: heartbeatTimeout,
		pools:            make(map[string]*pool),
		runsClaimed:      claimed,
		runsCrashed:      crashed,
	}
}

// SetTransitionHook installs the observer invoked on every run state change.
// Must be called before the matcher is shared across goroutines.
func (m *Matcher) SetTransitionHook(hook func(models.FlowRun)) {
	m.onTransition = hook
}

// RegisterPool adds a pool. Registering an existing name is a no-op.
func (m *Matcher) RegisterPool(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[name]; !ok {
		m.pools[name] = &pool{name: name, queues: make(map[string]*workQueue)}
	}
}

// RegisterQueue adds a queue under its pool. Fails with UnknownPoolError if
// the pool does not exist.
func (m *Matcher) RegisterQueue(q models.WorkQueue) error {
	m.mu.RLock()
	p, ok := m.pools[q.PoolName]
	m.mu.RUnlock()
	if !ok {
		return &models.UnknownPoolError{Pool: q.PoolName}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.queues[q.Name]; !exists {
		p.queues[q.Name] = &workQueue{
			name:     q.Name,
			poolName: q.PoolName,
			capacity: q.Capacity,
			limit:    q.ConcurrencyLimit,
		}
	}
	return nil
}

func (m *Matcher) lookupQueue(poolName, queueName string) (*workQueue, error) {
	m.mu.RLock()
	p, ok := m.pools[poolName]
	m.mu.RUnlock()
	if !ok {
		return nil, &models.UnknownPoolError{Pool: poolName}
	}
	p.mu.RLock()
	q, ok := p.queues[queueName]
	p.mu.RUnlock()
	if !ok {
		return nil, &models.UnknownQueueError{Pool: poolName, Queue: queueName}
	}
	return q, nil
}

// Enqueue places a run request on its target queue and creates the backing
// FlowRun in the Scheduled state. It fails with UnknownPoolError or
// UnknownQueueError for a missing target and QueueFullError at capacity; it
// never silently drops.
func (m *Matcher) Enqueue(req *models.RunRequest) (*models.FlowRun, error) {
	q, err := m.lookupQueue(req.WorkPoolName, req.WorkQueueName)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tr := &trackedRun{
		run: models.FlowRun{
			ID:             uuid.New().String(),
			DeploymentID:   req.DeploymentID,
			Request:        req,
			State:          models.RunStateScheduled,
			CreatedAt:      now,
			StateUpdatedAt: now,
		},
		queue:    q,
		priority: req.Priority,
		seq:      m.seq.Add(1),
	}

	q.mu.Lock()
	// Claimed and cancelled runs linger in pending until compaction; drop
	// them now so the capacity check only counts runs still waiting.
	q.compactLocked()
	if q.capacity > 0 && len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return nil, &models.QueueFullError{Pool: q.poolName, Queue: q.name, Capacity: q.capacity}
	}
	q.pending = append(q.pending, tr)
	q.mu.Unlock()

	m.runs.Store(tr.run.ID, tr)
	m.notify(tr)

	cp := tr.run
	return &cp, nil
}

// Claim returns up to maxRuns oldest-eligible runs across the named queues
// of the pool, atomically transitioning each Scheduled → Pending. An empty
// queueNames set means every queue in the pool. A queue at its concurrency
// limit yields nothing until an in-flight run reaches a terminal state.
func (m *Matcher) Claim(ctx context.Context, workerID, poolName string, queueNames []string, maxRuns int) ([]*models.FlowRun, error) {
	m.mu.RLock()
	p, ok := m.pools[poolName]
	m.mu.RUnlock()
	if !ok {
		return nil, &models.UnknownPoolError{Pool: poolName}
	}

	queues, err := p.selectQueues(queueNames)
	if err != nil {
		return nil, err
	}

	// Snapshot candidates, then order: priority first, enqueue order within
	// a priority.
	var candidates []*trackedRun
	for _, q := range queues {
		q.mu.Lock()
		q.compactLocked()
		candidates = append(candidates, q.pending...)
		q.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	var claimed []*models.FlowRun
	for _, tr := range candidates {
		if len(claimed) >= maxRuns {
			break
		}
		q := tr.queue
		if !q.reserveSlot() {
			continue
		}
		// The CAS is the at-most-one-claim point: a concurrent caller that
		// loses it simply moves on.
		if !tr.state.CompareAndSwap(stateScheduled, statePending) {
			q.releaseSlot()
			continue
		}

		tr.mu.Lock()
		tr.run.State = models.RunStatePending
		tr.run.WorkerID = workerID
		tr.run.StateUpdatedAt = time.Now()
		cp := tr.run
		tr.mu.Unlock()

		tr.lastHeartbeat.Store(time.Now().UnixNano())
		m.notify(tr)
		m.runsClaimed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("pool", poolName)))
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (p *pool) selectQueues(names []string) ([]*workQueue, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(names) == 0 {
		out := make([]*workQueue, 0, len(p.queues))
		for _, q := range p.queues {
			out = append(out, q)
		}
		return out, nil
	}
	out := make([]*workQueue, 0, len(names))
	for _, name := range names {
		q, ok := p.queues[name]
		if !ok {
			return nil, &models.UnknownQueueError{Pool: p.name, Queue: name}
		}
		out = append(out, q)
	}
	return out, nil
}

// compactLocked drops runs that left the Scheduled state (claimed or
// cancelled) from the pending list. Caller holds q.mu.
func (q *workQueue) compactLocked() {
	kept := q.pending[:0]
	for _, tr := range q.pending {
		if tr.state.Load() == stateScheduled {
			kept = append(kept, tr)
		}
	}
	q.pending = kept
}

// reserveSlot reserves in-flight capacity; returns false at the limit.
func (q *workQueue) reserveSlot() bool {
	if q.limit <= 0 {
		q.inFlight.Add(1)
		return true
	}
	for {
		cur := q.inFlight.Load()
		if cur >= int64(q.limit) {
			return false
		}
		if q.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (q *workQueue) releaseSlot() {
	q.inFlight.Add(-1)
}

// ReportStarted transitions Pending → Running on the worker-reported start.
func (m *Matcher) ReportStarted(runID string) error {
	tr, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if !tr.state.CompareAndSwap(statePending, stateRunning) {
		return &models.ClaimConflictError{RunID: runID}
	}
	now := time.Now()
	tr.lastHeartbeat.Store(now.UnixNano())
	tr.mu.Lock()
	tr.run.State = models.RunStateRunning
	tr.run.StartedAt = &now
	tr.run.StateUpdatedAt = now
	tr.mu.Unlock()
	m.notify(tr)
	return nil
}

// ReportCompleted transitions Running → Completed and frees the queue slot.
func (m *Matcher) ReportCompleted(runID string) error {
	return m.finish(runID, stateCompleted, "")
}

// ReportFailed transitions Running → Failed and frees the queue slot.
func (m *Matcher) ReportFailed(runID, message string) error {
	return m.finish(runID, stateFailed, message)
}

func (m *Matcher) finish(runID string, target int32, message string) error {
	tr, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if !tr.state.CompareAndSwap(stateRunning, target) {
		return &models.ClaimConflictError{RunID: runID}
	}
	now := time.Now()
	tr.mu.Lock()
	tr.run.State = stateWords[target]
	tr.run.StateMessage = message
	tr.run.EndedAt = &now
	tr.run.StateUpdatedAt = now
	tr.mu.Unlock()
	tr.queue.releaseSlot()
	m.notify(tr)
	return nil
}

// Cancel moves any non-terminal run to Cancelled. The transition is all the
// core guarantees; the executing worker observes it and terminates
// cooperatively. Terminal states are immutable, so cancelling a finished run
// fails with ClaimConflictError.
func (m *Matcher) Cancel(runID string) error {
	tr, err := m.lookup(runID)
	if err != nil {
		return err
	}
	for {
		cur := tr.state.Load()
		if isTerminalWord(cur) {
			return &models.ClaimConflictError{RunID: runID}
		}
		if tr.state.CompareAndSwap(cur, stateCancelled) {
			now := time.Now()
			tr.mu.Lock()
			tr.run.State = models.RunStateCancelled
			tr.run.EndedAt = &now
			tr.run.StateUpdatedAt = now
			tr.mu.Unlock()
			// A claimed run held an in-flight slot; a still-scheduled one
			// did not.
			if cur == statePending || cur == stateRunning {
				tr.queue.releaseSlot()
			}
			m.notify(tr)
			return nil
		}
	}
}

// Heartbeat records liveness for a run's worker.
func (m *Matcher) Heartbeat(runID string) error {
	tr, err := m.lookup(runID)
	if err != nil {
		return err
	}
	tr.lastHeartbeat.Store(time.Now().UnixNano())
	return nil
}

// SweepExpired transitions Running runs whose heartbeat is older than the
// timeout to Crashed and frees their slots. It returns the crashed runs.
// A crash is a state transition, not an error: nothing is retried.
//
// The sweep also evicts runs that have been terminal for longer than the
// timeout, so the tracked set does not grow over the process lifetime.
// Evicted runs stay readable through the store's run history.
func (m *Matcher) SweepExpired(ctx context.Context, now time.Time) []models.FlowRun {
	var crashed []models.FlowRun
	m.runs.Range(func(_, v any) bool {
		tr := v.(*trackedRun)
		st := tr.state.Load()
		if isTerminalWord(st) {
			tr.mu.Lock()
			id := tr.run.ID
			updated := tr.run.StateUpdatedAt
			tr.mu.Unlock()
			if now.Sub(updated) > m.heartbeatTimeout {
				m.runs.Delete(id)
			}
			return true
		}
		if st != stateRunning {
			return true
		}
		last := time.Unix(0, tr.lastHeartbeat.Load())
		if now.Sub(last) <= m.heartbeatTimeout {
			return true
		}
		if !tr.state.CompareAndSwap(stateRunning, stateCrashed) {
			return true
		}
		end := now
		tr.mu.Lock()
		tr.run.State = models.RunStateCrashed
		tr.run.StateMessage = "worker heartbeat timed out"
		tr.run.EndedAt = &end
		tr.run.StateUpdatedAt = now
		cp := tr.run
		tr.mu.Unlock()
		tr.queue.releaseSlot()
		m.notify(tr)
		m.runsCrashed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("pool", tr.queue.poolName)))
		m.logger.Info("run crashed on heartbeat timeout",
			"run_id", cp.ID, "deployment_id", cp.DeploymentID)
		crashed = append(crashed, cp)
		return true
	})
	return crashed
}

// GetRun returns a copy of the tracked run.
func (m *Matcher) GetRun(runID string) (*models.FlowRun, error) {
	tr, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	tr.mu.Lock()
	cp := tr.run
	tr.mu.Unlock()
	return &cp, nil
}

func (m *Matcher) lookup(runID string) (*trackedRun, error) {
	v, ok := m.runs.Load(runID)
	if !ok {
		return nil, &models.NotFoundError{Kind: "flow run", ID: runID}
	}
	return v.(*trackedRun), nil
}

func (m *Matcher) notify(tr *trackedRun) {
	if m.onTransition == nil {
		return
	}
	tr.mu.Lock()
	cp := tr.run
	tr.mu.Unlock()
	m.onTransition(cp)
}
