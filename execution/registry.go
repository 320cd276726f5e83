package execution

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/internal/keyed"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// Persister is the durable store behind the Registry
type Persister interface {
	Create(ctx context.Context, exec *Execution) error
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, f Filter) ([]*Execution, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Registry owns execution state. Writes for one execution id are serialized;
// different executions proceed in parallel. Active executions are cached in
// memory; the store stays the source of truth and every write reaches it
// before the cache is updated.
type Registry struct {
	store  Persister
	locks  *keyed.Mutex
	logger *zap.SugaredLogger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*Execution
}

// NewRegistry creates a registry over a sqlite database
func NewRegistry(db *sql.DB, log *zap.SugaredLogger) *Registry {
	return NewRegistryWithStore(NewStore(db), log)
}

// NewRegistryWithStore creates a registry over any Persister
func NewRegistryWithStore(store Persister, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = logger.ComponentLogger("registry")
	}
	return &Registry{
		store:  store,
		locks:  keyed.New(),
		logger: log,
		now:    time.Now,
		cache:  make(map[string]*Execution),
	}
}

// SetClock overrides the time source (tests)
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Create persists a new execution in the created state
func (r *Registry) Create(ctx context.Context, cfg Config) (*Execution, error) {
	if cfg.Suite == "" {
		return nil, errors.NewInvalidRequestError("suite is required")
	}
	if cfg.Shards <= 0 {
		return nil, errors.NewInvalidRequestError("shards must be positive, got %d", cfg.Shards)
	}
	if cfg.TimeoutSeconds < 0 {
		return nil, errors.NewInvalidRequestError("timeout must not be negative, got %d", cfg.TimeoutSeconds)
	}

	exec := New(cfg, r.now())
	if err := r.store.Create(ctx, exec); err != nil {
		return nil, errors.WrapStorage(err, "create execution")
	}

	r.mu.Lock()
	r.cache[exec.ID] = exec
	r.mu.Unlock()

	r.logger.Debugw("Execution created",
		logger.FieldExecutionID, exec.ID,
		"suite", cfg.Suite,
		"shards", cfg.Shards,
	)
	return exec.Clone(), nil
}

// Get returns a snapshot of the execution. A cache miss reads the store
// without filling the cache; only writers holding the id lock populate it.
func (r *Registry) Get(ctx context.Context, id string) (*Execution, error) {
	if cached, ok := r.cached(id); ok {
		return cached, nil
	}
	exec, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return exec.Clone(), nil
}

func (r *Registry) cached(id string) (*Execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.cache[id]
	if !ok {
		return nil, false
	}
	return exec.Clone(), true
}

func (r *Registry) load(ctx context.Context, id string) (*Execution, error) {
	exec, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil, err
		}
		return nil, errors.WrapStorage(err, "load execution "+id)
	}
	return exec, nil
}

// List returns executions straight from the store
func (r *Registry) List(ctx context.Context, f Filter) ([]*Execution, error) {
	return r.store.List(ctx, f)
}

// Active returns every non-terminal execution, oldest first
func (r *Registry) Active(ctx context.Context) ([]*Execution, error) {
	return r.store.List(ctx, Filter{
		Statuses:  []Status{StatusCreated, StatusQueued, StatusRunning},
		Ascending: true,
	})
}

// Counts returns execution counts per status
func (r *Registry) Counts(ctx context.Context) (map[Status]int, error) {
	return r.store.CountByStatus(ctx)
}

// Transition applies ev to the execution. It returns ErrNotFound for unknown
// ids and ErrInvalidTransition (never fatal) when the state machine rejects
// the event; in that case the returned execution is the unchanged current
// state. Storage failures are marked ErrStorage.
func (r *Registry) Transition(ctx context.Context, id string, ev Event) (*Execution, error) {
	return r.mutate(ctx, id, func(e *Execution, now time.Time) error {
		return e.apply(ev, now)
	})
}

// Enqueue moves a created execution to queued
func (r *Registry) Enqueue(ctx context.Context, id string) (*Execution, error) {
	return r.mutate(ctx, id, (*Execution).enqueue)
}

// Promote moves a queued execution to running
func (r *Registry) Promote(ctx context.Context, id string) (*Execution, error) {
	return r.mutate(ctx, id, (*Execution).promote)
}

// Cancel marks the execution cancelled. Cancelling an already cancelled
// execution succeeds without change; completed or failed executions return
// ErrInvalidTransition.
func (r *Registry) Cancel(ctx context.Context, id, reason string) (*Execution, error) {
	return r.mutate(ctx, id, func(e *Execution, now time.Time) error {
		if e.Status == StatusCancelled {
			return errAlreadyApplied
		}
		return e.apply(Event{Type: EventCancelled, Reason: reason, Timestamp: now}, now)
	})
}

// Fail terminates a non-terminal execution as failed with a reason
// (dispatch failure, timeout) and closes its open shards.
func (r *Registry) Fail(ctx context.Context, id, reason string) (*Execution, error) {
	return r.mutate(ctx, id, func(e *Execution, now time.Time) error {
		if e.Status.IsTerminal() {
			return errors.NewInvalidTransitionError("execution %s is already %s", e.ID, e.Status)
		}
		for i := range e.Shards {
			if !e.Shards[i].Status.IsTerminal() {
				e.Shards[i].Status = ShardFailed
				e.Shards[i].UpdatedAt = now
			}
		}
		e.Results = SumResults(e.Shards)
		e.terminate(StatusFailed, reason, now)
		return nil
	})
}

// Purge deletes terminal executions that ended before cutoff
func (r *Registry) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, errors.WrapStorage(err, "purge executions")
	}
	return n, nil
}

// CachedCount is the number of executions held in memory
func (r *Registry) CachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// errAlreadyApplied short-circuits mutate without writing
var errAlreadyApplied = errors.New("already applied")

func (r *Registry) mutate(ctx context.Context, id string, fn func(*Execution, time.Time) error) (*Execution, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	current, ok := r.cached(id)
	if !ok {
		loaded, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		current = loaded
		if !current.Status.IsTerminal() {
			r.mu.Lock()
			r.cache[id] = current.Clone()
			r.mu.Unlock()
		}
	}

	next := current.Clone()
	if err := fn(next, r.now()); err != nil {
		if errors.Is(err, errAlreadyApplied) {
			return current, nil
		}
		return current, err
	}

	if err := r.store.Save(ctx, next); err != nil {
		return nil, errors.WrapStorage(err, "save execution "+id)
	}

	r.mu.Lock()
	if next.Status.IsTerminal() {
		delete(r.cache, id)
	} else {
		r.cache[id] = next
	}
	r.mu.Unlock()

	return next.Clone(), nil
}
