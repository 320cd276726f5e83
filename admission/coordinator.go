// Package admission decides when executions may run.
//
// The Coordinator holds a budget of concurrently running executions and
// in-flight shards. Requests that fit are started immediately; the rest wait
// in a FIFO queue and are promoted, strictly in order, as running executions
// reach a terminal state. Starting an execution means asking a Dispatcher to
// trigger the CI/CD run; a trigger that fails fails the execution so the
// capacity it held is not leaked.
package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// Decision is the result of an admission request
type Decision string

const (
	Admitted Decision = "admitted"
	Queued   Decision = "queued"
	Rejected Decision = "rejected"
)

// Failure reasons recorded on executions failed by the coordinator
const (
	ReasonDispatchFailed = "dispatch_failed"
	ReasonTimeout        = "timeout"
	ReasonCancelled      = "cancelled by user"
)

// Registry is the part of the execution registry the coordinator drives
type Registry interface {
	Create(ctx context.Context, cfg execution.Config) (*execution.Execution, error)
	Get(ctx context.Context, id string) (*execution.Execution, error)
	Enqueue(ctx context.Context, id string) (*execution.Execution, error)
	Promote(ctx context.Context, id string) (*execution.Execution, error)
	Cancel(ctx context.Context, id, reason string) (*execution.Execution, error)
	Fail(ctx context.Context, id, reason string) (*execution.Execution, error)
	Active(ctx context.Context) ([]*execution.Execution, error)
}

// Admission is the answer to Admit
type Admission struct {
	Decision  Decision
	Execution *execution.Execution // nil when rejected
	Position  int                  // 1-based queue position when queued
}

// Update is emitted whenever the queue or an execution's status changes
// through the coordinator
type Update struct {
	Snapshot  Snapshot
	Execution *execution.Execution // set when the coordinator changed it
}

type slot struct {
	shards   int
	deadline time.Time // zero when the execution has no timeout
}

type waiting struct {
	id     string
	shards int
}

// Coordinator is the resource and queue coordinator
type Coordinator struct {
	registry   Registry
	dispatcher Dispatcher
	cfg        am.QueueConfig
	logger     *zap.SugaredLogger
	now        func() time.Time
	updates    chan Update

	mu       sync.Mutex
	running  map[string]slot
	inFlight int
	queue    []waiting

	wg sync.WaitGroup // dispatch and cancel signals in flight
}

// NewCoordinator wires a coordinator. registry and dispatcher are required.
func NewCoordinator(registry Registry, dispatcher Dispatcher, cfg am.QueueConfig, log *zap.SugaredLogger) (*Coordinator, error) {
	if registry == nil {
		return nil, errors.New("admission: registry is required")
	}
	if dispatcher == nil {
		return nil, errors.New("admission: dispatcher is required")
	}
	if cfg.MaxRunning <= 0 {
		return nil, errors.Newf("admission: max running must be positive, got %d", cfg.MaxRunning)
	}
	if log == nil {
		log = logger.ComponentLogger("admission")
	}
	return &Coordinator{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
		updates:    make(chan Update, 256),
		running:    make(map[string]slot),
	}, nil
}

// Updates delivers queue and status changes. Sends are best effort: when the
// reader falls behind, updates are dropped.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates
}

// normalize applies shard and timeout defaults and limits
func (c *Coordinator) normalize(cfg execution.Config) execution.Config {
	if cfg.Shards <= 0 {
		cfg.Shards = c.cfg.DefaultShards
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	limit := c.cfg.MaxShards
	if c.cfg.MaxInFlightShards > 0 && (limit <= 0 || c.cfg.MaxInFlightShards < limit) {
		limit = c.cfg.MaxInFlightShards
	}
	if limit > 0 && cfg.Shards > limit {
		cfg.Shards = limit
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = c.cfg.DefaultTimeoutMinutes * 60
	}
	return cfg
}

// fitsLocked reports whether an execution with n shards can start now
func (c *Coordinator) fitsLocked(n int) bool {
	if len(c.running) >= c.cfg.MaxRunning {
		return false
	}
	return c.cfg.MaxInFlightShards <= 0 || c.inFlight+n <= c.cfg.MaxInFlightShards
}

// Admit creates an execution and either starts it, queues it, or rejects it
// with ErrCapacityExceeded when the wait queue is full.
func (c *Coordinator) Admit(ctx context.Context, req execution.Config) (Admission, error) {
	req = c.normalize(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Nothing overtakes the queue.
	canStart := len(c.queue) == 0 && c.fitsLocked(req.Shards)
	if !canStart && c.cfg.MaxWaiting > 0 && len(c.queue) >= c.cfg.MaxWaiting {
		c.logger.Infow("Admission rejected",
			"suite", req.Suite,
			logger.FieldCount, len(c.queue),
		)
		return Admission{Decision: Rejected}, errors.Wrapf(errors.ErrCapacityExceeded,
			"%d executions running, %d waiting", len(c.running), len(c.queue))
	}

	exec, err := c.registry.Create(ctx, req)
	if err != nil {
		return Admission{}, err
	}
	exec, err = c.registry.Enqueue(ctx, exec.ID)
	if err != nil {
		return Admission{}, err
	}

	if !canStart {
		c.queue = append(c.queue, waiting{id: exec.ID, shards: exec.Config.Shards})
		position := len(c.queue)
		c.logger.Infow("Execution queued",
			logger.FieldExecutionID, exec.ID,
			logger.FieldPosition, position,
		)
		c.emitLocked(nil)
		return Admission{Decision: Queued, Execution: exec, Position: position}, nil
	}

	exec, err = c.registry.Promote(ctx, exec.ID)
	if err != nil {
		return Admission{}, err
	}
	c.startLocked(exec)
	return Admission{Decision: Admitted, Execution: exec}, nil
}

// startLocked reserves capacity for a running execution, announces it and
// triggers it
func (c *Coordinator) startLocked(exec *execution.Execution) {
	s := slot{shards: len(exec.Shards)}
	if deadline, ok := exec.Deadline(); ok {
		s.deadline = deadline
	}
	c.running[exec.ID] = s
	c.inFlight += s.shards

	c.logger.Infow("Execution started",
		logger.FieldExecutionID, exec.ID,
		"shards", s.shards,
	)

	c.emitLocked(exec)

	c.wg.Add(1)
	go c.dispatch(exec)
}

func (c *Coordinator) dispatch(exec *execution.Execution) {
	defer c.wg.Done()
	// Detached from the admitting request: the client may disconnect first.
	ctx := logger.WithExecutionID(context.Background(), exec.ID)

	err := c.dispatcher.Dispatch(ctx, exec)
	if err == nil {
		return
	}

	c.logger.Errorw("Dispatch failed",
		logger.FieldExecutionID, exec.ID,
		logger.FieldError, err.Error(),
	)
	failed, ferr := c.registry.Fail(ctx, exec.ID, ReasonDispatchFailed)
	if ferr != nil {
		// Already terminal (cancelled while dispatching) is fine.
		if !errors.IsInvalidTransition(ferr) {
			c.logger.Errorw("Failed to record dispatch failure",
				logger.FieldExecutionID, exec.ID,
				logger.FieldError, ferr.Error(),
			)
		}
		return
	}
	c.release(ctx, failed)
}

// Release frees the capacity held by a terminal execution and promotes from
// the queue. Releasing an unknown or already released id only promotes.
func (c *Coordinator) Release(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(ctx, id)
	c.emitLocked(nil)
}

func (c *Coordinator) release(ctx context.Context, exec *execution.Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(ctx, exec.ID)
	c.emitLocked(exec)
}

func (c *Coordinator) releaseLocked(ctx context.Context, id string) {
	if s, ok := c.running[id]; ok {
		delete(c.running, id)
		c.inFlight -= s.shards
		c.logger.Debugw("Capacity released", logger.FieldExecutionID, id, "shards", s.shards)
	} else {
		c.removeQueuedLocked(id)
	}
	c.promoteLocked(ctx)
}

func (c *Coordinator) removeQueuedLocked(id string) bool {
	for i, w := range c.queue {
		if w.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// promoteLocked starts queued executions, in order, while the head fits
func (c *Coordinator) promoteLocked(ctx context.Context) {
	for len(c.queue) > 0 {
		head := c.queue[0]
		if !c.fitsLocked(head.shards) {
			return
		}

		exec, err := c.registry.Promote(ctx, head.id)
		switch {
		case err == nil:
			c.queue = c.queue[1:]
			c.startLocked(exec)

		case errors.IsNotFoundError(err):
			c.queue = c.queue[1:]

		case errors.IsInvalidTransition(err):
			c.queue = c.queue[1:]
			// Running already (recovered state) holds capacity without a new
			// trigger; terminal executions are simply dropped.
			if exec != nil && exec.Status == execution.StatusRunning {
				s := slot{shards: len(exec.Shards)}
				if deadline, ok := exec.Deadline(); ok {
					s.deadline = deadline
				}
				c.running[exec.ID] = s
				c.inFlight += s.shards
			}

		default:
			c.logger.Errorw("Promotion failed",
				logger.FieldExecutionID, head.id,
				logger.FieldError, err.Error(),
			)
			return
		}
	}
}

// Cancel cancels an execution in created, queued or running, releases its
// capacity and signals the CI/CD platform. Cancelling an already cancelled
// execution succeeds; completed or failed executions return
// ErrInvalidTransition.
func (c *Coordinator) Cancel(ctx context.Context, id string) (*execution.Execution, error) {
	before, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	exec, err := c.registry.Cancel(ctx, id, ReasonCancelled)
	if err != nil {
		return exec, err
	}
	if before.Status == execution.StatusCancelled {
		return exec, nil
	}

	c.release(ctx, exec)
	c.logger.Infow("Execution cancelled", logger.FieldExecutionID, id, "was", string(before.Status))

	if before.Status == execution.StatusRunning {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			sctx := logger.WithExecutionID(context.Background(), id)
			if err := c.dispatcher.Cancel(sctx, exec); err != nil {
				c.logger.Warnw("Cancel signal failed",
					logger.FieldExecutionID, id,
					logger.FieldError, err.Error(),
				)
			}
		}()
	}
	return exec, nil
}

// Recover rebuilds the running set and queue from persisted non-terminal
// executions. Created executions left behind by a crash are queued.
func (c *Coordinator) Recover(ctx context.Context) error {
	active, err := c.registry.Active(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load active executions")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = make(map[string]slot)
	c.inFlight = 0
	c.queue = nil

	for _, exec := range active {
		switch exec.Status {
		case execution.StatusCreated:
			queued, err := c.registry.Enqueue(ctx, exec.ID)
			if err != nil {
				return errors.Wrapf(err, "failed to queue recovered execution %s", exec.ID)
			}
			c.queue = append(c.queue, waiting{id: queued.ID, shards: len(queued.Shards)})
		case execution.StatusQueued:
			c.queue = append(c.queue, waiting{id: exec.ID, shards: len(exec.Shards)})
		case execution.StatusRunning:
			s := slot{shards: len(exec.Shards)}
			if deadline, ok := exec.Deadline(); ok {
				s.deadline = deadline
			}
			c.running[exec.ID] = s
			c.inFlight += s.shards
		}
	}

	c.logger.Infow("Queue recovered",
		"running", len(c.running),
		"waiting", len(c.queue),
		"in_flight_shards", c.inFlight,
	)
	c.promoteLocked(ctx)
	c.emitLocked(nil)
	return nil
}

// SweepTimeouts fails running executions whose timeout has elapsed and
// returns how many were failed
func (c *Coordinator) SweepTimeouts(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var expired []string
	for id, s := range c.running {
		if !s.deadline.IsZero() && now.After(s.deadline) {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range expired {
		exec, err := c.registry.Fail(ctx, id, ReasonTimeout)
		if err != nil {
			if errors.IsInvalidTransition(err) {
				// Finished on its own; release in case the terminal message
				// has not arrived yet.
				c.Release(ctx, id)
				continue
			}
			c.logger.Errorw("Failed to time out execution",
				logger.FieldExecutionID, id,
				logger.FieldError, err.Error(),
			)
			continue
		}
		c.logger.Warnw("Execution timed out", logger.FieldExecutionID, id)
		c.release(ctx, exec)
		n++
	}
	return n
}

// Run sweeps for timed out executions until ctx is cancelled, then waits for
// in-flight dispatches
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Wait()
			return nil
		case <-ticker.C:
			c.SweepTimeouts(ctx)
		}
	}
}

// Wait blocks until background dispatch and cancel signals have finished
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) emitLocked(exec *execution.Execution) {
	u := Update{Snapshot: c.snapshotLocked(), Execution: exec}
	select {
	case c.updates <- u:
	default:
		c.logger.Debugw("Queue update dropped, reader behind")
	}
}
