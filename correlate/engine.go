// Package correlate applies normalized webhook events to executions.
//
// The engine owns the ordering rules between the webhook gateway and the
// execution registry: dedup first, then resolve the execution, then transition
// it under a per-execution lock. Successful transitions are announced as
// typed Applied messages on the outbox channels, which the issue bridge, the
// queue coordinator and the broadcast relay consume.
package correlate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/internal/keyed"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/provider"
)

// Outcome is the result of applying one event
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeConflict   Outcome = "conflict"
	OutcomeUnresolved Outcome = "unresolved"
)

// ErrBacklogFull is returned by Submit when the intake queue is full. It is
// marked ErrServiceUnavailable so the gateway answers 503 and the provider
// redelivers later.
var ErrBacklogFull = errors.Mark(errors.New("correlation backlog full"), errors.ErrServiceUnavailable)

// ErrEngineStopped is returned by Submit once the engine is shutting down
var ErrEngineStopped = errors.Mark(errors.New("correlation engine stopped"), errors.ErrServiceUnavailable)

// DefaultDrainTimeout bounds how long Run keeps processing accepted events
// after its context is cancelled
const DefaultDrainTimeout = 10 * time.Second

const minRetryWait = 10 * time.Millisecond

// Registry is the part of the execution registry the engine needs
type Registry interface {
	Get(ctx context.Context, id string) (*execution.Execution, error)
	Transition(ctx context.Context, id string, ev execution.Event) (*execution.Execution, error)
}

// Deduplicator remembers applied dedup keys
type Deduplicator interface {
	Seen(ctx context.Context, provider, key string) (bool, error)
	Record(ctx context.Context, provider, key, executionID string, typ execution.EventType) error
}

// Applied announces a state change caused by a webhook event
type Applied struct {
	Execution   *execution.Execution // snapshot after the transition
	Previous    execution.Status
	Event       *provider.NormalizedEvent
	FailedTests []provider.FailedTest
}

// Terminal reports whether this transition ended the execution. The registry
// rejects events for terminal executions, so this happens once per execution.
func (a Applied) Terminal() bool {
	return a.Execution.Status.IsTerminal()
}

// StatusChanged reports whether the execution status moved
func (a Applied) StatusChanged() bool {
	return a.Execution.Status != a.Previous
}

// Outbox carries Applied messages to downstream consumers. Nil channels are
// skipped. Updates is best effort; Failures and Terminal block until read or
// until the engine stops.
type Outbox struct {
	Updates  chan Applied
	Failures chan Applied
	Terminal chan Applied
}

// NewOutbox creates an outbox with buffered channels of the given size
func NewOutbox(size int) *Outbox {
	return &Outbox{
		Updates:  make(chan Applied, size),
		Failures: make(chan Applied, size),
		Terminal: make(chan Applied, size),
	}
}

// Engine correlates normalized events with executions.
type Engine struct {
	registry Registry
	dedup    Deduplicator
	outbox   *Outbox
	logger   *zap.SugaredLogger

	locks   *keyed.Mutex
	intake  chan *provider.NormalizedEvent
	workers int
	pending *unresolvedBuffer
	tick    time.Duration
	drain   time.Duration
	now     func() time.Time

	// stopMu orders Submit against the start of the shutdown drain
	stopMu  sync.RWMutex
	stopped bool

	counts [4]atomic.Int64
}

// NewEngine wires an engine. registry, dedup and outbox are required.
func NewEngine(registry Registry, dedup Deduplicator, outbox *Outbox, cfg am.CorrelationConfig, log *zap.SugaredLogger) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("correlate: registry is required")
	}
	if dedup == nil {
		return nil, errors.New("correlate: dedup store is required")
	}
	if outbox == nil {
		return nil, errors.New("correlate: outbox is required")
	}
	if log == nil {
		log = logger.ComponentLogger("correlate")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 1
	}

	return &Engine{
		registry: registry,
		dedup:    dedup,
		outbox:   outbox,
		logger:   log,
		locks:    keyed.New(),
		intake:   make(chan *provider.NormalizedEvent, backlog),
		workers:  workers,
		pending:  newUnresolvedBuffer(cfg.UnresolvedAttempts, cfg.UnresolvedWindow(), backlog),
		tick:     time.Second,
		drain:    DefaultDrainTimeout,
		now:      time.Now,
	}, nil
}

// SetDrainTimeout sets how long accepted events may take to finish on
// shutdown. Call before Run.
func (e *Engine) SetDrainTimeout(d time.Duration) {
	if d > 0 {
		e.drain = d
	}
}

// Submit queues an event for asynchronous processing. It never blocks.
func (e *Engine) Submit(ev *provider.NormalizedEvent) error {
	if ev == nil {
		return nil
	}
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped {
		return ErrEngineStopped
	}
	select {
	case e.intake <- ev:
		return nil
	default:
		return errors.Wrapf(ErrBacklogFull, "%d events waiting", cap(e.intake))
	}
}

// Backlog returns the number of events waiting for a worker
func (e *Engine) Backlog() int {
	return len(e.intake)
}

// Pending returns the number of unresolved events awaiting retry
func (e *Engine) Pending() int {
	return e.pending.len()
}

// Stats returns how many events ended with each outcome
func (e *Engine) Stats() map[Outcome]int64 {
	return map[Outcome]int64{
		OutcomeApplied:    e.counts[0].Load(),
		OutcomeDuplicate:  e.counts[1].Load(),
		OutcomeConflict:   e.counts[2].Load(),
		OutcomeUnresolved: e.counts[3].Load(),
	}
}

func (e *Engine) count(o Outcome) {
	switch o {
	case OutcomeApplied:
		e.counts[0].Add(1)
	case OutcomeDuplicate:
		e.counts[1].Add(1)
	case OutcomeConflict:
		e.counts[2].Add(1)
	case OutcomeUnresolved:
		e.counts[3].Add(1)
	}
}

// Run starts the workers and the unresolved retry loop. When ctx is
// cancelled it stops accepting events, finishes every event already accepted
// and then returns. Events run on a context that is cancelled only when the
// drain timeout runs out.
func (e *Engine) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	stopDrain := context.AfterFunc(ctx, func() {
		e.stop()
		time.AfterFunc(e.drain, cancelWork)
	})
	defer stopDrain()

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev := <-e.intake:
					e.process(work, &pendingEvent{event: ev})
				}
			}
		})
	}

	g.Go(func() error {
		timer := time.NewTimer(e.tick)
		defer timer.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-timer.C:
				e.retryUnresolved(work)
				timer.Reset(e.nextRetry())
			}
		}
	})

	e.logger.Infow("Correlation engine started", "workers", e.workers, "backlog", cap(e.intake))
	err := g.Wait()

	e.stop()
	drained := e.drainIntake(work)
	e.logger.Infow("Correlation engine stopped",
		"drained", drained,
		"pending", e.pending.len(),
	)
	return err
}

// stop makes Submit reject new events. Once it returns no event can enter
// the intake.
func (e *Engine) stop() {
	e.stopMu.Lock()
	e.stopped = true
	e.stopMu.Unlock()
}

// drainIntake processes what is left in the intake. Unresolved events stay
// in the retry buffer and are lost with the process.
func (e *Engine) drainIntake(ctx context.Context) int {
	n := 0
	for {
		select {
		case ev := <-e.intake:
			if ctx.Err() != nil {
				e.eventLogger(ev).Warnw("Dropping event, drain timeout reached")
				n++
				continue
			}
			e.process(ctx, &pendingEvent{event: ev})
			n++
		default:
			return n
		}
	}
}

// nextRetry is how long the retry loop sleeps: until the earliest buffered
// event is due, at most one tick so newly buffered events are not missed
func (e *Engine) nextRetry() time.Duration {
	due, ok := e.pending.nextDue()
	if !ok {
		return e.tick
	}
	wait := due.Sub(e.now())
	if wait < minRetryWait {
		return minRetryWait
	}
	if wait > e.tick {
		return e.tick
	}
	return wait
}

// retryUnresolved re-applies buffered events whose retry time has come
func (e *Engine) retryUnresolved(ctx context.Context) {
	for _, p := range e.pending.takeDue(e.now()) {
		p.attempts++
		e.process(ctx, p)
	}
}

// process applies one event and buffers it again if it is still unresolved
func (e *Engine) process(ctx context.Context, p *pendingEvent) {
	ev := p.event
	log := e.eventLogger(ev)

	outcome, err := e.Apply(ctx, ev)
	if err != nil {
		log.Errorw("Event processing aborted", logger.FieldError, err.Error())
		return
	}
	if outcome != OutcomeUnresolved {
		if p.attempts > 0 {
			log.Infow("Unresolved event resolved", logger.FieldAttempt, p.attempts, logger.FieldOutcome, string(outcome))
		}
		return
	}

	if p.first.IsZero() {
		p.first = e.now()
	}
	ok, evicted := e.pending.add(p, e.now())
	if !ok {
		log.Warnw("Dropping unresolved event",
			logger.FieldAttempt, p.attempts,
			"waited", e.now().Sub(p.first).Round(time.Millisecond).String(),
		)
		return
	}
	if evicted != nil {
		e.eventLogger(evicted.event).Warnw("Dropping unresolved event, retry buffer full",
			logger.FieldAttempt, evicted.attempts,
		)
	}
	log.Debugw("Event unresolved, will retry",
		logger.FieldAttempt, p.attempts+1,
		"retry_at", p.due.Format(time.RFC3339),
	)
}

func (e *Engine) eventLogger(ev *provider.NormalizedEvent) *zap.SugaredLogger {
	return e.logger.With(
		logger.FieldProvider, ev.Provider,
		logger.FieldExecutionID, ev.ExecutionRef,
		logger.FieldShardID, ev.ShardRef,
		logger.FieldEventType, string(ev.Type),
		logger.FieldDedupKey, ev.DedupKey,
	)
}

// Apply processes one event synchronously.
//
//  1. a dedup hit is a Duplicate
//  2. an event without a known execution is Unresolved
//  3. otherwise the registry transition runs and, on success, the dedup key
//     is recorded and Applied is published
//
// A rejected transition whose dedup key matches what the execution last
// applied is a Duplicate: the key was applied but not recorded, so it is
// recorded now and the Applied message the first attempt never sent is
// published. Any other rejection is a Conflict. The returned error is non-nil only for storage
// failures, which abort the event.
func (e *Engine) Apply(ctx context.Context, ev *provider.NormalizedEvent) (Outcome, error) {
	// Publishing under the execution lock keeps an execution's messages in
	// transition order.
	if ev.Resolved() {
		unlock := e.locks.Lock(ev.ExecutionRef)
		defer unlock()
	}

	outcome, applied, err := e.apply(ctx, ev)
	if err != nil {
		return "", err
	}
	e.count(outcome)

	if applied != nil {
		e.publish(ctx, *applied)
	}
	return outcome, nil
}

func (e *Engine) apply(ctx context.Context, ev *provider.NormalizedEvent) (Outcome, *Applied, error) {
	log := e.eventLogger(ev)

	if !ev.Resolved() {
		return OutcomeUnresolved, nil, nil
	}

	seen, err := e.dedup.Seen(ctx, ev.Provider, ev.DedupKey)
	if err != nil {
		return "", nil, err
	}
	if seen {
		log.Debugw("Duplicate event", logger.FieldOutcome, string(OutcomeDuplicate))
		return OutcomeDuplicate, nil, nil
	}

	before, err := e.registry.Get(ctx, ev.ExecutionRef)
	if errors.IsNotFoundError(err) {
		return OutcomeUnresolved, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	next, err := e.registry.Transition(ctx, ev.ExecutionRef, ev.Event())
	switch {
	case err == nil:
	case errors.IsNotFoundError(err):
		return OutcomeUnresolved, nil, nil
	case errors.IsInvalidTransition(err):
		// next is the unchanged current state
		if appliedKey(next, ev.DedupKey) {
			// The state change was saved but its dedup row was not, so the
			// earlier attempt stopped before publishing. Publish it now.
			if err := e.dedup.Record(ctx, ev.Provider, ev.DedupKey, ev.ExecutionRef, ev.Type); err != nil {
				return "", nil, err
			}
			log.Infow("Recovered event applied without dedup record",
				logger.FieldOutcome, string(OutcomeDuplicate),
				logger.FieldStatus, string(next.Status),
			)
			return OutcomeDuplicate, &Applied{
				Execution:   next,
				Previous:    before.Status,
				Event:       ev,
				FailedTests: ev.FailedTests,
			}, nil
		}
		log.Debugw("Conflicting event", logger.FieldOutcome, string(OutcomeConflict), logger.FieldError, err.Error())
		return OutcomeConflict, nil, nil
	default:
		return "", nil, err
	}

	if err := e.dedup.Record(ctx, ev.Provider, ev.DedupKey, next.ID, ev.Type); err != nil {
		return "", nil, err
	}

	log.Debugw("Event applied",
		logger.FieldOutcome, string(OutcomeApplied),
		logger.FieldStatus, string(next.Status),
	)
	return OutcomeApplied, &Applied{
		Execution:   next,
		Previous:    before.Status,
		Event:       ev,
		FailedTests: ev.FailedTests,
	}, nil
}

// appliedKey reports whether key is the last event applied to exec or one of
// its shards
func appliedKey(exec *execution.Execution, key string) bool {
	if exec == nil || key == "" {
		return false
	}
	if exec.LastDedupKey == key {
		return true
	}
	for _, s := range exec.Shards {
		if s.LastDedupKey == key {
			return true
		}
	}
	return false
}

func (e *Engine) publish(ctx context.Context, msg Applied) {
	if e.outbox.Updates != nil {
		select {
		case e.outbox.Updates <- msg:
		default:
			e.logger.Warnw("Update channel full, dropping broadcast",
				logger.FieldExecutionID, msg.Execution.ID,
			)
		}
	}
	if e.outbox.Failures != nil && len(msg.FailedTests) > 0 {
		select {
		case e.outbox.Failures <- msg:
		case <-ctx.Done():
		}
	}
	if e.outbox.Terminal != nil && msg.Terminal() {
		select {
		case e.outbox.Terminal <- msg:
		case <-ctx.Done():
		}
	}
}
