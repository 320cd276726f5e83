package execution

import (
	"strconv"
	"strings"
	"time"

	"github.com/rogersg17/demoApp-sub002/errors"
)

// EventType is the provider-agnostic kind of a state-changing event
type EventType string

const (
	EventStarted        EventType = "started"
	EventProgress       EventType = "progress"
	EventShardCompleted EventType = "shardCompleted"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventCancelled      EventType = "cancelled"
)

// IsValidEventType returns true if the string names an event type
func IsValidEventType(s string) bool {
	switch EventType(s) {
	case EventStarted, EventProgress, EventShardCompleted,
		EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the event closes a shard or execution
func (t EventType) IsTerminal() bool {
	return t == EventShardCompleted || t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Event is a transition request against one execution.
type Event struct {
	Type      EventType
	ShardRef  string   // shard id or 1-based index; empty for execution-level events
	Results   *Results // nil when the event carries no counts
	Timestamp time.Time
	Sequence  int64 // provider ordering hint; Timestamp is used when zero
	DedupKey  string
	Reason    string
}

func (ev Event) sequence() int64 {
	if ev.Sequence != 0 {
		return ev.Sequence
	}
	if ev.Timestamp.IsZero() {
		return 0
	}
	return ev.Timestamp.UnixNano()
}

// ErrStaleEvent is returned for a progress event older than what the shard
// already applied. It is an InvalidTransition.
var ErrStaleEvent = errors.Mark(errors.New("stale event"), errors.ErrInvalidTransition)

// ErrUnknownShard is returned when a shard reference matches no shard of an
// existing execution. It is an InvalidTransition rather than NotFound: the
// execution is known, so retrying cannot help.
var ErrUnknownShard = errors.Mark(errors.New("unknown shard"), errors.ErrInvalidTransition)

// Aggregate derives an execution status from its shards.
//
//   - all shards completed                → completed
//   - all shards terminal, at least one failed → failed
//   - any shard has reported (running or terminal) → running
//   - otherwise the current status is kept
//
// Pending shards count as still running once any shard has reported, so a
// failed shard does not fail the execution while siblings are outstanding.
// Terminal executions are returned unchanged.
func Aggregate(shards []Shard, current Status) Status {
	if current.IsTerminal() || len(shards) == 0 {
		return current
	}

	allTerminal, anyFailed, anyReported := true, false, false
	for _, s := range shards {
		switch s.Status {
		case ShardFailed:
			anyFailed = true
			anyReported = true
		case ShardCompleted:
			anyReported = true
		case ShardRunning:
			anyReported = true
			allTerminal = false
		default:
			allTerminal = false
		}
	}

	switch {
	case allTerminal && anyFailed:
		return StatusFailed
	case allTerminal:
		return StatusCompleted
	case anyReported:
		return StatusRunning
	default:
		return current
	}
}

// SumResults adds up shard results
func SumResults(shards []Shard) Results {
	var total Results
	for _, s := range shards {
		total = total.Add(s.Results)
	}
	return total
}

// resolveShard finds the shard addressed by ref. A ref is either a shard id or
// a 1-based index. An empty ref resolves only for single-shard executions.
func (e *Execution) resolveShard(ref string) (int, error) {
	if ref == "" {
		if len(e.Shards) == 1 {
			return 0, nil
		}
		return -1, nil
	}
	for i := range e.Shards {
		if e.Shards[i].ID == ref {
			return i, nil
		}
	}
	if idx, err := strconv.Atoi(strings.TrimPrefix(ref, "shard-")); err == nil {
		for i := range e.Shards {
			if e.Shards[i].Index == idx {
				return i, nil
			}
		}
	}
	return -1, errors.Wrapf(ErrUnknownShard, "execution %s has no shard %q", e.ID, ref)
}

// apply mutates e according to ev. It never performs I/O.
func (e *Execution) apply(ev Event, now time.Time) error {
	if e.Status.IsTerminal() {
		return errors.NewInvalidTransitionError("execution %s is already %s", e.ID, e.Status)
	}

	if ev.Type == EventCancelled {
		e.terminate(StatusCancelled, ev.Reason, now)
		e.LastDedupKey = ev.DedupKey
		return nil
	}

	// Only admission moves an execution to running.
	if e.Status != StatusRunning {
		return errors.NewInvalidTransitionError("execution %s is %s, not yet admitted", e.ID, e.Status)
	}

	idx, err := e.resolveShard(ev.ShardRef)
	if err != nil {
		return err
	}

	if idx < 0 {
		err = e.applyExecutionLevel(ev, now)
	} else {
		err = e.applyShard(idx, ev, now)
	}
	if err != nil {
		return err
	}

	e.LastDedupKey = ev.DedupKey
	e.reaggregate(now)
	return nil
}

func (e *Execution) applyExecutionLevel(ev Event, now time.Time) error {
	switch ev.Type {
	case EventStarted, EventProgress:
		e.markRunning(now)
		return nil

	case EventShardCompleted:
		return errors.NewInvalidTransitionError("shardCompleted for execution %s needs a shard reference", e.ID)

	case EventCompleted, EventFailed:
		var open []int
		for i := range e.Shards {
			if !e.Shards[i].Status.IsTerminal() {
				open = append(open, i)
			}
		}
		if len(open) == 0 {
			return errors.NewInvalidTransitionError("execution %s has no open shards", e.ID)
		}
		// Counts can only be attributed when one shard is left open.
		results := ev.Results
		if len(open) > 1 {
			results = nil
		}
		for _, i := range open {
			status := ShardCompleted
			if ev.Type == EventFailed {
				status = ShardFailed
			}
			if results != nil {
				e.Shards[i].Results = *results
				if results.Failed > 0 {
					status = ShardFailed
				}
			}
			e.closeShard(i, status, ev, now)
		}
		if ev.Type == EventFailed && ev.Reason != "" {
			e.Reason = ev.Reason
		}
		return nil
	}
	return errors.NewInvalidTransitionError("unknown event type %q", ev.Type)
}

func (e *Execution) applyShard(idx int, ev Event, now time.Time) error {
	shard := &e.Shards[idx]
	if shard.Status.IsTerminal() {
		return errors.NewInvalidTransitionError("shard %s is already %s", shard.ID, shard.Status)
	}

	seq := ev.sequence()

	switch ev.Type {
	case EventStarted:
		if shard.Status == ShardPending {
			shard.Status = ShardRunning
		}
		if seq > shard.LastSequence {
			shard.LastSequence = seq
		}

	case EventProgress:
		if seq != 0 && seq < shard.LastSequence {
			return errors.Wrapf(ErrStaleEvent, "progress for shard %s is older than last applied event", shard.ID)
		}
		shard.Status = ShardRunning
		if ev.Results != nil {
			shard.Results = *ev.Results
		}
		if seq > shard.LastSequence {
			shard.LastSequence = seq
		}

	case EventShardCompleted, EventCompleted, EventFailed:
		// Terminal events win regardless of timestamp order.
		if ev.Results != nil {
			shard.Results = *ev.Results
		}
		status := ShardCompleted
		if ev.Type == EventFailed || shard.Results.Failed > 0 {
			status = ShardFailed
		}
		e.closeShard(idx, status, ev, now)

	default:
		return errors.NewInvalidTransitionError("unknown event type %q", ev.Type)
	}

	shard.LastDedupKey = ev.DedupKey
	shard.UpdatedAt = now
	return nil
}

func (e *Execution) closeShard(idx int, status ShardStatus, ev Event, now time.Time) {
	shard := &e.Shards[idx]
	shard.Status = status
	if seq := ev.sequence(); seq > shard.LastSequence {
		shard.LastSequence = seq
	}
	shard.LastDedupKey = ev.DedupKey
	shard.UpdatedAt = now
}

func (e *Execution) markRunning(now time.Time) {
	if e.Status != StatusRunning {
		e.Status = StatusRunning
	}
	if e.StartedAt == nil {
		t := now
		e.StartedAt = &t
	}
	e.UpdatedAt = now
}

func (e *Execution) reaggregate(now time.Time) {
	e.Results = SumResults(e.Shards)
	next := Aggregate(e.Shards, e.Status)
	switch {
	case next.IsTerminal():
		if e.StartedAt == nil {
			t := now
			e.StartedAt = &t
		}
		e.terminate(next, e.Reason, now)
	case next == StatusRunning:
		e.markRunning(now)
	}
	e.UpdatedAt = now
}

func (e *Execution) terminate(status Status, reason string, now time.Time) {
	e.Status = status
	e.Reason = reason
	t := now
	e.EndedAt = &t
	e.UpdatedAt = now
}

// enqueue moves a created execution into the wait queue
func (e *Execution) enqueue(now time.Time) error {
	switch e.Status {
	case StatusCreated:
		e.Status = StatusQueued
		e.UpdatedAt = now
		return nil
	case StatusQueued:
		return nil
	}
	return errors.NewInvalidTransitionError("cannot queue execution %s in status %s", e.ID, e.Status)
}

// promote moves a queued execution to running
func (e *Execution) promote(now time.Time) error {
	if e.Status != StatusQueued {
		return errors.NewInvalidTransitionError("cannot promote execution %s in status %s", e.ID, e.Status)
	}
	e.markRunning(now)
	return nil
}
