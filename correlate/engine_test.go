package correlate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	testdb "github.com/rogersg17/demoApp-sub002/internal/testing"
	"github.com/rogersg17/demoApp-sub002/provider"
)

func testConfig() am.CorrelationConfig {
	return am.CorrelationConfig{
		Workers:                 2,
		Backlog:                 16,
		DedupTTLHours:           24,
		UnresolvedAttempts:      3,
		UnresolvedWindowSeconds: 30,
	}
}

type fixture struct {
	registry *execution.Registry
	dedup    *DedupStore
	outbox   *Outbox
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testdb.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	f := &fixture{
		registry: execution.NewRegistry(conn, log),
		dedup:    NewDedupStore(conn, 24*time.Hour),
		outbox:   NewOutbox(16),
	}
	engine, err := NewEngine(f.registry, f.dedup, f.outbox, testConfig(), log)
	require.NoError(t, err)
	f.engine = engine
	return f
}

// running creates an execution and moves it through admission
func (f *fixture) running(t *testing.T, shards int) *execution.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := f.registry.Create(ctx, execution.Config{Suite: "checkout", Environment: "staging", Shards: shards})
	require.NoError(t, err)
	_, err = f.registry.Enqueue(ctx, exec.ID)
	require.NoError(t, err)
	exec, err = f.registry.Promote(ctx, exec.ID)
	require.NoError(t, err)
	return exec
}

func shardEvent(execID, shard string, typ execution.EventType, results *execution.Results, nonce string) *provider.NormalizedEvent {
	return &provider.NormalizedEvent{
		Provider:     "generic",
		ExecutionRef: execID,
		ShardRef:     shard,
		Type:         typ,
		Results:      results,
		Timestamp:    time.Now(),
		DedupKey:     provider.DedupKey("generic", execID, shard, typ, nonce),
	}
}

func drain(ch chan Applied) []Applied {
	var out []Applied
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	_, err := NewEngine(nil, f.dedup, f.outbox, testConfig(), nil)
	assert.Error(t, err)
	_, err = NewEngine(f.registry, nil, f.outbox, testConfig(), nil)
	assert.Error(t, err)
	_, err = NewEngine(f.registry, f.dedup, nil, testConfig(), nil)
	assert.Error(t, err)
}

func TestApplyTwoShardScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.running(t, 2)

	first := shardEvent(exec.ID, "1", execution.EventShardCompleted, &execution.Results{Total: 5, Passed: 5}, "run-1")
	outcome, err := f.engine.Apply(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	second := shardEvent(exec.ID, "2", execution.EventShardCompleted, &execution.Results{Total: 5, Passed: 3, Failed: 2}, "run-2")
	second.FailedTests = []provider.FailedTest{
		{Title: "checkout applies coupon", File: "tests/checkout.spec.ts", Error: "expected 90 got 100"},
		{Title: "checkout totals", File: "tests/checkout.spec.ts", Error: "timeout after 5000ms"},
	}
	outcome, err = f.engine.Apply(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := f.registry.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, got.Status)
	assert.Equal(t, execution.Results{Total: 10, Passed: 8, Failed: 2}, got.Results)

	updates := drain(f.outbox.Updates)
	require.Len(t, updates, 2)
	assert.Equal(t, execution.StatusRunning, updates[0].Execution.Status)
	assert.False(t, updates[0].Terminal())
	assert.True(t, updates[1].Terminal())
	assert.True(t, updates[1].StatusChanged())

	failures := drain(f.outbox.Failures)
	require.Len(t, failures, 1)
	assert.Len(t, failures[0].FailedTests, 2)

	terminal := drain(f.outbox.Terminal)
	require.Len(t, terminal, 1)
	assert.Equal(t, exec.ID, terminal[0].Execution.ID)
}

func TestApplyDuplicateReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.running(t, 2)

	ev := shardEvent(exec.ID, "1", execution.EventShardCompleted, &execution.Results{Total: 4, Passed: 4}, "run-1")
	outcome, err := f.engine.Apply(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	before, err := f.registry.Get(ctx, exec.ID)
	require.NoError(t, err)
	drain(f.outbox.Updates)

	for i := 0; i < 3; i++ {
		replay := *ev
		outcome, err = f.engine.Apply(ctx, &replay)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	after, err := f.registry.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Results, after.Results)
	assert.Equal(t, before.Shards, after.Shards)
	assert.Empty(t, drain(f.outbox.Updates), "duplicates are not broadcast")
	assert.Equal(t, int64(3), f.engine.Stats()[OutcomeDuplicate])
}

func TestApplyDuplicateSurvivesRestart(t *testing.T) {
	conn := testdb.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()

	registry := execution.NewRegistry(conn, log)
	exec, err := registry.Create(ctx, execution.Config{Suite: "smoke", Shards: 1})
	require.NoError(t, err)
	_, err = registry.Enqueue(ctx, exec.ID)
	require.NoError(t, err)
	_, err = registry.Promote(ctx, exec.ID)
	require.NoError(t, err)

	ev := shardEvent(exec.ID, "1", execution.EventProgress, &execution.Results{Total: 1, Passed: 1}, "p-1")
	engine, err := NewEngine(registry, NewDedupStore(conn, time.Hour), NewOutbox(4), testConfig(), log)
	require.NoError(t, err)
	outcome, err := engine.Apply(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	restarted, err := NewEngine(execution.NewRegistry(conn, log), NewDedupStore(conn, time.Hour), NewOutbox(4), testConfig(), log)
	require.NoError(t, err)
	outcome, err = restarted.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

// forgetfulDedup never remembers anything, as after a crash between the
// registry write and the dedup write
type forgetfulDedup struct{}

func (forgetfulDedup) Seen(context.Context, string, string) (bool, error) { return false, nil }
func (forgetfulDedup) Record(context.Context, string, string, string, execution.EventType) error {
	return nil
}

func TestApplyDuplicateWithoutDedupRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine, err := NewEngine(f.registry, forgetfulDedup{}, f.outbox, testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	exec := f.running(t, 2)

	ev := shardEvent(exec.ID, "2", execution.EventShardCompleted, &execution.Results{Total: 3, Passed: 3}, "r")
	outcome, err := engine.Apply(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	drain(f.outbox.Updates)

	outcome, err = engine.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome, "the shard remembers the last key it applied")
	assert.Len(t, drain(f.outbox.Updates), 1, "a key with no dedup row is published again")
}

// flakyDedup fails the first Record, as when the disk fills between the
// registry write and the dedup write
type flakyDedup struct {
	*DedupStore
	failed bool
}

func (d *flakyDedup) Record(ctx context.Context, source, key, executionID string, typ execution.EventType) error {
	if !d.failed {
		d.failed = true
		return errors.WrapStorage(errors.New("disk I/O error"), "record dedup key")
	}
	return d.DedupStore.Record(ctx, source, key, executionID, typ)
}

func TestApplyRedeliveryAfterDedupFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine, err := NewEngine(f.registry, &flakyDedup{DedupStore: f.dedup}, f.outbox, testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	exec := f.running(t, 1)

	ev := shardEvent(exec.ID, "1", execution.EventShardCompleted, &execution.Results{Total: 2, Passed: 1, Failed: 1}, "z")
	ev.FailedTests = []provider.FailedTest{{Title: "cart totals", Error: "expected 2 got 3"}}

	_, err = engine.Apply(ctx, ev)
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err))
	assert.Empty(t, drain(f.outbox.Terminal))

	// The provider redelivers the same event.
	redelivered := *ev
	outcome, err := engine.Apply(ctx, &redelivered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	terminal := drain(f.outbox.Terminal)
	require.Len(t, terminal, 1)
	assert.Equal(t, execution.StatusFailed, terminal[0].Execution.Status)
	failures := drain(f.outbox.Failures)
	require.Len(t, failures, 1)
	assert.Len(t, failures[0].FailedTests, 1)

	seen, err := f.dedup.Seen(ctx, "generic", ev.DedupKey)
	require.NoError(t, err)
	assert.True(t, seen)

	// Later redeliveries hit the dedup row and publish nothing.
	outcome, err = engine.Apply(ctx, &redelivered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Empty(t, drain(f.outbox.Terminal))
}

func TestApplyConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.running(t, 2)

	_, err := f.engine.Apply(ctx, shardEvent(exec.ID, "1", execution.EventShardCompleted, &execution.Results{Total: 2, Passed: 2}, "a"))
	require.NoError(t, err)

	// A different completion for a shard that is already closed.
	outcome, err := f.engine.Apply(ctx, shardEvent(exec.ID, "1", execution.EventShardCompleted, &execution.Results{Total: 2, Failed: 2}, "b"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)

	outcome, err = f.engine.Apply(ctx, shardEvent(exec.ID, "7", execution.EventStarted, nil, "c"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome, "unknown shard of a known execution")

	got, err := f.registry.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ShardCompleted, got.Shards[0].Status)
	assert.Equal(t, 2, got.Results.Passed)
}

func TestApplyTerminalMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.running(t, 1)

	outcome, err := f.engine.Apply(ctx, shardEvent(exec.ID, "", execution.EventCompleted, &execution.Results{Total: 1, Passed: 1}, "done"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	// A late progress event carrying an earlier timestamp.
	late := shardEvent(exec.ID, "1", execution.EventProgress, &execution.Results{Total: 1}, "late")
	late.Timestamp = time.Now().Add(-time.Minute)
	outcome, err = f.engine.Apply(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, outcome)

	got, err := f.registry.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
}

func TestApplyUnresolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.engine.Apply(ctx, shardEvent("", "", execution.EventStarted, nil, "x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, outcome)

	outcome, err = f.engine.Apply(ctx, shardEvent(execution.NewID(), "1", execution.EventStarted, nil, "y"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, outcome)
}

// hidingRegistry reports NotFound for hidden executions, as if the webhook
// raced ahead of creation
type hidingRegistry struct {
	*execution.Registry
	mu     sync.Mutex
	hidden map[string]bool
}

func (h *hidingRegistry) Get(ctx context.Context, id string) (*execution.Execution, error) {
	h.mu.Lock()
	hide := h.hidden[id]
	h.mu.Unlock()
	if hide {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	return h.Registry.Get(ctx, id)
}

func (h *hidingRegistry) reveal(id string) {
	h.mu.Lock()
	delete(h.hidden, id)
	h.mu.Unlock()
}

func TestUnresolvedRetryResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := f.running(t, 1)

	reg := &hidingRegistry{Registry: f.registry, hidden: map[string]bool{exec.ID: true}}
	engine, err := NewEngine(reg, f.dedup, f.outbox, testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	engine.process(ctx, &pendingEvent{event: shardEvent(exec.ID, "1", execution.EventStarted, nil, "s")})
	assert.Equal(t, 1, engine.Pending())

	// Not yet due.
	engine.retryUnresolved(ctx)
	assert.Equal(t, 1, engine.Pending())

	reg.reveal(exec.ID)
	now = now.Add(5 * time.Second)
	engine.retryUnresolved(ctx)
	assert.Equal(t, 0, engine.Pending())

	got, err := f.registry.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ShardRunning, got.Shards[0].Status)
}

func TestUnresolvedDroppedAfterAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }

	f.engine.process(ctx, &pendingEvent{event: shardEvent("", "", execution.EventFailed, nil, "orphan")})
	require.Equal(t, 1, f.engine.Pending())

	retries := 0
	for f.engine.Pending() > 0 {
		next, ok := f.engine.pending.nextDue()
		require.True(t, ok)
		now = next
		f.engine.retryUnresolved(ctx)
		retries++
		require.LessOrEqual(t, retries, 3)
	}
	assert.Equal(t, 3, retries)
	assert.Equal(t, int64(4), f.engine.Stats()[OutcomeUnresolved])
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC), now.Round(time.Second), "retries end at the window")
}

func TestNextRetry(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }
	f.engine.tick = time.Second

	assert.Equal(t, time.Second, f.engine.nextRetry(), "nothing buffered")

	f.engine.process(context.Background(), &pendingEvent{event: shardEvent("", "", execution.EventStarted, nil, "a")})
	due, ok := f.engine.pending.nextDue()
	require.True(t, ok)
	assert.Equal(t, min(due.Sub(now), time.Second), f.engine.nextRetry())

	now = due.Add(time.Minute)
	assert.Equal(t, minRetryWait, f.engine.nextRetry(), "overdue events retry right away")
}

func TestUnresolvedSchedule(t *testing.T) {
	b := newUnresolvedBuffer(3, 30*time.Second, 10)
	var total time.Duration
	for n := 1; n <= 3; n++ {
		total += b.delay(n)
	}
	assert.Equal(t, 30*time.Second, total.Round(time.Millisecond))
	assert.Less(t, b.delay(1), b.delay(2))
	assert.Less(t, b.delay(2), b.delay(3))
}

func TestUnresolvedBufferEvictsOldest(t *testing.T) {
	b := newUnresolvedBuffer(3, 30*time.Second, 2)
	now := time.Now()
	first := &pendingEvent{event: &provider.NormalizedEvent{DedupKey: "1"}, first: now}
	second := &pendingEvent{event: &provider.NormalizedEvent{DedupKey: "2"}, first: now.Add(time.Second)}
	third := &pendingEvent{event: &provider.NormalizedEvent{DedupKey: "3"}, first: now.Add(2 * time.Second)}

	for _, p := range []*pendingEvent{first, second} {
		ok, evicted := b.add(p, now)
		require.True(t, ok)
		require.Nil(t, evicted)
	}
	ok, evicted := b.add(third, now)
	assert.True(t, ok)
	assert.Same(t, first, evicted)
	assert.Equal(t, 2, b.len())
}

// failingDedup fails every write like an unwritable disk
type failingDedup struct{}

func (failingDedup) Seen(context.Context, string, string) (bool, error) { return false, nil }
func (failingDedup) Record(context.Context, string, string, string, execution.EventType) error {
	return errors.WrapStorage(errors.New("disk I/O error"), "record dedup key")
}

func TestApplyStorageFailureAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	engine, err := NewEngine(f.registry, failingDedup{}, f.outbox, testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	exec := f.running(t, 1)

	_, err = engine.Apply(ctx, shardEvent(exec.ID, "1", execution.EventShardCompleted, &execution.Results{Total: 1, Failed: 1}, "z"))
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err))
	assert.Empty(t, drain(f.outbox.Updates))
	assert.Empty(t, drain(f.outbox.Terminal))
}

func TestSubmitBacklogFull(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.Backlog = 1
	engine, err := NewEngine(f.registry, f.dedup, f.outbox, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, engine.Submit(shardEvent("a", "", execution.EventStarted, nil, "1")))
	err = engine.Submit(shardEvent("a", "", execution.EventStarted, nil, "2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.Equal(t, 1, engine.Backlog())
}

func TestRunProcessesSubmittedEvents(t *testing.T) {
	f := newFixture(t)
	exec := f.running(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	for _, shard := range []string{"3", "1", "2"} {
		ev := shardEvent(exec.ID, shard, execution.EventShardCompleted, &execution.Results{Total: 2, Passed: 2}, "run")
		require.NoError(t, f.engine.Submit(ev))
	}

	select {
	case msg := <-f.outbox.Terminal:
		assert.Equal(t, execution.StatusCompleted, msg.Execution.Status)
		assert.Equal(t, execution.Results{Total: 6, Passed: 6}, msg.Execution.Results)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not complete")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestRunDrainsAcceptedEventsOnShutdown(t *testing.T) {
	f := newFixture(t)
	exec := f.running(t, 2)

	for _, shard := range []string{"1", "2"} {
		ev := shardEvent(exec.ID, shard, execution.EventShardCompleted, &execution.Results{Total: 1, Passed: 1}, "run")
		require.NoError(t, f.engine.Submit(ev))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.engine.Run(ctx))

	assert.Equal(t, 0, f.engine.Backlog())
	got, err := f.registry.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	require.Len(t, drain(f.outbox.Terminal), 1)

	err = f.engine.Submit(shardEvent(exec.ID, "1", execution.EventProgress, nil, "late"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEngineStopped))
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

// blockingRegistry holds every transition until release is closed
type blockingRegistry struct {
	*execution.Registry
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRegistry) Transition(ctx context.Context, id string, ev execution.Event) (*execution.Execution, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Registry.Transition(ctx, id, ev)
}

// An event a worker already holds when shutdown starts still completes.
func TestRunFinishesInFlightEventAfterCancel(t *testing.T) {
	f := newFixture(t)
	exec := f.running(t, 1)

	reg := &blockingRegistry{Registry: f.registry, entered: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := testConfig()
	cfg.Workers = 1
	engine, err := NewEngine(reg, f.dedup, f.outbox, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	require.NoError(t, engine.Submit(shardEvent(exec.ID, "1", execution.EventShardCompleted, &execution.Results{Total: 1, Passed: 1}, "run")))
	select {
	case <-reg.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the registry")
	}

	cancel()
	close(reg.release)
	require.NoError(t, <-done)

	got, err := f.registry.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
}
