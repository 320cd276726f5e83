package correlate

import (
	"sort"
	"sync"
	"time"

	"github.com/rogersg17/demoApp-sub002/provider"
)

// pendingEvent is an event whose execution could not be found yet
type pendingEvent struct {
	event    *provider.NormalizedEvent
	attempts int // retries already made
	due      time.Time
	first    time.Time
}

// unresolvedBuffer holds events for a short grace period so callbacks that
// race ahead of execution creation are not lost. Retries are spread over the
// window with doubling gaps: for 3 attempts over 30s they run roughly 4.3s,
// 12.9s and 30s after the first sighting.
type unresolvedBuffer struct {
	attempts int
	window   time.Duration
	capacity int

	mu      sync.Mutex
	entries []*pendingEvent
}

func newUnresolvedBuffer(attempts int, window time.Duration, capacity int) *unresolvedBuffer {
	return &unresolvedBuffer{
		attempts: attempts,
		window:   window,
		capacity: capacity,
	}
}

// delay returns the gap before retry n (1-based)
func (b *unresolvedBuffer) delay(n int) time.Duration {
	if b.attempts <= 0 {
		return 0
	}
	slots := time.Duration(1<<b.attempts - 1)
	return b.window * time.Duration(1<<(n-1)) / slots
}

// add schedules the next retry for p. It returns false when p has used all
// of its attempts. When the buffer is full the oldest entry is evicted and
// returned.
func (b *unresolvedBuffer) add(p *pendingEvent, now time.Time) (ok bool, evicted *pendingEvent) {
	if p.attempts >= b.attempts {
		return false, nil
	}
	p.due = now.Add(b.delay(p.attempts + 1))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity > 0 && len(b.entries) >= b.capacity {
		sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].first.Before(b.entries[j].first) })
		evicted = b.entries[0]
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, p)
	return true, evicted
}

// takeDue removes and returns entries whose retry time has come
func (b *unresolvedBuffer) takeDue(now time.Time) []*pendingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*pendingEvent
	kept := b.entries[:0]
	for _, p := range b.entries {
		if !now.Before(p.due) {
			due = append(due, p)
		} else {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = nil
	}
	b.entries = kept
	return due
}

// nextDue returns the earliest retry time, if any
func (b *unresolvedBuffer) nextDue() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var next time.Time
	for _, p := range b.entries {
		if next.IsZero() || p.due.Before(next) {
			next = p.due
		}
	}
	return next, !next.IsZero()
}

func (b *unresolvedBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
