// Package keyed provides a mutex per string key.
//
// Entries are reference counted and removed once no goroutine holds or waits
// on them, so the map stays proportional to in-flight keys.
package keyed

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Mutex serializes work per key while letting different keys run in parallel.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty keyed mutex.
func New() *Mutex {
	return &Mutex{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key and returns its release function.
func (m *Mutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
