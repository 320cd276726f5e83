package admission

import "sort"

// RunningEntry is an execution holding capacity
type RunningEntry struct {
	ExecutionID string `json:"executionId"`
	Shards      int    `json:"shards"`
}

// WaitingEntry is a queued execution
type WaitingEntry struct {
	ExecutionID string `json:"executionId"`
	Position    int    `json:"position"`
	Shards      int    `json:"shards"`
}

// Snapshot is the coordinator state as shown on GET /queue and the queue room
type Snapshot struct {
	Running           []RunningEntry `json:"running"`
	Waiting           []WaitingEntry `json:"waiting"`
	MaxRunning        int            `json:"maxRunning"`
	InFlightShards    int            `json:"inFlightShards"`
	MaxInFlightShards int            `json:"maxInFlightShards"`
	MaxWaiting        int            `json:"maxWaiting"`
}

// Snapshot returns the current queue state
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{
		Running:           make([]RunningEntry, 0, len(c.running)),
		Waiting:           make([]WaitingEntry, 0, len(c.queue)),
		MaxRunning:        c.cfg.MaxRunning,
		InFlightShards:    c.inFlight,
		MaxInFlightShards: c.cfg.MaxInFlightShards,
		MaxWaiting:        c.cfg.MaxWaiting,
	}
	for id, sl := range c.running {
		s.Running = append(s.Running, RunningEntry{ExecutionID: id, Shards: sl.shards})
	}
	sort.Slice(s.Running, func(i, j int) bool { return s.Running[i].ExecutionID < s.Running[j].ExecutionID })
	for i, w := range c.queue {
		s.Waiting = append(s.Waiting, WaitingEntry{ExecutionID: w.id, Position: i + 1, Shards: w.shards})
	}
	return s
}

// Position returns the 1-based queue position of id, or 0 when it is not
// waiting
func (c *Coordinator) Position(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.queue {
		if w.id == id {
			return i + 1
		}
	}
	return 0
}
