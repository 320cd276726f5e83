// Package execution is the authoritative registry of test executions and
// their shards.
//
// An Execution moves created → queued → running → {completed|failed|cancelled}.
// Each Shard moves pending → running → {completed|failed}. The execution's
// status while running is derived from its shards (see Aggregate). All state
// lives in SQLite; the Registry keeps a read-through cache of active
// executions and serializes writes per execution id.
package execution

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// Status is the lifecycle state of an Execution
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are accepted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValidStatus returns true if the string names an execution status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusCreated, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ShardStatus is the lifecycle state of a Shard
type ShardStatus string

const (
	ShardPending   ShardStatus = "pending"
	ShardRunning   ShardStatus = "running"
	ShardCompleted ShardStatus = "completed"
	ShardFailed    ShardStatus = "failed"
)

// IsTerminal reports whether the shard has finished
func (s ShardStatus) IsTerminal() bool {
	return s == ShardCompleted || s == ShardFailed
}

// Results are test counts, either per shard or aggregated per execution
type Results struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Add returns the element-wise sum
func (r Results) Add(o Results) Results {
	return Results{
		Total:   r.Total + o.Total,
		Passed:  r.Passed + o.Passed,
		Failed:  r.Failed + o.Failed,
		Skipped: r.Skipped + o.Skipped,
	}
}

// Config is what a client asks for when creating an execution
type Config struct {
	Suite          string `json:"suite"`
	Environment    string `json:"environment"`
	Provider       string `json:"provider,omitempty"` // CI/CD platform to dispatch to
	Shards         int    `json:"shards"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Retries        int    `json:"retries"`
}

// Timeout returns the execution timeout; zero means none
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Shard is one parallel partition of an execution
type Shard struct {
	ID           string      `json:"id"`
	ExecutionID  string      `json:"executionId"`
	Index        int         `json:"index"` // 1-based
	Status       ShardStatus `json:"status"`
	Results      Results     `json:"results"`
	LastSequence int64       `json:"lastSequence"`
	LastDedupKey string      `json:"-"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Execution is one logical request to run a test suite
type Execution struct {
	ID           string     `json:"id"`
	Config       Config     `json:"config"`
	Status       Status     `json:"status"`
	Reason       string     `json:"reason,omitempty"` // why it failed or was cancelled, when not test failures
	Results      Results    `json:"results"`
	Shards       []Shard    `json:"shards"`
	LastDedupKey string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NewID returns an opaque execution token: base58 of a random UUID.
func NewID() string {
	id := uuid.New()
	return base58.Encode(id[:])
}

// ShardID derives the id of the shard at index (1-based)
func ShardID(executionID string, index int) string {
	return executionID + "-" + strconv.Itoa(index)
}

// New builds an execution in the created state with pending shards.
func New(cfg Config, now time.Time) *Execution {
	exec := &Execution{
		ID:        NewID(),
		Config:    cfg,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	exec.Shards = buildShards(exec.ID, cfg.Shards, now)
	return exec
}

func buildShards(executionID string, count int, now time.Time) []Shard {
	shards := make([]Shard, 0, count)
	for i := 1; i <= count; i++ {
		shards = append(shards, Shard{
			ID:          ShardID(executionID, i),
			ExecutionID: executionID,
			Index:       i,
			Status:      ShardPending,
			UpdatedAt:   now,
		})
	}
	return shards
}

// Clone returns a deep copy safe to hand out of the registry
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Shards = append([]Shard(nil), e.Shards...)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Deadline returns when a running execution times out, if it has a timeout.
func (e *Execution) Deadline() (time.Time, bool) {
	if e.StartedAt == nil || e.Config.TimeoutSeconds <= 0 {
		return time.Time{}, false
	}
	return e.StartedAt.Add(e.Config.Timeout()), true
}
