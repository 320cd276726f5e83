package correlate

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// DefaultDedupTTL is how long an applied dedup key is remembered
const DefaultDedupTTL = 24 * time.Hour

type dedupID struct {
	provider string
	key      string
}

// DedupStore remembers applied (provider, dedup key) pairs for a bounded TTL.
// Keys are written to sqlite so redeliveries after a restart are still
// recognised; lookups go through an in-memory cache first.
type DedupStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	cache map[dedupID]time.Time // expiry
}

// NewDedupStore creates a dedup store over the webhook_dedup table
func NewDedupStore(db *sql.DB, ttl time.Duration) *DedupStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupStore{
		db:    db,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[dedupID]time.Time),
	}
}

// SetClock overrides the time source (tests)
func (d *DedupStore) SetClock(now func() time.Time) {
	d.now = now
}

// dbTime normalizes times so stored values compare correctly as text
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Seen reports whether the key was applied within the TTL
func (d *DedupStore) Seen(ctx context.Context, provider, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	now := d.now()
	id := dedupID{provider, key}

	d.mu.RLock()
	expiry, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return now.Before(expiry), nil
	}

	var expiresAt time.Time
	err := d.db.QueryRowContext(ctx,
		`SELECT expires_at FROM webhook_dedup WHERE provider = ? AND dedup_key = ?`,
		provider, key,
	).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapStorage(err, "query dedup key")
	}

	d.mu.Lock()
	d.cache[id] = expiresAt
	d.mu.Unlock()
	return now.Before(expiresAt), nil
}

// Record stores the key as applied to executionID
func (d *DedupStore) Record(ctx context.Context, provider, key, executionID string, typ execution.EventType) error {
	if key == "" {
		return nil
	}
	now := dbTime(d.now())
	expiresAt := now.Add(d.ttl)

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO webhook_dedup (provider, dedup_key, execution_id, event_type, applied_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, dedup_key) DO UPDATE SET
			execution_id = excluded.execution_id,
			event_type = excluded.event_type,
			applied_at = excluded.applied_at,
			expires_at = excluded.expires_at`,
		provider, key, executionID, string(typ), now, expiresAt,
	)
	if err != nil {
		return errors.WrapStorage(err, "record dedup key")
	}

	d.mu.Lock()
	d.cache[dedupID{provider, key}] = expiresAt
	d.mu.Unlock()
	return nil
}

// Sweep deletes expired keys and returns how many rows were removed
func (d *DedupStore) Sweep(ctx context.Context) (int64, error) {
	now := d.now()

	res, err := d.db.ExecContext(ctx, `DELETE FROM webhook_dedup WHERE expires_at <= ?`, dbTime(now))
	if err != nil {
		return 0, errors.WrapStorage(err, "sweep dedup keys")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WrapStorage(err, "sweep dedup keys")
	}

	d.mu.Lock()
	for id, expiry := range d.cache {
		if !now.Before(expiry) {
			delete(d.cache, id)
		}
	}
	d.mu.Unlock()
	return n, nil
}

// Len returns the number of cached keys
func (d *DedupStore) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}
