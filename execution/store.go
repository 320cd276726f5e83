package execution

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rogersg17/demoApp-sub002/errors"
)

// Store handles persistence of executions and their shards
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const executionColumns = `id, suite, environment, provider, shard_count, timeout_seconds, retries,
	status, reason, last_dedup_key, total, passed, failed, skipped,
	created_at, started_at, ended_at, updated_at`

const shardColumns = `id, execution_id, shard_index, status, total, passed, failed, skipped,
	last_sequence, last_dedup_key, updated_at`

// Create inserts a new execution and its shards in one transaction
func (s *Store) Create(ctx context.Context, exec *Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.Config.Suite,
		exec.Config.Environment,
		exec.Config.Provider,
		exec.Config.Shards,
		exec.Config.TimeoutSeconds,
		exec.Config.Retries,
		exec.Status,
		exec.Reason,
		exec.LastDedupKey,
		exec.Results.Total,
		exec.Results.Passed,
		exec.Results.Failed,
		exec.Results.Skipped,
		exec.CreatedAt.UTC(),
		nullTime(exec.StartedAt),
		nullTime(exec.EndedAt),
		exec.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert execution %s", exec.ID)
	}

	if err := insertShards(ctx, tx, exec.Shards); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit execution %s", exec.ID)
	}
	return nil
}

// Save writes the execution row and replaces its shard rows
func (s *Store) Save(ctx context.Context, exec *Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET shard_count = ?,
		    status = ?,
		    reason = ?,
		    last_dedup_key = ?,
		    total = ?,
		    passed = ?,
		    failed = ?,
		    skipped = ?,
		    started_at = ?,
		    ended_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		exec.Config.Shards,
		exec.Status,
		exec.Reason,
		exec.LastDedupKey,
		exec.Results.Total,
		exec.Results.Passed,
		exec.Results.Failed,
		exec.Results.Skipped,
		nullTime(exec.StartedAt),
		nullTime(exec.EndedAt),
		exec.UpdatedAt.UTC(),
		exec.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update execution %s", exec.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "execution %s", exec.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM shards WHERE execution_id = ?`, exec.ID); err != nil {
		return errors.Wrapf(err, "failed to clear shards of %s", exec.ID)
	}
	if err := insertShards(ctx, tx, exec.Shards); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit execution %s", exec.ID)
	}
	return nil
}

func insertShards(ctx context.Context, tx *sql.Tx, shards []Shard) error {
	for _, sh := range shards {
		_, err := tx.ExecContext(ctx, `INSERT INTO shards (`+shardColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sh.ID,
			sh.ExecutionID,
			sh.Index,
			sh.Status,
			sh.Results.Total,
			sh.Results.Passed,
			sh.Results.Failed,
			sh.Results.Skipped,
			sh.LastSequence,
			sh.LastDedupKey,
			sh.UpdatedAt.UTC(),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert shard %s", sh.ID)
		}
	}
	return nil
}

// Get loads an execution with its shards
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}

	shards, err := s.shardsOf(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	exec.Shards = shards[id]
	return exec, nil
}

// Filter narrows List results
type Filter struct {
	Statuses []Status
	Limit    int
	// Oldest first when true; newest first otherwise
	Ascending bool
}

// List returns executions matching the filter, with shards
func (s *Store) List(ctx context.Context, f Filter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []interface{}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	if f.Ascending {
		query += ` ORDER BY created_at ASC, rowid ASC`
	} else {
		query += ` ORDER BY created_at DESC, rowid DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}

	var execs []*Execution
	var ids []string
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		execs = append(execs, exec)
		ids = append(ids, exec.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	rows.Close()

	if len(ids) == 0 {
		return execs, nil
	}

	shards, err := s.shardsOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, exec := range execs {
		exec.Shards = shards[exec.ID]
	}
	return execs, nil
}

// Purge deletes terminal executions that ended before cutoff; shards cascade.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND ended_at IS NOT NULL
		  AND ended_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count purged executions")
	}
	return n, nil
}

// CountByStatus returns the number of executions per status
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution count")
		}
		counts[Status(status)] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate execution counts")
}

func (s *Store) shardsOf(ctx context.Context, ids []string) (map[string][]Shard, error) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+shardColumns+` FROM shards
		WHERE execution_id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY execution_id, shard_index`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load shards")
	}
	defer rows.Close()

	out := make(map[string][]Shard, len(ids))
	for rows.Next() {
		var sh Shard
		var status string
		if err := rows.Scan(
			&sh.ID,
			&sh.ExecutionID,
			&sh.Index,
			&status,
			&sh.Results.Total,
			&sh.Results.Passed,
			&sh.Results.Failed,
			&sh.Results.Skipped,
			&sh.LastSequence,
			&sh.LastDedupKey,
			&sh.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan shard")
		}
		sh.Status = ShardStatus(status)
		out[sh.ExecutionID] = append(out[sh.ExecutionID], sh)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate shards")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*Execution, error) {
	var exec Execution
	var status string
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&exec.ID,
		&exec.Config.Suite,
		&exec.Config.Environment,
		&exec.Config.Provider,
		&exec.Config.Shards,
		&exec.Config.TimeoutSeconds,
		&exec.Config.Retries,
		&status,
		&exec.Reason,
		&exec.LastDedupKey,
		&exec.Results.Total,
		&exec.Results.Passed,
		&exec.Results.Failed,
		&exec.Results.Skipped,
		&exec.CreatedAt,
		&startedAt,
		&endedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		exec.EndedAt = &t
	}
	return &exec, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
