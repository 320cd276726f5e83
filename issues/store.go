package issues

import (
	"context"
	"database/sql"
	"time"

	"github.com/rogersg17/demoApp-sub002/db"
	"github.com/rogersg17/demoApp-sub002/errors"
)

// Issue states
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Link ties a failure fingerprint to exactly one tracker issue
type Link struct {
	Fingerprint     string    `json:"fingerprint"`
	IssueID         string    `json:"issueId"`
	IssueURL        string    `json:"issueUrl,omitempty"`
	State           string    `json:"state"`
	Title           string    `json:"title"`
	File            string    `json:"file,omitempty"`
	ErrorSignature  string    `json:"errorSignature,omitempty"`
	RetryCount      int       `json:"retryCount"` // occurrences after the first
	LastBuild       string    `json:"lastBuild,omitempty"`
	LastExecutionID string    `json:"lastExecutionId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists issue links and failure occurrences
type Store struct {
	db *sql.DB
}

// NewStore creates an issue link store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const linkColumns = `fingerprint, issue_id, issue_url, state, title, file, error_signature,
	retry_count, last_build, last_execution_id, created_at, updated_at`

// Get returns the link for a fingerprint
func (s *Store) Get(ctx context.Context, fingerprint string) (*Link, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM issue_links WHERE fingerprint = ?`, fingerprint)
	link, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no issue for fingerprint %s", fingerprint)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load issue link %s", fingerprint)
	}
	return link, nil
}

// GetByIssue returns the link for a tracker issue id
func (s *Store) GetByIssue(ctx context.Context, issueID string) (*Link, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM issue_links WHERE issue_id = ?`, issueID)
	link, err := scanLink(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("no link for issue %s", issueID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load issue link for %s", issueID)
	}
	return link, nil
}

// Sighting is one execution reporting a fingerprint
type Sighting struct {
	ExecutionID string
	ShardID     string
	At          time.Time
}

// Create inserts a new link together with the sighting that filed it.
// Either side already being linked is ErrConflict, which keeps fingerprints
// and issues one-to-one.
func (s *Store) Create(ctx context.Context, link *Link, first Sighting) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO issue_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.Fingerprint,
		link.IssueID,
		link.IssueURL,
		link.State,
		link.Title,
		link.File,
		link.ErrorSignature,
		link.RetryCount,
		link.LastBuild,
		link.LastExecutionID,
		link.CreatedAt.UTC(),
		link.UpdatedAt.UTC(),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "fingerprint %s or issue %s is already linked", link.Fingerprint, link.IssueID)
		}
		return errors.Wrapf(err, "failed to insert issue link %s", link.Fingerprint)
	}

	if err := recordSighting(ctx, tx, link.Fingerprint, first); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit issue link %s", link.Fingerprint)
	}
	return nil
}

// Update writes the mutable fields of a link and records the sighting that
// changed it
func (s *Store) Update(ctx context.Context, link *Link, seen Sighting) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE issue_links
		SET issue_url = ?, state = ?, retry_count = ?, last_build = ?, last_execution_id = ?, updated_at = ?
		WHERE fingerprint = ?`,
		link.IssueURL,
		link.State,
		link.RetryCount,
		link.LastBuild,
		link.LastExecutionID,
		link.UpdatedAt.UTC(),
		link.Fingerprint,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update issue link %s", link.Fingerprint)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("no issue for fingerprint %s", link.Fingerprint)
	}

	if err := recordSighting(ctx, tx, link.Fingerprint, seen); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit issue link %s", link.Fingerprint)
	}
	return nil
}

func recordSighting(ctx context.Context, tx *sql.Tx, fingerprint string, seen Sighting) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO failure_occurrences
		(fingerprint, execution_id, shard_id, recorded_at) VALUES (?, ?, ?, ?)`,
		fingerprint, seen.ExecutionID, seen.ShardID, seen.At.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to record occurrence of %s", fingerprint)
	}
	return nil
}

// SetState records an issue state change made in the tracker
func (s *Store) SetState(ctx context.Context, issueID, state string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE issue_links SET state = ?, updated_at = ? WHERE issue_id = ?`,
		state, at.UTC(), issueID)
	if err != nil {
		return errors.Wrapf(err, "failed to set state of issue %s", issueID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("no link for issue %s", issueID)
	}
	return nil
}

// List returns links, most recently updated first
func (s *Store) List(ctx context.Context, state string, limit int) ([]*Link, error) {
	query := `SELECT ` + linkColumns + ` FROM issue_links`
	var args []interface{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list issue links")
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan issue link")
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// Reported reports whether executionID already reported fingerprint
func (s *Store) Reported(ctx context.Context, fingerprint, executionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failure_occurrences
		WHERE fingerprint = ? AND execution_id = ?`, fingerprint, executionID).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up occurrence of %s", fingerprint)
	}
	return n > 0, nil
}

// Occurrences counts the executions that reported fingerprint
func (s *Store) Occurrences(ctx context.Context, fingerprint string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failure_occurrences WHERE fingerprint = ?`, fingerprint).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count occurrences of %s", fingerprint)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLink(row scanner) (*Link, error) {
	var link Link
	err := row.Scan(
		&link.Fingerprint,
		&link.IssueID,
		&link.IssueURL,
		&link.State,
		&link.Title,
		&link.File,
		&link.ErrorSignature,
		&link.RetryCount,
		&link.LastBuild,
		&link.LastExecutionID,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &link, nil
}
