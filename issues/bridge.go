package issues

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/correlate"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/internal/httpclient"
	"github.com/rogersg17/demoApp-sub002/internal/keyed"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/provider"
)

// Outcome is what the bridge did with one failure
type Outcome string

const (
	IssueCreated Outcome = "issue_created"
	IssueUpdated Outcome = "issue_updated"
	Suppressed   Outcome = "suppressed"
)

// Retry policy defaults
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = time.Second
	DefaultCallTimeout = 10 * time.Second
)

// Occurrence describes where a failure was seen
type Occurrence struct {
	ExecutionID string
	ShardID     string
	Suite       string
	Environment string
	Provider    string
	BuildID     string
	BuildURL    string
	CommitSHA   string
}

func (o Occurrence) sighting(at time.Time) Sighting {
	return Sighting{ExecutionID: o.ExecutionID, ShardID: o.ShardID, At: at}
}

// Result reports the outcome for one failure
type Result struct {
	Outcome     Outcome
	Fingerprint string
	IssueID     string
	Reason      string // why it was suppressed
}

// Bridge turns failing tests into tracker issues, one issue per fingerprint
type Bridge struct {
	store   *Store
	tracker Tracker
	logger  *zap.SugaredLogger
	locks   *keyed.Mutex
	now     func() time.Time

	labels      []string
	timeout     time.Duration
	maxAttempts int
	baseBackoff time.Duration
}

// NewBridge wires a bridge. store and tracker are required.
func NewBridge(store *Store, tracker Tracker, cfg am.TrackerConfig, log *zap.SugaredLogger) (*Bridge, error) {
	if store == nil {
		return nil, errors.New("issues: store is required")
	}
	if tracker == nil {
		return nil, errors.New("issues: tracker is required")
	}
	if log == nil {
		log = logger.ComponentLogger("issues")
	}
	b := &Bridge{
		store:       store,
		tracker:     tracker,
		logger:      log,
		locks:       keyed.New(),
		now:         time.Now,
		labels:      cfg.Labels,
		timeout:     cfg.Timeout(),
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff(),
	}
	if b.timeout <= 0 {
		b.timeout = DefaultCallTimeout
	}
	if b.maxAttempts <= 0 {
		b.maxAttempts = DefaultMaxAttempts
	}
	if b.baseBackoff <= 0 {
		b.baseBackoff = DefaultBaseBackoff
	}
	return b, nil
}

// Run records the failures of every Applied message until ctx is cancelled
// or the channel is closed
func (b *Bridge) Run(ctx context.Context, failures <-chan correlate.Applied) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-failures:
			if !ok {
				return nil
			}
			b.Handle(ctx, msg)
		}
	}
}

// Handle records each failed test carried by msg
func (b *Bridge) Handle(ctx context.Context, msg correlate.Applied) []Result {
	occ := OccurrenceFrom(msg)
	results := make([]Result, 0, len(msg.FailedTests))
	for _, test := range msg.FailedTests {
		res, err := b.RecordFailure(ctx, test, occ)
		if err != nil {
			b.logger.Errorw("Failure not recorded",
				logger.FieldExecutionID, occ.ExecutionID,
				"test", test.Title,
				logger.FieldError, err.Error(),
			)
			continue
		}
		results = append(results, res)
	}
	return results
}

// OccurrenceFrom extracts the failure context from an Applied message
func OccurrenceFrom(msg correlate.Applied) Occurrence {
	occ := Occurrence{}
	if msg.Execution != nil {
		occ.ExecutionID = msg.Execution.ID
		occ.Suite = msg.Execution.Config.Suite
		occ.Environment = msg.Execution.Config.Environment
	}
	if ev := msg.Event; ev != nil {
		if occ.ExecutionID == "" {
			occ.ExecutionID = ev.ExecutionRef
		}
		occ.ShardID = shardID(msg.Execution, ev.ShardRef)
		occ.Provider = ev.Provider
		occ.BuildID = ev.BuildID
		occ.BuildURL = ev.BuildURL
		occ.CommitSHA = ev.CommitSHA
	}
	return occ
}

// shardID resolves a shard reference (id or 1-based index) to the shard id
func shardID(exec *execution.Execution, ref string) string {
	if exec == nil || ref == "" {
		return ref
	}
	idx, err := strconv.Atoi(ref)
	for _, s := range exec.Shards {
		if s.ID == ref || (err == nil && s.Index == idx) {
			return s.ID
		}
	}
	return ref
}

// RecordFailure files or updates the issue for one failing test.
//
// The first sighting of a fingerprint creates an issue; later sightings from
// other executions comment on it, reopening it when it was closed. A second
// report of the same fingerprint from one execution is Suppressed, as is a
// failure the tracker could not take after all retries; that one is not
// counted as a sighting, so a later report can still file it. Only storage
// failures are returned as errors.
func (b *Bridge) RecordFailure(ctx context.Context, test provider.FailedTest, occ Occurrence) (Result, error) {
	fp := Fingerprint(test.Title, test.File, test.Error)
	log := b.logger.With(
		logger.FieldFingerprint, fp[:12],
		logger.FieldExecutionID, occ.ExecutionID,
	)

	unlock := b.locks.Lock(fp)
	defer unlock()

	link, err := b.store.Get(ctx, fp)
	if err != nil && !errors.IsNotFoundError(err) {
		return Result{}, errors.WrapStorage(err, "load issue link")
	}

	reported, err := b.store.Reported(ctx, fp, occ.ExecutionID)
	if err != nil {
		return Result{}, errors.WrapStorage(err, "look up failure occurrence")
	}
	if reported {
		log.Debugw("Failure already reported by this execution", logger.FieldOutcome, string(Suppressed))
		res := Result{Outcome: Suppressed, Fingerprint: fp, Reason: "already reported"}
		if link != nil {
			res.IssueID = link.IssueID
		}
		return res, nil
	}

	// The sighting is stored with the link, once the tracker has the issue.
	now := b.now()
	if link == nil {
		return b.create(ctx, log, fp, test, occ, now)
	}
	return b.update(ctx, log, link, test, occ, now)
}

func (b *Bridge) create(ctx context.Context, log *zap.SugaredLogger, fp string, test provider.FailedTest, occ Occurrence, now time.Time) (Result, error) {
	draft := Draft{
		Title:  issueTitle(test),
		Body:   issueBody(fp, test, occ),
		Labels: b.labels,
	}

	var issue Issue
	err := b.call(ctx, log, "create issue", func(ctx context.Context) error {
		var err error
		issue, err = b.tracker.Create(ctx, draft)
		return err
	})
	if err != nil {
		log.Errorw("Tracker unavailable, failure not filed",
			logger.FieldOutcome, string(Suppressed),
			logger.FieldError, err.Error(),
		)
		return Result{Outcome: Suppressed, Fingerprint: fp, Reason: "tracker unavailable"}, nil
	}

	link := &Link{
		Fingerprint:     fp,
		IssueID:         issue.ID,
		IssueURL:        issue.URL,
		State:           StateOpen,
		Title:           test.Title,
		File:            NormalizePath(test.File),
		ErrorSignature:  NormalizeError(test.Error),
		LastBuild:       occ.BuildID,
		LastExecutionID: occ.ExecutionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := b.store.Create(ctx, link, occ.sighting(now)); err != nil {
		return Result{}, errors.WrapStorage(err, "create issue link")
	}

	log.Infow("Issue created", logger.FieldIssueID, issue.ID, logger.FieldOutcome, string(IssueCreated))
	return Result{Outcome: IssueCreated, Fingerprint: fp, IssueID: issue.ID}, nil
}

func (b *Bridge) update(ctx context.Context, log *zap.SugaredLogger, link *Link, test provider.FailedTest, occ Occurrence, now time.Time) (Result, error) {
	log = log.With(logger.FieldIssueID, link.IssueID)
	reopen := link.State == StateClosed

	err := b.call(ctx, log, "update issue", func(ctx context.Context) error {
		if reopen {
			if err := b.tracker.Reopen(ctx, link.IssueID); err != nil {
				return err
			}
		}
		return b.tracker.Comment(ctx, link.IssueID, occurrenceComment(test, occ, reopen))
	})
	if err != nil {
		log.Errorw("Tracker unavailable, occurrence not recorded on issue",
			logger.FieldOutcome, string(Suppressed),
			logger.FieldError, err.Error(),
		)
		return Result{Outcome: Suppressed, Fingerprint: link.Fingerprint, IssueID: link.IssueID, Reason: "tracker unavailable"}, nil
	}

	link.State = StateOpen
	link.RetryCount++
	link.LastBuild = occ.BuildID
	link.LastExecutionID = occ.ExecutionID
	link.UpdatedAt = now
	if err := b.store.Update(ctx, link, occ.sighting(now)); err != nil {
		return Result{}, errors.WrapStorage(err, "update issue link")
	}

	log.Infow("Issue updated",
		logger.FieldOutcome, string(IssueUpdated),
		"reopened", reopen,
		"occurrences", link.RetryCount+1,
	)
	return Result{Outcome: IssueUpdated, Fingerprint: link.Fingerprint, IssueID: link.IssueID}, nil
}

// MarkClosed records that an issue was closed in the tracker, so the next
// matching failure reopens it
func (b *Bridge) MarkClosed(ctx context.Context, issueID string) error {
	link, err := b.store.GetByIssue(ctx, issueID)
	if err != nil {
		return err
	}
	unlock := b.locks.Lock(link.Fingerprint)
	defer unlock()
	return b.store.SetState(ctx, issueID, StateClosed, b.now())
}

// call runs fn with a per-attempt timeout, retrying temporary failures with
// exponential backoff. The final error is marked ErrTrackerUnavailable.
func (b *Bridge) call(ctx context.Context, log *zap.SugaredLogger, what string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.baseBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = b.baseBackoff << b.maxAttempts

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && (!httpclient.IsTemporary(err) || errors.IsNotFoundError(err)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(b.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warnw("Tracker call failed, retrying",
				"call", what,
				logger.FieldAttempt, attempt,
				"retry_in", next.String(),
				logger.FieldError, err.Error(),
			)
		}),
	)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s failed after %d attempts", what, attempt), errors.ErrTrackerUnavailable)
	}
	return nil
}

func issueTitle(test provider.FailedTest) string {
	title := strings.TrimSpace(test.Title)
	if title == "" {
		title = "unnamed test"
	}
	return "Test failure: " + title
}

func issueBody(fp string, test provider.FailedTest, occ Occurrence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Test:** %s\n", test.Title)
	if test.File != "" {
		fmt.Fprintf(&sb, "**File:** `%s`\n", NormalizePath(test.File))
	}
	if occ.Suite != "" {
		fmt.Fprintf(&sb, "**Suite:** %s", occ.Suite)
		if occ.Environment != "" {
			fmt.Fprintf(&sb, " (%s)", occ.Environment)
		}
		sb.WriteString("\n")
	}
	if test.Error != "" {
		fmt.Fprintf(&sb, "\n```\n%s\n```\n", excerpt(test.Error, 2000))
	}
	sb.WriteString("\n")
	writeOccurrence(&sb, occ)
	fmt.Fprintf(&sb, "\n<!-- testorch fingerprint: %s -->\n", fp)
	return sb.String()
}

func occurrenceComment(test provider.FailedTest, occ Occurrence, reopened bool) string {
	var sb strings.Builder
	if reopened {
		sb.WriteString("Reopening: this failure occurred again.\n\n")
	} else {
		sb.WriteString("This failure occurred again.\n\n")
	}
	writeOccurrence(&sb, occ)
	if test.Error != "" {
		fmt.Fprintf(&sb, "\n```\n%s\n```\n", excerpt(test.Error, 1000))
	}
	return sb.String()
}

func writeOccurrence(sb *strings.Builder, occ Occurrence) {
	fmt.Fprintf(sb, "- Execution: `%s`\n", occ.ExecutionID)
	if occ.ShardID != "" {
		fmt.Fprintf(sb, "- Shard: `%s`\n", occ.ShardID)
	}
	if occ.Provider != "" {
		fmt.Fprintf(sb, "- Provider: %s\n", occ.Provider)
	}
	if occ.BuildID != "" {
		if occ.BuildURL != "" {
			fmt.Fprintf(sb, "- Build: [%s](%s)\n", occ.BuildID, occ.BuildURL)
		} else {
			fmt.Fprintf(sb, "- Build: %s\n", occ.BuildID)
		}
	}
	if occ.CommitSHA != "" {
		fmt.Fprintf(sb, "- Commit: `%s`\n", occ.CommitSHA)
	}
}

// excerpt trims s to at most max bytes without splitting a character
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n..."
}
