package issues

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/internal/httpclient"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// Draft is a new issue to file
type Draft struct {
	Title  string
	Body   string
	Labels []string
}

// Issue is a tracker issue as the bridge sees it
type Issue struct {
	ID    string
	URL   string
	State string
}

// Tracker is an external issue tracker
type Tracker interface {
	Create(ctx context.Context, d Draft) (Issue, error)
	Comment(ctx context.Context, issueID, body string) error
	Reopen(ctx context.Context, issueID string) error
}

// NewTracker builds the tracker selected by cfg.Kind
func NewTracker(cfg am.TrackerConfig, log *zap.SugaredLogger) (Tracker, error) {
	switch cfg.Kind {
	case "", am.TrackerLog:
		return NewLogTracker(log), nil
	case am.TrackerGitHub:
		t, err := NewGitHubTracker(cfg, nil)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, errors.Newf("unknown tracker kind %q", cfg.Kind)
}

const githubAPIVersion = "2022-11-28"

// GitHubTracker files issues through the GitHub REST API
type GitHubTracker struct {
	baseURL string
	owner   string
	repo    string
	token   string
	client  *httpclient.Client
}

// NewGitHubTracker creates a GitHub issues client. A nil client builds one
// with cfg's timeout.
func NewGitHubTracker(cfg am.TrackerConfig, client *httpclient.Client) (*GitHubTracker, error) {
	owner, repo, ok := strings.Cut(cfg.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, errors.Newf("tracker.repo must be owner/name, got %q", cfg.Repo)
	}
	if cfg.Token == "" {
		return nil, errors.New("tracker.token is required for the github tracker")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	if client == nil {
		client = httpclient.New(httpclient.Options{Timeout: cfg.Timeout()})
	}
	if _, err := client.ValidateURL(base); err != nil {
		return nil, errors.Wrap(err, "invalid tracker.base_url")
	}
	return &GitHubTracker{
		baseURL: base,
		owner:   owner,
		repo:    repo,
		token:   cfg.Token,
		client:  client,
	}, nil
}

type githubIssue struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

func (g *GitHubTracker) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+g.token)
	h.Set("Accept", "application/vnd.github+json")
	h.Set("X-GitHub-Api-Version", githubAPIVersion)
	return h
}

func (g *GitHubTracker) issuePath(issueID string) string {
	return fmt.Sprintf("%s/repos/%s/%s/issues/%s", g.baseURL, g.owner, g.repo, issueID)
}

// Create opens a new issue
func (g *GitHubTracker) Create(ctx context.Context, d Draft) (Issue, error) {
	req := struct {
		Title  string   `json:"title"`
		Body   string   `json:"body,omitempty"`
		Labels []string `json:"labels,omitempty"`
	}{d.Title, d.Body, d.Labels}

	var out githubIssue
	url := fmt.Sprintf("%s/repos/%s/%s/issues", g.baseURL, g.owner, g.repo)
	if err := g.client.DoJSON(ctx, http.MethodPost, url, g.headers(), req, &out); err != nil {
		return Issue{}, errors.Wrapf(err, "creating issue in %s/%s", g.owner, g.repo)
	}
	return Issue{ID: strconv.Itoa(out.Number), URL: out.HTMLURL, State: out.State}, nil
}

// Comment adds a comment to an issue
func (g *GitHubTracker) Comment(ctx context.Context, issueID, body string) error {
	req := struct {
		Body string `json:"body"`
	}{body}
	if err := g.client.DoJSON(ctx, http.MethodPost, g.issuePath(issueID)+"/comments", g.headers(), req, nil); err != nil {
		return errors.Wrapf(err, "commenting on %s/%s#%s", g.owner, g.repo, issueID)
	}
	return nil
}

// Reopen sets a closed issue back to open
func (g *GitHubTracker) Reopen(ctx context.Context, issueID string) error {
	req := struct {
		State string `json:"state"`
	}{StateOpen}
	if err := g.client.DoJSON(ctx, http.MethodPatch, g.issuePath(issueID), g.headers(), req, nil); err != nil {
		return errors.Wrapf(err, "reopening %s/%s#%s", g.owner, g.repo, issueID)
	}
	return nil
}

// LogTracker records issues in memory and logs them. Used when no external
// tracker is configured.
type LogTracker struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	next   int
	issues map[string]*LogIssue
}

// LogIssue is an issue held by LogTracker
type LogIssue struct {
	Draft    Draft
	State    string
	Comments []string
}

// NewLogTracker creates a log-only tracker
func NewLogTracker(log *zap.SugaredLogger) *LogTracker {
	if log == nil {
		log = logger.ComponentLogger("tracker")
	}
	return &LogTracker{logger: log, issues: make(map[string]*LogIssue)}
}

// Create records a new issue
func (l *LogTracker) Create(_ context.Context, d Draft) (Issue, error) {
	l.mu.Lock()
	l.next++
	id := "LOG-" + strconv.Itoa(l.next)
	l.issues[id] = &LogIssue{Draft: d, State: StateOpen}
	l.mu.Unlock()

	l.logger.Infow("Issue filed", logger.FieldIssueID, id, "title", d.Title)
	return Issue{ID: id, State: StateOpen}, nil
}

// Comment appends a comment
func (l *LogTracker) Comment(_ context.Context, issueID, body string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	issue, ok := l.issues[issueID]
	if !ok {
		return errors.NewNotFoundError("issue %s not found", issueID)
	}
	issue.Comments = append(issue.Comments, body)
	l.logger.Infow("Issue updated", logger.FieldIssueID, issueID, "comments", len(issue.Comments))
	return nil
}

// Reopen marks an issue open
func (l *LogTracker) Reopen(_ context.Context, issueID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	issue, ok := l.issues[issueID]
	if !ok {
		return errors.NewNotFoundError("issue %s not found", issueID)
	}
	issue.State = StateOpen
	l.logger.Infow("Issue reopened", logger.FieldIssueID, issueID)
	return nil
}

// Close marks an issue closed, as a person would in the tracker UI
func (l *LogTracker) Close(issueID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if issue, ok := l.issues[issueID]; ok {
		issue.State = StateClosed
	}
}

// Get returns a copy of an issue
func (l *LogTracker) Get(issueID string) (LogIssue, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	issue, ok := l.issues[issueID]
	if !ok {
		return LogIssue{}, false
	}
	c := *issue
	c.Comments = append([]string(nil), issue.Comments...)
	return c, true
}
