package issues

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/internal/httpclient"
)

type recordedCall struct {
	Method string
	Path   string
	Body   map[string]interface{}
	Header http.Header
}

func fakeGitHub(t *testing.T) (*httptest.Server, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body, Header: r.Header.Clone()})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/app/issues":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"number": 17, "state": "open", "html_url": "https://github.com/acme/app/issues/17"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/app/issues/17/comments":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 1}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/repos/acme/app/issues/17":
			_, _ = w.Write([]byte(`{"number": 17, "state": "open"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message": "Not Found"}`))
		}
	}))
	t.Cleanup(srv.Close)

	return srv, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func TestGitHubTracker(t *testing.T) {
	srv, calls := fakeGitHub(t)
	cfg := am.TrackerConfig{Kind: am.TrackerGitHub, BaseURL: srv.URL, Repo: "acme/app", Token: "ghp_test"}
	tracker, err := NewGitHubTracker(cfg, httpclient.New(httpclient.Options{AllowPrivate: true}))
	require.NoError(t, err)
	ctx := context.Background()

	issue, err := tracker.Create(ctx, Draft{Title: "Test failure: login", Body: "body", Labels: []string{"flaky"}})
	require.NoError(t, err)
	assert.Equal(t, "17", issue.ID)
	assert.Equal(t, "https://github.com/acme/app/issues/17", issue.URL)
	assert.Equal(t, StateOpen, issue.State)

	require.NoError(t, tracker.Comment(ctx, "17", "again"))
	require.NoError(t, tracker.Reopen(ctx, "17"))

	got := calls()
	require.Len(t, got, 3)
	assert.Equal(t, "Test failure: login", got[0].Body["title"])
	assert.Equal(t, []interface{}{"flaky"}, got[0].Body["labels"])
	assert.Equal(t, "Bearer ghp_test", got[0].Header.Get("Authorization"))
	assert.Equal(t, githubAPIVersion, got[0].Header.Get("X-GitHub-Api-Version"))
	assert.Equal(t, "again", got[1].Body["body"])
	assert.Equal(t, http.MethodPatch, got[2].Method)
	assert.Equal(t, "open", got[2].Body["state"])

	err = tracker.Comment(ctx, "99", "missing")
	require.Error(t, err)
	var se *httpclient.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, httpclient.IsTemporary(err))
}

func TestNewGitHubTrackerValidation(t *testing.T) {
	_, err := NewGitHubTracker(am.TrackerConfig{Repo: "noslash", Token: "t"}, nil)
	assert.Error(t, err)

	_, err = NewGitHubTracker(am.TrackerConfig{Repo: "acme/app"}, nil)
	assert.Error(t, err, "token required")

	_, err = NewGitHubTracker(am.TrackerConfig{Repo: "acme/app", Token: "t", BaseURL: "ftp://example.com"}, nil)
	assert.Error(t, err)

	tracker, err := NewGitHubTracker(am.TrackerConfig{Repo: "acme/app", Token: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com", tracker.baseURL)
}

func TestNewTracker(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	tr, err := NewTracker(am.TrackerConfig{}, log)
	require.NoError(t, err)
	assert.IsType(t, &LogTracker{}, tr)

	tr, err = NewTracker(am.TrackerConfig{Kind: am.TrackerGitHub, Repo: "acme/app", Token: "t"}, log)
	require.NoError(t, err)
	assert.IsType(t, &GitHubTracker{}, tr)

	_, err = NewTracker(am.TrackerConfig{Kind: "jira"}, log)
	assert.Error(t, err)
}

func TestLogTracker(t *testing.T) {
	tr := NewLogTracker(zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	issue, err := tr.Create(ctx, Draft{Title: "a"})
	require.NoError(t, err)
	assert.Equal(t, "LOG-1", issue.ID)

	require.NoError(t, tr.Comment(ctx, issue.ID, "again"))
	tr.Close(issue.ID)
	got, ok := tr.Get(issue.ID)
	require.True(t, ok)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, []string{"again"}, got.Comments)

	require.NoError(t, tr.Reopen(ctx, issue.ID))
	got, _ = tr.Get(issue.ID)
	assert.Equal(t, StateOpen, got.State)

	assert.True(t, errors.IsNotFoundError(tr.Comment(ctx, "LOG-9", "x")))
}
