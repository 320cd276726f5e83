package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersg17/demoApp-sub002/admission"
	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/issues"
)

func createExecution(t *testing.T, s *Server, body string) CreateExecutionResponse {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/executions", body)
	require.Contains(t, []int{http.StatusCreated, http.StatusAccepted}, rec.Code, rec.Body.String())
	return decode[CreateExecutionResponse](t, rec.Body.Bytes())
}

func TestCreateExecutionAdmitted(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/executions", `{"suite":"smoke","environment":"staging","shards":2,"timeout":600}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[CreateExecutionResponse](t, rec.Body.Bytes())
	assert.NotEmpty(t, out.ExecutionID)
	assert.Equal(t, "running", out.Status)
	assert.Zero(t, out.Position)

	rec = do(t, s, http.MethodGet, "/executions/"+out.ExecutionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decode[execution.Execution](t, rec.Body.Bytes())
	assert.Equal(t, execution.StatusRunning, exec.Status)
	assert.Equal(t, 600, exec.Config.TimeoutSeconds)
	require.Len(t, exec.Shards, 2)
	assert.Equal(t, execution.ShardID(exec.ID, 1), exec.Shards[0].ID)
}

func TestCreateExecutionDefaults(t *testing.T) {
	s := newTestServer(t, func(c *am.Config) {
		c.Queue.DefaultShards = 3
		c.Queue.DefaultTimeoutMinutes = 5
	})

	out := createExecution(t, s, `{"suite":"smoke","environment":"staging"}`)
	exec, err := s.registry.Get(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, exec.Shards, 3)
	assert.Equal(t, 300, exec.Config.TimeoutSeconds)

	out = createExecution(t, s, `{"suite":"smoke","timeoutSeconds":42}`)
	exec, err = s.registry.Get(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, 42, exec.Config.TimeoutSeconds)
}

func TestCreateExecutionQueuesThenRejects(t *testing.T) {
	s := newTestServer(t, func(c *am.Config) {
		c.Queue.MaxRunning = 1
		c.Queue.MaxWaiting = 1
	})

	first := createExecution(t, s, `{"suite":"a"}`)
	assert.Equal(t, "running", first.Status)

	rec := do(t, s, http.MethodPost, "/executions", `{"suite":"b"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	queued := decode[CreateExecutionResponse](t, rec.Body.Bytes())
	assert.Equal(t, "queued", queued.Status)
	assert.Equal(t, 1, queued.Position)
	assert.NotEmpty(t, queued.ExecutionID)

	rec = do(t, s, http.MethodPost, "/executions", `{"suite":"c"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "CapacityExceeded", decode[ErrorResponse](t, rec.Body.Bytes()).Error)

	// Cancelling the running execution promotes exactly the queued one
	rec = do(t, s, http.MethodDelete, "/executions/"+first.ExecutionID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	exec, err := s.registry.Get(context.Background(), queued.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, exec.Status)

	snap := s.coordinator.Snapshot()
	assert.Len(t, snap.Running, 1)
	assert.Empty(t, snap.Waiting)
}

func TestCreateExecutionValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing suite", `{"environment":"staging"}`},
		{"blank suite", `{"suite":"  "}`},
		{"negative shards", `{"suite":"a","shards":-1}`},
		{"negative timeout", `{"suite":"a","timeout":-5}`},
		{"negative retries", `{"suite":"a","retries":-1}`},
		{"unknown field", `{"suite":"a","color":"blue"}`},
		{"not json", `suite=a`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/executions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "InvalidRequest", decode[ErrorResponse](t, rec.Body.Bytes()).Error)
		})
	}

	execs, err := s.registry.List(context.Background(), execution.Filter{})
	require.NoError(t, err)
	assert.Empty(t, execs, "rejected requests create nothing")
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/executions/doesnotexist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", decode[ErrorResponse](t, rec.Body.Bytes()).Error)
}

func TestCancelExecution(t *testing.T) {
	s := newTestServer(t, nil)
	out := createExecution(t, s, `{"suite":"a","shards":2}`)

	rec := do(t, s, http.MethodDelete, "/executions/"+out.ExecutionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	exec := decode[execution.Execution](t, rec.Body.Bytes())
	assert.Equal(t, execution.StatusCancelled, exec.Status)
	assert.Equal(t, admission.ReasonCancelled, exec.Reason)

	rec = do(t, s, http.MethodDelete, "/executions/"+out.ExecutionID, "")
	assert.Equal(t, http.StatusOK, rec.Code, "cancelling twice succeeds")

	assert.Empty(t, s.coordinator.Snapshot().Running, "capacity is released")
}

func TestCancelFinishedExecutionConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	out := createExecution(t, s, `{"suite":"a"}`)
	_, err := s.registry.Fail(context.Background(), out.ExecutionID, "boom")
	require.NoError(t, err)

	rec := do(t, s, http.MethodDelete, "/executions/"+out.ExecutionID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidTransition", decode[ErrorResponse](t, rec.Body.Bytes()).Error)

	rec = do(t, s, http.MethodDelete, "/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutions(t *testing.T) {
	s := newTestServer(t, nil)
	a := createExecution(t, s, `{"suite":"a"}`)
	createExecution(t, s, `{"suite":"b"}`)
	_, err := s.registry.Fail(context.Background(), a.ExecutionID, "boom")
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[ListExecutionsResponse](t, rec.Body.Bytes())
	assert.Equal(t, 2, all.Count)

	rec = do(t, s, http.MethodGet, "/executions?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decode[ListExecutionsResponse](t, rec.Body.Bytes())
	require.Equal(t, 1, failed.Count)
	assert.Equal(t, a.ExecutionID, failed.Executions[0].ID)

	rec = do(t, s, http.MethodGet, "/executions?status=failed,running&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ListExecutionsResponse](t, rec.Body.Bytes()).Count)

	rec = do(t, s, http.MethodGet, "/executions?status=exploded", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/executions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListExecutionsEmpty(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"executions":[],"count":0}`, rec.Body.String())
}

func TestQueueSnapshot(t *testing.T) {
	s := newTestServer(t, func(c *am.Config) {
		c.Queue.MaxRunning = 1
	})
	running := createExecution(t, s, `{"suite":"a","shards":2}`)
	waiting := createExecution(t, s, `{"suite":"b"}`)

	rec := do(t, s, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[admission.Snapshot](t, rec.Body.Bytes())
	assert.Equal(t, 1, snap.MaxRunning)
	assert.Equal(t, 2, snap.InFlightShards)
	require.Len(t, snap.Running, 1)
	assert.Equal(t, running.ExecutionID, snap.Running[0].ExecutionID)
	require.Len(t, snap.Waiting, 1)
	assert.Equal(t, waiting.ExecutionID, snap.Waiting[0].ExecutionID)
	assert.Equal(t, 1, snap.Waiting[0].Position)
}

func TestIssueEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	rec := do(t, s, http.MethodGet, "/issues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[ListIssuesResponse](t, rec.Body.Bytes()).Count)

	now := time.Now().UTC()
	require.NoError(t, s.issueStore.Create(ctx, &issues.Link{
		Fingerprint: "fp-1",
		IssueID:     "41",
		State:       issues.StateOpen,
		Title:       "Test failure: applies coupon",
		CreatedAt:   now,
		UpdatedAt:   now,
	}, issues.Sighting{ExecutionID: "exec-1", At: now}))

	rec = do(t, s, http.MethodGet, "/issues?state=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[ListIssuesResponse](t, rec.Body.Bytes())
	require.Equal(t, 1, open.Count)
	assert.Equal(t, "41", open.Issues[0].IssueID)

	rec = do(t, s, http.MethodPost, "/issues/41/close", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/issues?state=closed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ListIssuesResponse](t, rec.Body.Bytes()).Count)

	rec = do(t, s, http.MethodPost, "/issues/999/close", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/issues?state=sideways", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	createExecution(t, s, `{"suite":"a"}`)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[HealthResponse](t, rec.Body.Bytes())
	assert.Equal(t, "ok", h.Status)
	assert.NotEmpty(t, h.Version)
	assert.Positive(t, h.Goroutines)
	require.NotNil(t, h.Memory)
	assert.Positive(t, h.Memory.GoHeapAlloc)
	assert.Equal(t, []string{"generic"}, h.Providers)
	assert.Len(t, h.Queue.Running, 1)
	assert.Zero(t, h.Clients)
}

func TestWebhookRouteIsMounted(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodPost, "/webhooks/generic", `{"event":"started"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unsigned deliveries are rejected")

	rec = do(t, s, http.MethodPost, "/webhooks/bitbucket", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
