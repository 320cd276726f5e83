package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/provider"
)

func sampleExecution() *execution.Execution {
	return execution.New(execution.Config{
		Suite:          "checkout",
		Environment:    "staging",
		Provider:       "github",
		Shards:         2,
		TimeoutSeconds: 900,
	}, time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
}

func TestNewTriggerRequest(t *testing.T) {
	exec := sampleExecution()
	req := NewTriggerRequest(exec)

	assert.Equal(t, "trigger", req.Action)
	assert.Equal(t, exec.ID, req.ExecutionID)
	assert.Equal(t, 2, req.Shards)
	assert.Equal(t, "testorch:"+exec.ID, req.Correlation)
	assert.Equal(t, exec.ID, req.Variables[provider.VarExecutionID])

	require.Len(t, req.ShardTriggers, 2)
	second := req.ShardTriggers[1]
	assert.Equal(t, exec.ID+"-2", second.ShardID)
	assert.Equal(t, "2", second.Variables[provider.VarShard])

	// What providers echo back must resolve to the same execution and shard.
	ref, shard, ok := provider.ParseToken("e2e " + second.Correlation)
	require.True(t, ok)
	assert.Equal(t, exec.ID, ref)
	assert.Equal(t, "2", shard)
}

func TestHTTPDispatcher(t *testing.T) {
	var (
		mu       sync.Mutex
		received []TriggerRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer ci-token", r.Header.Get("Authorization"))
		var body TriggerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, err := NewHTTPDispatcher(am.DispatchConfig{URL: srv.URL, Token: "ci-token", TimeoutSeconds: 2}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	exec := sampleExecution()
	require.NoError(t, d.Dispatch(context.Background(), exec))
	exec.Reason = ReasonCancelled
	require.NoError(t, d.Cancel(context.Background(), exec))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "trigger", received[0].Action)
	assert.Equal(t, "checkout", received[0].Suite)
	assert.Len(t, received[0].ShardTriggers, 2)
	assert.Equal(t, "cancel", received[1].Action)
	assert.Equal(t, ReasonCancelled, received[1].Reason)
}

func TestHTTPDispatcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow not found", http.StatusNotFound)
	}))
	defer srv.Close()

	d, err := NewHTTPDispatcher(am.DispatchConfig{URL: srv.URL}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	err = d.Dispatch(context.Background(), sampleExecution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer slow.Close()

	d, err = NewHTTPDispatcher(am.DispatchConfig{URL: slow.URL, TimeoutSeconds: 1}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	err = d.Dispatch(context.Background(), sampleExecution())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))

	_, err = NewHTTPDispatcher(am.DispatchConfig{URL: "ftp://ci.example.com"}, nil, nil)
	assert.Error(t, err)
}

func TestNewDispatcherChoosesImplementation(t *testing.T) {
	d, err := NewDispatcher(am.DispatchConfig{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.IsType(t, &LogDispatcher{}, d)
	assert.NoError(t, d.Dispatch(context.Background(), sampleExecution()))
	assert.NoError(t, d.Cancel(context.Background(), sampleExecution()))

	d, err = NewDispatcher(am.DispatchConfig{URL: "https://ci.example.com/hooks/trigger"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.IsType(t, &HTTPDispatcher{}, d)
}
