package admission

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/internal/httpclient"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/provider"
)

// DefaultDispatchTimeout bounds one trigger call
const DefaultDispatchTimeout = 15 * time.Second

// Dispatcher triggers and cancels runs on a CI/CD platform
type Dispatcher interface {
	Dispatch(ctx context.Context, exec *execution.Execution) error
	// Cancel is a best-effort signal; the execution is already cancelled
	// locally when it is called.
	Cancel(ctx context.Context, exec *execution.Execution) error
}

// NewDispatcher returns an HTTP dispatcher when a trigger URL is configured
// and a log-only dispatcher otherwise
func NewDispatcher(cfg am.DispatchConfig, log *zap.SugaredLogger) (Dispatcher, error) {
	if cfg.URL == "" {
		return NewLogDispatcher(log), nil
	}
	d, err := NewHTTPDispatcher(cfg, nil, log)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ShardTrigger carries the correlation data for one shard
type ShardTrigger struct {
	Shard       int               `json:"shard"`
	ShardID     string            `json:"shardId"`
	Correlation string            `json:"correlation"`
	Variables   map[string]string `json:"variables"`
}

// TriggerRequest is the body POSTed to the trigger endpoint
type TriggerRequest struct {
	Action         string            `json:"action"` // "trigger" or "cancel"
	ExecutionID    string            `json:"executionId"`
	Suite          string            `json:"suite"`
	Environment    string            `json:"environment,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Shards         int               `json:"shards"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Retries        int               `json:"retries,omitempty"`
	Correlation    string            `json:"correlation"`
	Variables      map[string]string `json:"variables"`
	ShardTriggers  []ShardTrigger    `json:"shardTriggers,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// NewTriggerRequest builds the trigger body for exec, embedding the
// correlation token providers echo back in their callbacks
func NewTriggerRequest(exec *execution.Execution) TriggerRequest {
	req := TriggerRequest{
		Action:         "trigger",
		ExecutionID:    exec.ID,
		Suite:          exec.Config.Suite,
		Environment:    exec.Config.Environment,
		Provider:       exec.Config.Provider,
		Shards:         len(exec.Shards),
		TimeoutSeconds: exec.Config.TimeoutSeconds,
		Retries:        exec.Config.Retries,
		Correlation:    provider.Token(exec.ID, 0),
		Variables:      map[string]string{provider.VarExecutionID: exec.ID},
	}
	for _, s := range exec.Shards {
		req.ShardTriggers = append(req.ShardTriggers, ShardTrigger{
			Shard:       s.Index,
			ShardID:     s.ID,
			Correlation: provider.Token(exec.ID, s.Index),
			Variables: map[string]string{
				provider.VarExecutionID: exec.ID,
				provider.VarShard:       strconv.Itoa(s.Index),
			},
		})
	}
	return req
}

// HTTPDispatcher POSTs trigger requests to a configured endpoint
type HTTPDispatcher struct {
	url     string
	token   string
	timeout time.Duration
	client  *httpclient.Client
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewHTTPDispatcher creates an HTTP dispatcher. A nil client builds one that
// allows private addresses, since CI servers commonly live on internal
// networks.
func NewHTTPDispatcher(cfg am.DispatchConfig, client *httpclient.Client, log *zap.SugaredLogger) (*HTTPDispatcher, error) {
	if log == nil {
		log = logger.ComponentLogger("dispatch")
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	if client == nil {
		client = httpclient.New(httpclient.Options{Timeout: timeout, AllowPrivate: true})
	}
	if _, err := client.ValidateURL(cfg.URL); err != nil {
		return nil, errors.Wrap(err, "invalid dispatch.url")
	}

	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	return &HTTPDispatcher{
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: timeout,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  log,
	}, nil
}

func (d *HTTPDispatcher) send(ctx context.Context, body TriggerRequest) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		return errors.Mark(errors.Wrap(err, "dispatch rate limit"), errors.ErrTimeout)
	}

	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	start := time.Now()
	err := d.client.DoJSON(ctx, http.MethodPost, d.url, header, body, nil)
	d.logger.Debugw("Trigger call",
		logger.FieldExecutionID, body.ExecutionID,
		"action", body.Action,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		logger.FieldError, errString(err),
	)
	if err != nil {
		var ne net.Error
		if ctx.Err() == context.DeadlineExceeded || (errors.As(err, &ne) && ne.Timeout()) {
			return errors.Mark(errors.Wrapf(err, "trigger %s", body.Action), errors.ErrTimeout)
		}
		return errors.Wrapf(err, "trigger %s", body.Action)
	}
	return nil
}

// Dispatch triggers the CI/CD run for exec
func (d *HTTPDispatcher) Dispatch(ctx context.Context, exec *execution.Execution) error {
	return d.send(ctx, NewTriggerRequest(exec))
}

// Cancel asks the CI/CD platform to stop the run for exec
func (d *HTTPDispatcher) Cancel(ctx context.Context, exec *execution.Execution) error {
	return d.send(ctx, TriggerRequest{
		Action:      "cancel",
		ExecutionID: exec.ID,
		Suite:       exec.Config.Suite,
		Provider:    exec.Config.Provider,
		Shards:      len(exec.Shards),
		Correlation: provider.Token(exec.ID, 0),
		Variables:   map[string]string{provider.VarExecutionID: exec.ID},
		Reason:      exec.Reason,
	})
}

// LogDispatcher only logs triggers. Used when no trigger URL is configured,
// e.g. when runs are started by the CI/CD platform itself and only report
// back through webhooks.
type LogDispatcher struct {
	logger *zap.SugaredLogger
}

// NewLogDispatcher creates a log-only dispatcher
func NewLogDispatcher(log *zap.SugaredLogger) *LogDispatcher {
	if log == nil {
		log = logger.ComponentLogger("dispatch")
	}
	return &LogDispatcher{logger: log}
}

// Dispatch logs the trigger request
func (d *LogDispatcher) Dispatch(ctx context.Context, exec *execution.Execution) error {
	req := NewTriggerRequest(exec)
	logger.LoggerFromContext(ctx, d.logger).Infow("Trigger (log only)",
		logger.FieldExecutionID, exec.ID,
		"suite", req.Suite,
		"shards", req.Shards,
		"correlation", req.Correlation,
	)
	return nil
}

// Cancel logs the cancel signal
func (d *LogDispatcher) Cancel(ctx context.Context, exec *execution.Execution) error {
	logger.LoggerFromContext(ctx, d.logger).Infow("Cancel (log only)", logger.FieldExecutionID, exec.ID)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
