package webhook

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/provider"
)

// ErrRateLimited is returned when a provider exceeds its ingress rate
var ErrRateLimited = errors.New("rate limited")

// Sink receives authenticated events. Submit must not block: it either
// enqueues the event or fails immediately.
type Sink interface {
	Submit(ev *provider.NormalizedEvent) error
}

// Result describes an accepted delivery
type Result struct {
	Provider string
	Event    *provider.NormalizedEvent // nil when Ignored
	Ignored  bool
}

// Gateway authenticates deliveries, normalizes them and forwards them to the
// correlation engine. It holds no business logic and never waits for
// downstream processing.
type Gateway struct {
	adapters *provider.Registry
	sink     Sink
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	verifier *Verifier
	secrets  map[string][]byte
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewGateway creates a gateway. adapters and sink are required.
func NewGateway(cfg am.WebhooksConfig, adapters *provider.Registry, sink Sink, log *zap.SugaredLogger) (*Gateway, error) {
	if adapters == nil {
		return nil, errors.New("webhook: provider adapters are required")
	}
	if sink == nil {
		return nil, errors.New("webhook: event sink is required")
	}
	if log == nil {
		log = logger.ComponentLogger("webhook")
	}
	g := &Gateway{
		adapters: adapters,
		sink:     sink,
		logger:   log,
	}
	g.Reconfigure(cfg)
	return g, nil
}

// Reconfigure swaps secrets, replay window and rate limits. Used on config
// reload; in-flight requests finish with the previous settings.
func (g *Gateway) Reconfigure(cfg am.WebhooksConfig) {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifier = NewVerifier(cfg.ReplayWindow())
	g.secrets = cfg.Secrets()
	g.limit = limit
	g.burst = burst
	g.limiters = make(map[string]*rate.Limiter)

	g.logger.Infow("Webhook gateway configured",
		"providers", strings.Join(g.enabledLocked(), ","),
		"replay_window", g.verifier.Window().String(),
	)
}

// Enabled lists providers that have a secret configured
func (g *Gateway) Enabled() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabledLocked()
}

func (g *Gateway) enabledLocked() []string {
	var names []string
	for _, name := range g.adapters.Names() {
		if _, ok := g.secrets[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

func (g *Gateway) settings(name string) (*Verifier, []byte, *rate.Limiter) {
	g.mu.RLock()
	verifier, secret := g.verifier, g.secrets[name]
	limiter, ok := g.limiters[name]
	g.mu.RUnlock()
	if ok {
		return verifier, secret, limiter
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if limiter, ok = g.limiters[name]; !ok {
		limiter = rate.NewLimiter(g.limit, g.burst)
		g.limiters[name] = limiter
	}
	return g.verifier, g.secrets[name], limiter
}

// Receive authenticates and forwards one delivery.
//
// Errors: ErrUnknownProvider (no adapter or provider disabled),
// ErrInvalidSignature, ErrStaleTimestamp, ErrRateLimited,
// ErrMalformedPayload, ErrUnsupportedProvider, and whatever the sink returns
// when it cannot take the event.
func (g *Gateway) Receive(ctx context.Context, name string, headers http.Header, body []byte) (Result, error) {
	name = strings.ToLower(name)
	adapter, err := g.adapters.Lookup(name)
	if err != nil {
		return Result{}, err
	}

	verifier, secret, limiter := g.settings(name)
	if len(secret) == 0 {
		return Result{}, errors.Wrapf(errors.ErrUnknownProvider, "provider %s is not enabled", name)
	}

	log := logger.LoggerFromContext(ctx, g.logger).With(logger.FieldProvider, name)

	if err := verifier.Verify(adapter.Scheme(), secret, headers, body); err != nil {
		log.Warnw("Webhook rejected", logger.FieldError, err.Error())
		return Result{}, err
	}
	// Only authenticated deliveries spend the provider's budget.
	if !limiter.Allow() {
		return Result{}, errors.Wrapf(ErrRateLimited, "provider %s", name)
	}

	ev, err := adapter.Normalize(headers, body)
	if err != nil {
		log.Infow("Webhook payload rejected", logger.FieldError, err.Error())
		return Result{}, err
	}
	if ev == nil {
		log.Debugw("Webhook ignored")
		return Result{Provider: name, Ignored: true}, nil
	}

	if err := g.sink.Submit(ev); err != nil {
		log.Warnw("Webhook not queued",
			logger.FieldExecutionID, ev.ExecutionRef,
			logger.FieldError, err.Error(),
		)
		return Result{}, err
	}

	log.Debugw("Webhook accepted",
		logger.FieldExecutionID, ev.ExecutionRef,
		logger.FieldShardID, ev.ShardRef,
		logger.FieldEventType, string(ev.Type),
		logger.FieldDedupKey, ev.DedupKey,
	)
	return Result{Provider: name, Event: ev}, nil
}
