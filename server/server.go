// Package server exposes the orchestrator over HTTP.
//
// The Server owns every long-lived component: the execution registry, the
// correlation engine, the admission coordinator, the issue bridge and the
// broadcast hub. It routes the REST API and webhook endpoints to them, relays
// their typed messages to realtime subscribers and runs periodic maintenance.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/admission"
	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/broadcast"
	"github.com/rogersg17/demoApp-sub002/correlate"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/issues"
	"github.com/rogersg17/demoApp-sub002/webhook"
)

// Server is the testorch HTTP server
type Server struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   *am.Config

	registry    *execution.Registry
	dedup       *correlate.DedupStore
	outbox      *correlate.Outbox
	engine      *correlate.Engine
	coordinator *admission.Coordinator
	gateway     *webhook.Gateway
	issueStore  *issues.Store
	bridge      *issues.Bridge
	hub         *broadcast.Hub

	configWatcher *am.ConfigWatcher // nil when config is not watched

	mux        *http.ServeMux
	handler    http.Handler // mux wrapped in middleware
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when Start returns
	state  atomic.Int32
	now    func() time.Time
}

// Option customizes a Server
type Option func(*options)

type options struct {
	dispatcher admission.Dispatcher
	tracker    issues.Tracker
	logger     *zap.SugaredLogger
	watcher    *am.ConfigWatcher
}

// WithDispatcher replaces the dispatcher built from [dispatch] config
func WithDispatcher(d admission.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithTracker replaces the tracker built from [tracker] config
func WithTracker(t issues.Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// WithLogger sets the base logger; component loggers are named children
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = log }
}

// WithConfigWatcher hot-reloads webhook secrets and limits from the watched
// file
func WithConfigWatcher(w *am.ConfigWatcher) Option {
	return func(o *options) { o.watcher = w }
}

// Config returns the active configuration
func (s *Server) Config() *am.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Handler returns the routed HTTP handler, including middleware
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the execution registry
func (s *Server) Registry() *execution.Registry {
	return s.registry
}

// Coordinator returns the admission coordinator
func (s *Server) Coordinator() *admission.Coordinator {
	return s.coordinator
}

// Hub returns the broadcast hub
func (s *Server) Hub() *broadcast.Hub {
	return s.hub
}
