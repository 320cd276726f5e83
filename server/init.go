package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/rogersg17/demoApp-sub002/admission"
	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/broadcast"
	"github.com/rogersg17/demoApp-sub002/correlate"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/issues"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/provider"
	"github.com/rogersg17/demoApp-sub002/webhook"
)

const defaultOutboxSize = 256

// New wires every component against db. The database must already be
// migrated. Components are created but nothing runs until Start.
func New(cfg *am.Config, db *sql.DB, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if db == nil {
		return nil, errors.New("database connection cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = logger.ComponentLogger("server")
	}

	s := &Server{
		db:            db,
		logger:        log,
		cfg:           cfg,
		configWatcher: o.watcher,
		done:          make(chan struct{}),
		now:           time.Now,
	}

	s.registry = execution.NewRegistry(db, log.Named("execution"))
	s.dedup = correlate.NewDedupStore(db, cfg.Correlation.DedupTTL())

	size := cfg.Correlation.Backlog
	if size <= 0 {
		size = defaultOutboxSize
	}
	s.outbox = correlate.NewOutbox(size)

	var err error
	s.engine, err = correlate.NewEngine(s.registry, s.dedup, s.outbox, cfg.Correlation, log.Named("correlate"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create correlation engine")
	}
	s.engine.SetDrainTimeout(s.shutdownTimeout())

	dispatcher := o.dispatcher
	if dispatcher == nil {
		dispatcher, err = admission.NewDispatcher(cfg.Dispatch, log.Named("dispatch"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create dispatcher")
		}
	}
	s.coordinator, err = admission.NewCoordinator(s.registry, dispatcher, cfg.Queue, log.Named("admission"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create admission coordinator")
	}

	s.gateway, err = webhook.NewGateway(cfg.Webhooks, provider.Default(), s.engine, log.Named("webhook"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create webhook gateway")
	}

	tracker := o.tracker
	if tracker == nil {
		tracker, err = issues.NewTracker(cfg.Tracker, log.Named("tracker"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to create issue tracker")
		}
	}
	s.issueStore = issues.NewStore(db)
	s.bridge, err = issues.NewBridge(s.issueStore, tracker, cfg.Tracker, log.Named("issues"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create issue bridge")
	}

	s.hub = broadcast.NewHub(MaxClients, log.Named("broadcast"))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setupHTTPRoutes()

	port := cfg.Server.Port
	if port == 0 {
		port = am.DefaultServerPort
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}
