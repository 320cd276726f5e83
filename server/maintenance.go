package server

import (
	"context"
	"time"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// runMaintenance sweeps expired dedup keys and purges old executions until
// ctx is cancelled
func (s *Server) runMaintenance(ctx context.Context) error {
	sweep := time.NewTicker(DedupSweepInterval)
	defer sweep.Stop()
	purge := time.NewTicker(PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			s.SweepDedup(ctx)
		case <-purge.C:
			s.PurgeExecutions(ctx)
		}
	}
}

// SweepDedup deletes dedup keys past their retention
func (s *Server) SweepDedup(ctx context.Context) int64 {
	n, err := s.dedup.Sweep(ctx)
	if err != nil {
		s.logger.Errorw("Dedup sweep failed", logger.FieldError, err.Error())
		return 0
	}
	if n > 0 {
		s.logger.Debugw("Dedup keys swept", logger.FieldCount, n)
	}
	return n
}

// PurgeExecutions deletes terminal executions older than
// queue.retention_days. Zero retention keeps everything.
func (s *Server) PurgeExecutions(ctx context.Context) int64 {
	days := s.Config().Queue.RetentionDays
	if days <= 0 {
		return 0
	}
	cutoff := s.now().AddDate(0, 0, -days)
	n, err := s.registry.Purge(ctx, cutoff)
	if err != nil {
		s.logger.Errorw("Execution purge failed", logger.FieldError, err.Error())
		return 0
	}
	if n > 0 {
		s.logger.Infow("Old executions purged", logger.FieldCount, n, "retention_days", days)
	}
	return n
}

// applyConfig is the config watcher callback. Webhook secrets, replay window
// and ingress limits take effect immediately; other sections need a restart.
func (s *Server) applyConfig(cfg *am.Config) error {
	s.cfgMu.Lock()
	old := s.cfg
	next := *old
	next.Webhooks = cfg.Webhooks
	next.Queue.RetentionDays = cfg.Queue.RetentionDays
	s.cfg = &next
	s.cfgMu.Unlock()

	s.gateway.Reconfigure(cfg.Webhooks)
	s.logger.Infow("Configuration applied",
		"providers", s.gateway.Enabled(),
		"replay_window_seconds", cfg.Webhooks.ReplayWindowSeconds,
	)
	return nil
}
