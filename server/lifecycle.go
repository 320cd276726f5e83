package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", newState.String())
}

// State returns the lifecycle state
func (s *Server) State() ServerState {
	return s.getState()
}

// Start recovers the queue, starts background services and serves HTTP on
// the configured port. It blocks until Stop is called or a service fails.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.httpServer.Addr)
	}
	return s.Serve(ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	if !s.state.CompareAndSwap(int32(ServerStateIdle), int32(ServerStateRunning)) {
		ln.Close()
		return errors.Newf("server cannot start from state %s", s.getState())
	}
	defer close(s.done)

	if err := s.coordinator.Recover(s.ctx); err != nil {
		ln.Close()
		s.setState(ServerStateStopped)
		return errors.Wrap(err, "failed to recover queue")
	}

	g, ctx := errgroup.WithContext(s.ctx)
	s.startBackgroundServices(ctx, g)

	g.Go(func() error {
		s.logger.Infow("Server listening", logger.FieldAddress, ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server failed")
		}
		return nil
	})

	// A failed service brings HTTP down too; on Stop this is already done
	g.Go(func() error {
		<-ctx.Done()
		if s.getState() != ServerStateRunning {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	s.logger.Infow("Server state changed", "new_state", ServerStateRunning.String())
	err := g.Wait()
	s.cancel()
	return err
}

// startBackgroundServices starts every long-running component on g
func (s *Server) startBackgroundServices(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return s.engine.Run(ctx) })
	g.Go(func() error { return s.coordinator.Run(ctx, TimeoutSweepInterval) })
	g.Go(func() error { return s.bridge.Run(ctx, s.outbox.Failures) })
	g.Go(func() error { return s.relayExecutions(ctx) })
	g.Go(func() error { return s.relayQueue(ctx) })
	g.Go(func() error { return s.runMaintenance(ctx) })

	if s.configWatcher != nil {
		s.configWatcher.OnReload(s.applyConfig)
		s.configWatcher.Start()
		s.logger.Infow("Config watcher started")
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if secs := s.Config().Server.ShutdownTimeoutSeconds; secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return ShutdownTimeout
}

// Stop drains HTTP traffic, stops background services and waits for Start
// to return, bounded by the shutdown timeout
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(ServerStateRunning), int32(ServerStateDraining)) {
		return nil
	}
	s.logger.Infow("Server state changed", "new_state", ServerStateDraining.String())

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	var result error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		result = errors.Wrap(err, "http shutdown")
	}

	// Websocket clients and background services stop with the server context
	s.cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		result = errors.CombineErrors(result, errors.Wrap(errors.ErrTimeout, "background services did not stop in time"))
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			result = errors.CombineErrors(result, errors.Wrap(err, "config watcher"))
		}
	}

	s.setState(ServerStateStopped)
	return result
}
