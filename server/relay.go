package server

import (
	"context"

	"github.com/rogersg17/demoApp-sub002/broadcast"
	"github.com/rogersg17/demoApp-sub002/correlate"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// executionEvent picks the realtime event type for an execution snapshot
func executionEvent(status execution.Status) string {
	switch status {
	case execution.StatusCompleted:
		return broadcast.EventExecutionCompleted
	case execution.StatusFailed:
		return broadcast.EventExecutionFailed
	}
	return broadcast.EventExecutionUpdate
}

// publishExecution sends an execution snapshot to its room and the dashboard
func (s *Server) publishExecution(exec *execution.Execution) {
	typ := executionEvent(exec.Status)
	s.hub.Publish(broadcast.ExecutionRoom(exec.ID), typ, exec)
	s.hub.Publish(broadcast.RoomDashboard, typ, exec)
}

// relayExecutions forwards execution state changes from the correlation
// engine. Updates and terminal messages share one loop so clients never see
// an update after the execution finished. The engine queues an execution's
// updates before its terminal message, so waiting updates are sent first.
func (s *Server) relayExecutions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.outbox.Updates:
			s.relayUpdate(msg)
		case msg := <-s.outbox.Terminal:
			s.flushUpdates()
			s.relayTerminal(ctx, msg)
		}
	}
}

// relayUpdate announces a non-terminal change. Terminal ones are handled by
// relayTerminal.
func (s *Server) relayUpdate(msg correlate.Applied) {
	if msg.Terminal() {
		return
	}
	s.publishExecution(msg.Execution)
}

func (s *Server) flushUpdates() {
	for {
		select {
		case msg := <-s.outbox.Updates:
			s.relayUpdate(msg)
		default:
			return
		}
	}
}

// relayTerminal releases capacity held by a finished execution, then
// announces it. Release promotes from the queue, which shows up on relayQueue.
func (s *Server) relayTerminal(ctx context.Context, msg correlate.Applied) {
	exec := msg.Execution
	s.coordinator.Release(logger.WithExecutionID(ctx, exec.ID), exec.ID)
	s.publishExecution(exec)
	s.logger.Infow("Execution finished",
		logger.FieldExecutionID, exec.ID,
		logger.FieldStatus, string(exec.Status),
		"passed", exec.Results.Passed,
		"failed", exec.Results.Failed,
	)
}

// relayQueue forwards coordinator updates: the queue snapshot always, and
// the execution it changed (started, cancelled, timed out) when there is one
func (s *Server) relayQueue(ctx context.Context) error {
	updates := s.coordinator.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			s.hub.Publish(broadcast.RoomQueue, broadcast.EventQueueUpdated, u.Snapshot)
			s.hub.Publish(broadcast.RoomDashboard, broadcast.EventQueueUpdated, u.Snapshot)
			if u.Execution != nil {
				s.publishExecution(u.Execution)
			}
		}
	}
}
