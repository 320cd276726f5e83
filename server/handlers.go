package server

import (
	"net/http"
	"strings"

	"github.com/rogersg17/demoApp-sub002/admission"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// ListExecutionsResponse is the body of GET /executions
type ListExecutionsResponse struct {
	Executions []*execution.Execution `json:"executions"`
	Count      int                    `json:"count"`
}

// toConfig validates the request and converts it to an execution config
func (req CreateExecutionRequest) toConfig() (execution.Config, error) {
	if strings.TrimSpace(req.Suite) == "" {
		return execution.Config{}, errors.NewInvalidRequestError("suite is required")
	}
	if req.Shards < 0 {
		return execution.Config{}, errors.NewInvalidRequestError("shards must not be negative, got %d", req.Shards)
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = req.TimeoutSeconds
	}
	if timeout < 0 {
		return execution.Config{}, errors.NewInvalidRequestError("timeout must not be negative, got %d", timeout)
	}
	if req.Retries < 0 {
		return execution.Config{}, errors.NewInvalidRequestError("retries must not be negative, got %d", req.Retries)
	}
	return execution.Config{
		Suite:          req.Suite,
		Environment:    req.Environment,
		Provider:       req.Provider,
		Shards:         req.Shards,
		TimeoutSeconds: timeout,
		Retries:        req.Retries,
	}, nil
}

// HandleCreateExecution admits a new execution.
// 201 when it started, 202 when it was queued, 429 when the queue is full.
func (s *Server) HandleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req CreateExecutionRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeDomainError(w, s.logger, err, "invalid execution request")
		return
	}

	adm, err := s.coordinator.Admit(r.Context(), cfg)
	if err != nil {
		writeDomainError(w, logger.LoggerFromContext(r.Context(), s.logger), err, "failed to admit execution")
		return
	}

	switch adm.Decision {
	case admission.Queued:
		writeJSON(w, http.StatusAccepted, CreateExecutionResponse{
			ExecutionID: adm.Execution.ID,
			Status:      string(execution.StatusQueued),
			Position:    adm.Position,
		})
	default:
		writeJSON(w, http.StatusCreated, CreateExecutionResponse{
			ExecutionID: adm.Execution.ID,
			Status:      string(adm.Execution.Status),
		})
	}
}

// HandleListExecutions lists executions, newest first.
// Query: status (comma separated), limit.
func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	var filter execution.Filter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			st = strings.TrimSpace(st)
			if !execution.IsValidStatus(st) {
				writeError(w, http.StatusBadRequest, "InvalidRequest", "unknown status "+st)
				return
			}
			filter.Statuses = append(filter.Statuses, execution.Status(st))
		}
	}
	limit, err := queryInt(r, "limit", DefaultListLimit)
	if err != nil {
		writeDomainError(w, s.logger, err, "invalid limit")
		return
	}
	if limit == 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	filter.Limit = limit

	execs, err := s.registry.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, logger.LoggerFromContext(r.Context(), s.logger), err, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*execution.Execution{}
	}
	writeJSON(w, http.StatusOK, ListExecutionsResponse{Executions: execs, Count: len(execs)})
}

// HandleGetExecution returns one execution with its shards
func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, logger.LoggerFromContext(r.Context(), s.logger), err, "failed to get execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleCancelExecution cancels an execution. Cancelling twice succeeds;
// completed or failed executions answer 409.
func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logger.WithExecutionID(r.Context(), id)
	exec, err := s.coordinator.Cancel(ctx, id)
	if err != nil {
		writeDomainError(w, logger.LoggerFromContext(ctx, s.logger), err, "failed to cancel execution")
		return
	}
	logger.LoggerFromContext(ctx, s.logger).Infow("Execution cancel requested", "short_id", shortID(id))
	writeJSON(w, http.StatusOK, exec)
}

// HandleQueue returns the admission queue snapshot
func (s *Server) HandleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coordinator.Snapshot())
}
