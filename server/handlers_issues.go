package server

import (
	"net/http"

	"github.com/rogersg17/demoApp-sub002/issues"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// ListIssuesResponse is the body of GET /issues
type ListIssuesResponse struct {
	Issues []*issues.Link `json:"issues"`
	Count  int            `json:"count"`
}

// HandleListIssues lists issue links, most recently updated first.
// Query: state (open|closed), limit.
func (s *Server) HandleListIssues(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	switch state {
	case "", issues.StateOpen, issues.StateClosed:
	default:
		writeError(w, http.StatusBadRequest, "InvalidRequest", "state must be open or closed")
		return
	}
	limit, err := queryInt(r, "limit", DefaultListLimit)
	if err != nil {
		writeDomainError(w, s.logger, err, "invalid limit")
		return
	}
	if limit == 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	links, err := s.issueStore.List(r.Context(), state, limit)
	if err != nil {
		writeDomainError(w, logger.LoggerFromContext(r.Context(), s.logger), err, "failed to list issues")
		return
	}
	if links == nil {
		links = []*issues.Link{}
	}
	writeJSON(w, http.StatusOK, ListIssuesResponse{Issues: links, Count: len(links)})
}

// HandleCloseIssue records that a tracker issue was closed. The next
// matching failure reopens it.
func (s *Server) HandleCloseIssue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.bridge.MarkClosed(r.Context(), id); err != nil {
		writeDomainError(w, logger.LoggerFromContext(r.Context(), s.logger), err, "failed to close issue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"issueId": id,
		"state":   issues.StateClosed,
	})
}
