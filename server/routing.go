package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rogersg17/demoApp-sub002/broadcast"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/webhook"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	cfg := s.Config()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /executions", s.HandleCreateExecution)
	mux.HandleFunc("GET /executions", s.HandleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.HandleGetExecution)
	mux.HandleFunc("DELETE /executions/{id}", s.HandleCancelExecution)
	mux.HandleFunc("GET /queue", s.HandleQueue)
	mux.HandleFunc("GET /issues", s.HandleListIssues)
	mux.HandleFunc("POST /issues/{id}/close", s.HandleCloseIssue)
	mux.HandleFunc("GET /health", s.HandleHealth)

	mux.Handle("POST /webhooks/{provider}", webhook.NewHandler(s.gateway, cfg.Webhooks.MaxBodyBytes, s.logger.Named("webhook")))
	mux.Handle("GET /ws", broadcast.NewHandler(s.ctx, s.hub, cfg.Server.AllowedOrigins, s.logger.Named("ws")))

	s.mux = mux
	s.handler = s.requestIDMiddleware(s.loggingMiddleware(s.corsMiddleware(mux)))
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight
// requests. Origins are matched the same way as websocket upgrades.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := broadcast.OriginChecker(s.Config().Server.AllowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware propagates or assigns X-Request-ID and scopes the
// request context logger to it
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

// loggingMiddleware logs each request at debug level, and server errors at
// warn
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := logger.LoggerFromContext(r.Context(), s.logger)
		fields := []interface{}{
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		if rec.status >= http.StatusInternalServerError {
			log.Warnw("Request failed", fields...)
			return
		}
		log.Debugw("Request served", fields...)
	})
}

// statusRecorder captures the response status. It passes Hijack through so
// websocket upgrades keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
