package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// DefaultMaxBodyBytes bounds a delivery body
const DefaultMaxBodyBytes = 5 << 20

// Retry-After hints, in seconds
const (
	retryAfterRateLimited = 1
	retryAfterBacklog     = 5
)

// Handler serves POST /webhooks/{provider}
type Handler struct {
	gateway *Gateway
	maxBody int64
	logger  *zap.SugaredLogger
}

// NewHandler creates the HTTP front of gateway. maxBody <= 0 uses
// DefaultMaxBodyBytes.
func NewHandler(gateway *Gateway, maxBody int64, log *zap.SugaredLogger) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if log == nil {
		log = logger.ComponentLogger("webhook")
	}
	return &Handler{gateway: gateway, maxBody: maxBody, logger: log}
}

// Response is the body returned for an accepted delivery
type Response struct {
	Status      string `json:"status"` // "accepted" or "ignored"
	ExecutionID string `json:"executionId,omitempty"`
	ShardID     string `json:"shardId,omitempty"`
	Event       string `json:"event,omitempty"`
}

// ErrorResponse is the body returned for a rejected delivery
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "MethodNotAllowed"})
		return
	}
	name := r.PathValue("provider")
	if name == "" {
		name = strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhooks/"), "/")
	}
	ctx := logger.WithProvider(r.Context(), name)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "PayloadTooLarge",
				Message: "body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "MalformedPayload", Message: "failed to read body"})
		return
	}

	res, err := h.gateway.Receive(ctx, name, r.Header, body)
	if err != nil {
		status, code := StatusFor(err)
		switch status {
		case http.StatusTooManyRequests:
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterRateLimited))
		case http.StatusServiceUnavailable:
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterBacklog))
		case http.StatusInternalServerError:
			logger.LoggerFromContext(ctx, h.logger).Errorw("Webhook handling failed", logger.FieldError, err.Error())
		}
		writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
		return
	}

	if res.Ignored {
		writeJSON(w, http.StatusOK, Response{Status: "ignored"})
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Status:      "accepted",
		ExecutionID: res.Event.ExecutionRef,
		ShardID:     res.Event.ShardRef,
		Event:       string(res.Event.Type),
	})
}

// StatusFor maps a gateway error to an HTTP status and error code
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrInvalidSignature):
		return http.StatusUnauthorized, "InvalidSignature"
	case errors.Is(err, errors.ErrStaleTimestamp):
		return http.StatusRequestTimeout, "StaleTimestamp"
	case errors.Is(err, errors.ErrMalformedPayload):
		return http.StatusBadRequest, "MalformedPayload"
	case errors.Is(err, errors.ErrUnsupportedProvider):
		return http.StatusBadRequest, "UnsupportedProvider"
	case errors.Is(err, errors.ErrUnknownProvider):
		return http.StatusNotFound, "UnknownProvider"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "RateLimited"
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "ServiceUnavailable"
	}
	return http.StatusInternalServerError, "Internal"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
