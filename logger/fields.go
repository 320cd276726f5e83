package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Identity and context
	FieldRequestID = "request_id"
	FieldClientID  = "client_id"

	// Orchestration
	FieldExecutionID = "execution_id"
	FieldShardID     = "shard_id"
	FieldProvider    = "provider"
	FieldEventType   = "event_type"
	FieldDedupKey    = "dedup_key"
	FieldOutcome     = "outcome"
	FieldFingerprint = "fingerprint"
	FieldIssueID     = "issue_id"
	FieldRoom        = "room"
	FieldPosition    = "position"
	FieldAttempt     = "attempt"

	// Components
	FieldComponent = "component"

	// Operations
	FieldMethod = "method"
	FieldPath   = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and status
	FieldCount  = "count"
	FieldStatus = "status"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
)

type contextKey string

const (
	requestIDKey   contextKey = "logger_request_id"
	executionIDKey contextKey = "logger_execution_id"
	providerKey    contextKey = "logger_provider"
	componentKey   contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithProvider adds the webhook provider name to the context for logging
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, provider)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if executionID, ok := ctx.Value(executionIDKey).(string); ok && executionID != "" {
		fields = append(fields, FieldExecutionID, executionID)
	}
	if provider, ok := ctx.Value(providerKey).(string); ok && provider != "" {
		fields = append(fields, FieldProvider, provider)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns base enriched with fields extracted from ctx.
// A nil base falls back to the global Logger.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	engine := correlate.NewEngine(registry, dedup, outbox, cfg,
//	    logger.ComponentLogger("correlate"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
