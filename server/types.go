package server

import "time"

const (
	// MaxClients is the maximum number of concurrent websocket clients
	MaxClients = 256
	// ShutdownTimeout is used when server.shutdown_timeout_seconds is unset
	ShutdownTimeout = 10 * time.Second

	// Background maintenance intervals
	DedupSweepInterval   = 10 * time.Minute
	PurgeInterval        = 24 * time.Hour
	TimeoutSweepInterval = 15 * time.Second

	// Listing limits for GET /executions and GET /issues
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ServerState is the server lifecycle state
type ServerState int32

const (
	ServerStateIdle     ServerState = iota // constructed, not started
	ServerStateRunning                     // serving
	ServerStateDraining                    // graceful shutdown in progress
	ServerStateStopped                     // shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateIdle:
		return "idle"
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	}
	return "unknown"
}

// CreateExecutionRequest is the body of POST /executions
type CreateExecutionRequest struct {
	Suite       string `json:"suite" yaml:"suite"`
	Environment string `json:"environment" yaml:"environment"`
	Provider    string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Shards      int    `json:"shards,omitempty" yaml:"shards,omitempty"`
	// Timeout is in seconds; zero uses queue.default_timeout_minutes
	Timeout        int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	Retries        int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// CreateExecutionResponse is returned for 201 and 202
type CreateExecutionResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	Position    int    `json:"position,omitempty"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
