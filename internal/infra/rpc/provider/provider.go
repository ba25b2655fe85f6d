// Package provider implements the JSON-RPC transport shared by chain providers.
//
// This package contains:
//   - Caller: the minimal interface chain code depends on
//   - HTTPProvider: JSON-RPC 2.0 over HTTP with health bookkeeping
//   - Monitor: throttle detection and latency tracking per endpoint
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Caller makes JSON-RPC calls. Results are returned undecoded.
type Caller interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Endpoint is a named Caller with health state.
type Endpoint interface {
	Caller

	// Name returns the endpoint identifier (e.g. "helius", "public")
	Name() string

	// URL returns the endpoint URL
	URL() string

	// Health returns current health metrics
	Health() HealthStatus

	// IsAvailable reports whether the endpoint is neither blocked nor throttled
	IsAvailable() bool

	// Close cleans up resources
	Close() error
}

// HealthStatus represents the health state of an endpoint.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at,omitzero"`
	LastFailureAt time.Time     `json:"last_failure_at,omitzero"`
	Status        string        `json:"status"`
}

// RPCError is an error object returned by a JSON-RPC server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Into decodes a raw result into out.
func Into(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
