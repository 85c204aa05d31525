// Package provider implements the node RPC transport.
//
// This package contains:
//   - Provider interface: core abstraction for an RPC endpoint
//   - HTTPProvider: JSON-RPC over HTTP with optional basic auth
//   - ProviderMonitor: health and throttle tracking
//   - RPCError: a node-reported error with its numeric code
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Operation represents an RPC operation to execute.
type Operation struct {
	// Name is the RPC method (e.g., "getblockhash")
	Name string

	// Params are positional parameters; nil is sent as an empty list.
	Params []any

	// JSONRPCVersion specifies the JSON-RPC version ("1.0" or "2.0").
	// If empty, defaults to "1.0".
	JSONRPCVersion string
}

// NewOperation creates a JSON-RPC 1.0 operation with positional params.
func NewOperation(method string, params ...any) Operation {
	return Operation{
		Name:           method,
		Params:         params,
		JSONRPCVersion: "1.0",
	}
}

// Provider defines the core interface for an RPC provider.
type Provider interface {
	// GetName returns provider identifier (e.g., "bitcoind")
	GetName() string

	// GetHealth returns current health metrics
	GetHealth() HealthStatus

	// IsAvailable checks if the provider is healthy enough to use
	IsAvailable() bool

	// Execute performs the operation with monitoring and error handling
	Execute(ctx context.Context, op Operation) (json.RawMessage, error)

	// Close cleans up resources
	Close() error
}

// RPCProvider extends Provider with direct method calls.
type RPCProvider interface {
	Provider

	// Call makes a single RPC request
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// BatchCall makes multiple RPC calls in one request
	BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error)
}

// BatchRequest represents a single request in a batch call.
type BatchRequest struct {
	Method string
	Params []any
}

// BatchResponse represents a single response from a batch call.
type BatchResponse struct {
	Result json.RawMessage
	Error  error
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool
	Latency       time.Duration
	ErrorRate     float64
	LastSuccessAt time.Time
	LastFailureAt time.Time
	MonitorStats  *MonitorStats `json:"monitor_stats,omitempty"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Node error codes the callers branch on.
const (
	CodeMisc             = -1
	CodeInvalidAddress   = -5 // also "No such mempool or blockchain transaction"
	CodeInvalidParameter = -8 // also "Block height out of range"
	CodeInWarmup         = -28
	CodeVerifyRejected   = -26
	CodeVerifyAlreadyIn  = -27
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
)

// ErrorCode returns the node error code carried by err, if any.
func ErrorCode(err error) (int, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code, true
	}
	return 0, false
}
