// Package provider implements upstream RPC endpoints and the failover pool.
//
// This package contains:
//   - Provider interface: core abstraction for an RPC endpoint
//   - HTTPProvider: JSON-RPC over HTTP implementation
//   - Pool: ordered endpoints with health checks and failover
package provider

import (
	"context"
	"errors"
	"math/big"
	"strings"
)

var (
	// ErrAllProvidersUnhealthy is returned when no endpoint passes a health check.
	ErrAllProvidersUnhealthy = errors.New("all rpc providers are unhealthy")

	// ErrNoProviders is returned when the pool is built without endpoints.
	ErrNoProviders = errors.New("no rpc providers configured")
)

// Provider defines the interface for an upstream RPC endpoint.
type Provider interface {
	// Name returns provider identifier (e.g., "alchemy", "infura")
	Name() string

	// URL returns the HTTP endpoint
	URL() string

	// StreamURL returns the websocket endpoint used for subscriptions
	StreamURL() string

	// Call makes a single JSON-RPC request
	Call(ctx context.Context, method string, params []any) (any, error)

	// BlockNumber returns the latest block; used as the lightweight health probe
	BlockNumber(ctx context.Context) (uint64, error)

	// Balance returns the native balance of an address at the latest block
	Balance(ctx context.Context, address string) (*big.Int, error)

	// Close cleans up resources
	Close() error
}

// StreamURLFor derives a websocket URL from an HTTP RPC URL.
func StreamURLFor(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
