package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned when a tenant exceeds its sliding-window budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQueueTimeout is returned when a tenant's concurrency gate could not be
	// acquired within the queue timeout.
	ErrQueueTimeout = errors.New("queue is full; please retry")

	// ErrNoHealthyBackend is returned when a role has no routable backend.
	ErrNoHealthyBackend = errors.New("no healthy backend available")

	// ErrCircuitOpen is returned when a backend's circuit breaker rejects the call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrGatewayTimeout is returned when a non-streaming backend call times out.
	ErrGatewayTimeout = errors.New("backend request timeout")

	// ErrBadGateway is returned when the backend connection fails outright.
	ErrBadGateway = errors.New("backend connection failed")
)

// QuotaError carries the denial reason and the reset boundary for the
// X-Quota-Reset response header.
type QuotaError struct {
	Reason  string
	ResetAt string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Reason)
}

// UpstreamError preserves a backend's non-2xx status and body so the JSON
// path can pass them through to the client.
type UpstreamError struct {
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("backend returned %d", e.Status)
}
