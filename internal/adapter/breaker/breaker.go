package breaker

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/caravel-gw/caravel/internal/adapter/telemetry"
	"github.com/caravel-gw/caravel/internal/core/domain"
)

// State of a single breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// halfOpenSuccesses closes the circuit after this many consecutive successes.
const halfOpenSuccesses = 3

// Registry holds one breaker per backend URL. Breakers for distinct backends
// never contend; mutations on one breaker are serialised by its own mutex.
type Registry struct {
	breakers         *xsync.Map[string, *Breaker]
	telemetry        *telemetry.Telemetry
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time
}

// Breaker is the CLOSED/OPEN/HALF_OPEN state machine for one backend.
type Breaker struct {
	mu              sync.Mutex
	backend         string
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	registry *Registry
}

func NewRegistry(failureThreshold int, recoveryTimeout time.Duration, tel *telemetry.Telemetry) *Registry {
	return &Registry{
		breakers:         xsync.NewMap[string, *Breaker](),
		telemetry:        tel,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// Get returns the breaker for a backend URL, creating it CLOSED on first use.
func (r *Registry) Get(backend string) *Breaker {
	if b, ok := r.breakers.Load(backend); ok {
		return b
	}
	b, _ := r.breakers.LoadOrStore(backend, &Breaker{backend: backend, registry: r})
	return b
}

// Guard runs op under the breaker for the given backend. When the circuit is
// open the op is never invoked and domain.ErrCircuitOpen is returned.
func (r *Registry) Guard(backend string, op func() error) error {
	b := r.Get(backend)
	if err := b.Allow(); err != nil {
		return err
	}
	err := op()
	b.Record(err)
	return err
}

// States snapshots every known breaker for the inspect hook.
func (r *Registry) States() map[string]string {
	states := make(map[string]string)
	r.breakers.Range(func(backend string, b *Breaker) bool {
		b.mu.Lock()
		states[backend] = b.state.String()
		b.mu.Unlock()
		return true
	})
	return states
}

// Allow checks admission through the breaker. An OPEN breaker whose recovery
// timeout has elapsed transitions to HALF_OPEN and admits the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.registry.now().Sub(b.lastFailureTime) >= b.registry.recoveryTimeout {
			b.transition(StateHalfOpen)
			b.successCount = 0
		} else {
			return domain.ErrCircuitOpen
		}
	}
	return nil
}

// Record applies a call outcome. Outcomes are applied against the breaker's
// current state: a call admitted while HALF_OPEN still counts even if another
// goroutine changed the state while it was in flight.
func (b *Breaker) Record(err error) {
	if err == nil {
		b.recordSuccess()
	} else {
		b.recordFailure()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= halfOpenSuccesses {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	case StateOpen:
		// A straggler from before the circuit opened; nothing to reset.
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.registry.now()
	b.registry.telemetry.CircuitBreakerFailures.WithLabelValues(b.backend).Inc()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
		b.successCount = 0
	case StateClosed:
		if b.failureCount >= b.registry.failureThreshold {
			b.transition(StateOpen)
		}
	case StateOpen:
	}
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.registry.telemetry.CircuitBreakerState.WithLabelValues(b.backend).Set(float64(to))
}
