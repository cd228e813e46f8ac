package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/daimoniac/bountyline/internal/errors"
	"github.com/daimoniac/bountyline/internal/observability"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // requests pass through
	CircuitHalfOpen                     // probing recovery
	CircuitOpen                         // failing fast
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker short-circuits calls to an upstream that keeps failing.
// After failureThreshold consecutive transient failures it opens for
// openTimeout, then lets trial calls through until successThreshold succeed.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	state            CircuitState
	failureCount     int
	successCount     int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, failureThreshold, successThreshold int, openTimeout time.Duration, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	cb := &CircuitBreaker{
		name:             name,
		state:            CircuitClosed,
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		openTimeout:      openTimeout,
		now:              time.Now,
		logger:           logger,
	}
	cb.publish()
	return cb
}

// Allow returns errors.ErrCircuitOpen while the circuit is open and the
// cooldown has not elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) >= cb.openTimeout {
		cb.transition(CircuitHalfOpen)
		return nil
	}
	return errors.ErrCircuitOpen
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// must be called with lock held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successCount = 0
	switch to {
	case CircuitOpen:
		cb.openedAt = cb.now()
	case CircuitClosed:
		cb.failureCount = 0
	}
	cb.publish()

	cb.logger.Info("circuit breaker state transition",
		"breaker", cb.name,
		"from", from.String(),
		"to", to.String(),
		"failures", cb.failureCount)
}

func (cb *CircuitBreaker) publish() {
	observability.GetMetrics().CircuitBreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
