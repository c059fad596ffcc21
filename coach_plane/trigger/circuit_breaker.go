package trigger

import (
	"sync"
	"time"

	"github.com/quitflow/coachplane/coach_plane/observability"
)

// CircuitState represents the state of the front-end circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal delivery
	CircuitHalfOpen                     // probing recovery
	CircuitOpen                         // rejecting deliveries
)

func (cs CircuitState) String() string {
	switch cs {
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

// CircuitBreaker shields the conversational front end while it is down.
// Consecutive delivery failures open the circuit; after a cooldown a limited
// number of probe deliveries decide whether it closes again. Rejected
// deliveries stay in the queue as retryable failures.
type CircuitBreaker struct {
	mu sync.RWMutex

	state    CircuitState
	failures int

	failureThreshold int
	cooldownPeriod   time.Duration

	openedAt   time.Time
	probeCount int
	probeLimit int
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes recovery after cooldown.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
		probeLimit:       5,
	}
	cb.publishState()
	return cb
}

// Allow reports whether a delivery attempt may go out.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.probeCount = 0
		cb.publishState()
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.probeCount < cb.probeLimit {
			cb.probeCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful delivery. In half-open state the circuit
// closes once the probe batch has gone through.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == CircuitHalfOpen && cb.probeCount >= cb.probeLimit {
		cb.state = CircuitClosed
		cb.publishState()
	}
}

// RecordFailure notes a failed delivery. Enough consecutive failures open the
// circuit; any failure while probing re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.probeCount = 0
		cb.publishState()
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = time.Now()
			cb.publishState()
		}
	}
}

// GetState returns the current circuit state (thread-safe).
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// publishState mirrors the state into the breaker gauge. Callers hold cb.mu.
func (cb *CircuitBreaker) publishState() {
	for _, st := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if st == cb.state {
			v = 1
		}
		observability.BreakerState.WithLabelValues(st.String()).Set(v)
	}
}
