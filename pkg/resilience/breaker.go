package resilience

import (
	"sync"
	"time"

	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/metrics"
)

// BreakerConfig tunes one breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 2
	}
	return c
}

// Breaker is a three-state circuit breaker guarding one downstream service.
//
// Closed counts consecutive breaker-relevant failures; reaching the threshold
// opens the circuit. Open rejects calls until the recovery timeout elapses,
// then admits a bounded number of probes in half-open. Probes must all
// succeed to close the circuit; any probe failure reopens it immediately.
type Breaker struct {
	service enums.ServiceName
	cfg     BreakerConfig
	metrics *metrics.BreakerMetrics
	clock   func() time.Time

	mu              sync.Mutex
	state           enums.CircuitState
	failures        int
	openedAt        time.Time
	halfOpenInFly   int
	halfOpenSuccess int
}

// NewBreaker builds a breaker in the closed state.
func NewBreaker(service enums.ServiceName, cfg BreakerConfig, m *metrics.BreakerMetrics) *Breaker {
	b := &Breaker{
		service: service,
		cfg:     cfg.withDefaults(),
		metrics: m,
		clock:   time.Now,
		state:   enums.CircuitClosed,
	}
	b.publishState(enums.CircuitClosed)
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() enums.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()
	return b.state
}

// Allow reports whether a call may proceed, reserving a probe slot when
// half-open. Callers must follow up with OnSuccess or OnFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()

	switch b.state {
	case enums.CircuitClosed:
		return nil
	case enums.CircuitHalfOpen:
		if b.halfOpenInFly >= b.cfg.HalfOpenMaxCalls {
			return apperrors.New(apperrors.CodeDependency, string(b.service)+" is recovering, probe limit reached")
		}
		b.halfOpenInFly++
		return nil
	default:
		return apperrors.New(apperrors.CodeDependency, string(b.service)+" is unavailable, circuit open")
	}
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case enums.CircuitHalfOpen:
		if b.halfOpenInFly > 0 {
			b.halfOpenInFly--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenMaxCalls {
			b.transitionLocked(enums.CircuitClosed)
		}
	case enums.CircuitClosed:
		b.failures = 0
	}
}

// OnFailure records a failed call whose class counts against the breaker.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case enums.CircuitHalfOpen:
		if b.halfOpenInFly > 0 {
			b.halfOpenInFly--
		}
		// One bad probe sends the circuit straight back to open.
		b.transitionLocked(enums.CircuitOpen)
	case enums.CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(enums.CircuitOpen)
		}
	}
}

// OnSkip releases a reserved probe slot when the call never ran.
func (b *Breaker) OnSkip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == enums.CircuitHalfOpen && b.halfOpenInFly > 0 {
		b.halfOpenInFly--
	}
}

func (b *Breaker) maybeTransitionLocked() {
	if b.state == enums.CircuitOpen && b.clock().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(enums.CircuitHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to enums.CircuitState) {
	if b.state == to {
		return
	}
	b.state = to
	switch to {
	case enums.CircuitOpen:
		b.openedAt = b.clock()
	case enums.CircuitHalfOpen:
		b.halfOpenInFly = 0
		b.halfOpenSuccess = 0
	case enums.CircuitClosed:
		b.failures = 0
		b.halfOpenInFly = 0
		b.halfOpenSuccess = 0
	}
	b.metrics.IncTransition(string(b.service), string(to))
	b.publishState(to)
}

func (b *Breaker) publishState(state enums.CircuitState) {
	var value float64
	switch state {
	case enums.CircuitOpen:
		value = 1
	case enums.CircuitHalfOpen:
		value = 2
	}
	b.metrics.SetState(string(b.service), value)
}
