package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kmwilder/proofroom-backend/pkg/config"
	"github.com/kmwilder/proofroom-backend/pkg/enums"
	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
	"github.com/kmwilder/proofroom-backend/pkg/logger"
	"github.com/kmwilder/proofroom-backend/pkg/metrics"
)

// Operation is one guarded call against a downstream service.
type Operation func(ctx context.Context) error

// Executor runs downstream calls behind per-service circuit breakers with
// classified retries, per-call timeouts and optional fallbacks.
type Executor struct {
	cfg     config.ResilienceConfig
	logger  *logger.Logger
	metrics *metrics.BreakerMetrics

	mu       sync.Mutex
	breakers map[enums.ServiceName]*Breaker
}

// NewExecutor builds an executor from configuration.
func NewExecutor(cfg config.ResilienceConfig, logg *logger.Logger, m *metrics.BreakerMetrics) *Executor {
	return &Executor{
		cfg:      cfg,
		logger:   logg,
		metrics:  m,
		breakers: make(map[enums.ServiceName]*Breaker),
	}
}

// Breaker returns the breaker for a service, creating it on first use.
func (e *Executor) Breaker(service enums.ServiceName) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[service]; ok {
		return b
	}
	b := NewBreaker(service, BreakerConfig{
		FailureThreshold: e.cfg.FailureThreshold,
		RecoveryTimeout:  e.cfg.RecoveryTimeout,
		HalfOpenMaxCalls: e.cfg.HalfOpenMaxCalls,
	}, e.metrics)
	e.breakers[service] = b
	return b
}

// Execute runs op against the named service. Transient and timeout failures
// are retried with exponential backoff and jitter; the final error is
// returned wrapped with a dependency code when it reflects service health.
func (e *Executor) Execute(ctx context.Context, service enums.ServiceName, op Operation) error {
	return e.ExecuteWithFallback(ctx, service, op, nil)
}

// ExecuteWithFallback behaves like Execute but, when the circuit is open or
// every attempt fails for a service-health reason, runs the fallback instead.
func (e *Executor) ExecuteWithFallback(ctx context.Context, service enums.ServiceName, op Operation, fallback Operation) error {
	breaker := e.Breaker(service)
	if err := breaker.Allow(); err != nil {
		if fallback != nil {
			e.metrics.IncFallback(string(service))
			if e.logger != nil {
				e.logger.Warn(ctx, "circuit open, serving fallback for "+string(service))
			}
			return fallback(ctx)
		}
		return err
	}

	err := e.runWithRetry(ctx, service, op)
	if err == nil {
		breaker.OnSuccess()
		return nil
	}

	class := Classify(service, err)
	if !class.CountsAgainstBreaker() {
		breaker.OnSkip()
		return err
	}
	breaker.OnFailure()
	if e.logger != nil {
		e.logger.Warn(ctx, "dependency call failed: service="+string(service)+" class="+class.String())
	}
	if fallback != nil {
		e.metrics.IncFallback(string(service))
		return fallback(ctx)
	}
	if apperrors.As(err) != nil {
		return err
	}
	return apperrors.Wrap(apperrors.CodeDependency, err, string(service)+" call failed").
		WithDetails(map[string]any{
			"service":       string(service),
			"error_class":   class.String(),
			"circuit_state": breaker.State().String(),
		})
}

func (e *Executor) runWithRetry(ctx context.Context, service enums.ServiceName, op Operation) error {
	backoff := retry.NewExponential(e.baseDelay())
	backoff = retry.WithJitter(e.baseDelay()/2, backoff)
	backoff = retry.WithCappedDuration(e.maxDelay(), backoff)
	backoff = retry.WithMaxRetries(e.maxRetries(), backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			e.metrics.IncRetry(string(service))
		}
		err := e.runWithTimeout(ctx, op)
		if err == nil {
			return nil
		}
		if Classify(service, err).Retryable() {
			return retry.RetryableError(err)
		}
		return err
	})
}

// runWithTimeout bounds one attempt so a hung dependency cannot pin the
// request. The operation goroutine may outlive the attempt; it must honor
// context cancellation to release its own resources.
func (e *Executor) runWithTimeout(ctx context.Context, op Operation) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return callCtx.Err()
	}
}

func (e *Executor) baseDelay() time.Duration {
	if e.cfg.BaseDelay <= 0 {
		return 200 * time.Millisecond
	}
	return e.cfg.BaseDelay
}

func (e *Executor) maxDelay() time.Duration {
	if e.cfg.MaxDelay <= 0 {
		return 5 * time.Second
	}
	return e.cfg.MaxDelay
}

func (e *Executor) maxRetries() uint64 {
	if e.cfg.MaxRetries <= 0 {
		return 3
	}
	return uint64(e.cfg.MaxRetries)
}

func (e *Executor) callTimeout() time.Duration {
	if e.cfg.CallTimeout <= 0 {
		return 20 * time.Second
	}
	return e.cfg.CallTimeout
}
