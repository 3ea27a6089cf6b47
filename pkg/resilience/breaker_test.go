package resilience

import (
	"testing"
	"time"

	"github.com/kmwilder/proofroom-backend/pkg/enums"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Now()
	b := NewBreaker(enums.ServiceStorage, BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
	}, nil)
	b.clock = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		b.OnFailure()
	}
	if got := b.State(); got != enums.CircuitClosed {
		t.Fatalf("expected closed below threshold, got %s", got)
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("allow: %v", err)
	}
	b.OnFailure()
	if got := b.State(); got != enums.CircuitOpen {
		t.Fatalf("expected open at threshold, got %s", got)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected open circuit to reject calls")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	b.OnFailure()
	if got := b.State(); got != enums.CircuitClosed {
		t.Fatalf("expected closed after non-consecutive failures, got %s", got)
	}
	b.OnFailure()
	if got := b.State(); got != enums.CircuitOpen {
		t.Fatalf("expected open after three consecutive failures, got %s", got)
	}
}

func TestBreakerHalfOpenProbesAndCloses(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	*now = now.Add(31 * time.Second)

	if got := b.State(); got != enums.CircuitHalfOpen {
		t.Fatalf("expected half_open after recovery timeout, got %s", got)
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("first probe rejected: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe rejected: %v", err)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected third concurrent probe to be rejected")
	}

	b.OnSuccess()
	b.OnSuccess()
	if got := b.State(); got != enums.CircuitClosed {
		t.Fatalf("expected closed after successful probes, got %s", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		b.OnFailure()
	}
	*now = now.Add(31 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.OnSuccess()
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.OnFailure()

	if got := b.State(); got != enums.CircuitOpen {
		t.Fatalf("expected reopen after failed probe, got %s", got)
	}

	// A new recovery cycle starts from scratch; the earlier success is gone.
	*now = now.Add(31 * time.Second)
	if got := b.State(); got != enums.CircuitHalfOpen {
		t.Fatalf("expected half_open again, got %s", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.OnSuccess()
	if got := b.State(); got != enums.CircuitHalfOpen {
		t.Fatalf("one success must not close the circuit, got %s", got)
	}
}
