package cart

import (
	"context"
	"testing"
	"time"
)

func TestLeaseReleaseDeletesOwnLock(t *testing.T) {
	locks := newMemLockStore()
	ctx := context.Background()

	lock, err := acquireCartLock(ctx, locks, "session-1", "ck_a", time.Second, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	key := locks.CartLockKey("session-1", "ck_a")
	if !locks.held(key) {
		t.Fatal("expected lock held after acquire")
	}

	if err := lock.release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if locks.held(key) {
		t.Fatal("expected lock gone after release")
	}

	// Releasing twice is a no-op.
	if err := lock.release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestLeaseReleaseSparesSuccessorAfterExpiry(t *testing.T) {
	locks := newMemLockStore()
	ctx := context.Background()

	lock, err := acquireCartLock(ctx, locks, "session-1", "ck_a", time.Second, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	key := locks.CartLockKey("session-1", "ck_a")

	// Simulate the TTL expiring and a successor taking the lease.
	locks.mu.Lock()
	locks.values[key] = "successor-owner"
	locks.mu.Unlock()

	if err := lock.release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	locks.mu.Lock()
	value := locks.values[key]
	locks.mu.Unlock()
	if value != "successor-owner" {
		t.Fatalf("stale release deleted the successor's lease, value=%q", value)
	}
}
