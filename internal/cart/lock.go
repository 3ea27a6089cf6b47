package cart

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kmwilder/proofroom-backend/pkg/errors"
)

const lockRetryInterval = 100 * time.Millisecond

// lockStore defines the redis operations used by the cart lock.
type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	CartLockKey(sessionID, clientKey string) string
}

// lease is one held cart lock. The server-side TTL guarantees the lock can
// never outlive a crashed holder, which also makes the wait-timeout race
// benign: an expired lease simply stops being honored.
type lease struct {
	store lockStore
	key   string
	owner string
}

// acquireCartLock takes the per-(session, client) lease, waiting up to
// maxWait before failing with CART_LOCKED.
func acquireCartLock(ctx context.Context, store lockStore, sessionID, clientKey string, ttl, maxWait time.Duration) (*lease, error) {
	key := store.CartLockKey(sessionID, clientKey)
	owner := uuid.NewString()
	deadline := time.Now().Add(maxWait)

	for {
		ok, err := store.SetNX(ctx, key, owner, ttl)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDependency, err, "cart lock unavailable")
		}
		if ok {
			return &lease{store: store, key: key, owner: owner}, nil
		}
		if time.Now().After(deadline) {
			return nil, apperrors.New(apperrors.CodeCartLocked, "cart is busy, try again")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// release frees the lease only while this holder still owns it. The
// compare-and-delete runs server side, so a lease that expired and was
// re-acquired by a successor is never deleted from under them.
func (l *lease) release(ctx context.Context) error {
	if l == nil || l.owner == "" {
		return nil
	}
	if _, err := l.store.CompareAndDelete(ctx, l.key, l.owner); err != nil {
		return err
	}
	l.owner = ""
	return nil
}
