package entitlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kmwilder/proofroom-backend/pkg/metrics"
)

// QuotaKey is the typed composite key for quota snapshots.
type QuotaKey struct {
	SessionID uuid.UUID
	ClientKey string
}

// QuotaSnapshot is the cached view of a client's quota position. It is an
// optimization for read-only status calls and is never consulted inside the
// atomic grant path.
type QuotaSnapshot struct {
	Mode             string
	FreeUsed         int
	FreeRemaining    int
	ActiveDownloads  int
	CartReservations int
	ComputedAt       time.Time
}

// QuotaCache is a short-TTL LRU of quota snapshots. Entries expire on their
// own; mutations must still invalidate eagerly so readers never see
// pre-mutation data.
type QuotaCache struct {
	lru     *expirable.LRU[QuotaKey, QuotaSnapshot]
	metrics *metrics.DownloadMetrics
}

// NewQuotaCache builds a cache with the given capacity and TTL.
func NewQuotaCache(size int, ttl time.Duration, m *metrics.DownloadMetrics) *QuotaCache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &QuotaCache{
		lru:     expirable.NewLRU[QuotaKey, QuotaSnapshot](size, nil, ttl),
		metrics: m,
	}
}

// Get returns a cached snapshot when present and fresh.
func (c *QuotaCache) Get(key QuotaKey) (QuotaSnapshot, bool) {
	if c == nil || c.lru == nil {
		return QuotaSnapshot{}, false
	}
	snapshot, ok := c.lru.Get(key)
	if ok {
		c.metrics.IncCacheHit()
	} else {
		c.metrics.IncCacheMiss()
	}
	return snapshot, ok
}

// Put stores a snapshot.
func (c *QuotaCache) Put(key QuotaKey, snapshot QuotaSnapshot) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(key, snapshot)
}

// Invalidate drops the snapshot for a key. Called on every successful
// mutation of the client's entitlements.
func (c *QuotaCache) Invalidate(key QuotaKey) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Remove(key)
}
