// Package ratelimit throttles requests per key with token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pruneEvery is how many Allow calls pass between sweeps of idle keys.
const pruneEvery = 256

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one token bucket per key (an IP address, a connection ID).
// Buckets idle for longer than idleTTL are dropped.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	calls   int
	now     func() time.Time
}

// NewKeyed allows perSecond events per key with the given burst. A
// non-positive perSecond disables limiting.
func NewKeyed(perSecond float64, burst int, idleTTL time.Duration) *Keyed {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Keyed{
		entries: make(map[string]*entry),
		limit:   limit,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow reports whether an event for key may happen now, consuming a token
// if so.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.calls++
	if k.calls%pruneEvery == 0 {
		k.prune(now)
	}

	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Forget drops the bucket for key.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.entries, key)
	k.mu.Unlock()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// prune removes idle buckets. Must be called while holding mu.
func (k *Keyed) prune(now time.Time) {
	if k.idleTTL <= 0 {
		return
	}
	for key, e := range k.entries {
		if now.Sub(e.lastSeen) > k.idleTTL {
			delete(k.entries, key)
		}
	}
}
