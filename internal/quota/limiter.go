package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter applies a token-bucket limit per key (client IP or tenant).
// Rejections report how long the caller should wait before retrying. Idle
// buckets are evicted to bound memory.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	lastGC  time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewKeyedLimiter allows roughly perSecond sustained events per key with
// the given burst.
func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		lastGC:  time.Now(),
	}
}

// Allow consumes one event for the key. When the bucket is empty it returns
// false along with the delay after which a retry could succeed.
func (k *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}
	now := time.Now()

	k.mu.Lock()
	defer k.mu.Unlock()
	k.gcLocked(now)

	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.seen = now

	res := b.lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Rate reports the configured sustained rate and burst.
func (k *KeyedLimiter) Rate() (perSecond float64, burst int) {
	return float64(k.limit), k.burst
}

func (k *KeyedLimiter) gcLocked(now time.Time) {
	if now.Sub(k.lastGC) < time.Minute {
		return
	}
	for key, b := range k.buckets {
		if now.Sub(b.seen) > k.ttl {
			delete(k.buckets, key)
		}
	}
	k.lastGC = now
}
