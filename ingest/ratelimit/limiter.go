/*Package ratelimit provides per-device admission control.

Each device gets its own token bucket. Buckets that have not been touched for
a TTL are garbage-collected, so memory is bounded by the number of recently
active devices, not by the number of devices ever seen.
*/
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter admits one operation per available token, per device key.
type Limiter struct {
	mutex        sync.Mutex
	buckets      map[string]*bucket
	rate         rate.Limit
	burst        int
	ttl          time.Duration
	cleanupEvery int
	admissions   int
	cleaning     bool
	now          func() time.Time
}

// Builder is a builder helper for the Limiter
type Builder struct {
	// Rate is the sustained admission rate in tokens per second. Mandatory.
	Rate float64
	// Burst is the bucket capacity. Mandatory.
	Burst int
	// TTL is how long an untouched bucket survives. Default one hour.
	TTL time.Duration
	// CleanupEvery triggers an opportunistic cleanup pass after this many
	// admission checks. Default 4096.
	CleanupEvery int
}

// NewLimiter creates a limiter. There is no timer thread; cleanup runs
// opportunistically on the caller's goroutine.
func NewLimiter(b *Builder) *Limiter {
	if b.Rate <= 0 {
		panic("rate is missing")
	}
	if b.Burst <= 0 {
		panic("burst is missing")
	}
	ttl := b.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	cleanupEvery := b.CleanupEvery
	if cleanupEvery == 0 {
		cleanupEvery = 4096
	}
	return &Limiter{
		buckets:      make(map[string]*bucket),
		rate:         rate.Limit(b.Rate),
		burst:        b.Burst,
		ttl:          ttl,
		cleanupEvery: cleanupEvery,
		now:          time.Now,
	}
}

// Admit refills the device's bucket and tries to consume one token. It
// returns true iff a token was available. This function is go-routine safe.
func (l *Limiter) Admit(deviceKey string) bool {
	l.mutex.Lock()
	b, ok := l.buckets[deviceKey]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[deviceKey] = b
	}
	b.lastAccess = l.now()
	l.admissions++
	runCleanup := l.admissions%l.cleanupEvery == 0 && !l.cleaning
	if runCleanup {
		l.cleaning = true
	}
	l.mutex.Unlock()

	if runCleanup {
		l.cleanup()
	}
	return b.limiter.Allow()
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.buckets)
}

// Cleanup drops buckets whose last access is older than the TTL. It is also
// triggered opportunistically by Admit and never runs re-entrant with itself.
func (l *Limiter) Cleanup() {
	l.mutex.Lock()
	if l.cleaning {
		l.mutex.Unlock()
		return
	}
	l.cleaning = true
	l.mutex.Unlock()
	l.cleanup()
}

// cleanup expects the cleaning flag to be held by the caller. It replaces the
// bucket map with a fresh one rather than deleting while others iterate.
func (l *Limiter) cleanup() {
	deadline := l.now().Add(-l.ttl)

	l.mutex.Lock()
	kept := make(map[string]*bucket, len(l.buckets))
	for key, b := range l.buckets {
		if b.lastAccess.After(deadline) {
			kept[key] = b
		}
	}
	l.buckets = kept
	l.cleaning = false
	l.mutex.Unlock()
}
