package identity

import (
	"sync"
	"time"
)

type certVerdict struct {
	ok     bool
	expiry time.Time
}

// CertAuthCache is an in-memory cache for certificate authentication verdicts,
// keyed by certificate common name. The purpose of the cache is to reduce the
// number of database queries; without it the resolver would have to look up
// the certificate store for every single message.
//
// Entries expire after a TTL, so a revoked certificate is observed within one
// TTL window. The cache is bounded: when full, the entries closest to expiry
// are evicted first.
type CertAuthCache struct {
	mutex      sync.RWMutex
	cache      map[string]certVerdict
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewCertAuthCache creates a new cache with the given TTL and capacity.
func NewCertAuthCache(ttl time.Duration, maxEntries int) *CertAuthCache {
	if ttl <= 0 || maxEntries <= 0 {
		panic("cert auth cache needs a positive ttl and capacity")
	}
	return &CertAuthCache{
		cache:      make(map[string]certVerdict),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Read returns the cached verdict for the common name. The second return
// value is false on a miss or when the entry has expired. Expired entries are
// never served. This function is go-routine safe.
func (c *CertAuthCache) Read(commonName string) (bool, bool) {
	c.mutex.RLock()
	v, ok := c.cache[commonName]
	c.mutex.RUnlock()
	if !ok || c.now().After(v.expiry) {
		return false, false
	}
	return v.ok, true
}

// Write stores a verdict for the common name with a fresh TTL. If the cache
// is full, expired entries are dropped first, then the entries closest to
// expiry. This function is go-routine safe.
func (c *CertAuthCache) Write(commonName string, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.cache[commonName]; !exists && len(c.cache) >= c.maxEntries {
		c.evict()
	}
	c.cache[commonName] = certVerdict{ok: ok, expiry: c.now().Add(c.ttl)}
}

// Len returns the current number of entries, expired or not.
func (c *CertAuthCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// evict makes room for one more entry. Caller must hold the write lock.
func (c *CertAuthCache) evict() {
	now := c.now()
	for cn, v := range c.cache {
		if now.After(v.expiry) {
			delete(c.cache, cn)
		}
	}
	for len(c.cache) >= c.maxEntries {
		oldest := ""
		var oldestExpiry time.Time
		for cn, v := range c.cache {
			if oldest == "" || v.expiry.Before(oldestExpiry) {
				oldest = cn
				oldestExpiry = v.expiry
			}
		}
		delete(c.cache, oldest)
	}
}
