package gateway

import (
	"sync"
	"time"

	"github.com/cuemby/esb/pkg/metrics"
)

// hostEntry is one cached function -> warm container mapping (§4.2).
type hostEntry struct {
	containerID string
	address     string
	expiresAt   time.Time
}

// HostCache is the TTL-bounded function_name -> (container_id, address)
// cache that lets the Gateway skip an Ensure round-trip on the warm path.
// Safe for many concurrent readers and infrequent writers.
type HostCache struct {
	ttl time.Duration
	mu  sync.RWMutex
	m   map[string]hostEntry
}

// NewHostCache builds a cache with the given entry TTL (CONTAINER_CACHE_TTL).
func NewHostCache(ttl time.Duration) *HostCache {
	return &HostCache{ttl: ttl, m: make(map[string]hostEntry)}
}

// Get returns the cached address and container id for function, if present
// and unexpired.
func (c *HostCache) Get(function string) (address, containerID string, ok bool) {
	c.mu.RLock()
	e, found := c.m[function]
	c.mu.RUnlock()

	if !found || !time.Now().Before(e.expiresAt) {
		metrics.CacheMissesTotal.WithLabelValues(function).Inc()
		return "", "", false
	}
	metrics.CacheHitsTotal.WithLabelValues(function).Inc()
	return e.address, e.containerID, true
}

// Put caches address for function, resetting its expiry to now+ttl.
func (c *HostCache) Put(function, containerID, address string) {
	c.mu.Lock()
	c.m[function] = hostEntry{
		containerID: containerID,
		address:     address,
		expiresAt:   time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops function's cached entry, called on observed failure
// against its address or when the Orchestrator reports the container gone.
func (c *HostCache) Invalidate(function string) {
	c.mu.Lock()
	delete(c.m, function)
	c.mu.Unlock()
}

// ContainerIDs returns every container id currently cached and unexpired,
// for the HeartbeatJanitor (§4.6, §9 Open Question 2: a cached-but-idle
// address still counts as "in flight" for heartbeat purposes).
func (c *HostCache) ContainerIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	ids := make([]string, 0, len(c.m))
	for _, e := range c.m {
		if now.Before(e.expiresAt) {
			ids = append(ids, e.containerID)
		}
	}
	return ids
}
