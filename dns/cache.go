package dns

import (
	"context"
	"net/netip"
	"sync"
	"time"
)

// Entry represents a cached DNS entry
type Entry struct {
	Addrs     []netip.Addr
	ExpiresAt time.Time
	LookupAt  time.Time
}

// IsExpired checks if the entry has expired
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache provides TTL-aware DNS caching
type Cache struct {
	entries    map[string]*Entry
	mu         sync.RWMutex
	defaultTTL time.Duration
	minTTL     time.Duration
	maxTTL     time.Duration
}

// NewCache creates a new DNS cache
func NewCache() *Cache {
	return &Cache{
		entries:    make(map[string]*Entry),
		defaultTTL: 5 * time.Minute,  // used when the answer carries no TTL
		minTTL:     30 * time.Second, // floor to prevent hammering
		maxTTL:     time.Hour,
	}
}

// Get returns the cached addresses for host. fresh is false when the entry
// is expired; expired entries are still returned so callers can fall back
// to them when a new lookup fails.
func (c *Cache) Get(host string) (addrs []netip.Addr, fresh bool, ok bool) {
	c.mu.RLock()
	entry, exists := c.entries[host]
	c.mu.RUnlock()

	if !exists {
		return nil, false, false
	}
	return entry.Addrs, !entry.IsExpired(), true
}

// Put stores addrs for host. A zero ttl selects the default; other values
// are clamped to the cache's bounds.
func (c *Cache) Put(host string, addrs []netip.Addr, ttl time.Duration) {
	switch {
	case ttl == 0:
		ttl = c.defaultTTL
	case ttl < c.minTTL:
		ttl = c.minTTL
	case ttl > c.maxTTL:
		ttl = c.maxTTL
	}
	now := time.Now()
	c.mu.Lock()
	c.entries[host] = &Entry{
		Addrs:     addrs,
		ExpiresAt: now.Add(ttl),
		LookupAt:  now,
	}
	c.mu.Unlock()
}

// Invalidate removes a hostname from the cache
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// SetTTL sets the default TTL for cached entries
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	c.mu.Lock()
	c.defaultTTL = ttl
	c.mu.Unlock()
}

// Stats returns cache statistics
func (c *Cache) Stats() (total int, expired int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	for _, entry := range c.entries {
		total++
		if now.After(entry.ExpiresAt) {
			expired++
		}
	}
	return
}

// Cleanup removes expired entries from the cache
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for host, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, host)
		}
	}
}

// StartCleanup starts a background goroutine that periodically cleans up expired entries
func (c *Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// Interleave orders addresses for Happy Eyeballs (RFC 8305): IPv6 first,
// alternating with IPv4, each family keeping its own order.
func Interleave(addrs []netip.Addr) []netip.Addr {
	var ipv4, ipv6 []netip.Addr
	for _, a := range addrs {
		if a.Is4() || a.Is4In6() {
			ipv4 = append(ipv4, a.Unmap())
		} else {
			ipv6 = append(ipv6, a)
		}
	}

	result := make([]netip.Addr, 0, len(addrs))
	i, j := 0, 0
	for i < len(ipv6) || j < len(ipv4) {
		if i < len(ipv6) {
			result = append(result, ipv6[i])
			i++
		}
		if j < len(ipv4) {
			result = append(result, ipv4[j])
			j++
		}
	}
	return result
}
