package confidential

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"secretboard/metrics"
	"secretboard/pkg/domain"
)

// RevealCache memoizes revealed values per handle. A finalized handle never
// changes, so the TTL only bounds how long plaintext identifiers stay in memory.
type RevealCache struct {
	cache    sync.Map
	ttl      time.Duration
	open     OpenFunc
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type OpenFunc func(ctx context.Context, h domain.Handle) (string, error)

type cachedReveal struct {
	value     string
	expiresAt time.Time
}

var ErrCacheStopped = domain.ErrServiceUnavailable

func NewRevealCache(open OpenFunc, ttl time.Duration) *RevealCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &RevealCache{
		ttl:      ttl,
		open:     open,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *RevealCache) Reveal(ctx context.Context, h domain.Handle) (string, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return "", ErrCacheStopped
	}
	c.mu.Unlock()

	if v, ok := c.load(h); ok {
		metrics.CacheHits.WithLabelValues("reveal").Inc()
		return v, nil
	}

	result, err, _ := c.group.Do(h.Hex(), func() (interface{}, error) {
		if v, ok := c.load(h); ok {
			return v, nil
		}
		metrics.CacheMisses.WithLabelValues("reveal").Inc()
		value, err := c.open(ctx, h)
		if err != nil {
			return nil, err
		}
		jitter := hashToJitter(h, c.ttl/10)
		c.cache.Store(h, &cachedReveal{value: value, expiresAt: time.Now().Add(c.ttl).Add(jitter)})
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *RevealCache) load(h domain.Handle) (string, bool) {
	cached, ok := c.cache.Load(h)
	if !ok {
		return "", false
	}
	entry := cached.(*cachedReveal)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(h)
		return "", false
	}
	return entry.value, true
}

func hashToJitter(h domain.Handle, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < 16; i++ {
		sum += int64(h[i])
	}
	return time.Duration(sum) * time.Millisecond % maxJitter
}

func (c *RevealCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *RevealCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		if now.After(value.(*cachedReveal).expiresAt) {
			c.cache.Delete(key)
		}
		return true
	})
}

func (c *RevealCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, _ interface{}) bool {
		c.cache.Delete(key)
		return true
	})
}

func (c *RevealCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(_, value interface{}) bool {
		stats.Entries++
		if now.After(value.(*cachedReveal).expiresAt) {
			stats.Expired++
		}
		return true
	})
	return stats
}

type CacheStats struct {
	Entries int
	Expired int
}
