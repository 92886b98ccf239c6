package attribute

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// DefaultFetchTimeout bounds a shared lookup when no fetch timeout is set.
const DefaultFetchTimeout = 10 * time.Second

// CachedSource decorates a Source with an expiring LRU of Found and
// NotFound results. Concurrent lookups of the same target share one call
// to the underlying source. Failed results are never cached.
type CachedSource struct {
	next         Source
	cache        *expirable.LRU[string, Result]
	group        singleflight.Group
	fetchTimeout time.Duration

	// epoch is bumped by Invalidate and Purge. A lookup that started in an
	// older epoch does not store its result.
	mu    sync.Mutex
	epoch uint64
}

// CacheOption configures a CachedSource.
type CacheOption func(*CachedSource)

// WithFetchTimeout bounds one shared lookup independently of the callers
// waiting on it.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *CachedSource) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// NewCachedSource wraps next. size <= 0 defaults to 1024 entries.
func NewCachedSource(next Source, size int, ttl time.Duration, opts ...CacheOption) *CachedSource {
	if size <= 0 {
		size = 1024
	}
	c := &CachedSource{
		next:         next,
		cache:        expirable.NewLRU[string, Result](size, nil, ttl),
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns a cached result or resolves through the wrapped source.
// The shared lookup is detached from any single caller: a caller whose
// context ends stops waiting with a Failed result, and the others keep
// waiting.
func (c *CachedSource) Resolve(ctx context.Context, target Target) Result {
	key := target.Key()
	if res, ok := c.cache.Get(key); ok {
		return res
	}
	ch := c.group.DoChan(key, func() (interface{}, error) {
		epoch := c.currentEpoch()
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		res := c.next.Resolve(fetchCtx, target)
		if res.Outcome != OutcomeFailed {
			c.store(key, res, epoch)
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		return Failed(ctx.Err())
	case r := <-ch:
		return r.Val.(Result)
	}
}

func (c *CachedSource) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// store caches res unless an invalidation ran since epoch was read.
func (c *CachedSource) store(key string, res Result, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.cache.Add(key, res)
}

// Invalidate drops the cached results of the given targets. Lookups
// already in flight are not cached, and later callers start a new lookup.
func (c *CachedSource) Invalidate(targets ...Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, t := range targets {
		key := t.Key()
		c.cache.Remove(key)
		c.group.Forget(key)
	}
}

// Purge drops every cached result.
func (c *CachedSource) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.cache.Purge()
}

// Len returns the number of cached results.
func (c *CachedSource) Len() int {
	return c.cache.Len()
}
