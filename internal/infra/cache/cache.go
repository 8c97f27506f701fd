// Package cache implements the shared TTL cache used by every analyzer.
//
// Values are JSON-encoded and written to a primary store (Redis) and to a
// bounded in-process FIFO. Primary failures are logged and masked; reads
// then come from the FIFO.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/polywatch/internal/metrics"
)

// Store is the primary cache backend.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Config controls the fallback size and stampede lock.
type Config struct {
	FallbackSize int
	LockTTL      time.Duration
	LockWait     time.Duration // poll interval for a caller that lost the lock
	LockRetries  int
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	FallbackReads uint64 `json:"fallback_reads"`
	PrimaryErrors uint64 `json:"primary_errors"`
	Computes      uint64 `json:"computes"`
	FallbackSize  int    `json:"fallback_size"`
	Available     bool   `json:"available"`
}

// Cache is the cache layer. A nil primary runs in fallback-only mode.
type Cache struct {
	primary   Store
	fallback  *fallbackStore
	group     singleflight.Group
	cfg       Config
	available atomic.Bool
	log       *slog.Logger

	hits          atomic.Uint64
	misses        atomic.Uint64
	fallbackReads atomic.Uint64
	primaryErrors atomic.Uint64
	computes      atomic.Uint64
}

// New creates a cache layer over primary.
func New(primary Store, cfg Config) *Cache {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 100 * time.Millisecond
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = int(cfg.LockTTL / cfg.LockWait)
	}

	c := &Cache{
		primary:  primary,
		fallback: newFallbackStore(cfg.FallbackSize, time.Now),
		cfg:      cfg,
		log:      slog.Default().With("component", "cache"),
	}
	c.available.Store(primary != nil)
	return c
}

// Available reports whether the primary store answered the last operation.
func (c *Cache) Available() bool {
	return c.primary != nil && c.available.Load()
}

func (c *Cache) primaryFailed(op, key string, err error) {
	c.primaryErrors.Add(1)
	metrics.CacheOps.WithLabelValues(op, "error").Inc()
	if c.available.Swap(false) {
		c.log.Warn("Primary cache unavailable, using fallback", "op", op, "key", key, "error", err)
	}
}

func (c *Cache) primaryOK() {
	if !c.available.Swap(true) {
		c.log.Info("Primary cache recovered")
	}
}

// GetRaw returns the encoded value for key.
func (c *Cache) GetRaw(ctx context.Context, key string) ([]byte, bool) {
	if c.primary != nil {
		val, found, err := c.primary.Get(ctx, key)
		if err == nil {
			c.primaryOK()
			if found {
				c.hits.Add(1)
				metrics.CacheOps.WithLabelValues("get", "hit").Inc()
				return val, true
			}
			c.misses.Add(1)
			metrics.CacheOps.WithLabelValues("get", "miss").Inc()
			return nil, false
		}
		c.primaryFailed("get", key, err)
	}

	val, ok := c.fallback.get(key)
	if ok {
		c.fallbackReads.Add(1)
		metrics.CacheOps.WithLabelValues("get", "fallback").Inc()
		return val, true
	}
	c.misses.Add(1)
	metrics.CacheOps.WithLabelValues("get", "miss").Inc()
	return nil, false
}

// SetRaw stores an encoded value in both stores.
func (c *Cache) SetRaw(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.fallback.set(key, value, ttl)
	if c.primary == nil {
		return
	}
	if err := c.primary.Set(ctx, key, value, ttl); err != nil {
		c.primaryFailed("set", key, err)
		return
	}
	c.primaryOK()
}

// Get decodes the value for key into dest.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	raw, ok := c.GetRaw(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.log.Warn("Discarding undecodable cache entry", "key", key, "error", err)
		return false
	}
	return true
}

// Set encodes value and stores it with ttl.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	c.SetRaw(ctx, key, raw, ttl)
	return nil
}

// Del removes keys from both stores.
func (c *Cache) Del(ctx context.Context, keys ...string) {
	c.fallback.del(keys...)
	if c.primary == nil {
		return
	}
	if err := c.primary.Del(ctx, keys...); err != nil {
		c.primaryFailed("del", fmt.Sprint(keys), err)
		return
	}
	c.primaryOK()
}

// Exists reports whether key is cached.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.primary != nil {
		ok, err := c.primary.Exists(ctx, key)
		if err == nil {
			c.primaryOK()
			return ok
		}
		c.primaryFailed("exists", key, err)
	}
	_, ok := c.fallback.get(key)
	return ok
}

// Flush removes every key matching a glob pattern from both stores and
// returns the number removed.
func (c *Cache) Flush(ctx context.Context, pattern string) int {
	local := c.fallback.deletePattern(pattern)
	if c.primary == nil {
		return local
	}
	n, err := c.primary.DeletePattern(ctx, pattern)
	if err != nil {
		c.primaryFailed("flush", pattern, err)
		return local
	}
	c.primaryOK()
	return max(n, local)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		FallbackReads: c.fallbackReads.Load(),
		PrimaryErrors: c.primaryErrors.Load(),
		Computes:      c.computes.Load(),
		FallbackSize:  c.fallback.len(),
		Available:     c.Available(),
	}
}

// lock takes the cross-process stampede lock for key and returns the token
// to release it with. Without a reachable primary the in-process
// singleflight is the only guard, so lock reports true with no token.
func (c *Cache) lock(ctx context.Context, key string) (string, bool) {
	if !c.Available() {
		return "", true
	}
	token, ok, err := c.primary.AcquireLock(ctx, key, c.cfg.LockTTL)
	if err != nil {
		c.primaryFailed("lock", key, err)
		return "", true
	}
	return token, ok
}

func (c *Cache) unlock(ctx context.Context, key, token string) {
	if c.primary == nil || token == "" {
		return
	}
	if err := c.primary.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
		c.primaryFailed("unlock", key, err)
	}
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. Concurrent callers in this process share one computation; a
// caller that loses the distributed lock polls the cache instead of
// computing, and computes itself only if the value never appears.
func GetOrCompute[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var out T
	if c.Get(ctx, key, &out) {
		return out, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if raw, ok := c.GetRaw(ctx, key); ok {
			return raw, nil
		}

		if token, ok := c.lock(ctx, key); ok {
			defer c.unlock(ctx, key, token)
		} else if raw, ok := c.waitFor(ctx, key); ok {
			return raw, nil
		}

		c.computes.Add(1)
		val, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode cache value %s: %w", key, err)
		}
		c.SetRaw(ctx, key, raw, ttl)
		return raw, nil
	})
	if err != nil {
		return out, err
	}

	var res T
	if err := json.Unmarshal(v.([]byte), &res); err != nil {
		return out, fmt.Errorf("decode cache value %s: %w", key, err)
	}
	return res, nil
}

func (c *Cache) waitFor(ctx context.Context, key string) ([]byte, bool) {
	for i := 0; i < c.cfg.LockRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(c.cfg.LockWait):
		}
		if raw, ok := c.GetRaw(ctx, key); ok {
			return raw, true
		}
	}
	c.log.Warn("Cache lock holder did not publish a value, computing locally", "key", key)
	return nil, false
}
