package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "fetchbot/pkg/logx"
)

// Config controls the distributed primary.
//
// An empty Addr skips the backend entirely and serves from the
// in-process store (useful for tests and single-node deployments).
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Sets     uint64 `json:"sets"`
	Deletes  uint64 `json:"deletes"`
	Errors   uint64 `json:"errors"`
	Degraded bool   `json:"degraded"`
	MemKeys  int    `json:"mem_keys"`
}

// backend is the distributed-store surface the tiered cache needs.
// Implemented by redisBackend; tests substitute failing fakes.
type backend interface {
	Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	MGet(ctx context.Context, keys []string) (map[string]string, error)
	MSet(ctx context.Context, kv map[string]string, ttl time.Duration) error
	ScanDelete(ctx context.Context, glob string) (int, error)
	Close() error
}

// Cache is a tiered key/value store: distributed primary with a
// transparent in-process fallback.
//
// No method returns an error. Backend failures flip the store into
// degraded mode (logged once, then throttled) and every operation is
// served from the in-process map, so callers such as the rate limiter
// and progress tracker keep functioning through a backend outage.
type Cache struct {
	log logx.Logger

	backend  backend // nil when degraded from startup
	mem      *memoryStore
	degraded atomic.Bool

	// One warning on the first backend failure, then at most one
	// debug line per few seconds to avoid log storms.
	warnEvery *rate.Limiter

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
	errors  atomic.Uint64
}

// New connects to the distributed backend. If the backend is unreachable
// at startup the cache starts degraded; call sites need no changes.
func New(ctx context.Context, cfg Config, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{
		log:       log,
		mem:       newMemoryStore(),
		warnEvery: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	if cfg.Addr == "" {
		c.degraded.Store(true)
		log.Info("cache: no backend configured, using in-process store")
		return c
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, err := newRedisBackend(pingCtx, cfg)
	if err != nil {
		c.degraded.Store(true)
		log.Warn("cache: backend unreachable at startup, degraded to in-process store",
			logx.String("addr", cfg.Addr), logx.Err(err))
		return c
	}
	c.backend = b
	log.Info("cache: connected", logx.String("addr", cfg.Addr))
	return c
}

// NewMemory returns a cache that only uses the in-process store.
func NewMemory(log logx.Logger) *Cache {
	return New(context.Background(), Config{}, log)
}

// Degraded reports whether the cache is serving from the in-process store.
func (c *Cache) Degraded() bool { return c.degraded.Load() }

// fail records a backend error and flips the degraded flag.
// The first failure logs a warning; later ones are throttled to debug.
func (c *Cache) fail(op string, err error) {
	c.errors.Add(1)
	if c.degraded.CompareAndSwap(false, true) {
		c.log.Warn("cache: backend failure, degraded to in-process store",
			logx.String("op", op), logx.Err(err))
		return
	}
	if c.warnEvery.Allow() {
		c.log.Debug("cache: backend still failing", logx.String("op", op), logx.Err(err))
	}
}

func (c *Cache) useBackend() bool {
	return c.backend != nil && !c.degraded.Load()
}

// Set stores value under key. With onlyIfAbsent it refuses to overwrite
// a live entry and reports false.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) bool {
	if c.useBackend() {
		ok, err := c.backend.Set(ctx, key, value, ttl, onlyIfAbsent)
		if err == nil {
			if ok {
				c.sets.Add(1)
			}
			return ok
		}
		c.fail("set", err)
	}
	ok := c.mem.set(key, value, ttl, onlyIfAbsent)
	if ok {
		c.sets.Add(1)
	}
	return ok
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.useBackend() {
		v, found, err := c.backend.Get(ctx, key)
		if err == nil {
			c.note(found)
			return v, found
		}
		c.fail("get", err)
	}
	v, found := c.mem.get(key)
	c.note(found)
	return v, found
}

func (c *Cache) note(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *Cache) Delete(ctx context.Context, key string) bool {
	if c.useBackend() {
		ok, err := c.backend.Delete(ctx, key)
		if err == nil {
			if ok {
				c.deletes.Add(1)
			}
			return ok
		}
		c.fail("delete", err)
	}
	ok := c.mem.delete(key)
	if ok {
		c.deletes.Add(1)
	}
	return ok
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.useBackend() {
		ok, err := c.backend.Exists(ctx, key)
		if err == nil {
			return ok
		}
		c.fail("exists", err)
	}
	return c.mem.exists(key)
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if c.useBackend() {
		ok, err := c.backend.Expire(ctx, key, ttl)
		if err == nil {
			return ok
		}
		c.fail("expire", err)
	}
	return c.mem.expire(key, ttl)
}

// TTL reports the remaining lifetime of key. The second result is false
// when the key is absent; a live key without expiry reports (0, true).
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, bool) {
	if c.useBackend() {
		d, ok, err := c.backend.TTL(ctx, key)
		if err == nil {
			return d, ok
		}
		c.fail("ttl", err)
	}
	return c.mem.ttl(key)
}

// Incr atomically adds delta to the integer stored at key (missing
// counts as zero) and returns the new value. Atomicity holds in
// fallback mode too.
func (c *Cache) Incr(ctx context.Context, key string, delta int64) int64 {
	if c.useBackend() {
		v, err := c.backend.IncrBy(ctx, key, delta)
		if err == nil {
			return v
		}
		c.fail("incr", err)
	}
	return c.mem.incr(key, delta)
}

func (c *Cache) Decr(ctx context.Context, key string, delta int64) int64 {
	return c.Incr(ctx, key, -delta)
}

func (c *Cache) GetMany(ctx context.Context, keys []string) map[string]string {
	if len(keys) == 0 {
		return map[string]string{}
	}
	if c.useBackend() {
		out, err := c.backend.MGet(ctx, keys)
		if err == nil {
			for range out {
				c.hits.Add(1)
			}
			c.misses.Add(uint64(len(keys) - len(out)))
			return out
		}
		c.fail("get_many", err)
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := c.mem.get(k); ok {
			out[k] = v
		}
	}
	for range out {
		c.hits.Add(1)
	}
	c.misses.Add(uint64(len(keys) - len(out)))
	return out
}

func (c *Cache) SetMany(ctx context.Context, kv map[string]string, ttl time.Duration) bool {
	if len(kv) == 0 {
		return true
	}
	if c.useBackend() {
		err := c.backend.MSet(ctx, kv, ttl)
		if err == nil {
			c.sets.Add(uint64(len(kv)))
			return true
		}
		c.fail("set_many", err)
	}
	for k, v := range kv {
		c.mem.set(k, v, ttl, false)
	}
	c.sets.Add(uint64(len(kv)))
	return true
}

// ClearPattern deletes all live keys matching glob and returns the count.
// The backend path iterates with SCAN cursors so very large keyspaces
// never block the store in a single call.
func (c *Cache) ClearPattern(ctx context.Context, glob string) int {
	if c.useBackend() {
		n, err := c.backend.ScanDelete(ctx, glob)
		if err == nil {
			c.deletes.Add(uint64(n))
			return n
		}
		c.fail("clear_pattern", err)
	}
	n := c.mem.clearPattern(glob)
	c.deletes.Add(uint64(n))
	return n
}

// CleanupExpired sweeps expired entries out of the in-process store.
// The backend expires keys on its own.
func (c *Cache) CleanupExpired() int {
	return c.mem.cleanupExpired()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Sets:     c.sets.Load(),
		Deletes:  c.deletes.Load(),
		Errors:   c.errors.Load(),
		Degraded: c.degraded.Load(),
		MemKeys:  c.mem.size(),
	}
}

func (c *Cache) Close() error {
	if c.backend != nil {
		return c.backend.Close()
	}
	return nil
}
