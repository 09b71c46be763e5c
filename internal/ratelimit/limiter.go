package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"fetchbot/internal/cache"
	logx "fetchbot/pkg/logx"
)

const (
	keyWindowPrefix  = "ratelimit:win:"
	keyPenaltyPrefix = "ratelimit:penalty:"
	keyGlobalWindow  = "ratelimit:win:global"
	keyPenaltyCount  = "ratelimit:stats:penalties"
)

// Limiter admits or rejects actions per (identity, action class) under a
// per-identity cap plus a process-global cap, with a cooldown penalty for
// identities that keep exceeding their cap.
//
// Windows live in the shared cache so multiple dispatcher processes see
// the same counts. The window update is read-modify-write on purpose:
// the design trades at most one extra admission per concurrent race for
// not holding a distributed lock on the hot path.
//
// Failure policy is fail-open: the cache layer never surfaces errors, a
// backend outage reads as empty windows, and empty windows admit. Rate
// limiting protects resources; it is not a correctness guarantee.
type Limiter struct {
	cache *cache.Cache
	log   logx.Logger

	mu  sync.Mutex
	cfg Config

	// In-memory penalty mirror for fast rejection; the cache copy is
	// authoritative across processes.
	pmu       sync.Mutex
	penalties map[string]time.Time

	total     atomic.Uint64
	blocked   atomic.Uint64
	penalized atomic.Uint64
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string // "penalized", "identity_limit", "global_limit"
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Allowed: true} }

func New(c *cache.Cache, cfg Config, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cache:     c,
		log:       log,
		cfg:       cfg.withDefaults(),
		penalties: make(map[string]time.Time),
	}
}

// Apply swaps in new limits; in-flight checks finish under the old ones.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

func (l *Limiter) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Allow checks penalty, then the global window, then the identity window,
// recording the request when admitted.
func (l *Limiter) Allow(ctx context.Context, identity, class string) Decision {
	cfg := l.config()
	if !cfg.Enabled {
		return allow()
	}
	now := time.Now()
	l.total.Add(1)

	if remaining, ok := l.penaltyRemaining(ctx, identity, now); ok {
		l.blocked.Add(1)
		return Decision{Reason: "penalized", RetryAfter: remaining}
	}

	// Global cap first: a burst spread across many identities must not
	// overwhelm shared resources even if nobody gets penalized.
	if !l.checkAndRecord(ctx, keyGlobalWindow, cfg.Global, now) {
		l.blocked.Add(1)
		return Decision{Reason: "global_limit", RetryAfter: cfg.Global.Window}
	}

	limit := cfg.limitFor(class)
	key := windowKey(class, identity)
	win := l.loadWindow(ctx, key, now.Add(-limit.Window))
	if len(win) >= limit.MaxRequests {
		l.imposePenalty(ctx, identity, limit, now)
		l.blocked.Add(1)
		l.penalized.Add(1)
		return Decision{Reason: "identity_limit", RetryAfter: limit.Penalty}
	}

	win = append(win, now.UnixMilli())
	l.saveWindow(ctx, key, win, limit.Window)
	return allow()
}

// checkAndRecord applies the sliding-window check for a shared (global)
// window and appends the request when under the cap.
func (l *Limiter) checkAndRecord(ctx context.Context, key string, limit Limit, now time.Time) bool {
	if limit.MaxRequests <= 0 {
		return true
	}
	win := l.loadWindow(ctx, key, now.Add(-limit.Window))
	if len(win) >= limit.MaxRequests {
		return false
	}
	win = append(win, now.UnixMilli())
	l.saveWindow(ctx, key, win, limit.Window)
	return true
}

func (l *Limiter) penaltyRemaining(ctx context.Context, identity string, now time.Time) (time.Duration, bool) {
	l.pmu.Lock()
	until, ok := l.penalties[identity]
	if ok && now.After(until) {
		delete(l.penalties, identity)
		ok = false
	}
	l.pmu.Unlock()
	if ok {
		return until.Sub(now), true
	}

	raw, found := l.cache.Get(ctx, keyPenaltyPrefix+identity)
	if !found {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	until = time.UnixMilli(ms)
	if now.After(until) {
		l.cache.Delete(ctx, keyPenaltyPrefix+identity)
		return 0, false
	}
	l.pmu.Lock()
	l.penalties[identity] = until
	l.pmu.Unlock()
	return until.Sub(now), true
}

func (l *Limiter) imposePenalty(ctx context.Context, identity string, limit Limit, now time.Time) {
	until := now.Add(limit.Penalty)

	l.pmu.Lock()
	l.penalties[identity] = until
	l.pmu.Unlock()

	l.cache.Set(ctx, keyPenaltyPrefix+identity, strconv.FormatInt(until.UnixMilli(), 10), limit.Penalty, false)
	l.cache.Incr(ctx, keyPenaltyCount, 1)
	l.log.Info("rate limit penalty imposed",
		logx.String("identity", identity),
		logx.Duration("penalty", limit.Penalty))
}

// loadWindow returns the stored timestamps newer than cutoff. Anything
// unreadable counts as an empty window (fail-open).
func (l *Limiter) loadWindow(ctx context.Context, key string, cutoff time.Time) []int64 {
	raw, found := l.cache.Get(ctx, key)
	if !found {
		return nil
	}
	var ts []int64
	if err := json.Unmarshal([]byte(raw), &ts); err != nil {
		return nil
	}
	cut := cutoff.UnixMilli()
	out := ts[:0]
	for _, t := range ts {
		if t > cut {
			out = append(out, t)
		}
	}
	return out
}

func (l *Limiter) saveWindow(ctx context.Context, key string, win []int64, ttl time.Duration) {
	b, err := json.Marshal(win)
	if err != nil {
		return
	}
	l.cache.Set(ctx, key, string(b), ttl, false)
}

// Info reports an identity's current standing for operator commands.
type Info struct {
	Penalized        bool                 `json:"penalized"`
	PenaltyRemaining time.Duration        `json:"penalty_remaining,omitempty"`
	Classes          map[string]ClassInfo `json:"classes"`
}

type ClassInfo struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

func (l *Limiter) Info(ctx context.Context, identity string) Info {
	cfg := l.config()
	now := time.Now()
	info := Info{Classes: make(map[string]ClassInfo, len(cfg.Classes))}

	if remaining, ok := l.penaltyRemaining(ctx, identity, now); ok {
		info.Penalized = true
		info.PenaltyRemaining = remaining
	}
	for class, limit := range cfg.Classes {
		win := l.loadWindow(ctx, windowKey(class, identity), now.Add(-limit.Window))
		used := len(win)
		rem := limit.MaxRequests - used
		if rem < 0 {
			rem = 0
		}
		info.Classes[class] = ClassInfo{Used: used, Limit: limit.MaxRequests, Remaining: rem}
	}
	return info
}

// Reset clears an identity's penalty and windows (admin operation).
func (l *Limiter) Reset(ctx context.Context, identity string) {
	cfg := l.config()

	l.pmu.Lock()
	delete(l.penalties, identity)
	l.pmu.Unlock()

	l.cache.Delete(ctx, keyPenaltyPrefix+identity)
	for class := range cfg.Classes {
		l.cache.Delete(ctx, windowKey(class, identity))
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Total           uint64 `json:"total"`
	Blocked         uint64 `json:"blocked"`
	Penalized       uint64 `json:"penalized"`
	ActivePenalties int    `json:"active_penalties"`
}

func (l *Limiter) Stats() Stats {
	now := time.Now()
	l.pmu.Lock()
	active := 0
	for _, until := range l.penalties {
		if now.Before(until) {
			active++
		}
	}
	l.pmu.Unlock()
	return Stats{
		Total:           l.total.Load(),
		Blocked:         l.blocked.Load(),
		Penalized:       l.penalized.Load(),
		ActivePenalties: active,
	}
}

// CleanupExpired drops expired penalties from the in-memory mirror.
// The cache copies expire via TTL on their own.
func (l *Limiter) CleanupExpired() int {
	now := time.Now()
	l.pmu.Lock()
	defer l.pmu.Unlock()
	removed := 0
	for id, until := range l.penalties {
		if now.After(until) {
			delete(l.penalties, id)
			removed++
		}
	}
	return removed
}

func windowKey(class, identity string) string {
	return fmt.Sprintf("%s%s:%s", keyWindowPrefix, class, identity)
}
