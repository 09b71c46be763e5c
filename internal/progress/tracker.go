package progress

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"fetchbot/internal/cache"
	logx "fetchbot/pkg/logx"
)

const keyTaskPrefix = "progress:task:"

// Tracker consumes byte-count observations from transfers and serves
// live snapshots with speed, trend, and ETA.
//
// All observations flow through a single channel into one consumer
// goroutine, so updates for a task apply in arrival order and terminal
// writes are final: once Finish marks a task done, late observations
// still sitting in the queue are dropped.
type Tracker struct {
	cache *cache.Cache
	cfg   Config
	log   logx.Logger

	obs chan Observation

	mu    sync.Mutex
	tasks map[string]*task

	applied atomic.Uint64
	dropped atomic.Uint64
}

type task struct {
	info  TaskInfo
	est   *estimator
	snap  Snapshot
	armed time.Time // next time a recompute is due
}

func New(c *cache.Cache, cfg Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Tracker{
		cache: c,
		cfg:   cfg,
		log:   log,
		obs:   make(chan Observation, cfg.QueueSize),
		tasks: make(map[string]*task),
	}
}

// Run drains the observation queue until ctx is cancelled. Meant to be
// supervised; a panic in snapshot persistence must not kill the process.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-t.obs:
			t.apply(ctx, o)
		}
	}
}

// Begin registers a task. Re-registering an ID resets its history.
func (t *Tracker) Begin(ctx context.Context, info TaskInfo) {
	now := time.Now()
	tk := &task{
		info: info,
		est:  newEstimator(t.cfg.Window),
		snap: Snapshot{
			TaskID:     info.ID,
			Owner:      info.Owner,
			Label:      info.Label,
			State:      StateActive,
			BytesTotal: info.BytesTotal,
			Trend:      TrendUnknown,
			ETASeconds: -1,
			StartedAt:  now,
			UpdatedAt:  now,
		},
	}
	t.mu.Lock()
	t.tasks[info.ID] = tk
	t.mu.Unlock()
	t.persist(ctx, tk.snap)
}

// Observe queues an update. It never blocks: if the queue is full the
// observation is dropped and the next one carries the cumulative count.
func (t *Tracker) Observe(o Observation) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	select {
	case t.obs <- o:
	default:
		t.dropped.Add(1)
	}
}

func (t *Tracker) apply(ctx context.Context, o Observation) {
	t.mu.Lock()
	tk, ok := t.tasks[o.TaskID]
	if !ok || tk.snap.State.Terminal() {
		t.mu.Unlock()
		return
	}

	// Byte counts are cumulative; a transfer can re-read a chunk after
	// a retry but reported progress never goes backwards.
	if o.BytesDone > tk.snap.BytesDone {
		tk.snap.BytesDone = o.BytesDone
	}
	// Total is settable once; later observations cannot change it.
	if tk.snap.BytesTotal == 0 && o.BytesTotal > 0 {
		tk.snap.BytesTotal = o.BytesTotal
	}

	final := tk.snap.BytesTotal > 0 && tk.snap.BytesDone >= tk.snap.BytesTotal
	if !final && o.At.Before(tk.armed) {
		t.mu.Unlock()
		return
	}
	tk.armed = o.At.Add(t.cfg.Throttle)

	tk.snap.Speed = tk.est.add(o.At, tk.snap.BytesDone)
	tk.snap.Trend = tk.est.trend()
	tk.snap.ETASeconds = tk.est.eta(tk.snap.BytesDone, tk.snap.BytesTotal)
	if tk.snap.BytesTotal > 0 {
		tk.snap.Percent = float64(tk.snap.BytesDone) / float64(tk.snap.BytesTotal) * 100
	}
	tk.snap.UpdatedAt = o.At
	snap := tk.snap
	t.mu.Unlock()

	t.applied.Add(1)
	t.persist(ctx, snap)
}

// Finish marks a task terminal. The first terminal state wins; later
// calls and queued observations are ignored.
func (t *Tracker) Finish(ctx context.Context, id string, state State, errMsg string) {
	if !state.Terminal() {
		return
	}
	now := time.Now()
	t.mu.Lock()
	tk, ok := t.tasks[id]
	if !ok || tk.snap.State.Terminal() {
		t.mu.Unlock()
		return
	}
	tk.snap.State = state
	tk.snap.Error = errMsg
	tk.snap.UpdatedAt = now
	if state == StateCompleted && tk.snap.BytesTotal > 0 {
		tk.snap.BytesDone = tk.snap.BytesTotal
		tk.snap.Percent = 100
		tk.snap.ETASeconds = 0
	}
	snap := tk.snap
	t.mu.Unlock()
	t.persist(ctx, snap)
}

// Snapshot returns the current view of a task. Tasks unseen in memory
// are looked up in the cache so status survives a restart; entries older
// than the retention window read as gone.
func (t *Tracker) Snapshot(ctx context.Context, id string) (Snapshot, bool) {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	if ok {
		snap := tk.snap
		t.mu.Unlock()
		if time.Since(snap.UpdatedAt) > t.cfg.Retention {
			return Snapshot{}, false
		}
		return snap, true
	}
	t.mu.Unlock()

	raw, found := t.cache.Get(ctx, keyTaskPrefix+id)
	if !found {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false
	}
	if time.Since(snap.UpdatedAt) > t.cfg.Retention {
		return Snapshot{}, false
	}
	return snap, true
}

// ActiveForOwner lists an owner's non-terminal tasks.
func (t *Tracker) ActiveForOwner(owner string) []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Snapshot
	for _, tk := range t.tasks {
		if tk.info.Owner == owner && !tk.snap.State.Terminal() {
			out = append(out, tk.snap)
		}
	}
	return out
}

// Sweep evicts tasks idle past the retention window. Terminal tasks stay
// queryable via the cache until its TTL runs out.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.cfg.Retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, tk := range t.tasks {
		if tk.snap.UpdatedAt.Before(cutoff) {
			delete(t.tasks, id)
			removed++
		}
	}
	return removed
}

type Stats struct {
	Tracked int    `json:"tracked"`
	Active  int    `json:"active"`
	Applied uint64 `json:"applied"`
	Dropped uint64 `json:"dropped"`
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	tracked, active := len(t.tasks), 0
	for _, tk := range t.tasks {
		if !tk.snap.State.Terminal() {
			active++
		}
	}
	t.mu.Unlock()
	return Stats{
		Tracked: tracked,
		Active:  active,
		Applied: t.applied.Load(),
		Dropped: t.dropped.Load(),
	}
}

func (t *Tracker) persist(ctx context.Context, snap Snapshot) {
	b, err := json.Marshal(snap)
	if err != nil {
		t.log.Error("marshal progress snapshot", logx.Err(err), logx.String("task", snap.TaskID))
		return
	}
	t.cache.Set(ctx, keyTaskPrefix+snap.TaskID, string(b), t.cfg.Retention, false)
}
