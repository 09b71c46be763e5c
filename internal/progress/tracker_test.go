package progress

import (
	"context"
	"testing"
	"time"

	"fetchbot/internal/cache"
	logx "fetchbot/pkg/logx"
)

func newTestTracker(c *cache.Cache) *Tracker {
	return New(c, Config{
		Throttle:  100 * time.Millisecond,
		Window:    10 * time.Second,
		Retention: time.Hour,
	}, logx.Nop())
}

func TestObservationsUpdateSnapshot(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "t1", Owner: "u1", BytesTotal: 10000})
	base := time.Now()
	for i := 1; i <= 5; i++ {
		tr.apply(ctx, Observation{
			TaskID:    "t1",
			BytesDone: int64(i * 1000),
			At:        base.Add(time.Duration(i) * 200 * time.Millisecond),
		})
	}

	snap, ok := tr.Snapshot(ctx, "t1")
	if !ok {
		t.Fatalf("snapshot missing")
	}
	if snap.BytesDone != 5000 {
		t.Fatalf("bytes done = %d, want 5000", snap.BytesDone)
	}
	if snap.Percent != 50 {
		t.Fatalf("percent = %.1f, want 50", snap.Percent)
	}
	if snap.Speed <= 0 {
		t.Fatalf("speed = %.0f", snap.Speed)
	}
	if snap.ETASeconds <= 0 {
		t.Fatalf("eta = %d", snap.ETASeconds)
	}
}

func TestTotalIsSetOnce(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "t1"})
	base := time.Now()
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 100, BytesTotal: 1000, At: base})
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 200, BytesTotal: 9999, At: base.Add(200 * time.Millisecond)})

	snap, ok := tr.Snapshot(ctx, "t1")
	if !ok {
		t.Fatalf("snapshot missing")
	}
	if snap.BytesTotal != 1000 {
		t.Fatalf("total = %d, want 1000 (first set wins)", snap.BytesTotal)
	}
}

func TestSnapshotExpiresInMemory(t *testing.T) {
	ctx := context.Background()
	tr := New(cache.NewMemory(logx.Nop()), Config{
		Throttle:  time.Millisecond,
		Window:    10 * time.Second,
		Retention: 20 * time.Millisecond,
	}, logx.Nop())

	tr.Begin(ctx, TaskInfo{ID: "t1", Owner: "u1", BytesTotal: 1000})
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 100, At: time.Now()})

	if _, ok := tr.Snapshot(ctx, "t1"); !ok {
		t.Fatalf("fresh snapshot missing")
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := tr.Snapshot(ctx, "t1"); ok {
		t.Fatalf("snapshot older than retention still readable")
	}
}

func TestThrottleCoalesces(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "t1", BytesTotal: 1 << 20})
	base := time.Now()
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 100, At: base})
	// 1ms later: inside the throttle, byte count advances but no
	// recompute happens.
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 200, At: base.Add(time.Millisecond)})

	applied := tr.Stats().Applied
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	snap, _ := tr.Snapshot(ctx, "t1")
	if snap.BytesDone != 200 {
		t.Fatalf("coalesced update lost bytes: %d", snap.BytesDone)
	}

	// Past the throttle the next update recomputes.
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 300, At: base.Add(150 * time.Millisecond)})
	if got := tr.Stats().Applied; got != 2 {
		t.Fatalf("applied = %d, want 2", got)
	}
}

func TestFinalUpdateBypassesThrottle(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "t1", BytesTotal: 1000})
	base := time.Now()
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 500, At: base})
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 1000, At: base.Add(time.Millisecond)})

	snap, _ := tr.Snapshot(ctx, "t1")
	if snap.BytesDone != 1000 || snap.Percent != 100 {
		t.Fatalf("final update throttled: %+v", snap)
	}
}

func TestBytesNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "t1", BytesTotal: 1000})
	base := time.Now()
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 600, At: base})
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 400, At: base.Add(200 * time.Millisecond)})

	snap, _ := tr.Snapshot(ctx, "t1")
	if snap.BytesDone != 600 {
		t.Fatalf("bytes done = %d, regressed below 600", snap.BytesDone)
	}
}

func TestFinishIsTerminal(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "t1", BytesTotal: 1000})
	tr.Finish(ctx, "t1", StateFailed, "network error")

	// Late observations and later Finish calls are dropped.
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 999, At: time.Now()})
	tr.Finish(ctx, "t1", StateCompleted, "")

	snap, _ := tr.Snapshot(ctx, "t1")
	if snap.State != StateFailed {
		t.Fatalf("state = %v, want failed to stick", snap.State)
	}
	if snap.Error != "network error" {
		t.Fatalf("error = %q", snap.Error)
	}
	if snap.BytesDone != 0 {
		t.Fatalf("late observation applied after terminal: %d", snap.BytesDone)
	}
}

func TestFinishCompletedFillsBytes(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "t1", BytesTotal: 1000})
	tr.apply(ctx, Observation{TaskID: "t1", BytesDone: 900, At: time.Now()})
	tr.Finish(ctx, "t1", StateCompleted, "")

	snap, _ := tr.Snapshot(ctx, "t1")
	if snap.BytesDone != 1000 || snap.Percent != 100 || snap.ETASeconds != 0 {
		t.Fatalf("completed snapshot = %+v", snap)
	}
}

func TestSnapshotFromCacheAfterRestart(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(logx.Nop())

	tr1 := newTestTracker(c)
	tr1.Begin(ctx, TaskInfo{ID: "t1", Owner: "u1", BytesTotal: 1000})
	tr1.apply(ctx, Observation{TaskID: "t1", BytesDone: 500, At: time.Now()})

	// A fresh tracker sharing the cache sees the persisted snapshot.
	tr2 := newTestTracker(c)
	snap, ok := tr2.Snapshot(ctx, "t1")
	if !ok {
		t.Fatalf("snapshot not recovered from cache")
	}
	if snap.BytesDone != 500 || snap.Owner != "u1" {
		t.Fatalf("recovered snapshot = %+v", snap)
	}
}

func TestStaleSnapshotNotFound(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(logx.Nop())

	tr1 := New(c, Config{Retention: 20 * time.Millisecond}, logx.Nop())
	tr1.Begin(ctx, TaskInfo{ID: "t1"})
	time.Sleep(30 * time.Millisecond)

	tr2 := New(c, Config{Retention: 20 * time.Millisecond}, logx.Nop())
	if _, ok := tr2.Snapshot(ctx, "t1"); ok {
		t.Fatalf("stale snapshot served")
	}
}

func TestActiveForOwner(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "a", Owner: "u1"})
	tr.Begin(ctx, TaskInfo{ID: "b", Owner: "u1"})
	tr.Begin(ctx, TaskInfo{ID: "c", Owner: "u2"})
	tr.Finish(ctx, "b", StateCancelled, "")

	active := tr.ActiveForOwner("u1")
	if len(active) != 1 || active[0].TaskID != "a" {
		t.Fatalf("active = %+v", active)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(cache.NewMemory(logx.Nop()))

	tr.Begin(ctx, TaskInfo{ID: "old"})
	tr.Begin(ctx, TaskInfo{ID: "fresh"})
	tr.Finish(ctx, "old", StateCompleted, "")

	if n := tr.Sweep(time.Now().Add(2 * time.Hour)); n != 2 {
		t.Fatalf("swept %d, want 2 past retention", n)
	}
	if got := tr.Stats().Tracked; got != 0 {
		t.Fatalf("tracked = %d after sweep", got)
	}
}

func TestObserveDropsWhenFull(t *testing.T) {
	tr := New(cache.NewMemory(logx.Nop()), Config{QueueSize: 1}, logx.Nop())
	tr.Observe(Observation{TaskID: "t1", BytesDone: 1})
	tr.Observe(Observation{TaskID: "t1", BytesDone: 2})
	if tr.Stats().Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", tr.Stats().Dropped)
	}
}

func TestRunAppliesObservations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newTestTracker(cache.NewMemory(logx.Nop()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()

	tr.Begin(ctx, TaskInfo{ID: "t1", BytesTotal: 100})
	tr.Observe(Observation{TaskID: "t1", BytesDone: 50})

	deadline := time.After(2 * time.Second)
	for {
		snap, _ := tr.Snapshot(ctx, "t1")
		if snap.BytesDone == 50 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("observation never applied: %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
