package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fetchbot/internal/cache"
	"fetchbot/internal/media"
	"fetchbot/internal/ratelimit"
	"fetchbot/internal/store"
	logx "fetchbot/pkg/logx"
)

type fakeStream struct {
	r    *strings.Reader
	name string
}

func newFakeStream(content, name string) *fakeStream {
	return &fakeStream{r: strings.NewReader(content), name: name}
}

func (f *fakeStream) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *fakeStream) Close() error               { return nil }
func (f *fakeStream) Name() string               { return f.name }
func (f *fakeStream) Size() int64                { return f.r.Size() }

type fakeExtractor struct {
	fetch func(ctx context.Context, url string, r media.Rendition, fn media.ProgressFunc) (media.Stream, error)
	probe func(ctx context.Context, url string) (media.ProbeResult, error)
}

func (f *fakeExtractor) Probe(ctx context.Context, url string) (media.ProbeResult, error) {
	if f.probe != nil {
		return f.probe(ctx, url)
	}
	return media.ProbeResult{}, errors.New("probe unsupported")
}

func (f *fakeExtractor) Fetch(ctx context.Context, url string, r media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
	return f.fetch(ctx, url, r, fn)
}

type fakeTransport struct{}

func (fakeTransport) Send(ctx context.Context, dest string, s media.Stream, fn media.ProgressFunc) (string, error) {
	n, err := io.Copy(io.Discard, s)
	if err != nil {
		return "", err
	}
	if fn != nil {
		fn(n, s.Size())
	}
	return dest + "/" + s.Name(), nil
}

func startService(t *testing.T, cfg Config, ext media.Extractor, limiter *ratelimit.Limiter) *Service {
	t.Helper()
	svc := New(cfg, Deps{
		Cache:     cache.NewMemory(logx.Nop()),
		Limiter:   limiter,
		Extractor: ext,
		Transport: fakeTransport{},
		Log:       logx.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("service did not drain on shutdown")
		}
	})

	deadline := time.After(3 * time.Second)
	for !svc.running.Load() {
		select {
		case <-deadline:
			t.Fatalf("service did not start")
		case <-time.After(time.Millisecond):
		}
	}
	return svc
}

func waitState(t *testing.T, svc *Service, id string, want store.State) store.Job {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		job, err := svc.GetJob(context.Background(), id)
		if err == nil && job.State == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s state = %v, want %v", id, job.State, want)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestJobSucceeds(t *testing.T) {
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			return newFakeStream("payload", "file.bin"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 2}, ext, nil)

	job, err := svc.Submit(context.Background(), Request{
		Kind:        store.KindDownload,
		Target:      "https://example.com/a",
		Owner:       "u1",
		Destination: "/tmp/out",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitState(t, svc, job.ID, store.StateSucceeded)
	if done.StartedAt.IsZero() || done.FinishedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", done)
	}
	if got := svc.Stats().Succeeded; got != 1 {
		t.Fatalf("succeeded = %d", got)
	}
}

func TestMaxConcurrentEnforced(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			defer running.Add(-1)
			select {
			case <-release:
				return newFakeStream("x", "f"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	svc := startService(t, Config{MaxConcurrent: 2, QueueSize: 16}, ext, nil)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		job, err := svc.Submit(context.Background(), Request{
			Kind:   store.KindDownload,
			Target: fmt.Sprintf("https://example.com/%d", i),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, job.ID)
	}

	for i := 0; i < 5; i++ {
		release <- struct{}{}
	}
	for _, id := range ids {
		waitState(t, svc, id, store.StateSucceeded)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, cap is 2", p)
	}
}

func TestJobsRunInSubmissionOrder(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{}, 8)
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			started <- url
			<-release
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1, QueueSize: 16}, ext, nil)

	var last string
	for i := 0; i < 3; i++ {
		job, err := svc.Submit(context.Background(), Request{
			Kind:   store.KindDownload,
			Target: fmt.Sprintf("https://example.com/%d", i),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		last = job.ID
	}

	for i := 0; i < 3; i++ {
		release <- struct{}{}
	}
	waitState(t, svc, last, store.StateSucceeded)

	close(started)
	var order []string
	for url := range started {
		order = append(order, url)
	}
	for i, url := range order {
		want := fmt.Sprintf("https://example.com/%d", i)
		if url != want {
			t.Fatalf("start order %v", order)
		}
	}
}

func TestDuplicateSubmitReturnsExistingJob(t *testing.T) {
	release := make(chan struct{})
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			<-release
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, nil)

	req := Request{Kind: store.KindDownload, Target: "https://example.com/a", Owner: "u1"}
	first, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate produced new job %s, want %s", second.ID, first.ID)
	}
	if got := svc.Stats().Deduped; got != 1 {
		t.Fatalf("deduped = %d", got)
	}
	close(release)
	waitState(t, svc, first.ID, store.StateSucceeded)
}

func TestConcurrentDuplicateSubmitsCollapse(t *testing.T) {
	release := make(chan struct{})
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			<-release
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, nil)

	req := Request{Kind: store.KindDownload, Target: "https://example.com/a", Owner: "u1"}
	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := svc.Submit(context.Background(), req)
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = job.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("submit %d produced job %s, want %s", i, ids[i], ids[0])
		}
	}
	stats := svc.Stats()
	if stats.Submitted != 1 || stats.Deduped != n-1 {
		t.Fatalf("submitted = %d deduped = %d, want 1 and %d", stats.Submitted, stats.Deduped, n-1)
	}
	close(release)
	waitState(t, svc, ids[0], store.StateSucceeded)
}

func TestSubmitBeforeRunRejected(t *testing.T) {
	svc := New(Config{MaxConcurrent: 1}, Deps{
		Cache:     cache.NewMemory(logx.Nop()),
		Extractor: &fakeExtractor{},
		Transport: fakeTransport{},
		Log:       logx.Nop(),
	})

	_, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/a"})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestCancelRunningJobFreesSlot(t *testing.T) {
	entered := make(chan struct{}, 4)
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			entered <- struct{}{}
			if strings.HasSuffix(url, "block") {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, nil)

	blocked, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/block"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-entered

	if err := svc.Cancel(context.Background(), blocked.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	job := waitState(t, svc, blocked.ID, store.StateCancelled)
	if job.Reason != "cancelled" {
		t.Fatalf("reason = %q, want cancelled", job.Reason)
	}

	// The freed slot must pick up new work.
	next, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/next"})
	if err != nil {
		t.Fatalf("submit after cancel: %v", err)
	}
	waitState(t, svc, next.ID, store.StateSucceeded)
}

func TestCancelQueuedJob(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			entered <- struct{}{}
			<-release
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1, QueueSize: 8}, ext, nil)

	first, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/1"})
	<-entered
	queued, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Cancel(context.Background(), queued.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	job := waitState(t, svc, queued.ID, store.StateCancelled)
	if job.Reason != "cancelled" {
		t.Fatalf("reason = %q", job.Reason)
	}

	// Cancelling twice reports not found: the job is already terminal.
	if err := svc.Cancel(context.Background(), queued.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second cancel = %v, want ErrNotFound", err)
	}

	close(release)
	waitState(t, svc, first.ID, store.StateSucceeded)
}

func TestRecoverableErrorRetries(t *testing.T) {
	var attempts atomic.Int32
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			if attempts.Add(1) == 1 {
				return nil, media.Recoverable(media.ReasonNetwork, errors.New("connection reset"))
			}
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, ext, nil)

	job, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitState(t, svc, job.ID, store.StateSucceeded)
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
	if done.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", done.RetryCount)
	}
	if got := svc.Stats().Retried; got != 1 {
		t.Fatalf("retried = %d", got)
	}
}

func TestPermanentErrorDoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			attempts.Add(1)
			return nil, media.Permanent(media.ReasonNotFound, errors.New("404"))
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, ext, nil)

	job, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/gone"})
	done := waitState(t, svc, job.ID, store.StateFailed)
	if attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", attempts.Load())
	}
	if done.Reason != string(media.ReasonNotFound) {
		t.Fatalf("reason = %q, want %q", done.Reason, media.ReasonNotFound)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			attempts.Add(1)
			return nil, media.Recoverable(media.ReasonTimeout, errors.New("timeout"))
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, ext, nil)

	job, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/flaky"})
	done := waitState(t, svc, job.ID, store.StateFailed)
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
	if done.Reason != string(media.ReasonTimeout) {
		t.Fatalf("reason = %q", done.Reason)
	}
}

func TestPanicContained(t *testing.T) {
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			if strings.HasSuffix(url, "boom") {
				panic("extractor bug")
			}
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, nil)

	job, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/boom"})
	waitState(t, svc, job.ID, store.StateFailed)

	// The worker survived: a normal job still runs.
	next, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/fine"})
	waitState(t, svc, next.ID, store.StateSucceeded)
}

func TestProbePanicContained(t *testing.T) {
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			return newFakeStream("x", "f"), nil
		},
		probe: func(ctx context.Context, url string) (media.ProbeResult, error) {
			if strings.HasSuffix(url, "boom") {
				panic("probe bug")
			}
			return media.ProbeResult{}, errors.New("probe unsupported")
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, nil)

	job, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/boom"})
	waitState(t, svc, job.ID, store.StateFailed)

	next, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/fine"})
	waitState(t, svc, next.ID, store.StateSucceeded)
}

func TestQueueFull(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			entered <- struct{}{}
			<-release
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1, QueueSize: 1}, ext, nil)

	first, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/1"})
	<-entered
	if _, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/2"}); err != nil {
		t.Fatalf("submit into buffer: %v", err)
	}
	_, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/3"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(release)
	waitState(t, svc, first.ID, store.StateSucceeded)
}

func TestSubmitRateLimited(t *testing.T) {
	limiter := ratelimit.New(cache.NewMemory(logx.Nop()), ratelimit.Config{
		Enabled: true,
		Global:  ratelimit.Limit{MaxRequests: 100, Window: time.Minute, Penalty: time.Minute},
		Classes: map[string]ratelimit.Limit{
			ratelimit.ClassDownload: {MaxRequests: 1, Window: time.Minute, Penalty: time.Minute},
		},
	}, logx.Nop())
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, limiter)

	if _, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/1", Owner: "u1"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/2", Owner: "u1"})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err does not unwrap to ErrRateLimited")
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("retry after = %v", rl.RetryAfter)
	}
}

func TestJobTimeoutEndsAsDeadline(t *testing.T) {
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1, JobTimeout: 20 * time.Millisecond}, ext, nil)

	job, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/slow"})
	done := waitState(t, svc, job.ID, store.StateCancelled)
	if done.Reason != "deadline" {
		t.Fatalf("reason = %q, want deadline", done.Reason)
	}
}

func TestFailedJobCanBeResubmitted(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			if fail.Load() {
				return nil, media.Permanent(media.ReasonForbidden, errors.New("403"))
			}
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, nil)

	req := Request{Kind: store.KindDownload, Target: "https://example.com/a", Owner: "u1"}
	first, _ := svc.Submit(context.Background(), req)
	waitState(t, svc, first.ID, store.StateFailed)

	// Failure released the dedup claim, so the same request makes a
	// fresh job.
	fail.Store(false)
	second, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("resubmit returned the failed job")
	}
	waitState(t, svc, second.ID, store.StateSucceeded)
}

func TestJobsForOwner(t *testing.T) {
	ext := &fakeExtractor{
		fetch: func(ctx context.Context, url string, _ media.Rendition, fn media.ProgressFunc) (media.Stream, error) {
			return newFakeStream("x", "f"), nil
		},
	}
	svc := startService(t, Config{MaxConcurrent: 1}, ext, nil)

	a, _ := svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/1", Owner: "u1"})
	svc.Submit(context.Background(), Request{Kind: store.KindDownload, Target: "https://example.com/2", Owner: "u2"})
	waitState(t, svc, a.ID, store.StateSucceeded)

	jobs := svc.JobsForOwner("u1")
	if len(jobs) != 1 || jobs[0].ID != a.ID {
		t.Fatalf("jobs = %+v", jobs)
	}
}
