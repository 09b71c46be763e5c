package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fetchbot/internal/cache"
	"fetchbot/internal/eventbus"
	"fetchbot/internal/media"
	"fetchbot/internal/progress"
	"fetchbot/internal/ratelimit"
	"fetchbot/internal/store"
	logx "fetchbot/pkg/logx"
)

const (
	keyDedupPrefix = "dispatch:dedup:"
	keyProbePrefix = "media:probe:"
)

// Service queues media jobs and executes them on a bounded worker pool.
//
// Invariants:
//   - at most MaxConcurrent jobs run at once, enforced by a permit
//     channel acquired before execution and released unconditionally
//   - queued jobs start in submission order
//   - a job reaches exactly one terminal state, and its slot is freed
//     on every path out of execution, panics included
type Service struct {
	cfg Config
	log logx.Logger

	cache   *cache.Cache
	limiter *ratelimit.Limiter
	tracker *progress.Tracker
	bus     eventbus.Bus
	db      store.Store // optional

	extractor media.Extractor
	transport media.Transport

	queue    chan *store.Job
	permits  chan struct{}
	running  atomic.Bool
	inFlight atomic.Int64

	mu       sync.Mutex
	jobs     map[string]*store.Job
	cancels  map[string]context.CancelFunc
	userKill map[string]bool

	submitted atomic.Uint64
	deduped   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	retried   atomic.Uint64
}

// Deps are the collaborators the service needs. Store may be nil for
// cache-only deployments; bus may be nil to skip event publishing.
type Deps struct {
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Tracker   *progress.Tracker
	Bus       eventbus.Bus
	Store     store.Store
	Extractor media.Extractor
	Transport media.Transport
	Log       logx.Logger
}

func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		tracker:   deps.Tracker,
		bus:       deps.Bus,
		db:        deps.Store,
		extractor: deps.Extractor,
		transport: deps.Transport,
		queue:     make(chan *store.Job, cfg.QueueSize),
		permits:   make(chan struct{}, cfg.MaxConcurrent),
		jobs:      make(map[string]*store.Job),
		cancels:   make(map[string]context.CancelFunc),
		userKill:  make(map[string]bool),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained. Meant to run under a supervisor.
func (s *Service) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.MaxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// RateLimitError carries the cooldown from a limiter rejection.
type RateLimitError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry in %s", e.Reason, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Submit validates, rate-limits, and enqueues a request. A request whose
// dedup key matches a live job returns that job instead of a new one.
func (s *Service) Submit(ctx context.Context, req Request) (store.Job, error) {
	if !s.running.Load() {
		return store.Job{}, ErrNotRunning
	}
	if req.Target == "" {
		return store.Job{}, fmt.Errorf("dispatch: empty target")
	}

	if s.limiter != nil {
		class := ratelimit.ClassDownload
		if req.Kind == store.KindUpload {
			class = ratelimit.ClassUpload
		}
		if d := s.limiter.Allow(ctx, req.Owner, class); !d.Allowed {
			return store.Job{}, &RateLimitError{Reason: d.Reason, RetryAfter: d.RetryAfter}
		}
	}

	dedupKey := req.DedupKey
	if dedupKey == "" {
		dedupKey = fingerprint(string(req.Kind), req.Owner, req.Target, req.Rendition, req.Destination)
	}
	id := uuid.NewString()
	job := &store.Job{
		ID:          id,
		Kind:        req.Kind,
		Target:      req.Target,
		Owner:       req.Owner,
		DedupKey:    dedupKey,
		Rendition:   req.Rendition,
		Destination: req.Destination,
		State:       store.StateQueued,
		CreatedAt:   time.Now(),
	}

	// Register the job before claiming the dedup slot so a concurrent
	// submitter that loses the claim can always resolve the winner's id.
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	// SetNX claims the dedup slot; losing the race means an equivalent
	// job already exists, so hand that one back.
	if s.cache != nil {
		if !s.cache.Set(ctx, keyDedupPrefix+dedupKey, id, s.cfg.DedupTTL, true) {
			if existing, ok := s.cache.Get(ctx, keyDedupPrefix+dedupKey); ok && existing != id {
				if winner, err := s.GetJob(ctx, existing); err == nil {
					s.mu.Lock()
					delete(s.jobs, id)
					s.mu.Unlock()
					s.deduped.Add(1)
					s.log.Debug("duplicate request collapsed",
						logx.String("job", existing), logx.String("target", req.Target))
					return winner, nil
				}
			}
			// Stale claim with no job behind it: take it over.
			s.cache.Set(ctx, keyDedupPrefix+dedupKey, id, s.cfg.DedupTTL, false)
		}
	}

	select {
	case s.queue <- job:
	default:
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		if s.cache != nil {
			s.cache.Delete(ctx, keyDedupPrefix+dedupKey)
		}
		return store.Job{}, ErrQueueFull
	}

	s.submitted.Add(1)
	s.persist(ctx, job)
	s.publish(eventbus.TypeJobQueued, job, 0, "")
	s.log.Info("job queued",
		logx.String("job", id),
		logx.String("kind", string(req.Kind)),
		logx.String("owner", req.Owner))
	return *job, nil
}

// Cancel stops a job. Running jobs get their context cancelled and
// finish as cancelled; queued jobs are marked cancelled and skipped when
// a worker dequeues them.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.userKill[id] = true
	if cancel, running := s.cancels[id]; running {
		s.mu.Unlock()
		cancel()
		return nil
	}
	// Still queued: terminal right here, the worker will skip it.
	job.State = store.StateCancelled
	job.Reason = "cancelled"
	job.FinishedAt = time.Now()
	snap := *job
	s.mu.Unlock()

	s.cancelled.Add(1)
	s.clearDedup(ctx, &snap)
	s.persist(ctx, &snap)
	s.publish(eventbus.TypeJobCancelled, &snap, 0, "cancelled")
	return nil
}

// GetJob returns a job by ID, falling back to the store for jobs from
// before a restart.
func (s *Service) GetJob(ctx context.Context, id string) (store.Job, error) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		snap := *job
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	if s.db != nil {
		job, found, err := s.db.GetJob(ctx, id)
		if err == nil && found {
			return job, nil
		}
	}
	return store.Job{}, ErrNotFound
}

// Progress returns the live transfer snapshot for a job.
func (s *Service) Progress(ctx context.Context, id string) (progress.Snapshot, bool) {
	if s.tracker == nil {
		return progress.Snapshot{}, false
	}
	return s.tracker.Snapshot(ctx, id)
}

// JobsForOwner lists an owner's jobs, newest first.
func (s *Service) JobsForOwner(owner string) []store.Job {
	s.mu.Lock()
	out := make([]store.Job, 0, 8)
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, *job)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Service) Stats() Stats {
	return Stats{
		QueueDepth: len(s.queue),
		Running:    int(s.inFlight.Load()),
		Submitted:  s.submitted.Load(),
		Deduped:    s.deduped.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Cancelled:  s.cancelled.Load(),
		Retried:    s.retried.Load(),
	}
}

// Sweep drops terminal jobs older than the cutoff from memory. The
// store keeps its own copies until its prune runs.
func (s *Service) Sweep(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(olderThan) {
			delete(s.jobs, id)
			delete(s.userKill, id)
			removed++
		}
	}
	return removed
}

func (s *Service) persist(ctx context.Context, job *store.Job) {
	if s.db == nil {
		return
	}
	if err := s.db.UpsertJob(ctx, *job); err != nil {
		s.log.Warn("persist job", logx.Err(err), logx.String("job", job.ID))
	}
}

func (s *Service) publish(typ string, job *store.Job, attempt int, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: JobEvent{
		ID:      job.ID,
		Kind:    job.Kind,
		Owner:   job.Owner,
		State:   job.State,
		Attempt: attempt,
		Reason:  reason,
		Error:   job.Error,
	}})
}

// clearDedup frees the dedup slot so the user can resubmit after a
// failure or cancel. Successful jobs keep theirs until the TTL runs out.
func (s *Service) clearDedup(ctx context.Context, job *store.Job) {
	if s.cache != nil && job.DedupKey != "" {
		s.cache.Delete(ctx, keyDedupPrefix+job.DedupKey)
	}
}

func (s *Service) probe(ctx context.Context, target string) (media.ProbeResult, bool) {
	if s.extractor == nil {
		return media.ProbeResult{}, false
	}
	key := keyProbePrefix + fingerprint(target)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var res media.ProbeResult
			if err := json.Unmarshal([]byte(raw), &res); err == nil {
				return res, true
			}
		}
	}
	res, err := s.extractor.Probe(ctx, target)
	if err != nil {
		// The fetch surfaces the real error; a failed probe just means
		// no size hint up front.
		s.log.Debug("probe failed", logx.Err(err), logx.String("target", target))
		return media.ProbeResult{}, false
	}
	if s.cache != nil {
		if b, err := json.Marshal(res); err == nil {
			s.cache.Set(ctx, key, string(b), s.cfg.ProbeTTL, false)
		}
	}
	return res, true
}

func fingerprint(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
