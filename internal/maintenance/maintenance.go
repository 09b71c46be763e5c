// Package maintenance runs the periodic sweeps that keep long-lived
// state bounded: expired cache entries, stale progress snapshots,
// expired rate limit penalties, and terminal jobs past retention.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"fetchbot/internal/cache"
	"fetchbot/internal/dispatch"
	"fetchbot/internal/progress"
	"fetchbot/internal/ratelimit"
	"fetchbot/internal/store"
	logx "fetchbot/pkg/logx"
)

type Config struct {
	// Cron specs, seconds field optional. "off" disables a sweep.
	CacheSweep    string
	ProgressSweep string
	StorePrune    string
	// RetainJobs is how long terminal jobs stay in memory and store.
	RetainJobs time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheSweep == "" {
		c.CacheSweep = "@every 5m"
	}
	if c.ProgressSweep == "" {
		c.ProgressSweep = "@every 10m"
	}
	if c.StorePrune == "" {
		c.StorePrune = "@hourly"
	}
	if c.RetainJobs <= 0 {
		c.RetainJobs = 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg Config
	log logx.Logger

	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	tracker    *progress.Tracker
	dispatcher *dispatch.Service
	db         store.Store // optional

	c *cron.Cron
}

func New(cfg Config, ca *cache.Cache, rl *ratelimit.Limiter, tr *progress.Tracker, d *dispatch.Service, db store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		log:        log,
		cache:      ca,
		limiter:    rl,
		tracker:    tr,
		dispatcher: d,
		db:         db,
	}
}

// Run schedules the sweeps and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser))

	if err := s.add(s.cfg.CacheSweep, "cache", s.sweepCache); err != nil {
		return err
	}
	if err := s.add(s.cfg.ProgressSweep, "progress", s.sweepProgress); err != nil {
		return err
	}
	if err := s.add(s.cfg.StorePrune, "store", func() { s.pruneStore(ctx) }); err != nil {
		return err
	}

	s.c.Start()
	<-ctx.Done()
	// Stop returns a context done when running jobs finish.
	<-s.c.Stop().Done()
	return ctx.Err()
}

func (s *Service) add(spec, name string, fn func()) error {
	if spec == "off" {
		s.log.Debug("maintenance sweep disabled", logx.String("sweep", name))
		return nil
	}
	_, err := s.c.AddFunc(spec, fn)
	return err
}

func (s *Service) sweepCache() {
	removed := 0
	if s.cache != nil {
		removed = s.cache.CleanupExpired()
	}
	penalties := 0
	if s.limiter != nil {
		penalties = s.limiter.CleanupExpired()
	}
	if removed > 0 || penalties > 0 {
		s.log.Debug("cache sweep",
			logx.Int("expired", removed),
			logx.Int("penalties", penalties))
	}
}

func (s *Service) sweepProgress() {
	now := time.Now()
	tasks, jobs := 0, 0
	if s.tracker != nil {
		tasks = s.tracker.Sweep(now)
	}
	if s.dispatcher != nil {
		jobs = s.dispatcher.Sweep(now.Add(-s.cfg.RetainJobs))
	}
	if tasks > 0 || jobs > 0 {
		s.log.Debug("progress sweep", logx.Int("tasks", tasks), logx.Int("jobs", jobs))
	}
}

func (s *Service) pruneStore(ctx context.Context) {
	if s.db == nil {
		return
	}
	n, err := s.db.PruneTerminal(ctx, s.cfg.RetainJobs)
	if err != nil {
		s.log.Warn("store prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("store pruned", logx.Int("jobs", n))
	}
}
