// Package app wires the components together and owns their lifecycle.
package app

import (
	"context"
	"time"

	"fetchbot/internal/cache"
	"fetchbot/internal/config"
	"fetchbot/internal/dispatch"
	"fetchbot/internal/eventbus"
	"fetchbot/internal/maintenance"
	"fetchbot/internal/media"
	"fetchbot/internal/progress"
	"fetchbot/internal/ratelimit"
	"fetchbot/internal/runtime/supervisor"
	"fetchbot/internal/store"
	"fetchbot/internal/transport/telegram"
	logx "fetchbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log      logx.Logger
	logClose func() error

	cache      *cache.Cache
	db         store.Store
	bus        eventbus.Bus
	limiter    *ratelimit.Limiter
	tracker    *progress.Tracker
	dispatcher *dispatch.Service
	mnt        *maintenance.Service
	bot        *telegram.Bot
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("info")

	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logClose: logClose}

	a.cache = cache.New(ctx, resolved.Cache, log.With(logx.String("comp", "cache")))
	a.db, err = store.Open(resolved.Store, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.New()
	a.limiter = ratelimit.New(a.cache, resolved.RateLimit, log.With(logx.String("comp", "ratelimit")))
	a.tracker = progress.New(a.cache, resolved.Progress, log.With(logx.String("comp", "progress")))

	maxSize := cfg.Download.MaxSizeMB << 20
	a.dispatcher = dispatch.New(resolved.Dispatch, dispatch.Deps{
		Cache:     a.cache,
		Limiter:   a.limiter,
		Tracker:   a.tracker,
		Bus:       a.bus,
		Store:     a.db,
		Extractor: media.NewHTTPExtractor(maxSize),
		Transport: media.NewFileTransport(cfg.Download.Dir),
		Log:       log.With(logx.String("comp", "dispatch")),
	})

	a.mnt = maintenance.New(maintenance.Config{
		CacheSweep:    cfg.Maintenance.CacheSweep,
		ProgressSweep: cfg.Maintenance.ProgressSweep,
		StorePrune:    cfg.Maintenance.StorePrune,
		RetainJobs:    resolved.RetainJobs,
	}, a.cache, a.limiter, a.tracker, a.dispatcher, a.db, log.With(logx.String("comp", "maintenance")))

	// Without a token the pipeline still runs; only the bot surface is off.
	if cfg.Telegram.Token != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		a.bot, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			AdminIDs:    cfg.Telegram.AdminIDs,
			PollTimeout: pollTimeout,
			DownloadDir: cfg.Download.Dir,
		}, a.dispatcher, a.limiter, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
	} else {
		a.log.Warn("telegram token not configured, bot disabled")
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.sup.Go("progress", a.tracker.Run)
	a.sup.Go("dispatch", a.dispatcher.Run)
	a.sup.Go("maintenance", a.mnt.Run)
	if a.bot != nil {
		a.sup.Go("telegram", a.bot.Run)
	}
	a.sup.GoRestart("config.watch", a.cfgm.Watch, 0, 0)
	a.sup.Go("config.apply", a.applyReloads)
	a.sup.Go("events.log", a.logEvents)

	a.log.Info("started")
	return nil
}

// applyReloads picks up validated config changes. Only rate limits apply
// hot; everything else needs a restart.
func (a *App) applyReloads(ctx context.Context) error {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			resolved, err := cfg.Resolve()
			if err != nil {
				// Validate ran before publish, so this should not happen.
				a.log.Warn("reload resolve failed", logx.Err(err))
				continue
			}
			a.limiter.Apply(resolved.RateLimit)
			a.log.Info("rate limits applied")
		}
	}
}

// logEvents mirrors job lifecycle events into the debug log.
func (a *App) logEvents(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

// Done is closed when a fatal error cancels the supervisor context.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			a.log.Warn("store close", logx.Err(cerr))
		}
	}
	if cerr := a.cache.Close(); cerr != nil {
		a.log.Warn("cache close", logx.Err(cerr))
	}
	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return err
}
