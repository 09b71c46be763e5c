// Package telegram is the chat front-end: it turns bot commands into
// dispatcher calls and renders job status back to the user.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"fetchbot/internal/dispatch"
	"fetchbot/internal/ratelimit"
	"fetchbot/internal/store"
	logx "fetchbot/pkg/logx"
)

type Config struct {
	Token       string
	AdminIDs    []int64
	PollTimeout time.Duration
	// DownloadDir is the default destination for /dl.
	DownloadDir string
}

type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	dispatcher *dispatch.Service
	limiter    *ratelimit.Limiter
}

func New(cfg Config, d *dispatch.Service, rl *ratelimit.Limiter, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	tb := &Bot{cfg: cfg, log: log, bot: b, dispatcher: d, limiter: rl}
	tb.register()
	return tb, nil
}

// Run starts long polling and blocks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.bot.Start()
	}()
	b.log.Info("telegram bot started", logx.String("username", b.bot.Me.Username))

	<-ctx.Done()
	b.bot.Stop()
	<-done
	return ctx.Err()
}

func (b *Bot) register() {
	b.bot.Handle("/dl", b.guard(b.handleDownload))
	b.bot.Handle("/up", b.guard(b.handleUpload))
	b.bot.Handle("/status", b.guard(b.handleStatus))
	b.bot.Handle("/cancel", b.guard(b.handleCancel))
	b.bot.Handle("/limits", b.guard(b.handleLimits))
	b.bot.Handle("/stats", b.admin(b.handleStats))
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(helpText)
	})
	b.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText)
	})
}

const helpText = `Commands:
/dl <url> [rendition] - download media
/up <url> <destination> - upload media
/status [job] - show progress
/cancel <job> - cancel a job
/limits - your rate limit standing`

// guard applies the command-class rate limit before the handler runs.
func (b *Bot) guard(fn func(c tele.Context) error) func(c tele.Context) error {
	return func(c tele.Context) error {
		if b.limiter != nil {
			d := b.limiter.Allow(context.Background(), identity(c), ratelimit.ClassCommand)
			if !d.Allowed {
				return c.Send(fmt.Sprintf("Slow down. Try again in %s.", d.RetryAfter.Round(time.Second)))
			}
		}
		return fn(c)
	}
}

func (b *Bot) admin(fn func(c tele.Context) error) func(c tele.Context) error {
	return func(c tele.Context) error {
		from := c.Sender()
		if from == nil {
			return nil
		}
		for _, id := range b.cfg.AdminIDs {
			if id == from.ID {
				return fn(c)
			}
		}
		return c.Send("Admins only.")
	}
}

func (b *Bot) handleDownload(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Send("Usage: /dl <url> [rendition]")
	}
	req := dispatch.Request{
		Kind:        store.KindDownload,
		Target:      args[0],
		Owner:       identity(c),
		Destination: b.cfg.DownloadDir,
	}
	if len(args) > 1 {
		req.Rendition = args[1]
	}
	return b.submit(c, req)
}

func (b *Bot) handleUpload(c tele.Context) error {
	args := c.Args()
	if len(args) < 2 {
		return c.Send("Usage: /up <url> <destination>")
	}
	return b.submit(c, dispatch.Request{
		Kind:        store.KindUpload,
		Target:      args[0],
		Owner:       identity(c),
		Destination: args[1],
	})
}

func (b *Bot) submit(c tele.Context, req dispatch.Request) error {
	job, err := b.dispatcher.Submit(context.Background(), req)
	if err != nil {
		var rl *dispatch.RateLimitError
		switch {
		case errors.As(err, &rl):
			return c.Send(fmt.Sprintf("Rate limited. Try again in %s.", rl.RetryAfter.Round(time.Second)))
		case errors.Is(err, dispatch.ErrQueueFull):
			return c.Send("Queue is full right now. Try again in a bit.")
		default:
			b.log.Warn("submit failed", logx.Err(err), logx.String("target", req.Target))
			return c.Send("Could not queue that request.")
		}
	}
	if job.State.Terminal() {
		// Dedup can hand back an already finished job inside its TTL.
		return c.Send(fmt.Sprintf("That was already handled as %s (%s).", shortID(job.ID), job.State))
	}
	return c.Send(fmt.Sprintf("Queued as %s. Check it with /status %s", shortID(job.ID), shortID(job.ID)))
}

func (b *Bot) handleStatus(c tele.Context) error {
	ctx := context.Background()
	owner := identity(c)
	args := c.Args()

	if len(args) == 0 {
		jobs := b.dispatcher.JobsForOwner(owner)
		if len(jobs) == 0 {
			return c.Send("No jobs.")
		}
		var sb strings.Builder
		for i, job := range jobs {
			if i >= 10 {
				break
			}
			sb.WriteString(formatJobLine(job))
			sb.WriteByte('\n')
		}
		return c.Send(sb.String())
	}

	job, ok := b.findJob(ctx, owner, args[0])
	if !ok {
		return c.Send("Job not found.")
	}
	if snap, ok := b.dispatcher.Progress(ctx, job.ID); ok && !job.State.Terminal() {
		return c.Send(formatProgress(job, snap))
	}
	return c.Send(formatJobLine(job))
}

func (b *Bot) handleCancel(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Send("Usage: /cancel <job>")
	}
	ctx := context.Background()
	job, ok := b.findJob(ctx, identity(c), args[0])
	if !ok {
		return c.Send("Job not found.")
	}
	if err := b.dispatcher.Cancel(ctx, job.ID); err != nil {
		return c.Send("Job is already finished.")
	}
	return c.Send(fmt.Sprintf("Cancelling %s.", shortID(job.ID)))
}

func (b *Bot) handleLimits(c tele.Context) error {
	if b.limiter == nil {
		return c.Send("Rate limiting is off.")
	}
	info := b.limiter.Info(context.Background(), identity(c))
	return c.Send(formatLimits(info))
}

func (b *Bot) handleStats(c tele.Context) error {
	ds := b.dispatcher.Stats()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Queue: %d waiting, %d running\n", ds.QueueDepth, ds.Running)
	fmt.Fprintf(&sb, "Jobs: %d submitted, %d ok, %d failed, %d cancelled, %d retries, %d deduped\n",
		ds.Submitted, ds.Succeeded, ds.Failed, ds.Cancelled, ds.Retried, ds.Deduped)
	if b.limiter != nil {
		ls := b.limiter.Stats()
		fmt.Fprintf(&sb, "Limiter: %d checked, %d blocked, %d active penalties\n",
			ls.Total, ls.Blocked, ls.ActivePenalties)
	}
	return c.Send(sb.String())
}

// findJob resolves a possibly shortened job ID against the owner's jobs,
// then against the full ID for jobs evicted from memory.
func (b *Bot) findJob(ctx context.Context, owner, ref string) (store.Job, bool) {
	ref = strings.TrimSpace(ref)
	for _, job := range b.dispatcher.JobsForOwner(owner) {
		if job.ID == ref || strings.HasPrefix(job.ID, ref) {
			return job, true
		}
	}
	if job, err := b.dispatcher.GetJob(ctx, ref); err == nil && job.Owner == owner {
		return job, true
	}
	return store.Job{}, false
}

func identity(c tele.Context) string {
	from := c.Sender()
	if from == nil {
		return ""
	}
	return strconv.FormatInt(from.ID, 10)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
