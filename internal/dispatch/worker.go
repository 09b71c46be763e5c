package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"fetchbot/internal/eventbus"
	"fetchbot/internal/media"
	"fetchbot/internal/progress"
	"fetchbot/internal/store"
	logx "fetchbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			// Dequeue first, then wait for a permit. Cancelled-while-
			// queued jobs are already terminal and just get skipped.
			s.mu.Lock()
			skip := job.State.Terminal()
			s.mu.Unlock()
			if skip {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case s.permits <- struct{}{}:
			}
			s.execute(ctx, job)
		}
	}
}

func (s *Service) execute(ctx context.Context, job *store.Job) {
	start := time.Now()

	s.inFlight.Add(1)
	// The slot is freed on every exit path, panics included.
	defer func() {
		s.inFlight.Add(-1)
		<-s.permits
	}()

	var jobCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	s.mu.Lock()
	if job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	job.State = store.StateRunning
	job.StartedAt = start
	s.cancels[job.ID] = cancel
	snap := *job
	s.mu.Unlock()

	s.persist(ctx, &snap)
	s.publish(eventbus.TypeJobStarted, &snap, 1, "")
	s.log.Info("job started", logx.String("job", job.ID), logx.String("target", job.Target))

	err := s.run(ctx, jobCtx, job)
	s.finalize(ctx, jobCtx, job, err, time.Since(start))
}

// run covers the probe and the attempt loop. Its recover is the outer
// containment line: a capability that panics outside an attempt (Probe
// included) surfaces as a job error instead of killing the worker.
func (s *Service) run(ctx, jobCtx context.Context, job *store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked",
				logx.String("job", job.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	label := job.Target
	var rendition media.Rendition
	if res, ok := s.probe(jobCtx, job.Target); ok {
		if res.Title != "" {
			label = res.Title
		}
		rendition = pickRendition(res, job.Rendition)
		if rendition.SizeHint > 0 {
			s.setTotal(job, rendition.SizeHint)
		} else if res.SizeHint > 0 {
			s.setTotal(job, res.SizeHint)
		}
	} else {
		rendition = media.Rendition{ID: job.Rendition}
	}

	if s.tracker != nil {
		s.tracker.Begin(ctx, progress.TaskInfo{
			ID:         job.ID,
			Owner:      job.Owner,
			Label:      label,
			BytesTotal: job.BytesTotal,
		})
	}

	maxAttempts := 1 + s.cfg.MaxRetries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.runAttempt(jobCtx, job, rendition)
		if err == nil || jobCtx.Err() != nil {
			break
		}
		if !media.IsRecoverable(err) || attempt >= maxAttempts {
			break
		}

		s.retried.Add(1)
		s.mu.Lock()
		job.RetryCount = attempt
		snap := *job
		s.mu.Unlock()
		s.persist(ctx, &snap)
		s.publish(eventbus.TypeJobRetried, &snap, attempt, string(media.ReasonOf(err)))
		s.log.Warn("job retry scheduled",
			logx.String("job", job.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", s.cfg.RetryDelay),
			logx.Err(err))

		select {
		case <-jobCtx.Done():
			err = jobCtx.Err()
		case <-time.After(s.cfg.RetryDelay):
			continue
		}
		break
	}
	return err
}

// runAttempt does one fetch-and-deliver pass with panic containment so
// a bad extractor cannot take a worker slot down with it.
func (s *Service) runAttempt(ctx context.Context, job *store.Job, rendition media.Rendition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked",
				logx.String("job", job.ID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	observe := func(done, total int64) {
		s.mu.Lock()
		if done > job.BytesDone {
			job.BytesDone = done
		}
		if job.BytesTotal == 0 && total > 0 {
			job.BytesTotal = total
		}
		s.mu.Unlock()
		if s.tracker != nil {
			s.tracker.Observe(progress.Observation{
				TaskID:     job.ID,
				BytesDone:  done,
				BytesTotal: total,
				At:         time.Now(),
			})
		}
	}

	stream, err := s.extractor.Fetch(ctx, job.Target, rendition, observe)
	if err != nil {
		return err
	}
	defer stream.Close()

	if _, err := s.transport.Send(ctx, job.Destination, stream, observe); err != nil {
		return err
	}
	return nil
}

func (s *Service) finalize(ctx, jobCtx context.Context, job *store.Job, err error, dur time.Duration) {
	state, reason := outcome(jobCtx, err)

	s.mu.Lock()
	delete(s.cancels, job.ID)
	if s.userKill[job.ID] && state == store.StateCancelled {
		reason = "cancelled"
	}
	delete(s.userKill, job.ID)
	if job.State.Terminal() {
		s.mu.Unlock()
		return
	}
	job.State = state
	job.Reason = reason
	job.FinishedAt = time.Now()
	if err != nil {
		job.Error = err.Error()
	}
	snap := *job
	s.mu.Unlock()

	var typ string
	var pstate progress.State
	switch state {
	case store.StateSucceeded:
		s.succeeded.Add(1)
		typ, pstate = eventbus.TypeJobSucceeded, progress.StateCompleted
		s.log.Info("job completed", logx.String("job", job.ID), logx.Duration("dur", dur))
	case store.StateCancelled:
		s.cancelled.Add(1)
		typ, pstate = eventbus.TypeJobCancelled, progress.StateCancelled
		s.clearDedup(ctx, &snap)
		s.log.Info("job cancelled",
			logx.String("job", job.ID),
			logx.String("reason", reason),
			logx.Duration("dur", dur))
	default:
		s.failed.Add(1)
		typ, pstate = eventbus.TypeJobFailed, progress.StateFailed
		s.clearDedup(ctx, &snap)
		s.log.Warn("job failed",
			logx.String("job", job.ID),
			logx.String("reason", reason),
			logx.Err(err),
			logx.Duration("dur", dur))
	}

	s.persist(ctx, &snap)
	s.publish(typ, &snap, snap.RetryCount+1, reason)
	if s.tracker != nil {
		s.tracker.Finish(ctx, job.ID, pstate, snap.Error)
	}
}

// outcome maps a final attempt error to a terminal state. Both user
// cancels and deadline expiry end as cancelled; the reason tells them
// apart.
func outcome(jobCtx context.Context, err error) (store.State, string) {
	if err == nil {
		return store.StateSucceeded, ""
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return store.StateCancelled, "deadline"
	}
	if errors.Is(err, context.Canceled) || jobCtx.Err() != nil {
		return store.StateCancelled, "cancelled"
	}
	return store.StateFailed, string(media.ReasonOf(err))
}

func (s *Service) setTotal(job *store.Job, total int64) {
	s.mu.Lock()
	if job.BytesTotal == 0 && total > 0 {
		job.BytesTotal = total
	}
	s.mu.Unlock()
}

// pickRendition resolves the requested rendition ID against the probe
// result, defaulting to the first offered.
func pickRendition(res media.ProbeResult, want string) media.Rendition {
	if want == "" {
		if len(res.Renditions) > 0 {
			return res.Renditions[0]
		}
		return media.Rendition{}
	}
	for _, r := range res.Renditions {
		if r.ID == want {
			return r
		}
	}
	return media.Rendition{ID: want}
}
