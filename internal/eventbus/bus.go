// Package eventbus carries job lifecycle events from the dispatcher to
// whoever wants to watch it (the chat front-end, the debug log, tests).
package eventbus

import (
	"sync"
	"time"
)

// Job lifecycle event types published by the dispatcher.
const (
	TypeJobQueued    = "job.queued"
	TypeJobStarted   = "job.started"
	TypeJobRetried   = "job.retried"
	TypeJobSucceeded = "job.succeeded"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"
)

// Event is an in-memory signal. Data stays small; subscribers receive
// it by value and must not mutate shared state through it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a
// subscriber that falls behind its buffer loses events rather than
// stalling the publisher.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{}
}

type fanout struct {
	mu   sync.RWMutex
	subs []*subscriber
}

type subscriber struct {
	ch chan Event
}

// Publish holds the read lock across the sends. Every send is
// non-blocking and channels are only closed under the write lock, so a
// concurrent unsubscribe can never panic a publisher.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		select {
		case s.ch <- e:
		default:
			// Buffer full: this subscriber is behind, drop for it.
		}
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, cur := range f.subs {
			if cur == s {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return s.ch, unsub
}
