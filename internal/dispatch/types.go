package dispatch

import (
	"time"

	"fetchbot/internal/store"
)

type Config struct {
	// MaxConcurrent bounds jobs executing at once. Queued jobs wait for
	// a free slot in submission order.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	// QueueSize bounds jobs waiting for a slot; Submit rejects beyond it.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// MaxRetries is extra attempts after the first, recoverable
	// failures only.
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
	// JobTimeout caps a single job end to end. 0 disables the cap.
	JobTimeout time.Duration `json:"job_timeout" yaml:"job_timeout"`
	ProbeTTL   time.Duration `json:"probe_ttl" yaml:"probe_ttl"`
	DedupTTL   time.Duration `json:"dedup_ttl" yaml:"dedup_ttl"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ProbeTTL <= 0 {
		c.ProbeTTL = time.Hour
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	return c
}

// Request describes a job to submit.
type Request struct {
	Kind        store.Kind
	Target      string // source URL
	Owner       string // identity for rate limiting and listings
	Rendition   string // chosen rendition ID, empty for best
	Destination string // where the transport delivers
	// DedupKey collapses identical requests while one is in flight or
	// recently finished. Empty derives it from (kind, target, rendition,
	// destination).
	DedupKey string
}

// JobEvent is the eventbus payload for job lifecycle events.
type JobEvent struct {
	ID       string        `json:"id"`
	Kind     store.Kind    `json:"kind"`
	Owner    string        `json:"owner,omitempty"`
	State    store.State   `json:"state"`
	Attempt  int           `json:"attempt,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

type Stats struct {
	QueueDepth int    `json:"queue_depth"`
	Running    int    `json:"running"`
	Submitted  uint64 `json:"submitted"`
	Deduped    uint64 `json:"deduped"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
	Retried    uint64 `json:"retried"`
}
