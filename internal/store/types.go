package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// State is a job's lifecycle state. Transitions are monotonic:
// queued -> running -> {succeeded, failed, cancelled}; terminal states
// never transition again.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Kind distinguishes fetch-to-us from ship-to-destination jobs.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// Job is the persisted job record. The dispatcher exclusively owns
// State, StartedAt, FinishedAt and RetryCount; byte counters are copied
// in from progress snapshots, never the other way around.
type Job struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Target   string `json:"target"`
	Owner    string `json:"owner"`
	DedupKey string `json:"dedup_key,omitempty"`

	// Rendition selects one of the probed variants; empty means default.
	Rendition   string `json:"rendition,omitempty"`
	Destination string `json:"destination,omitempty"`

	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	BytesTotal int64 `json:"bytes_total,omitempty"`
	BytesDone  int64 `json:"bytes_done,omitempty"`

	// Error is a short human-readable message; Reason is the stable
	// machine-readable code. Both are set only on failure.
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`

	RetryCount int `json:"retry_count,omitempty"`
}
