package progress

import "time"

// State of a tracked task. Terminal states never change again.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool { return s != StateActive }

// Trend describes how the transfer speed has been moving.
type Trend string

const (
	TrendUnknown    Trend = "unknown"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// TaskInfo registers a new task with the tracker.
type TaskInfo struct {
	ID         string
	Owner      string
	Label      string
	BytesTotal int64 // 0 when unknown
}

// Observation is one byte-count update from a transfer.
type Observation struct {
	TaskID     string
	BytesDone  int64
	BytesTotal int64
	At         time.Time
}

// Snapshot is the externally visible view of a task. ETASeconds is -1
// when no estimate is available (unknown total or no speed yet).
type Snapshot struct {
	TaskID     string    `json:"task_id"`
	Owner      string    `json:"owner,omitempty"`
	Label      string    `json:"label,omitempty"`
	State      State     `json:"state"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`
	Percent    float64   `json:"percent"`
	Speed      float64   `json:"speed"` // bytes per second
	Trend      Trend     `json:"trend"`
	ETASeconds int64     `json:"eta_seconds"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Config struct {
	// Throttle coalesces updates arriving faster than this. Final
	// updates always apply.
	Throttle time.Duration `json:"throttle" yaml:"throttle"`
	// Window bounds the samples used for speed calculation.
	Window time.Duration `json:"window" yaml:"window"`
	// Retention is how long finished or silent tasks stay queryable.
	Retention time.Duration `json:"retention" yaml:"retention"`
	// QueueSize is the observation channel buffer.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

func (c Config) withDefaults() Config {
	if c.Throttle <= 0 {
		c.Throttle = 100 * time.Millisecond
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}
