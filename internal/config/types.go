package config

import (
	"errors"
	"fmt"
	"time"

	"fetchbot/internal/cache"
	"fetchbot/internal/dispatch"
	"fetchbot/internal/progress"
	"fetchbot/internal/ratelimit"
	"fetchbot/internal/store"
)

// Config is the on-disk shape. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m"); zero/omitted fields take component
// defaults. Resolve converts it into the typed component configs.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Cache     CacheConfig     `json:"cache"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Progress  ProgressConfig  `json:"progress"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Download  DownloadConfig  `json:"download"`

	// Storage is optional; omitted means jobs live in cache and memory
	// only.
	Storage *StorageConfig `json:"storage,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token    string  `json:"token"`
	AdminIDs []int64 `json:"admin_ids"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	// Addr is the redis address. Empty runs memory-only from the start.
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

type LimitConfig struct {
	MaxRequests int    `json:"max_requests"`
	Window      string `json:"window"`
	Penalty     string `json:"penalty"`
}

type RateLimitConfig struct {
	Enabled *bool                  `json:"enabled,omitempty"`
	Global  LimitConfig            `json:"global,omitempty"`
	Classes map[string]LimitConfig `json:"classes,omitempty"`
}

type ProgressConfig struct {
	Throttle  string `json:"throttle,omitempty"`
	Window    string `json:"window,omitempty"`
	Retention string `json:"retention,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
}

type DispatchConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxRetries    int    `json:"max_retries,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
	ProbeTTL      string `json:"probe_ttl,omitempty"`
	DedupTTL      string `json:"dedup_ttl,omitempty"`
}

type DownloadConfig struct {
	// Dir is where delivered files land.
	Dir string `json:"dir"`
	// MaxSizeMB rejects fetches larger than this. 0 disables the cap.
	MaxSizeMB int64 `json:"max_size_mb,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MaintenanceConfig holds cron specs for the periodic sweeps. Empty
// specs take defaults; "off" disables a sweep.
type MaintenanceConfig struct {
	CacheSweep    string `json:"cache_sweep,omitempty"`
	ProgressSweep string `json:"progress_sweep,omitempty"`
	StorePrune    string `json:"store_prune,omitempty"`
	// RetainJobs is how long terminal jobs stay in the store.
	RetainJobs string `json:"retain_jobs,omitempty"`
}

// Resolved carries the typed component configs after duration parsing.
type Resolved struct {
	Cache      cache.Config
	RateLimit  ratelimit.Config
	Progress   progress.Config
	Dispatch   dispatch.Config
	Store      store.Config
	RetainJobs time.Duration
}

// Validate checks the snapshot is usable. An empty telegram token is
// allowed; it runs the pipeline without the bot surface.
func (c *Config) Validate() error {
	if c.Download.Dir == "" {
		return errors.New("download.dir is required")
	}
	if _, err := c.Resolve(); err != nil {
		return err
	}
	return nil
}

// Resolve parses every duration string and assembles the component
// configs. It fails on the first bad field with its config path.
func (c *Config) Resolve() (Resolved, error) {
	var r Resolved
	var err error

	if r.Cache.DialTimeout, err = ParseDurationField("cache.dial_timeout", c.Cache.DialTimeout); err != nil {
		return r, err
	}
	r.Cache.Addr = c.Cache.Addr
	r.Cache.Password = c.Cache.Password
	r.Cache.DB = c.Cache.DB

	r.RateLimit, err = c.RateLimit.resolve()
	if err != nil {
		return r, err
	}

	if r.Progress.Throttle, err = ParseDurationField("progress.throttle", c.Progress.Throttle); err != nil {
		return r, err
	}
	if r.Progress.Window, err = ParseDurationField("progress.window", c.Progress.Window); err != nil {
		return r, err
	}
	if r.Progress.Retention, err = ParseDurationField("progress.retention", c.Progress.Retention); err != nil {
		return r, err
	}
	r.Progress.QueueSize = c.Progress.QueueSize

	if r.Dispatch.RetryDelay, err = ParseDurationField("dispatch.retry_delay", c.Dispatch.RetryDelay); err != nil {
		return r, err
	}
	if r.Dispatch.JobTimeout, err = ParseDurationField("dispatch.job_timeout", c.Dispatch.JobTimeout); err != nil {
		return r, err
	}
	if r.Dispatch.ProbeTTL, err = ParseDurationField("dispatch.probe_ttl", c.Dispatch.ProbeTTL); err != nil {
		return r, err
	}
	if r.Dispatch.DedupTTL, err = ParseDurationField("dispatch.dedup_ttl", c.Dispatch.DedupTTL); err != nil {
		return r, err
	}
	r.Dispatch.MaxConcurrent = c.Dispatch.MaxConcurrent
	r.Dispatch.QueueSize = c.Dispatch.QueueSize
	r.Dispatch.MaxRetries = c.Dispatch.MaxRetries

	if c.Storage != nil {
		r.Store.Driver = c.Storage.Driver
		r.Store.Path = c.Storage.Path
		if r.Store.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return r, err
		}
	}

	if r.RetainJobs, err = ParseDurationOrDefault("maintenance.retain_jobs", c.Maintenance.RetainJobs, 24*time.Hour); err != nil {
		return r, err
	}
	return r, nil
}

func (rl RateLimitConfig) resolve() (ratelimit.Config, error) {
	out := ratelimit.Config{Enabled: true}
	if rl.Enabled != nil {
		out.Enabled = *rl.Enabled
	}
	var err error
	if out.Global, err = rl.Global.resolve("rate_limit.global"); err != nil {
		return out, err
	}
	if len(rl.Classes) > 0 {
		out.Classes = make(map[string]ratelimit.Limit, len(rl.Classes))
		for name, lc := range rl.Classes {
			limit, err := lc.resolve("rate_limit.classes." + name)
			if err != nil {
				return out, err
			}
			out.Classes[name] = limit
		}
	}
	return out, nil
}

func (lc LimitConfig) resolve(path string) (ratelimit.Limit, error) {
	var out ratelimit.Limit
	var err error
	out.MaxRequests = lc.MaxRequests
	if out.Window, err = ParseDurationField(path+".window", lc.Window); err != nil {
		return out, err
	}
	if out.Penalty, err = ParseDurationField(path+".penalty", lc.Penalty); err != nil {
		return out, err
	}
	if out.MaxRequests > 0 && out.Window <= 0 {
		return out, fmt.Errorf("%s.window: required when max_requests is set", path)
	}
	return out, nil
}
