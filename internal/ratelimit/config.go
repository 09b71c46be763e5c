package ratelimit

import "time"

// Limit caps an action class: at most MaxRequests admissions per sliding
// Window, with Penalty applied to identities that exceed the cap.
type Limit struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
	Penalty     time.Duration `json:"penalty" yaml:"penalty"`
}

type Config struct {
	Enabled bool             `json:"enabled" yaml:"enabled"`
	Global  Limit            `json:"global" yaml:"global"`
	Classes map[string]Limit `json:"classes" yaml:"classes"`
}

// Action classes known to the front-end. Classes not listed in the config
// fall back to the conservative "user" limit.
const (
	ClassDownload = "download"
	ClassUpload   = "upload"
	ClassCommand  = "command"
	classDefault  = "user"
)

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Global:  Limit{MaxRequests: 100, Window: time.Minute, Penalty: 30 * time.Second},
		Classes: map[string]Limit{
			ClassDownload: {MaxRequests: 3, Window: time.Minute, Penalty: time.Minute},
			ClassUpload:   {MaxRequests: 3, Window: time.Minute, Penalty: time.Minute},
			ClassCommand:  {MaxRequests: 10, Window: time.Minute, Penalty: 30 * time.Second},
			classDefault:  {MaxRequests: 10, Window: time.Hour, Penalty: 5 * time.Minute},
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Global.MaxRequests == 0 {
		c.Global = def.Global
	}
	if c.Classes == nil {
		c.Classes = def.Classes
		return c
	}
	for name, limit := range def.Classes {
		if _, ok := c.Classes[name]; !ok {
			c.Classes[name] = limit
		}
	}
	return c
}

func (c Config) limitFor(class string) Limit {
	if limit, ok := c.Classes[class]; ok {
		return limit
	}
	return c.Classes[classDefault]
}
