package config

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "250ms", "10s", "1m").
type Config struct {
	Log     LogConfig     `json:"log"`
	Queue   QueueConfig   `json:"queue"`
	Limiter LimiterConfig `json:"limiter"`
	Storage StorageConfig `json:"storage,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty"`

	Producers []ProducerConfig `json:"producers,omitempty"`
}

type LogConfig struct {
	Level   string  `json:"level"`
	Console bool    `json:"console"`
	File    LogFile `json:"file"`
}

type LogFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls admission.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 1
//   - min_delay: "0s" (no spacing)
//   - timeout: "0s" (disabled)
//   - history_size: 100
type QueueConfig struct {
	MaxConcurrent int    `json:"max_concurrent"`
	MinDelay      string `json:"min_delay,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// LimiterConfig selects the token source consulted before every start.
//
// Kind is one of token_bucket (default), fixed_window, rolling_window or
// unlimited. Burst only applies to token_bucket and defaults to Tokens.
type LimiterConfig struct {
	Kind     string `json:"kind"`
	Tokens   int    `json:"tokens,omitempty"`
	Interval string `json:"interval,omitempty"`
	Burst    int    `json:"burst,omitempty"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/runs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the Prometheus endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9108").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9108"
	Path    string `json:"path,omitempty"` // default: "/metrics"
	Pprof   bool   `json:"pprof,omitempty"`
}

// ProducerConfig describes a scheduled synthetic job source.
//
// Priority is a pointer so an omitted value (default 5) can be told apart
// from an explicit 0.
type ProducerConfig struct {
	Name     string  `json:"name"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Schedule string  `json:"schedule"`
	Priority *int    `json:"priority,omitempty"`
	Work     string  `json:"work,omitempty"`
	Jitter   string  `json:"jitter,omitempty"`
	FailRate float64 `json:"fail_rate,omitempty"`
	Timeout  string  `json:"timeout,omitempty"`
}

// IsEnabled reports whether the producer should be scheduled (default true).
func (p ProducerConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }
