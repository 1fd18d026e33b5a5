package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var validLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true,
	"warn": true, "warning": true, "error": true,
}

var validLimiterKinds = map[string]bool{
	"": true, "token_bucket": true, "fixed_window": true, "rolling_window": true, "unlimited": true,
}

var validStorageDrivers = map[string]bool{
	"": true, "none": true, "file": true, "sqlite": true, "sqlite3": true,
}

// Validate checks value ranges and duration syntax. It reports every problem
// it finds, joined into one error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !validLevels[strings.ToLower(strings.TrimSpace(c.Log.Level))] {
		add(fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	q := c.Queue
	if q.MaxConcurrent < 0 {
		add(fmt.Errorf("queue.max_concurrent: must be >= 0 (0 means 1)"))
	}
	if q.HistorySize < 0 {
		add(fmt.Errorf("queue.history_size: must be >= 0"))
	}
	_, err := ParseDurationField("queue.min_delay", q.MinDelay)
	add(err)
	_, err = ParseDurationField("queue.timeout", q.Timeout)
	add(err)

	l := c.Limiter
	kind := strings.ToLower(strings.TrimSpace(l.Kind))
	if !validLimiterKinds[kind] {
		add(fmt.Errorf("limiter.kind: unknown kind %q", l.Kind))
	} else if kind != "unlimited" {
		if l.Tokens <= 0 {
			add(fmt.Errorf("limiter.tokens: must be > 0"))
		}
		iv, err := ParseDurationField("limiter.interval", l.Interval)
		add(err)
		if err == nil && iv <= 0 {
			add(fmt.Errorf("limiter.interval: required"))
		}
	}
	if l.Burst < 0 {
		add(fmt.Errorf("limiter.burst: must be >= 0"))
	}

	s := c.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if !validStorageDrivers[driver] {
		add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	} else if driver != "" && driver != "none" && strings.TrimSpace(s.Path) == "" {
		add(fmt.Errorf("storage.path: required for driver %q", driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	add(err)

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(c.Metrics.Addr)); err != nil {
			add(fmt.Errorf("metrics.addr: %w", err))
		}
	}
	if p := strings.TrimSpace(c.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
		add(fmt.Errorf("metrics.path: must start with '/'"))
	}

	seen := make(map[string]bool, len(c.Producers))
	for i, p := range c.Producers {
		path := fmt.Sprintf("producers[%d]", i)
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			add(fmt.Errorf("%s.name: required", path))
		case seen[name]:
			add(fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(p.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", path))
		}
		if p.Priority != nil && (*p.Priority < 0 || *p.Priority > 9) {
			add(fmt.Errorf("%s.priority: %d out of range [0,9]", path, *p.Priority))
		}
		if p.FailRate < 0 || p.FailRate > 1 {
			add(fmt.Errorf("%s.fail_rate: must be within [0,1]", path))
		}
		_, err := ParseDurationField(path+".work", p.Work)
		add(err)
		_, err = ParseDurationField(path+".jitter", p.Jitter)
		add(err)
		_, err = ParseDurationField(path+".timeout", p.Timeout)
		add(err)
	}

	return errors.Join(errs...)
}
