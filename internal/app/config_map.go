package app

import (
	"strings"
	"time"

	"github.com/dutu/throttled-queue/internal/config"
	"github.com/dutu/throttled-queue/internal/metrics"
	"github.com/dutu/throttled-queue/internal/producer"
	"github.com/dutu/throttled-queue/internal/storage"
	logx "github.com/dutu/throttled-queue/pkg/logx"
	"github.com/dutu/throttled-queue/pkg/pqueue"
	"github.com/dutu/throttled-queue/pkg/ratelimit"
	"github.com/dutu/throttled-queue/pkg/throttle"
)

const (
	defaultMetricsAddr = "127.0.0.1:9108"
	defaultMetricsPath = "/metrics"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}

func mapQueueConfig(cfg *config.Config) (throttle.Config, error) {
	minDelay, err := config.ParseDurationField("queue.min_delay", cfg.Queue.MinDelay)
	if err != nil {
		return throttle.Config{}, err
	}
	timeout, err := config.ParseDurationField("queue.timeout", cfg.Queue.Timeout)
	if err != nil {
		return throttle.Config{}, err
	}
	return throttle.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MinDelay:      minDelay,
		Timeout:       timeout,
		HistorySize:   cfg.Queue.HistorySize,
	}, nil
}

func mapLimiterConfig(cfg *config.Config) (ratelimit.Config, error) {
	interval, err := config.ParseDurationField("limiter.interval", cfg.Limiter.Interval)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		Kind:     ratelimit.Kind(cfg.Limiter.Kind),
		Tokens:   cfg.Limiter.Tokens,
		Interval: interval,
		Burst:    cfg.Limiter.Burst,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapProducers(cfg *config.Config) ([]producer.Spec, error) {
	out := make([]producer.Spec, 0, len(cfg.Producers))
	for _, p := range cfg.Producers {
		if !p.IsEnabled() {
			continue
		}
		path := "producers." + p.Name
		work, err := config.ParseDurationField(path+".work", p.Work)
		if err != nil {
			return nil, err
		}
		jitter, err := config.ParseDurationField(path+".jitter", p.Jitter)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationField(path+".timeout", p.Timeout)
		if err != nil {
			return nil, err
		}
		prio := pqueue.DefaultPriority
		if p.Priority != nil {
			prio = pqueue.Priority(*p.Priority)
		}
		out = append(out, producer.Spec{
			Name:     p.Name,
			Schedule: p.Schedule,
			Priority: prio,
			Work:     work,
			Jitter:   jitter,
			FailRate: p.FailRate,
			Timeout:  timeout,
		})
	}
	return out, nil
}

func mapMetricsConfig(cfg *config.Config) metrics.ServeConfig {
	out := metrics.ServeConfig{
		Addr:  strings.TrimSpace(cfg.Metrics.Addr),
		Path:  strings.TrimSpace(cfg.Metrics.Path),
		Pprof: cfg.Metrics.Pprof,
	}
	if out.Addr == "" {
		out.Addr = defaultMetricsAddr
	}
	if out.Path == "" {
		out.Path = defaultMetricsPath
	}
	return out
}
