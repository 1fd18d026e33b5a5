package config

import (
	"reflect"
	"strings"

	logx "github.com/dutu/throttled-queue/pkg/logx"
)

// Section names returned by SummarizeChange.
const (
	SectionLog       = "log"
	SectionQueue     = "queue"
	SectionLimiter   = "limiter"
	SectionStorage   = "storage"
	SectionMetrics   = "metrics"
	SectionProducers = "producers"
)

// SummarizeChange returns the changed sections and compact attrs for logging.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Log, newCfg.Log) {
		changed = append(changed, SectionLog)
		attrs = append(attrs,
			logx.String("log.level", newCfg.Log.Level),
			logx.Bool("log.console", newCfg.Log.Console),
			logx.Bool("log.file_enabled", newCfg.Log.File.Enabled),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, SectionQueue)
		attrs = append(attrs,
			logx.Int("queue.max_concurrent", newCfg.Queue.MaxConcurrent),
			logx.String("queue.min_delay", strings.TrimSpace(newCfg.Queue.MinDelay)),
			logx.String("queue.timeout", strings.TrimSpace(newCfg.Queue.Timeout)),
		)
	}
	if oldCfg.Limiter != newCfg.Limiter {
		changed = append(changed, SectionLimiter)
		attrs = append(attrs,
			logx.String("limiter.kind", newCfg.Limiter.Kind),
			logx.Int("limiter.tokens", newCfg.Limiter.Tokens),
			logx.String("limiter.interval", newCfg.Limiter.Interval),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, SectionStorage)
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, SectionMetrics)
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Producers, newCfg.Producers) {
		changed = append(changed, SectionProducers)
		attrs = append(attrs, logx.Int("producers.count", len(newCfg.Producers)))
	}
	return changed, attrs
}
