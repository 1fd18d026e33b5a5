// Package app wires the queue daemon together: config, logging, limiter,
// queue, run storage, metrics and producers.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/dutu/throttled-queue/internal/config"
	"github.com/dutu/throttled-queue/internal/metrics"
	"github.com/dutu/throttled-queue/internal/producer"
	"github.com/dutu/throttled-queue/internal/runtime/supervisor"
	"github.com/dutu/throttled-queue/internal/storage"
	"github.com/dutu/throttled-queue/pkg/eventbus"
	logx "github.com/dutu/throttled-queue/pkg/logx"
	"github.com/dutu/throttled-queue/pkg/ratelimit"
	"github.com/dutu/throttled-queue/pkg/throttle"
)

const eventBuffer = 1024

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	queue     *throttle.Queue
	store     storage.Store
	metrics   *metrics.Metrics
	producers *producer.Runner

	sup *supervisor.Supervisor

	unsubRecord func()
	recordDone  chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	fail := func(err error, closers ...func()) (*App, error) {
		for _, c := range closers {
			c()
		}
		_ = logs.Close()
		return nil, err
	}

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return fail(err)
	}
	lcfg, err := mapLimiterConfig(cfg)
	if err != nil {
		return fail(err)
	}
	limiter, err := ratelimit.New(lcfg)
	if err != nil {
		return fail(fmt.Errorf("limiter: %w", err))
	}

	bus := eventbus.New()
	q, err := throttle.New(limiter, qcfg, root.With(logx.String("comp", "queue")), bus)
	if err != nil {
		return fail(err)
	}
	closeQueue := func() { _ = q.Close(context.Background()) }

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err, closeQueue)
	}
	store, err := storage.Open(scfg, root)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err), closeQueue)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", scfg.Driver), logx.String("path", scfg.Path))
	}

	runner := producer.New(q, root.With(logx.String("comp", "producer")))
	specs, err := mapProducers(cfg)
	if err == nil {
		err = runner.Apply(specs)
	}
	if err != nil {
		return fail(err, closeQueue, func() {
			if store != nil {
				_ = store.Close()
			}
		})
	}

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       bus,
		queue:     q,
		store:     store,
		producers: runner,
	}
	a.metrics = metrics.New(q.Snapshot,
		metrics.WithBusDrops(bus.Dropped),
		metrics.WithGoroutineStats(a.goroutineStats),
	)

	log.Info("queue ready",
		logx.Int("max_concurrent", q.Snapshot().MaxConcurrent),
		logx.String("limiter", string(lcfg.Kind)),
		logx.Int("producers", len(specs)),
	)
	return a, nil
}

func (a *App) Queue() *throttle.Queue { return a.queue }

func (a *App) Producers() *producer.Runner { return a.producers }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) goroutineStats() []supervisor.Stats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetValidator(a.validate)

	if a.store != nil {
		events, unsub := a.bus.Subscribe(eventBuffer)
		a.unsubRecord = unsub
		a.recordDone = make(chan struct{})
		go func() {
			defer close(a.recordDone)
			recordRuns(a.store, events, a.log.With(logx.String("comp", "recorder")))
		}()
	}

	mevents, munsub := a.bus.Subscribe(eventBuffer)
	a.sup.Go("metrics.consume", func(c context.Context) error {
		defer munsub()
		return a.metrics.Consume(c, mevents)
	})

	cfg := a.cfgm.Get()
	if cfg.Metrics.Enabled {
		scfg := mapMetricsConfig(cfg)
		mlog := a.log.With(logx.String("comp", "metrics"))
		a.sup.GoRestart("metrics.http", func(c context.Context) error {
			return a.metrics.Serve(c, scfg, mlog)
		})
	}

	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdog(c, a.log)
	})

	a.producers.Start()
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Stop shuts down in dependency order: producers, queue (waiting for running
// jobs until ctx ends), recorder, supervised goroutines, storage, logging.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	var errs []error
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.producers.Stop(ctx)

	if err := a.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue close: %w", err))
	}
	s := a.queue.Snapshot()
	a.log.Info("queue closed",
		logx.Uint64("admitted", s.Admitted),
		logx.Uint64("done", s.Done),
		logx.Uint64("failed", s.Failed),
		logx.Uint64("timed_out", s.TimedOut),
		logx.Uint64("cleared", s.Cleared),
	)

	if a.unsubRecord != nil {
		a.unsubRecord()
		select {
		case <-a.recordDone:
		case <-ctx.Done():
		}
	}

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// validate runs the checks a reload must pass before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	lcfg, err := mapLimiterConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := ratelimit.New(lcfg); err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	specs, err := mapProducers(cfg)
	if err != nil {
		return err
	}
	return a.producers.Check(specs)
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest pending config matters.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					cfg = newer
				default:
					drained = true
				}
			}
			a.applyConfig(applied, cfg)
			applied = cfg
		}
	}
}

// applyConfig applies the sections that can change at runtime and warns
// about the ones that need a restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Info("config change", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range sections {
		switch s {
		case config.SectionLog:
			a.logs.Apply(mapLogConfig(next))
		case config.SectionQueue:
			qcfg, err := mapQueueConfig(next)
			if err != nil {
				a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
				continue
			}
			a.queue.Apply(qcfg)
		case config.SectionProducers:
			specs, err := mapProducers(next)
			if err == nil {
				err = a.producers.Apply(specs)
			}
			if err != nil {
				a.log.Warn("invalid producers config; keeping previous", logx.Err(err))
			}
		default:
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
}
