// Package metrics exports queue activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dutu/throttled-queue/internal/runtime/supervisor"
	"github.com/dutu/throttled-queue/pkg/eventbus"
	logx "github.com/dutu/throttled-queue/pkg/logx"
	"github.com/dutu/throttled-queue/pkg/pqueue"
	"github.com/dutu/throttled-queue/pkg/throttle"
)

const namespace = "tq"

type Metrics struct {
	reg *prometheus.Registry

	jobs       *prometheus.CounterVec
	queueDelay prometheus.Histogram
	duration   prometheus.Histogram
}

type Option func(*stateCollector)

// WithGoroutineStats exports supervisor restart counts.
func WithGoroutineStats(fn func() []supervisor.Stats) Option {
	return func(c *stateCollector) { c.goroutines = fn }
}

// WithBusDrops exports the event bus drop counter.
func WithBusDrops(fn func() uint64) Option {
	return func(c *stateCollector) { c.dropped = fn }
}

// New builds a registry with the job counters, the snapshot-backed state
// gauges and the Go runtime collectors.
func New(snapshot func() throttle.Snapshot, opts ...Option) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "jobs_total", Help: "Queue lifecycle events by type"},
			[]string{"event"},
		),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "queue_delay_seconds",
			Help:    "Time from enqueue to start",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Time from start to outcome",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	sc := newStateCollector(snapshot)
	for _, o := range opts {
		o(sc)
	}
	m.reg.MustRegister(
		m.jobs, m.queueDelay, m.duration, sc,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Observe records one queue event.
func (m *Metrics) Observe(e eventbus.Event) {
	je, _ := e.Data.(throttle.JobEvent)
	switch e.Type {
	case throttle.EventEnqueue:
		m.jobs.WithLabelValues("enqueue").Inc()
	case throttle.EventExecute:
		m.jobs.WithLabelValues("execute").Inc()
		m.queueDelay.Observe(je.QueueDelay.Seconds())
	case throttle.EventDone:
		m.jobs.WithLabelValues("done").Inc()
		m.duration.Observe(je.Duration.Seconds())
	case throttle.EventFailed:
		label := "failed"
		if errors.Is(je.Err, throttle.ErrTimeout) {
			label = "timeout"
		}
		m.jobs.WithLabelValues(label).Inc()
		m.duration.Observe(je.Duration.Seconds())
	case throttle.EventCleared:
		m.jobs.WithLabelValues("cleared").Add(float64(je.Count))
	}
}

// Consume observes events until ctx is done or the channel is closed.
func (m *Metrics) Consume(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// ServeConfig describes the HTTP endpoint.
type ServeConfig struct {
	Addr string
	Path string
	// Pprof mounts net/http/pprof under /debug/pprof/ on the same listener.
	Pprof bool
}

func (m *Metrics) mux(cfg ServeConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	if cfg.Pprof {
		mountPprof(mux, pprofPrefix)
	}
	return mux
}

// Serve runs the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, cfg ServeConfig, log logx.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           m.mux(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening",
		logx.String("addr", cfg.Addr),
		logx.String("path", cfg.Path),
		logx.Bool("pprof", cfg.Pprof),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// stateCollector reads the queue snapshot at scrape time.
type stateCollector struct {
	snapshot   func() throttle.Snapshot
	goroutines func() []supervisor.Stats
	dropped    func() uint64

	running  *prometheus.Desc
	queued   *prometheus.Desc
	paused   *prometheus.Desc
	denied   *prometheus.Desc
	restarts *prometheus.Desc
	drops    *prometheus.Desc
}

func newStateCollector(snapshot func() throttle.Snapshot) *stateCollector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &stateCollector{
		snapshot: snapshot,
		running:  d("running", "Jobs currently running"),
		queued:   d("queued", "Jobs waiting, by priority", "priority"),
		paused:   d("paused", "1 when admission is paused"),
		denied:   d("limiter_denied_total", "Admission attempts denied by the rate limiter"),
		restarts: d("goroutine_restarts_total", "Supervised goroutine restarts", "name"),
		drops:    d("events_dropped_total", "Events dropped for slow subscribers"),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.running
	ch <- c.queued
	ch <- c.paused
	ch <- c.denied
	ch <- c.restarts
	ch <- c.drops
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.snapshot != nil {
		s := c.snapshot()
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(s.Running))
		for p := pqueue.MinPriority; p <= pqueue.MaxPriority; p++ {
			ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.QueuedByPriority[p]), strconv.Itoa(int(p)))
		}
		paused := 0.0
		if s.Paused {
			paused = 1
		}
		ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, paused)
		ch <- prometheus.MustNewConstMetric(c.denied, prometheus.CounterValue, float64(s.Denied))
	}
	if c.goroutines != nil {
		for _, st := range c.goroutines() {
			ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(st.Restarts), st.Name)
		}
	}
	if c.dropped != nil {
		ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue, float64(c.dropped()))
	}
}
