// Package producer submits synthetic jobs to the queue on cron schedules.
//
// Producers give the daemon a steady, configurable load: each tick adds one
// job that sleeps for Work (plus or minus Jitter) and fails with probability
// FailRate.
package producer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/dutu/throttled-queue/pkg/logx"
	"github.com/dutu/throttled-queue/pkg/pqueue"
	"github.com/dutu/throttled-queue/pkg/throttle"
)

var (
	ErrSyntheticFailure = errors.New("synthetic failure")
	ErrUnknownProducer  = errors.New("unknown producer")
)

type Spec struct {
	Name     string
	Schedule string
	Priority pqueue.Priority
	Work     time.Duration
	Jitter   time.Duration
	FailRate float64
	// Timeout is passed to the queue as the job timeout (0 = queue default).
	Timeout time.Duration
}

// Submitter is the part of the queue a producer needs.
type Submitter interface {
	Add(fn throttle.Func, opts ...throttle.JobOption) (*throttle.Result, error)
}

type Option func(*Runner)

func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithSeed makes jitter and failures reproducible.
func WithSeed(seed int64) Option {
	return func(r *Runner) { r.rng = rand.New(rand.NewSource(seed)) }
}

type registered struct {
	spec  Spec
	sched cron.Schedule
	entry cron.EntryID
}

type Runner struct {
	q      Submitter
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location

	mu   sync.Mutex
	c    *cron.Cron
	defs []*registered

	rngMu sync.Mutex
	rng   *rand.Rand

	seq       atomic.Uint64
	submitted atomic.Uint64
	rejected  atomic.Uint64
}

func New(q Submitter, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		q:      q,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    time.Local,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Check reports whether Apply would accept specs.
func (r *Runner) Check(specs []Spec) error {
	_, err := r.compile(specs)
	return err
}

// Apply replaces the registered producers. Every spec is checked before
// anything changes, so a bad spec leaves the current set running.
func (r *Runner) Apply(specs []Spec) error {
	defs, err := r.compile(specs)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		for _, d := range r.defs {
			r.c.Remove(d.entry)
		}
		for _, d := range defs {
			r.addLocked(d)
		}
	}
	r.defs = defs
	r.log.Info("producers applied", logx.Int("count", len(defs)))
	return nil
}

func (r *Runner) compile(specs []Spec) ([]*registered, error) {
	defs := make([]*registered, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, errors.New("producer name required")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("producer %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if !s.Priority.Valid() {
			return nil, fmt.Errorf("producer %q: %w", s.Name, pqueue.ErrInvalidPriority)
		}
		if s.FailRate < 0 || s.FailRate > 1 {
			return nil, fmt.Errorf("producer %q: fail rate %v outside [0,1]", s.Name, s.FailRate)
		}
		ps, err := ParseSchedule(s.Schedule)
		if err != nil {
			return nil, fmt.Errorf("producer %q: %w", s.Name, err)
		}
		sched, err := r.parser.Parse(ps.Expr())
		if err != nil {
			return nil, fmt.Errorf("producer %q: parse %q: %w", s.Name, ps.Expr(), err)
		}
		defs = append(defs, &registered{spec: s, sched: sched})
	}
	return defs, nil
}

func (r *Runner) addLocked(d *registered) {
	spec := d.spec
	d.entry = r.c.Schedule(d.sched, cron.FuncJob(func() {
		if _, err := r.submit(spec); err != nil {
			r.log.Warn("producer submit failed", logx.String("producer", spec.Name), logx.Err(err))
		}
	}))
	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("producer registered",
			logx.String("producer", spec.Name),
			logx.String("schedule", spec.Schedule),
			logx.Int("priority", int(spec.Priority)),
			logx.Time("next", d.sched.Next(time.Now().In(r.loc))),
		)
	}
}

// Start begins cron triggering. It is a no-op when already started.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return
	}
	cl := cronLogger{log: r.log}
	r.c = cron.New(
		cron.WithParser(r.parser),
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, d := range r.defs {
		r.addLocked(d)
	}
	r.c.Start()
	r.log.Info("producers started", logx.Int("count", len(r.defs)), logx.String("tz", r.loc.String()))
}

// Stop stops triggering. Jobs already submitted stay in the queue.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Fire submits one job for the named producer right away.
func (r *Runner) Fire(name string) (*throttle.Result, error) {
	r.mu.Lock()
	var spec *Spec
	for _, d := range r.defs {
		if d.spec.Name == name {
			s := d.spec
			spec = &s
			break
		}
	}
	r.mu.Unlock()
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, name)
	}
	return r.submit(*spec)
}

// Counts returns how many jobs were accepted and rejected by the queue.
func (r *Runner) Counts() (submitted, rejected uint64) {
	return r.submitted.Load(), r.rejected.Load()
}

func (r *Runner) submit(s Spec) (*throttle.Result, error) {
	id := fmt.Sprintf("%s-%d", s.Name, r.seq.Add(1))
	res, err := r.q.Add(r.work(s),
		throttle.WithID(id),
		throttle.WithPriority(s.Priority),
		throttle.WithTimeout(s.Timeout),
	)
	if err != nil {
		r.rejected.Add(1)
		return nil, err
	}
	r.submitted.Add(1)
	return res, nil
}

// work draws the duration and outcome up front so the job body does not
// touch the shared rng.
func (r *Runner) work(s Spec) throttle.Func {
	d, fail := r.draw(s)
	return func(ctx context.Context) (any, error) {
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if fail {
			return nil, ErrSyntheticFailure
		}
		return d, nil
	}
}

func (r *Runner) draw(s Spec) (time.Duration, bool) {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	d := s.Work
	if s.Jitter > 0 {
		d += time.Duration(r.rng.Int63n(int64(2*s.Jitter)+1)) - s.Jitter
	}
	if d < 0 {
		d = 0
	}
	return d, s.FailRate > 0 && r.rng.Float64() < s.FailRate
}

// cronLogger routes cron's own logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
