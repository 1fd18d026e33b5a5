package throttle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dutu/throttled-queue/pkg/eventbus"
	logx "github.com/dutu/throttled-queue/pkg/logx"
	"github.com/dutu/throttled-queue/pkg/pqueue"
	"github.com/dutu/throttled-queue/pkg/ratelimit"
)

type Queue struct {
	mu      sync.Mutex
	cfg     Config
	limiter ratelimit.Limiter
	log     logx.Logger
	bus     eventbus.Bus

	pq           *pqueue.Queue[*job]
	running      int
	pause        pauseState
	lastExecuted time.Time
	retry        deadline
	closed       bool

	wake     chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	jobs     sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc

	idSeq atomic.Uint64

	enqueued uint64
	admitted uint64
	denied   uint64
	done     uint64
	failed   uint64
	timedOut uint64
	cleared  uint64
	history  []HistoryItem
}

type job struct {
	id       string
	priority pqueue.Priority
	timeout  time.Duration
	fn       Func
	result   *Result

	enqueuedAt time.Time
	startedAt  time.Time
	timer      *time.Timer
	cancel     context.CancelFunc
	settled    bool
}

// New creates a queue and starts its admission goroutine.
//
// limiter is required. A zero log is replaced with a no-op logger; a nil bus
// disables event publishing.
func New(limiter ratelimit.Limiter, cfg Config, log logx.Logger, bus eventbus.Bus) (*Queue, error) {
	if limiter == nil {
		return nil, ErrNilLimiter
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg.withDefaults(),
		limiter:    limiter,
		log:        log,
		bus:        bus,
		pq:         pqueue.New[*job](),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	q.pq.OnEnqueue(func(j *job, p pqueue.Priority) {
		q.enqueued++
		q.emit(EventEnqueue, j.enqueuedAt, JobEvent{ID: j.id, Priority: p})
	})
	q.pq.OnDequeue(func(j *job, p pqueue.Priority) {
		now := time.Now()
		q.emit(EventDequeue, now, JobEvent{ID: j.id, Priority: p, QueueDelay: now.Sub(j.enqueuedAt)})
	})

	go q.loop()
	return q, nil
}

// Add submits fn and returns its completion handle.
//
// Errors are returned synchronously and nothing is queued when fn is nil,
// the priority is outside [0,9], or the queue is closed.
func (q *Queue) Add(fn Func, opts ...JobOption) (*Result, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	o := jobOptions{priority: pqueue.DefaultPriority}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	now := time.Now()
	id := o.id
	if id == "" {
		id = q.newJobID(now)
	}
	j := &job{
		id:         id,
		priority:   o.priority,
		timeout:    o.timeout,
		fn:         fn,
		result:     newResult(id),
		enqueuedAt: now,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	wasEmpty := q.pq.Len() == 0
	if err := q.pq.Enqueue(j, o.priority); err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("add %s: %w", id, err)
	}
	q.mu.Unlock()

	// A non-empty queue already has a pending trigger: a running job's
	// completion, the retry timer, or an explicit Start.
	if wasEmpty {
		q.signal()
	}
	return j.result, nil
}

// Do submits fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error), opts ...JobOption) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilFunc
	}
	r, err := q.Add(func(c context.Context) (any, error) {
		v, err := fn(c)
		return v, err
	}, opts...)
	if err != nil {
		return zero, err
	}
	v, err := r.Wait(ctx)
	if err != nil {
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Pause stops admissions for d. Admission resumes on its own once d elapses,
// or earlier on Start.
func (q *Queue) Pause(d time.Duration) {
	now := time.Now()
	q.mu.Lock()
	q.pause = pauseState{kind: pausedUntil, until: now.Add(d)}
	q.emit(EventPaused, now, JobEvent{PausedUntil: q.pause.until})
	q.mu.Unlock()
	q.log.Debug("queue.paused", logx.Duration("for", d))
	q.signal()
}

// PauseIndefinitely stops admissions until Start is called.
func (q *Queue) PauseIndefinitely() {
	q.mu.Lock()
	q.pause = pauseState{kind: pausedIndefinitely}
	q.emit(EventPaused, time.Now(), JobEvent{})
	q.mu.Unlock()
	q.log.Debug("queue.paused", logx.String("for", "indefinitely"))
	q.signal()
}

// Start clears any pause and re-arms admission immediately.
func (q *Queue) Start() {
	q.mu.Lock()
	was := q.pause.kind
	q.pause = pauseState{}
	q.retry.cancel()
	if was != notPaused {
		q.emit(EventResumed, time.Now(), JobEvent{})
	}
	q.mu.Unlock()
	q.signal()
}

// Paused reports the pause state. until is zero for an indefinite pause.
func (q *Queue) Paused() (paused bool, until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch q.pause.kind {
	case pausedIndefinitely:
		return true, time.Time{}
	case pausedUntil:
		if time.Now().Before(q.pause.until) {
			return true, q.pause.until
		}
	}
	return false, time.Time{}
}

// Len returns the number of queued (not yet running) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// LenAt returns the number of queued jobs with priority p.
func (q *Queue) LenAt(p pqueue.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.LenAt(p)
}

// Clear drops every queued job and settles it with ErrCleared.
// Running jobs are not affected. It returns the number of dropped jobs.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.dropQueuedLocked(ErrCleared)
	q.cleared += uint64(n)
	if n > 0 {
		q.emit(EventCleared, time.Now(), JobEvent{Count: n})
		q.log.Debug("queue.cleared", logx.Int("jobs", n))
	}
	return n
}

func (q *Queue) dropQueuedLocked(reason error) int {
	dropped := q.pq.Clear()
	for _, j := range dropped {
		j.settled = true
		j.result.settle(nil, reason)
	}
	return len(dropped)
}

// Apply swaps the admission settings at runtime. Running jobs keep the
// timeout they were admitted with.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	prev := q.cfg
	q.cfg = cfg
	if len(q.history) > cfg.HistorySize {
		q.history = append([]HistoryItem(nil), q.history[len(q.history)-cfg.HistorySize:]...)
	}
	q.mu.Unlock()

	if prev != cfg {
		q.log.Info("queue config applied",
			logx.Int("max_concurrent", cfg.MaxConcurrent),
			logx.Duration("min_delay", cfg.MinDelay),
			logx.Duration("timeout", cfg.Timeout),
		)
	}
	q.signal()
}

func (q *Queue) Snapshot() Snapshot {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Snapshot{
		MaxConcurrent:  q.cfg.MaxConcurrent,
		MinDelay:       q.cfg.MinDelay,
		DefaultTimeout: q.cfg.Timeout,
		Running:        q.running,
		Queued:         q.pq.Len(),
		LastExecuted:   q.lastExecuted,
		Closed:         q.closed,
		Enqueued:       q.enqueued,
		Admitted:       q.admitted,
		Denied:         q.denied,
		Done:           q.done,
		Failed:         q.failed,
		TimedOut:       q.timedOut,
		Cleared:        q.cleared,
		History:        append([]HistoryItem(nil), q.history...),
	}
	for p := pqueue.MinPriority; p <= pqueue.MaxPriority; p++ {
		s.QueuedByPriority[p] = q.pq.LenAt(p)
	}
	if q.retry.at.After(now) {
		s.RetryAt = q.retry.at
	}
	switch q.pause.kind {
	case pausedIndefinitely:
		s.Paused, s.PausedIndefinitely = true, true
	case pausedUntil:
		if now.Before(q.pause.until) {
			s.Paused, s.PausedUntil = true, q.pause.until
		}
	}
	return s
}

// Close stops admission, settles queued jobs with ErrClosed and waits for
// running jobs until ctx is done. When ctx ends first, running jobs have
// their context cancelled and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.retry.cancel()
		if n := q.dropQueuedLocked(ErrClosed); n > 0 {
			q.log.Debug("queued jobs dropped on close", logx.Int("jobs", n))
		}
		close(q.stopCh)
	}
	q.mu.Unlock()

	<-q.loopDone

	done := make(chan struct{})
	go func() {
		q.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancelBase()
		return nil
	case <-ctx.Done():
		q.cancelBase()
		q.log.Warn("queue close timed out; cancelling running jobs", logx.Any("err", ctx.Err()))
		return ctx.Err()
	}
}

func (q *Queue) newJobID(now time.Time) string {
	seq := q.idSeq.Add(1)
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}
