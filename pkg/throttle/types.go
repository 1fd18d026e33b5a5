package throttle

import (
	"context"
	"strings"
	"time"

	"github.com/dutu/throttled-queue/pkg/pqueue"
)

const (
	defaultHistorySize = 100

	// minRetryDelay keeps a limiter that reports "no wait" after a denial
	// from turning the admission loop into a spin.
	minRetryDelay = time.Millisecond

	slowJobThreshold = 750 * time.Millisecond
)

// Config controls admission.
//
// Zero values are replaced with defaults in New/Apply:
//   - MaxConcurrent: 1
//   - MinDelay: 0 (no spacing)
//   - Timeout: 0 (jobs without their own timeout run unbounded)
//   - HistorySize: 100
type Config struct {
	MaxConcurrent int
	MinDelay      time.Duration
	// Timeout is the default job timeout, used when a job has none.
	Timeout     time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Func is the body of a job. ctx is cancelled when the job times out or the
// queue is force-closed; honoring it is up to the job.
type Func func(ctx context.Context) (any, error)

type jobOptions struct {
	id       string
	priority pqueue.Priority
	timeout  time.Duration
}

// JobOption configures a single Add call.
type JobOption func(*jobOptions)

// WithID sets the id used in events and history. Ids are not checked for
// uniqueness; an empty id gets a generated one.
func WithID(id string) JobOption {
	return func(o *jobOptions) { o.id = strings.TrimSpace(id) }
}

// WithPriority sets the job priority (0 = served first, 9 = last, default 5).
func WithPriority(p pqueue.Priority) JobOption {
	return func(o *jobOptions) { o.priority = p }
}

// WithTimeout overrides the queue's default timeout for this job.
// 0 falls back to the queue default.
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout = d }
}

// resolveTimeout applies the single precedence rule: a positive job value
// wins, otherwise the queue default applies.
func resolveTimeout(job, queueDefault time.Duration) time.Duration {
	if job > 0 {
		return job
	}
	if queueDefault > 0 {
		return queueDefault
	}
	return 0
}

type pauseKind int

const (
	notPaused pauseKind = iota
	pausedUntil
	pausedIndefinitely
)

type pauseState struct {
	kind  pauseKind
	until time.Time
}

// deadline holds the single outstanding admission retry timer.
// Arming always cancels the previous timer first.
type deadline struct {
	t  *time.Timer
	at time.Time
}

func (d *deadline) arm(after time.Duration, fire func()) {
	d.cancel()
	d.at = time.Now().Add(after)
	d.t = time.AfterFunc(after, fire)
}

func (d *deadline) cancel() {
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
	d.at = time.Time{}
}

// Outcome is how a job finished.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

type HistoryItem struct {
	ID         string
	Priority   pqueue.Priority
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Outcome    Outcome
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	MaxConcurrent  int
	MinDelay       time.Duration
	DefaultTimeout time.Duration

	Running          int
	Queued           int
	QueuedByPriority [pqueue.Levels]int

	Paused             bool
	PausedIndefinitely bool
	PausedUntil        time.Time
	LastExecuted       time.Time
	// RetryAt is when the pending admission retry fires (zero if none).
	RetryAt time.Time
	Closed  bool

	Enqueued uint64
	Admitted uint64
	Denied   uint64
	Done     uint64
	Failed   uint64
	TimedOut uint64
	Cleared  uint64

	History []HistoryItem
}
