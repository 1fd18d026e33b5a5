package throttle

import (
	"time"

	"github.com/dutu/throttled-queue/pkg/eventbus"
	"github.com/dutu/throttled-queue/pkg/pqueue"
)

// Event types published on the bus. Data is always a JobEvent.
const (
	EventEnqueue = "queue.enqueue"
	EventDequeue = "queue.dequeue"
	EventExecute = "queue.execute"
	EventDone    = "queue.done"
	EventFailed  = "queue.failed"

	// Queue-level events; only Count (cleared) or PausedUntil (paused) are set.
	EventCleared = "queue.cleared"
	EventPaused  = "queue.paused"
	EventResumed = "queue.resumed"
)

// JobEvent is the payload of queue events.
type JobEvent struct {
	ID       string          `json:"id,omitempty"`
	Priority pqueue.Priority `json:"priority"`

	// Result is set on done, Err on failed.
	Result any   `json:"result,omitempty"`
	Err    error `json:"-"`

	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`

	Count       int       `json:"count,omitempty"`
	PausedUntil time.Time `json:"paused_until,omitempty"`
}

// emit publishes while the caller holds q.mu, which is what keeps per-job
// event order intact across goroutines.
func (q *Queue) emit(typ string, now time.Time, ev JobEvent) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
