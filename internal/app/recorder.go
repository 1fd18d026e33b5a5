package app

import (
	"context"
	"errors"
	"time"

	"github.com/dutu/throttled-queue/internal/storage"
	"github.com/dutu/throttled-queue/pkg/eventbus"
	logx "github.com/dutu/throttled-queue/pkg/logx"
	"github.com/dutu/throttled-queue/pkg/throttle"
)

// runFromEvent converts a done/failed queue event into a stored run.
func runFromEvent(e eventbus.Event) (storage.Run, bool) {
	je, ok := e.Data.(throttle.JobEvent)
	if !ok {
		return storage.Run{}, false
	}
	r := storage.Run{
		At:         e.Time,
		JobID:      je.ID,
		Priority:   int(je.Priority),
		QueueDelay: je.QueueDelay,
		Duration:   je.Duration,
	}
	switch e.Type {
	case throttle.EventDone:
		r.Outcome = storage.OutcomeDone
	case throttle.EventFailed:
		r.Outcome = storage.OutcomeFailed
		if errors.Is(je.Err, throttle.ErrTimeout) {
			r.Outcome = storage.OutcomeTimeout
		}
		if je.Err != nil {
			r.Error = je.Err.Error()
		}
	default:
		return storage.Run{}, false
	}
	return r, true
}

// recordRuns stores finished jobs until events is closed. It deliberately
// ignores cancellation so outcomes published during shutdown are kept.
func recordRuns(store storage.Store, events <-chan eventbus.Event, log logx.Logger) {
	for e := range events {
		r, ok := runFromEvent(e)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := store.AppendRun(ctx, r)
		cancel()
		if err != nil {
			log.Warn("run not recorded", logx.String("id", r.JobID), logx.Err(err))
		}
	}
}
