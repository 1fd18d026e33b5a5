package throttle

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	logx "github.com/dutu/throttled-queue/pkg/logx"
)

// signal wakes the admission goroutine. Wakes coalesce: a pending wake
// already covers any number of state changes.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}
		// Keep admitting while decisions start jobs; this lets a second job
		// start right after the first when capacity and tokens allow.
		for q.admitNext() {
		}
	}
}

// admitNext makes one admission decision and reports whether it started a job.
func (q *Queue) admitNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	now := time.Now()

	switch q.pause.kind {
	case pausedIndefinitely:
		q.retry.cancel()
		return false
	case pausedUntil:
		if wait := q.pause.until.Sub(now); wait > 0 {
			q.retry.arm(wait, q.signal)
			return false
		}
		q.pause = pauseState{}
		q.emit(EventResumed, now, JobEvent{})
	}

	if q.cfg.MinDelay > 0 && !q.lastExecuted.IsZero() {
		if wait := q.lastExecuted.Add(q.cfg.MinDelay).Sub(now); wait > 0 {
			q.retry.arm(wait, q.signal)
			return false
		}
	}

	if q.pq.Len() == 0 || q.running >= q.cfg.MaxConcurrent {
		return false
	}

	if !q.limiter.TryRemoveTokens(1) {
		wait := q.limiter.DelayForTokens(1)
		if wait < minRetryDelay {
			wait = minRetryDelay
		}
		q.denied++
		q.retry.arm(wait, q.signal)
		q.log.Debug("admission denied by rate limiter", logx.Duration("retry_in", wait), logx.Int("queued", q.pq.Len()))
		return false
	}

	j, _, _ := q.pq.Dequeue()
	q.running++
	q.admitted++
	q.lastExecuted = now
	j.startedAt = now
	q.emit(EventExecute, now, JobEvent{ID: j.id, Priority: j.priority, QueueDelay: now.Sub(j.enqueuedAt)})

	ctx, cancel := context.WithCancel(q.baseCtx)
	j.cancel = cancel
	if timeout := resolveTimeout(j.timeout, q.cfg.Timeout); timeout > 0 {
		j.timer = time.AfterFunc(timeout, func() {
			q.finish(j, nil, &TimeoutError{ID: j.id, After: timeout})
		})
	}

	q.log.Debug("job admitted",
		logx.String("id", j.id),
		logx.Int("priority", int(j.priority)),
		logx.Int("running", q.running),
		logx.Duration("queue_delay", now.Sub(j.enqueuedAt)),
	)

	q.jobs.Add(1)
	go q.execute(ctx, j)
	return true
}

func (q *Queue) execute(ctx context.Context, j *job) {
	defer q.jobs.Done()
	val, err := q.call(ctx, j)
	q.finish(j, val, err)
}

// call runs the job body, turning a panic into a job failure.
func (q *Queue) call(ctx context.Context, j *job) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &PanicError{Value: r, Stack: stack}
			q.log.Error("job.panic", logx.String("id", j.id), logx.Any("panic", r), logx.String("stack", stack))
		}
	}()
	return j.fn(ctx)
}

// finish records the first outcome of a running job. Later outcomes (the
// natural completion of a timed-out job, or a timer racing a completion)
// are discarded.
func (q *Queue) finish(j *job, val any, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j.settled {
		q.log.Debug("late job outcome discarded", logx.String("id", j.id), logx.Err(err))
		return
	}
	j.settled = true
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.cancel != nil {
		j.cancel()
	}
	q.running--

	now := time.Now()
	dur := now.Sub(j.startedAt)
	queueDelay := j.startedAt.Sub(j.enqueuedAt)
	item := HistoryItem{ID: j.id, Priority: j.priority, Started: j.startedAt, QueueDelay: queueDelay, Duration: dur}

	switch {
	case err == nil:
		q.done++
		item.Outcome = OutcomeDone
		q.emit(EventDone, now, JobEvent{ID: j.id, Priority: j.priority, Result: val, QueueDelay: queueDelay, Duration: dur})
		if dur >= slowJobThreshold {
			q.log.Info("job.done", logx.String("id", j.id), logx.Duration("dur", dur), logx.Duration("queue_delay", queueDelay))
		} else {
			q.log.Debug("job.done", logx.String("id", j.id), logx.Duration("dur", dur), logx.Duration("queue_delay", queueDelay))
		}
	case errors.Is(err, ErrTimeout):
		q.failed++
		q.timedOut++
		item.Outcome = OutcomeTimeout
		item.Error = err.Error()
		q.emit(EventFailed, now, JobEvent{ID: j.id, Priority: j.priority, Err: err, QueueDelay: queueDelay, Duration: dur})
		q.log.Warn("job.timeout", logx.String("id", j.id), logx.Duration("dur", dur))
	default:
		q.failed++
		item.Outcome = OutcomeFailed
		item.Error = err.Error()
		q.emit(EventFailed, now, JobEvent{ID: j.id, Priority: j.priority, Err: err, QueueDelay: queueDelay, Duration: dur})
		q.log.Warn("job.failed", logx.String("id", j.id), logx.Err(err), logx.Duration("dur", dur))
	}

	q.history = append(q.history, item)
	if len(q.history) > q.cfg.HistorySize {
		q.history = q.history[len(q.history)-q.cfg.HistorySize:]
	}

	if err != nil {
		val = nil
	}
	j.result.settle(val, err)
	q.signal()
}
