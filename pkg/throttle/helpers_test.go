package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/dutu/throttled-queue/pkg/eventbus"
	"github.com/dutu/throttled-queue/pkg/ratelimit"
)

func newTestQueue(t *testing.T, lim ratelimit.Limiter, cfg Config) (*Queue, *recorder) {
	t.Helper()
	if lim == nil {
		lim = ratelimit.Unlimited()
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4096)
	q, err := New(lim, cfg, noLog(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Close(ctx)
		unsub()
	})
	return q, &recorder{ch: ch}
}

type recorder struct {
	ch <-chan eventbus.Event
}

// waitType returns the next event of type typ, skipping others.
func (r *recorder) waitType(t *testing.T, typ string, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-r.ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out after %s waiting for %s", timeout, typ)
			return eventbus.Event{}
		}
	}
}

// drain collects everything published within d.
func (r *recorder) drain(d time.Duration) []eventbus.Event {
	var out []eventbus.Event
	deadline := time.After(d)
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
}

func countFor(events []eventbus.Event, typ, id string) int {
	n := 0
	for _, e := range events {
		if e.Type != typ {
			continue
		}
		if je, ok := e.Data.(JobEvent); ok && je.ID == id {
			n++
		}
	}
	return n
}

func jobID(e eventbus.Event) string {
	je, _ := e.Data.(JobEvent)
	return je.ID
}

// blocking returns a job func that waits for release (or ctx) and then returns id.
func blocking(id string, release <-chan struct{}) Func {
	return func(ctx context.Context) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return id, nil
	}
}

func sleeping(d time.Duration, v any) Func {
	return func(context.Context) (any, error) {
		time.Sleep(d)
		return v, nil
	}
}

func waitResult(t *testing.T, r *Result, timeout time.Duration) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	v, err := r.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("job %s did not settle within %s", r.ID(), timeout)
	}
	return v, err
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
