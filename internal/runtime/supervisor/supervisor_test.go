package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func stopWithin(t *testing.T, s *Supervisor, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := s.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("supervisor did not stop within %s", d)
	}
	return err
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("worker", func(context.Context) error { return boom })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("error did not cancel the supervisor")
	}
	if err := stopWithin(t, s, time.Second); !errors.Is(err, boom) {
		t.Fatalf("Stop err = %v, want boom", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("bad", func(context.Context) error { panic("oops") })
	err := s.Wait(ctxWithTimeout(t, time.Second))
	if err == nil {
		t.Fatal("panic was not recorded")
	}
	st := s.Snapshot()
	if len(st) != 1 || st[0].Panics != 1 || st[0].Active != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartBacksOffAndGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithMaxRestarts(3))

	if err := s.Wait(ctxWithTimeout(t, 2*time.Second)); err == nil {
		t.Fatal("giving up should record an error")
	}
	if n := runs.Load(); n != 4 {
		t.Fatalf("runs = %d, want 1 + 3 restarts", n)
	}
	if st := s.Snapshot(); st[0].Restarts != 3 || st[0].LastErr == "" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("once", func(context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	if err := s.Wait(ctxWithTimeout(t, 2*time.Second)); err != nil {
		t.Fatalf("Wait err = %v", err)
	}
	if n := runs.Load(); n != 2 {
		t.Fatalf("runs = %d, want 2", n)
	}
}

func ctxWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
