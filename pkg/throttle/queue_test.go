package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/dutu/throttled-queue/pkg/logx"
	"github.com/dutu/throttled-queue/pkg/pqueue"
	"github.com/dutu/throttled-queue/pkg/ratelimit"
)

func noLog() logx.Logger { return logx.Nop() }

func TestNewRequiresLimiter(t *testing.T) {
	q, err := New(nil, Config{}, logx.Logger{}, nil)
	if !errors.Is(err, ErrNilLimiter) || q != nil {
		t.Fatalf("New(nil) = (%v, %v), want ErrNilLimiter", q, err)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	c := Config{MaxConcurrent: -3, MinDelay: -time.Second, Timeout: -1}.withDefaults()
	if c.MaxConcurrent != 1 || c.MinDelay != 0 || c.Timeout != 0 || c.HistorySize != defaultHistorySize {
		t.Fatalf("withDefaults = %+v", c)
	}
}

func TestResolveTimeout(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		job, queue time.Duration
		want       time.Duration
	}{
		{"job wins", 50 * time.Millisecond, time.Second, 50 * time.Millisecond},
		{"queue default", 0, time.Second, time.Second},
		{"both disabled", 0, 0, 0},
		{"job only", 20 * time.Millisecond, 0, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := resolveTimeout(tt.job, tt.queue); got != tt.want {
			t.Fatalf("%s: resolveTimeout(%s, %s) = %s, want %s", tt.name, tt.job, tt.queue, got, tt.want)
		}
	}
}

func TestPriorityOrderWithTwoSlots(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{MaxConcurrent: 2})
	q.PauseIndefinitely()

	rel := map[string]chan struct{}{"job1": make(chan struct{}), "job2": make(chan struct{}), "job3": make(chan struct{})}
	r1, _ := q.Add(blocking("job1", rel["job1"]), WithID("job1"), WithPriority(5))
	r2, _ := q.Add(blocking("job2", rel["job2"]), WithID("job2"), WithPriority(5))
	r3, _ := q.Add(blocking("job3", rel["job3"]), WithID("job3"), WithPriority(1))
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3 while paused", q.Len())
	}
	q.Start()

	first := jobID(rec.waitType(t, EventExecute, time.Second))
	second := jobID(rec.waitType(t, EventExecute, time.Second))
	if first != "job3" || second != "job1" {
		t.Fatalf("execute order = [%s %s], want [job3 job1]", first, second)
	}
	snap := q.Snapshot()
	if snap.Running != 2 || snap.Queued != 1 || snap.QueuedByPriority[5] != 1 {
		t.Fatalf("snapshot = running %d queued %d, want 2/1", snap.Running, snap.Queued)
	}

	close(rel["job3"])
	if third := jobID(rec.waitType(t, EventExecute, time.Second)); third != "job2" {
		t.Fatalf("third execute = %s, want job2", third)
	}
	close(rel["job1"])
	close(rel["job2"])
	for _, r := range []*Result{r1, r2, r3} {
		v, err := waitResult(t, r, time.Second)
		if err != nil || v != r.ID() {
			t.Fatalf("result %s = (%v, %v)", r.ID(), v, err)
		}
	}
}

func TestRunningNeverExceedsMaxConcurrent(t *testing.T) {
	const maxConcurrent = 3
	q, _ := newTestQueue(t, nil, Config{MaxConcurrent: maxConcurrent})

	var cur, peak atomic.Int32
	results := make([]*Result, 0, 20)
	for i := 0; i < 20; i++ {
		d := time.Duration(2+i%4) * time.Millisecond
		r, err := q.Add(func(context.Context) (any, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(d)
			cur.Add(-1)
			return nil, nil
		}, WithPriority(pqueue.Priority(i%10)))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		results = append(results, r)
	}
	for _, r := range results {
		if _, err := waitResult(t, r, 5*time.Second); err != nil {
			t.Fatalf("job failed: %v", err)
		}
	}
	if p := peak.Load(); p > maxConcurrent {
		t.Fatalf("peak concurrency = %d, want <= %d", p, maxConcurrent)
	}
	if s := q.Snapshot(); s.Running != 0 || s.Done != 20 || s.Admitted != 20 {
		t.Fatalf("snapshot after drain = %+v", s)
	}
}

func TestMinDelaySpacesStarts(t *testing.T) {
	const minDelay = 40 * time.Millisecond
	q, rec := newTestQueue(t, nil, Config{MaxConcurrent: 5, MinDelay: minDelay})
	q.PauseIndefinitely()
	for i := 0; i < 4; i++ {
		if _, err := q.Add(sleeping(time.Millisecond, i)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	q.Start()

	var starts []time.Time
	for i := 0; i < 4; i++ {
		starts = append(starts, rec.waitType(t, EventExecute, time.Second).Time)
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < minDelay {
			t.Fatalf("gap between start %d and %d = %s, want >= %s", i-1, i, gap, minDelay)
		}
	}
}

func TestTimeoutFailsJobOnce(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{})
	begin := time.Now()
	r, err := q.Add(sleeping(200*time.Millisecond, "late"), WithID("slow"), WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, err = waitResult(t, r, time.Second)
	elapsed := time.Since(begin)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.ID != "slow" || te.After != 50*time.Millisecond {
		t.Fatalf("err = %#v, want *TimeoutError for slow/50ms", err)
	}
	if elapsed < 45*time.Millisecond || elapsed > 180*time.Millisecond {
		t.Fatalf("timeout surfaced after %s, want ~50ms", elapsed)
	}
	if s := q.Snapshot(); s.Running != 0 || s.TimedOut != 1 {
		t.Fatalf("running=%d timedOut=%d after timeout", s.Running, s.TimedOut)
	}

	// Let the abandoned work finish; it must not surface.
	events := rec.drain(300 * time.Millisecond)
	if n := countFor(events, EventDone, "slow"); n != 0 {
		t.Fatalf("got %d done events for timed-out job", n)
	}
	if n := countFor(events, EventFailed, "slow"); n != 1 {
		t.Fatalf("got %d failed events, want 1", n)
	}
	if s := q.Snapshot(); s.Running != 0 || s.Done != 0 || s.Failed != 1 {
		t.Fatalf("late completion leaked into counters: %+v", s)
	}
}

func TestJobTimeoutOverridesQueueDefault(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{MaxConcurrent: 2, Timeout: 30 * time.Millisecond})

	long, _ := q.Add(sleeping(100*time.Millisecond, "ok"), WithTimeout(500*time.Millisecond))
	short, _ := q.Add(sleeping(100*time.Millisecond, "never"))

	if v, err := waitResult(t, long, time.Second); err != nil || v != "ok" {
		t.Fatalf("overridden job = (%v, %v), want ok", v, err)
	}
	if _, err := waitResult(t, short, time.Second); !errors.Is(err, ErrTimeout) {
		t.Fatalf("default-timeout job err = %v, want ErrTimeout", err)
	}
}

func TestTimeoutCancelsJobContext(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{})
	cancelled := make(chan struct{})
	r, _ := q.Add(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}, WithTimeout(20*time.Millisecond))

	if _, err := waitResult(t, r, time.Second); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled on timeout")
	}
}

func TestRateLimiterDenialSchedulesRetry(t *testing.T) {
	var calls atomic.Int32
	lim := ratelimit.Func{
		Try:   func(int) bool { return calls.Add(1) > 1 },
		Delay: func(int) time.Duration { return 100 * time.Millisecond },
	}
	q, rec := newTestQueue(t, lim, Config{})

	begin := time.Now()
	r, _ := q.Add(sleeping(0, "x"), WithID("limited"))
	e := rec.waitType(t, EventExecute, time.Second)
	if waited := e.Time.Sub(begin); waited < 95*time.Millisecond {
		t.Fatalf("executed after %s, want >= ~100ms", waited)
	}
	if _, err := waitResult(t, r, time.Second); err != nil {
		t.Fatalf("job err: %v", err)
	}
	events := rec.drain(50 * time.Millisecond)
	if n := countFor(events, EventExecute, "limited"); n != 0 {
		t.Fatalf("extra execute events: %d", n)
	}
	if s := q.Snapshot(); s.Denied != 1 || s.Admitted != 1 {
		t.Fatalf("denied=%d admitted=%d, want 1/1", s.Denied, s.Admitted)
	}
}

func TestPauseIndefinitelyHoldsUntilStart(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{MaxConcurrent: 4})
	q.PauseIndefinitely()
	r, _ := q.Add(sleeping(0, "v"))

	time.Sleep(80 * time.Millisecond)
	if q.Len() != 1 || q.Snapshot().Admitted != 0 {
		t.Fatal("job admitted while paused indefinitely")
	}
	if paused, until := q.Paused(); !paused || !until.IsZero() {
		t.Fatalf("Paused = (%v, %v), want (true, zero)", paused, until)
	}

	q.Start()
	if v, err := waitResult(t, r, time.Second); err != nil || v != "v" {
		t.Fatalf("result = (%v, %v)", v, err)
	}
	if paused, _ := q.Paused(); paused {
		t.Fatal("still paused after Start")
	}
}

func TestTimedPauseResumesOnItsOwn(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{})
	begin := time.Now()
	q.Pause(80 * time.Millisecond)
	r, _ := q.Add(sleeping(0, "v"))

	e := rec.waitType(t, EventExecute, time.Second)
	if waited := e.Time.Sub(begin); waited < 75*time.Millisecond {
		t.Fatalf("executed after %s, want >= ~80ms", waited)
	}
	if _, err := waitResult(t, r, time.Second); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestClearDropsQueuedButNotRunning(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{MaxConcurrent: 1})
	release := make(chan struct{})
	running, _ := q.Add(blocking("a", release), WithID("a"))
	rec.waitType(t, EventExecute, time.Second)

	b, _ := q.Add(sleeping(0, "b"), WithID("b"))
	c, _ := q.Add(sleeping(0, "c"), WithID("c"), WithPriority(0))
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if n := q.Clear(); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if q.Len() != 0 || q.LenAt(0) != 0 {
		t.Fatal("queue not empty after Clear")
	}
	for _, r := range []*Result{b, c} {
		if _, err := waitResult(t, r, time.Second); !errors.Is(err, ErrCleared) {
			t.Fatalf("cleared job %s err = %v", r.ID(), err)
		}
	}

	close(release)
	if v, err := waitResult(t, running, time.Second); err != nil || v != "a" {
		t.Fatalf("running job = (%v, %v)", v, err)
	}
	events := rec.drain(50 * time.Millisecond)
	if countFor(events, EventExecute, "b")+countFor(events, EventExecute, "c") != 0 {
		t.Fatal("cleared job was executed")
	}
}

func TestFailurePropagatesVerbatim(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{})
	boom := errors.New("boom")
	r, _ := q.Add(func(context.Context) (any, error) { return "partial", boom }, WithID("f"))

	v, err := waitResult(t, r, time.Second)
	if !errors.Is(err, boom) || v != nil {
		t.Fatalf("result = (%v, %v), want (nil, boom)", v, err)
	}
	e := rec.waitType(t, EventFailed, time.Second)
	if je := e.Data.(JobEvent); je.ID != "f" || !errors.Is(je.Err, boom) {
		t.Fatalf("failed event = %+v", je)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{})
	r, _ := q.Add(func(context.Context) (any, error) { panic("kaboom") })

	_, err := waitResult(t, r, time.Second)
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" {
		t.Fatalf("err = %v, want PanicError(kaboom)", err)
	}
	// The queue keeps working.
	r2, _ := q.Add(sleeping(0, 1))
	if _, err := waitResult(t, r2, time.Second); err != nil {
		t.Fatalf("follow-up job err: %v", err)
	}
}

func TestEventOrderPerJob(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{MaxConcurrent: 3})
	ids := []string{"a", "b", "c", "d", "e"}
	var results []*Result
	for i, id := range ids {
		r, _ := q.Add(sleeping(time.Duration(i)*time.Millisecond, id), WithID(id), WithPriority(pqueue.Priority(i)))
		results = append(results, r)
	}
	for _, r := range results {
		waitResult(t, r, time.Second)
	}
	events := rec.drain(50 * time.Millisecond)

	want := []string{EventEnqueue, EventDequeue, EventExecute, EventDone}
	for _, id := range ids {
		var seq []string
		for _, e := range events {
			if jobID(e) == id {
				seq = append(seq, e.Type)
			}
		}
		if len(seq) != len(want) {
			t.Fatalf("job %s events = %v, want %v", id, seq, want)
		}
		for i := range want {
			if seq[i] != want[i] {
				t.Fatalf("job %s events = %v, want %v", id, seq, want)
			}
		}
	}
}

func TestDoneEventCarriesResult(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{})
	q.Add(sleeping(0, "result1"), WithID("1"), WithPriority(3))

	e := rec.waitType(t, EventDone, time.Second)
	je := e.Data.(JobEvent)
	if je.ID != "1" || je.Result != "result1" || je.Priority != 3 {
		t.Fatalf("done event = %+v", je)
	}
}

func TestAddValidation(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{})
	if _, err := q.Add(nil); !errors.Is(err, ErrNilFunc) {
		t.Fatalf("Add(nil) err = %v", err)
	}
	if _, err := q.Add(sleeping(0, nil), WithPriority(10)); !errors.Is(err, pqueue.ErrInvalidPriority) {
		t.Fatalf("Add(priority 10) err = %v", err)
	}
	if _, err := q.Add(sleeping(0, nil), WithPriority(-1)); !errors.Is(err, pqueue.ErrInvalidPriority) {
		t.Fatalf("Add(priority -1) err = %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("rejected jobs were queued: Len = %d", q.Len())
	}
}

func TestGeneratedIDs(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{})
	q.PauseIndefinitely()
	a, _ := q.Add(sleeping(0, nil))
	b, _ := q.Add(sleeping(0, nil), WithID("  "))
	if a.ID() == "" || b.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("generated ids = %q, %q", a.ID(), b.ID())
	}
}

func TestCloseSettlesQueuedAndRejectsAdd(t *testing.T) {
	lim := ratelimit.Unlimited()
	q, err := New(lim, Config{}, noLog(), nil)
	if err != nil {
		t.Fatal(err)
	}
	q.PauseIndefinitely()
	pending, _ := q.Add(sleeping(0, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := waitResult(t, pending, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("queued job err = %v, want ErrClosed", err)
	}
	if _, err := q.Add(sleeping(0, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after Close err = %v", err)
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseTimesOutAndCancelsRunning(t *testing.T) {
	q, err := New(ratelimit.Unlimited(), Config{}, noLog(), nil)
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	r, _ := q.Add(func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close err = %v, want DeadlineExceeded", err)
	}
	if _, err := waitResult(t, r, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("running job err = %v, want Canceled", err)
	}
}

func TestApplyRaisesConcurrency(t *testing.T) {
	q, rec := newTestQueue(t, nil, Config{MaxConcurrent: 1})
	release := make(chan struct{})
	defer close(release)
	q.Add(blocking("a", release), WithID("a"))
	q.Add(blocking("b", release), WithID("b"))
	rec.waitType(t, EventExecute, time.Second)

	time.Sleep(30 * time.Millisecond)
	if s := q.Snapshot(); s.Running != 1 || s.Queued != 1 {
		t.Fatalf("before Apply running=%d queued=%d", s.Running, s.Queued)
	}
	q.Apply(Config{MaxConcurrent: 2})
	if id := jobID(rec.waitType(t, EventExecute, time.Second)); id != "b" {
		t.Fatalf("second execute = %s, want b", id)
	}
	if s := q.Snapshot(); s.MaxConcurrent != 2 || s.Running != 2 {
		t.Fatalf("after Apply = %+v", s)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{MaxConcurrent: 4, HistorySize: 3})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		r, _ := q.Add(sleeping(0, i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Wait(context.Background())
		}()
	}
	wg.Wait()
	eventually(t, time.Second, func() bool { return q.Snapshot().Done == 6 }, "all jobs done")
	h := q.Snapshot().History
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	for _, it := range h {
		if it.Outcome != OutcomeDone {
			t.Fatalf("history item = %+v", it)
		}
	}
}

func TestDoTyped(t *testing.T) {
	q, _ := newTestQueue(t, nil, Config{})
	n, err := Do(context.Background(), q, func(context.Context) (int, error) { return 42, nil }, WithPriority(0))
	if err != nil || n != 42 {
		t.Fatalf("Do = (%d, %v), want 42", n, err)
	}

	boom := errors.New("nope")
	s, err := Do(context.Background(), q, func(context.Context) (string, error) { return "ignored", boom })
	if !errors.Is(err, boom) || s != "" {
		t.Fatalf("Do = (%q, %v), want zero value and boom", s, err)
	}
}
