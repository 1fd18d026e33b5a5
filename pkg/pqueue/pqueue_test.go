package pqueue

import (
	"errors"
	"testing"
)

func TestDequeueLowestPriorityFirstFIFOWithinTier(t *testing.T) {
	t.Parallel()
	q := New[string]()
	mustEnqueue(t, q, "a5", 5)
	mustEnqueue(t, q, "b5", 5)
	mustEnqueue(t, q, "c1", 1)
	mustEnqueue(t, q, "d0", 0)
	mustEnqueue(t, q, "e9", 9)
	mustEnqueue(t, q, "f1", 1)

	want := []struct {
		v string
		p Priority
	}{{"d0", 0}, {"c1", 1}, {"f1", 1}, {"a5", 5}, {"b5", 5}, {"e9", 9}}
	for _, w := range want {
		v, p, ok := q.Dequeue()
		if !ok || v != w.v || p != w.p {
			t.Fatalf("Dequeue = (%q, %d, %v), want (%q, %d, true)", v, p, ok, w.v, w.p)
		}
	}
	if _, _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue on empty queue should report false")
	}
}

func TestDequeueAtTreatsZeroAsABucket(t *testing.T) {
	t.Parallel()
	q := New[string]()
	mustEnqueue(t, q, "five", 5)
	mustEnqueue(t, q, "zero", 0)

	if v, ok := q.DequeueAt(5); !ok || v != "five" {
		t.Fatalf("DequeueAt(5) = (%q, %v)", v, ok)
	}
	if v, ok := q.DequeueAt(0); !ok || v != "zero" {
		t.Fatalf("DequeueAt(0) = (%q, %v)", v, ok)
	}
	if _, ok := q.DequeueAt(0); ok {
		t.Fatal("DequeueAt on empty bucket should report false")
	}
	if _, ok := q.DequeueAt(42); ok {
		t.Fatal("DequeueAt on invalid bucket should report false")
	}
}

func TestEnqueueRejectsOutOfRange(t *testing.T) {
	t.Parallel()
	q := New[int]()
	for _, p := range []Priority{-1, 10, 100} {
		if err := q.Enqueue(1, p); !errors.Is(err, ErrInvalidPriority) {
			t.Fatalf("Enqueue(p=%d) err = %v, want ErrInvalidPriority", p, err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d after rejected enqueues", q.Len())
	}
}

func TestSizeAccounting(t *testing.T) {
	t.Parallel()
	q := New[int]()
	for i := 0; i < 7; i++ {
		mustEnqueue(t, q, i, Priority(i%3))
	}
	if q.Len() != 7 {
		t.Fatalf("Len = %d, want 7", q.Len())
	}
	sum := 0
	for p := MinPriority; p <= MaxPriority; p++ {
		sum += q.LenAt(p)
	}
	if sum != q.Len() {
		t.Fatalf("sum of buckets = %d, Len = %d", sum, q.Len())
	}
	if q.LenAt(0) != 3 || q.LenAt(1) != 2 || q.LenAt(2) != 2 {
		t.Fatalf("bucket sizes = %d/%d/%d", q.LenAt(0), q.LenAt(1), q.LenAt(2))
	}
	if q.LenAt(-3) != 0 {
		t.Fatal("LenAt on invalid priority should be 0")
	}
}

func TestHooksFireOnlyOnRealMovement(t *testing.T) {
	t.Parallel()
	q := New[string]()
	var enq, deq []string
	q.OnEnqueue(func(v string, p Priority) { enq = append(enq, v) })
	q.OnDequeue(func(v string, p Priority) {
		if p != 3 {
			t.Errorf("dequeue hook priority = %d, want 3", p)
		}
		deq = append(deq, v)
	})

	mustEnqueue(t, q, "x", 3)
	_ = q.Enqueue("bad", 11)
	q.DequeueAt(4)
	q.Dequeue()
	q.Dequeue()

	if len(enq) != 1 || enq[0] != "x" {
		t.Fatalf("enqueue hook saw %v", enq)
	}
	if len(deq) != 1 || deq[0] != "x" {
		t.Fatalf("dequeue hook saw %v", deq)
	}
}

func TestClearReturnsItemsWithoutEvents(t *testing.T) {
	t.Parallel()
	q := New[string]()
	fired := 0
	q.OnDequeue(func(string, Priority) { fired++ })
	mustEnqueue(t, q, "late", 7)
	mustEnqueue(t, q, "early", 2)
	mustEnqueue(t, q, "late2", 7)

	got := q.Clear()
	want := []string{"early", "late", "late2"}
	if len(got) != len(want) {
		t.Fatalf("Clear returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Clear returned %v, want %v", got, want)
		}
	}
	if fired != 0 {
		t.Fatalf("Clear fired %d dequeue hooks", fired)
	}
	if q.Len() != 0 || q.LenAt(7) != 0 {
		t.Fatal("queue not empty after Clear")
	}
	if _, _, ok := q.Dequeue(); ok {
		t.Fatal("cleared item still visible")
	}
	// Queue stays usable.
	mustEnqueue(t, q, "again", 7)
	if v, _, ok := q.Dequeue(); !ok || v != "again" {
		t.Fatalf("Dequeue after Clear = (%q, %v)", v, ok)
	}
}

func TestBucketCompactionKeepsOrder(t *testing.T) {
	t.Parallel()
	q := New[int]()
	next := 0
	for i := 0; i < 1000; i++ {
		mustEnqueue(t, q, i, DefaultPriority)
		if i%3 == 0 {
			v, _, ok := q.Dequeue()
			if !ok || v != next {
				t.Fatalf("Dequeue = %d, want %d", v, next)
			}
			next++
		}
	}
	for q.Len() > 0 {
		v, _, _ := q.Dequeue()
		if v != next {
			t.Fatalf("Dequeue = %d, want %d", v, next)
		}
		next++
	}
	if next != 1000 {
		t.Fatalf("drained %d items, want 1000", next)
	}
}

func mustEnqueue[T any](t *testing.T, q *Queue[T], v T, p Priority) {
	t.Helper()
	if err := q.Enqueue(v, p); err != nil {
		t.Fatalf("Enqueue(%v, %d): %v", v, p, err)
	}
}
