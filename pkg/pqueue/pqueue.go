// Package pqueue implements a fixed-level priority queue made of FIFO buckets.
//
// Priority 0 is served first, priority 9 last; items of equal priority are
// served in insertion order. There is no aging: a steady stream of
// low-numbered items starves higher-numbered ones.
package pqueue

import (
	"errors"
	"fmt"
	"math/bits"
)

// Priority is a bucket index. Lower values are served earlier.
type Priority int

const (
	MinPriority     Priority = 0
	MaxPriority     Priority = 9
	DefaultPriority Priority = 5

	// Levels is the number of buckets.
	Levels = int(MaxPriority-MinPriority) + 1
)

// ErrInvalidPriority is returned by Enqueue for priorities outside [MinPriority, MaxPriority].
var ErrInvalidPriority = errors.New("pqueue: invalid priority")

// Valid reports whether p names a bucket.
func (p Priority) Valid() bool { return p >= MinPriority && p <= MaxPriority }

// Hook observes items entering or leaving the queue.
type Hook[T any] func(item T, p Priority)

// bucket is a FIFO backed by a slice with a moving head.
// The consumed prefix is reclaimed once it dominates the slice.
type bucket[T any] struct {
	items []T
	head  int
}

func (b *bucket[T]) len() int { return len(b.items) - b.head }

func (b *bucket[T]) push(v T) { b.items = append(b.items, v) }

func (b *bucket[T]) pop() (T, bool) {
	var zero T
	if b.len() == 0 {
		return zero, false
	}
	v := b.items[b.head]
	b.items[b.head] = zero
	b.head++
	if b.head == len(b.items) {
		b.items = b.items[:0]
		b.head = 0
	} else if b.head >= 32 && b.head*2 >= len(b.items) {
		n := copy(b.items, b.items[b.head:])
		clear(b.items[n:])
		b.items = b.items[:n]
		b.head = 0
	}
	return v, true
}

// Queue is a priority queue with Levels FIFO buckets.
//
// Queue is not safe for concurrent use; its owner serializes access.
type Queue[T any] struct {
	buckets [Levels]bucket[T]
	size    int
	// bitmap has bit p set while bucket p is non-empty.
	bitmap uint16

	onEnqueue []Hook[T]
	onDequeue []Hook[T]
}

func New[T any]() *Queue[T] { return &Queue[T]{} }

// OnEnqueue registers fn to be called after every successful Enqueue.
func (q *Queue[T]) OnEnqueue(fn Hook[T]) {
	if fn != nil {
		q.onEnqueue = append(q.onEnqueue, fn)
	}
}

// OnDequeue registers fn to be called after every Dequeue/DequeueAt that removed an item.
func (q *Queue[T]) OnDequeue(fn Hook[T]) {
	if fn != nil {
		q.onDequeue = append(q.onDequeue, fn)
	}
}

// Enqueue appends item to the tail of bucket p.
func (q *Queue[T]) Enqueue(item T, p Priority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d (want %d..%d)", ErrInvalidPriority, p, MinPriority, MaxPriority)
	}
	q.buckets[p].push(item)
	q.bitmap |= 1 << uint(p)
	q.size++
	for _, fn := range q.onEnqueue {
		fn(item, p)
	}
	return nil
}

// Dequeue removes the head of the lowest-numbered non-empty bucket.
// It reports false when the queue is empty.
func (q *Queue[T]) Dequeue() (T, Priority, bool) {
	if q.bitmap == 0 {
		var zero T
		return zero, 0, false
	}
	p := Priority(bits.TrailingZeros16(q.bitmap))
	v, _ := q.take(p)
	return v, p, true
}

// DequeueAt removes the head of bucket p only.
// It reports false when that bucket is empty or p is invalid.
func (q *Queue[T]) DequeueAt(p Priority) (T, bool) {
	if !p.Valid() {
		var zero T
		return zero, false
	}
	return q.take(p)
}

func (q *Queue[T]) take(p Priority) (T, bool) {
	b := &q.buckets[p]
	v, ok := b.pop()
	if !ok {
		return v, false
	}
	if b.len() == 0 {
		q.bitmap &^= 1 << uint(p)
	}
	q.size--
	for _, fn := range q.onDequeue {
		fn(v, p)
	}
	return v, true
}

// Len returns the total number of queued items.
func (q *Queue[T]) Len() int { return q.size }

// LenAt returns the number of items in bucket p (0 for an invalid p).
func (q *Queue[T]) LenAt(p Priority) int {
	if !p.Valid() {
		return 0
	}
	return q.buckets[p].len()
}

// Clear empties every bucket without firing dequeue hooks.
// The removed items are returned in the order they would have been served.
func (q *Queue[T]) Clear() []T {
	if q.size == 0 {
		return nil
	}
	out := make([]T, 0, q.size)
	for p := range q.buckets {
		b := &q.buckets[p]
		out = append(out, b.items[b.head:]...)
		q.buckets[p] = bucket[T]{}
	}
	q.bitmap = 0
	q.size = 0
	return out
}
