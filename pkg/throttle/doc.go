// Package throttle implements a throttled job queue.
//
// A Queue admits asynchronous jobs under three constraints at once: at most
// Config.MaxConcurrent jobs run concurrently, successive job starts are at
// least Config.MinDelay apart, and every start consumes one token from the
// supplied ratelimit.Limiter. Among admissible jobs the lowest priority number
// runs first, FIFO within a priority.
//
// All scheduler state is owned by one mutex and mutated by a single admission
// goroutine plus the public methods. The admission goroutine is woken through
// a one-slot channel (wakes coalesce) and sleeps on at most one retry timer.
//
// Lifecycle events are published on an eventbus.Bus in the order
// enqueue -> dequeue -> execute -> done|failed for each job.
package throttle
