package throttle

import "context"

// Result is the completion handle returned by Add. It settles exactly once.
type Result struct {
	id   string
	done chan struct{}
	val  any
	err  error
}

func newResult(id string) *Result {
	return &Result{id: id, done: make(chan struct{})}
}

// settle must be called at most once; the queue guards this with job.settled.
func (r *Result) settle(val any, err error) {
	r.val = val
	r.err = err
	close(r.done)
}

func (r *Result) ID() string { return r.id }

// Done is closed once the job has an outcome.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the job settles or ctx is done. Giving up on ctx does not
// cancel the job.
func (r *Result) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
