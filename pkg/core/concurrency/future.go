package concurrency

import (
	"context"
	"sync"
)

// Future is the pending handle for one submitted task.
// It resolves exactly once, with a Result or a *TaskError.
type Future struct {
	id  TaskID
	seq uint64

	once sync.Once
	done chan struct{}
	res  *Result
	err  error

	cancel func()
}

func newFuture(id TaskID, seq uint64) *Future {
	return &Future{id: id, seq: seq, done: make(chan struct{})}
}

// ID returns the task ID
func (f *Future) ID() TaskID {
	return f.id
}

// Seq returns the submission sequence number
func (f *Future) Seq() uint64 {
	return f.seq
}

// Done is closed once the outcome is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the task resolves or ctx is done.
// ctx only bounds the wait; it does not cancel the task (see Cancel).
func (f *Future) Await(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome blocks until the task resolves and returns it as an Outcome
func (f *Future) Outcome() Outcome {
	<-f.done
	return Outcome{TaskID: f.id, Seq: f.seq, Result: f.res, Err: f.err}
}

// Cancel requests cancellation. A queued task is removed and fails with Cancelled.
// A running task is cancelled best-effort: its context is cancelled and its worker
// replaced, but side effects it already produced are not undone.
// Cancelling a resolved task does nothing.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// resolve returns false when the future was already resolved
func (f *Future) resolve(res *Result, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future) fail(kind ErrorKind, cause error) bool {
	return f.resolve(nil, NewTaskError(f.id, kind, cause))
}
