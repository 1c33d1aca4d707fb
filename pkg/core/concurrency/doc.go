// Package concurrency offloads CPU-bound work from callers to a pool of
// worker goroutines.
//
// A Dispatcher accepts (kind, payload) pairs and returns a Future per task.
// Task bodies are registered by kind in a Registry; workers look them up and
// run them in parallel. Structured payload values are copied by encoding them,
// while a Buffer moves without copying: its ownership passes from the caller to
// the pool, to the worker and back, and every handle left behind is detached.
//
// All pool state lives on a single coordinator goroutine. Failures are
// delivered as *TaskError values classified by ErrorKind:
//
//	res, err := d.Submit(ctx, "digest", concurrency.Payload{Buffer: buf}).Await(ctx)
//	if errors.Is(err, concurrency.ErrTimeout) {
//		// the worker was replaced; the pool keeps its size
//	}
package concurrency
