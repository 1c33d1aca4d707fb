package concurrency

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fluxorio/offload/pkg/core/failfast"
)

// defaultDispatcher implements Dispatcher on top of a WorkerPool
type defaultDispatcher struct {
	cfg      DispatcherConfig
	registry *Registry
	pool     WorkerPool
	seq      atomic.Uint64
}

// NewDispatcher creates a Dispatcher with its own WorkerPool.
// Cancelling ctx shuts the pool down immediately.
func NewDispatcher(ctx context.Context, config DispatcherConfig, registry *Registry) Dispatcher {
	failfast.NotNil(registry, "registry")
	return &defaultDispatcher{
		cfg:      config,
		registry: registry,
		pool:     NewWorkerPool(ctx, config.Pool, registry),
	}
}

// NewDispatcherWithPool wraps an existing pool, e.g. to share it
func NewDispatcherWithPool(pool WorkerPool, registry *Registry) Dispatcher {
	failfast.NotNil(pool, "pool")
	failfast.NotNil(registry, "registry")
	return &defaultDispatcher{cfg: DefaultDispatcherConfig(), registry: registry, pool: pool}
}

// Submit implements Dispatcher
func (d *defaultDispatcher) Submit(ctx context.Context, kind Kind, payload Payload) *Future {
	task := &Task{ID: NewTaskID(), Kind: kind, Seq: d.seq.Add(1)}

	if _, ok := d.registry.Lookup(kind); !ok {
		return failed(task, ExecutionFailed, fmt.Errorf("%w %q", ErrUnknownKind, kind))
	}

	value, err := encodeValue(payload.Value)
	if err != nil {
		return failed(task, SerializationFailed, err)
	}
	task.Value = value

	if payload.Buffer != nil {
		// custody moves to the pool; the caller's handle is detached from here on
		b, err := payload.Buffer.Transfer(Coordinator, Coordinator)
		if err != nil {
			return failed(task, SerializationFailed, err)
		}
		task.Buffer = b
	}
	return d.pool.Submit(ctx, task)
}

func failed(task *Task, kind ErrorKind, cause error) *Future {
	f := newFuture(task.ID, task.Seq)
	f.fail(kind, cause)
	return f
}

// SubmitMany implements Dispatcher
func (d *defaultDispatcher) SubmitMany(ctx context.Context, reqs []Request) []Outcome {
	futures := make([]*Future, len(reqs))
	for i, r := range reqs {
		futures[i] = d.Submit(ctx, r.Kind, r.Payload)
	}
	outcomes := make([]Outcome, len(reqs))
	for i, f := range futures {
		outcomes[i] = f.Outcome()
	}
	return outcomes
}

// Resize implements Dispatcher
func (d *defaultDispatcher) Resize(n int) error {
	return d.pool.Resize(n)
}

// Shutdown implements Dispatcher
func (d *defaultDispatcher) Shutdown(ctx context.Context, mode ShutdownMode) error {
	return d.pool.Shutdown(ctx, mode)
}

// Close implements Dispatcher
func (d *defaultDispatcher) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && d.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		defer cancel()
	}
	return d.pool.Shutdown(ctx, d.cfg.ShutdownMode)
}

// Stats implements Dispatcher
func (d *defaultDispatcher) Stats() Stats {
	return d.pool.Stats()
}

// Kinds implements Dispatcher
func (d *defaultDispatcher) Kinds() []Kind {
	return d.registry.Kinds()
}
