package concurrency

import (
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/offload/pkg/core"
)

// work is the body of one worker goroutine. It runs assignments until the
// coordinator closes jobs, or exits right after reporting a crash.
func (p *defaultWorkerPool) work(id int, jobs <-chan assignment) {
	for a := range jobs {
		c := p.execute(id, a)
		j := a.job
		if !p.post(func() { p.onDone(j, c) }) {
			return
		}
		if c.crashed {
			return
		}
	}
}

// execute runs one task body and converts whatever happens into a completion.
// A panic is treated as the worker dying: the completion is marked crashed.
func (p *defaultWorkerPool) execute(id int, a assignment) (c completion) {
	task := a.task
	ctx, span := p.tracer.Start(a.ctx, "offload.task "+string(task.Kind),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("offload.task.id", task.ID.String()),
			attribute.String("offload.task.kind", string(task.Kind)),
			attribute.Int64("offload.task.seq", int64(task.Seq)),
			attribute.Int("offload.worker.id", id),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(a.ctx).WithFields(core.Fields{"worker": id, "task": task.ID}).
				Errorf("task body panicked: %v\n%s", r, debug.Stack())
			err := NewTaskError(task.ID, WorkerCrashed, fmt.Errorf("worker %d: panic: %v", id, r))
			span.SetStatus(codes.Error, err.Message)
			c = completion{err: err, crashed: true}
		}
	}()

	body, ok := p.registry.Lookup(task.Kind)
	if !ok {
		err := NewTaskError(task.ID, ExecutionFailed, fmt.Errorf("%w %q", ErrUnknownKind, task.Kind))
		span.SetStatus(codes.Error, err.Message)
		return completion{err: err}
	}

	out, err := body(ctx, a.input)
	if err != nil {
		te := classify(task.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, te.Kind.String())
		return completion{err: te}
	}

	res := &Result{TaskID: task.ID, Kind: task.Kind, Seq: task.Seq}
	if res.Value, err = encodeValue(out.Value); err != nil {
		span.SetStatus(codes.Error, SerializationFailed.String())
		return completion{err: NewTaskError(task.ID, SerializationFailed, err)}
	}
	if out.Buffer != nil {
		b, err := out.Buffer.Transfer(WorkerOwner(id), Coordinator)
		if err != nil {
			span.SetStatus(codes.Error, SerializationFailed.String())
			return completion{err: NewTaskError(task.ID, SerializationFailed, err)}
		}
		res.Buffer = b
		span.SetAttributes(attribute.Int("offload.result.buffer_bytes", b.Len()))
	}
	return completion{res: res}
}

// classify turns a body error into a TaskError. Bodies may return a *TaskError
// to choose the kind; anything else is ExecutionFailed.
func classify(id TaskID, err error) *TaskError {
	if te, ok := AsTaskError(err); ok {
		out := *te
		out.TaskID = id
		if out.Kind == 0 {
			out.Kind = ExecutionFailed
		}
		return &out
	}
	return NewTaskError(id, ExecutionFailed, err)
}
