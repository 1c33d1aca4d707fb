package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/offload/pkg/core"
	"github.com/fluxorio/offload/pkg/core/failfast"
)

const (
	mailboxSize = 1024
	tracerName  = "github.com/fluxorio/offload/pkg/core/concurrency"
)

type workerState int

const (
	workerIdle workerState = iota
	workerBusy
	workerTerminating
	workerTerminated
)

type jobState int

const (
	jobNew jobState = iota
	jobQueued
	jobRunning
	jobCancelled // removed from the queue, resolution pending
	jobDone
)

// job is the coordinator's bookkeeping for one task
type job struct {
	task   *Task
	future *Future
	ctx    context.Context
	cancel context.CancelFunc

	state     jobState
	worker    *workerHandle
	submitted time.Time
	timer     *time.Timer
	stopWatch func() bool
}

// assignment is what a worker goroutine receives; it never touches job fields
// other than the immutable task.
type assignment struct {
	job   *job
	ctx   context.Context
	task  *Task
	input Input
}

type completion struct {
	res     *Result
	err     error
	crashed bool
}

// workerHandle is owned by the coordinator loop
type workerHandle struct {
	id    int
	state workerState
	job   *job
	jobs  chan assignment
}

// defaultWorkerPool implements WorkerPool.
// All pool state below the mailbox is owned by a single coordinator goroutine
// (run), which executes closures posted to the mailbox one at a time.
// Worker goroutines and callers only ever post; they never touch that state.
type defaultWorkerPool struct {
	cfg      WorkerPoolConfig
	registry *Registry
	logger   core.Logger
	observer Observer
	tracer   trace.Tracer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mailbox chan func()
	haltMu  sync.RWMutex
	halted  bool
	exited  chan struct{}
	final   atomic.Pointer[Stats]

	// coordinator-owned
	workers     map[int]*workerHandle
	idle        []*workerHandle
	queue       *taskQueue
	target      int
	terminating int
	nextID      int
	closed      bool
	immediate   bool
	finished    bool
	halting     bool
	waiters     []chan struct{}

	submitted int64
	completed int64
	failed    int64
	rejected  int64
}

// NewWorkerPool creates and starts a WorkerPool running bodies from registry.
// Cancelling ctx shuts the pool down immediately.
func NewWorkerPool(ctx context.Context, config WorkerPoolConfig, registry *Registry) WorkerPool {
	failfast.NotNil(registry, "registry")
	config = config.withDefaults()

	baseCtx, baseCancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &defaultWorkerPool{
		cfg:        config,
		registry:   registry,
		logger:     config.Logger.WithFields(core.Fields{"component": "worker-pool"}),
		observer:   config.Observer,
		tracer:     otel.Tracer(tracerName),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		mailbox:    make(chan func(), mailboxSize),
		exited:     make(chan struct{}),
		workers:    make(map[int]*workerHandle),
		queue:      newTaskQueue(),
		target:     config.Workers,
	}
	for i := 0; i < p.target; i++ {
		p.park(p.spawn())
	}
	go p.run()

	context.AfterFunc(ctx, func() {
		p.post(func() { p.shutdown(ShutdownImmediate, nil) })
	})
	p.logger.Debugf("worker pool started with %d workers", p.target)
	return p
}

// run is the coordinator loop
func (p *defaultWorkerPool) run() {
	defer close(p.exited)
	var haltDone chan struct{}
	for {
		select {
		case fn := <-p.mailbox:
			fn()
		case <-haltDone:
			// no sender can get past post any more; flush what is left
			for {
				select {
				case fn := <-p.mailbox:
					fn()
				default:
					return
				}
			}
		}
		if p.halting && haltDone == nil {
			haltDone = make(chan struct{})
			go func() {
				p.haltMu.Lock()
				p.halted = true
				p.haltMu.Unlock()
				close(haltDone)
			}()
		}
	}
}

// post hands fn to the coordinator loop. It reports false once the pool has
// stopped for good. Must not be called from the loop itself.
func (p *defaultWorkerPool) post(fn func()) bool {
	p.haltMu.RLock()
	defer p.haltMu.RUnlock()
	if p.halted {
		return false
	}
	p.mailbox <- fn
	return true
}

// Submit implements WorkerPool
func (p *defaultWorkerPool) Submit(ctx context.Context, task *Task) *Future {
	failfast.NotNil(task, "task")
	f := newFuture(task.ID, task.Seq)
	if err := ctx.Err(); err != nil {
		f.fail(Cancelled, err)
		return f
	}

	base := p.baseCtx
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		base = trace.ContextWithSpanContext(base, sc)
	}
	if rid := core.GetRequestID(ctx); rid != "" {
		base = core.WithRequestID(base, rid)
	}
	jctx, cancel := context.WithCancel(base)

	j := &job{task: task, future: f, ctx: jctx, cancel: cancel, submitted: time.Now()}
	f.cancel = func() {
		p.post(func() { p.cancelJob(j) })
	}
	if !p.post(func() { p.accept(j) }) {
		cancel()
		f.fail(Cancelled, ErrPoolClosed)
		return f
	}
	// registered after accept is queued so a cancel always lands behind it
	if ctx.Done() != nil {
		p.watch(ctx, j)
	}
	return f
}

// watch cancels j once ctx is done, until j resolves
func (p *defaultWorkerPool) watch(ctx context.Context, j *job) {
	stop := context.AfterFunc(ctx, j.future.Cancel)
	watched := p.post(func() {
		if j.state == jobDone {
			stop()
			return
		}
		j.stopWatch = stop
	})
	if !watched {
		// the loop halted; nothing will release the registration
		stop()
	}
}

// Resize implements WorkerPool
func (p *defaultWorkerPool) Resize(n int) error {
	if n < 1 {
		return ErrInvalidPoolSize
	}
	reply := make(chan error, 1)
	if !p.post(func() { reply <- p.resize(n) }) {
		return ErrPoolClosed
	}
	return <-reply
}

// Shutdown implements WorkerPool
func (p *defaultWorkerPool) Shutdown(ctx context.Context, mode ShutdownMode) error {
	done := make(chan struct{})
	if !p.post(func() { p.shutdown(mode, done) }) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// Stats implements WorkerPool
func (p *defaultWorkerPool) Stats() Stats {
	reply := make(chan Stats, 1)
	if p.post(func() { reply <- p.snapshot() }) {
		return <-reply
	}
	if s := p.final.Load(); s != nil {
		return *s
	}
	return Stats{Closed: true}
}

// --- coordinator side: everything below runs on the loop goroutine ---

func (p *defaultWorkerPool) accept(j *job) {
	p.submitted++
	p.observer.TaskSubmitted(j.task.Kind)

	if p.closed {
		p.finish(j, nil, NewTaskError(j.task.ID, Cancelled, ErrPoolClosed))
		return
	}
	if w := p.popIdle(); w != nil {
		if !p.assign(w, j) {
			p.park(w)
		}
		p.changed()
		return
	}
	if p.cfg.MaxQueueDepth > 0 && p.queue.Len() >= p.cfg.MaxQueueDepth {
		p.finish(j, nil, NewTaskError(j.task.ID, QueueFull,
			fmt.Errorf("%w: depth %d reached", ErrQueueFull, p.cfg.MaxQueueDepth)))
		return
	}
	j.state = jobQueued
	p.queue.push(j)
	p.changed()
}

// assign starts j on the idle worker w. It reports false, with j already
// resolved, when the payload buffer cannot be moved to the worker.
func (p *defaultWorkerPool) assign(w *workerHandle, j *job) bool {
	task := j.task
	in := Input{TaskID: task.ID, Kind: task.Kind, Value: task.Value, worker: WorkerOwner(w.id)}
	if task.Buffer != nil {
		b, err := task.Buffer.Transfer(Coordinator, WorkerOwner(w.id))
		if err != nil {
			p.finish(j, nil, NewTaskError(task.ID, SerializationFailed, err))
			return false
		}
		in.Buffer = b
	}

	j.state = jobRunning
	j.worker = w
	w.state = workerBusy
	w.job = j
	if p.cfg.TaskTimeout > 0 {
		j.timer = time.AfterFunc(p.cfg.TaskTimeout, func() {
			p.post(func() { p.expire(j) })
		})
	}
	p.observer.TaskStarted(task.Kind, time.Since(j.submitted))
	w.jobs <- assignment{job: j, ctx: j.ctx, task: task, input: in}
	return true
}

// dispatch feeds the oldest queued task to w, or parks it as idle
func (p *defaultWorkerPool) dispatch(w *workerHandle) {
	for j := p.queue.pop(); j != nil; j = p.queue.pop() {
		if p.assign(w, j) {
			return
		}
	}
	p.park(w)
}

func (p *defaultWorkerPool) onDone(j *job, c completion) {
	w := j.worker
	if j.state != jobRunning || w == nil || w.job != j {
		// timed out, cancelled or shut down while running; result discarded
		return
	}
	w.job = nil

	if c.crashed {
		p.logger.WithFields(core.Fields{"worker": w.id, "task": j.task.ID, "kind": j.task.Kind}).
			Errorf("worker crashed, replacing it: %v", c.err)
		p.finish(j, nil, c.err)
		p.retire(w)
		p.replenish()
		p.changed()
		return
	}

	p.finish(j, c.res, c.err)
	if w.state == workerTerminating {
		p.retire(w)
	} else {
		p.dispatch(w)
	}
	p.changed()
}

func (p *defaultWorkerPool) expire(j *job) {
	if j.state != jobRunning {
		return
	}
	w := j.worker
	p.logger.WithFields(core.Fields{"worker": w.id, "task": j.task.ID, "kind": j.task.Kind}).
		Warnf("task exceeded timeout of %s, replacing worker", p.cfg.TaskTimeout)
	p.finish(j, nil, NewTaskError(j.task.ID, Timeout,
		fmt.Errorf("%w after %s", ErrTimeout, p.cfg.TaskTimeout)))
	w.job = nil
	p.retire(w)
	p.replenish()
	p.changed()
}

func (p *defaultWorkerPool) cancelJob(j *job) {
	switch j.state {
	case jobQueued:
		p.queue.discard(j, jobCancelled)
		p.finish(j, nil, NewTaskError(j.task.ID, Cancelled, nil))
		p.changed()
	case jobRunning:
		w := j.worker
		p.logger.WithFields(core.Fields{"worker": w.id, "task": j.task.ID}).
			Infof("cancelling running task, replacing worker")
		p.finish(j, nil, NewTaskError(j.task.ID, Cancelled, nil))
		w.job = nil
		p.retire(w)
		p.replenish()
		p.changed()
	}
}

func (p *defaultWorkerPool) resize(n int) error {
	if p.closed {
		return ErrPoolClosed
	}
	p.target = n
	live := p.live()
	switch {
	case n > live:
		for _, w := range p.workers {
			if live >= n {
				break
			}
			if w.state == workerTerminating {
				w.state = workerBusy
				p.terminating--
				live++
			}
		}
		for ; live < n; live++ {
			p.dispatch(p.spawn())
		}
	case n < live:
		excess := live - n
		for excess > 0 && len(p.idle) > 0 {
			p.retire(p.idle[len(p.idle)-1])
			excess--
		}
		for _, w := range p.workers {
			if excess == 0 {
				break
			}
			if w.state == workerBusy {
				w.state = workerTerminating
				p.terminating++
				excess--
			}
		}
	}
	p.logger.Infof("pool resized to %d workers", n)
	p.changed()
	return nil
}

func (p *defaultWorkerPool) shutdown(mode ShutdownMode, done chan struct{}) {
	if done != nil {
		p.waiters = append(p.waiters, done)
	}
	if p.finished {
		p.release()
		return
	}
	if !p.closed {
		p.logger.Infof("shutting down worker pool (%s)", mode)
	}
	p.closed = true

	if mode == ShutdownImmediate && !p.immediate {
		p.immediate = true
		for _, j := range p.queue.drain() {
			p.finish(j, nil, NewTaskError(j.task.ID, Cancelled, ErrPoolClosed))
		}
		for _, w := range p.workers {
			if j := w.job; j != nil {
				w.job = nil
				p.finish(j, nil, NewTaskError(j.task.ID, Cancelled, ErrPoolClosed))
			}
			p.retire(w)
		}
	}
	p.changed()
}

// maybeFinish completes a shutdown once nothing is queued or running
func (p *defaultWorkerPool) maybeFinish() {
	if !p.closed || p.finished || p.queue.Len() > 0 {
		return
	}
	for _, w := range p.workers {
		if w.job != nil {
			return
		}
	}
	for _, w := range p.workers {
		p.retire(w)
	}
	p.finished = true
	p.baseCancel()
	s := p.snapshot()
	p.final.Store(&s)
	p.logger.Infof("worker pool stopped: %d completed, %d failed, %d rejected",
		p.completed, p.failed, p.rejected)
	p.release()
	p.halting = true
}

func (p *defaultWorkerPool) release() {
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
}

// finish resolves j exactly once and settles the counters
func (p *defaultWorkerPool) finish(j *job, res *Result, err error) {
	if j.state == jobDone {
		return
	}
	accepted := j.state != jobNew
	j.state = jobDone
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.stopWatch != nil {
		j.stopWatch()
	}
	j.cancel()
	if b := j.task.Buffer; b != nil {
		// no-op once the payload moved to a worker
		b.Release()
	}

	var failure ErrorKind
	switch {
	case err == nil:
		p.completed++
	case !accepted:
		p.rejected++
		failure = KindOf(err)
	default:
		p.failed++
		failure = KindOf(err)
	}
	p.observer.TaskFinished(j.task.Kind, failure, time.Since(j.submitted))
	j.future.resolve(res, err)
}

func (p *defaultWorkerPool) spawn() *workerHandle {
	p.nextID++
	w := &workerHandle{id: p.nextID, jobs: make(chan assignment, 1)}
	p.workers[w.id] = w
	go p.work(w.id, w.jobs)
	return w
}

// replenish restores the worker count after crashes, timeouts or cancellations
func (p *defaultWorkerPool) replenish() {
	if p.immediate || p.finished {
		return
	}
	for p.live() < p.target {
		p.dispatch(p.spawn())
	}
}

func (p *defaultWorkerPool) park(w *workerHandle) {
	w.state = workerIdle
	w.job = nil
	p.idle = append(p.idle, w)
}

func (p *defaultWorkerPool) popIdle() *workerHandle {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	w := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return w
}

func (p *defaultWorkerPool) retire(w *workerHandle) {
	switch w.state {
	case workerTerminated:
		return
	case workerIdle:
		for i, iw := range p.idle {
			if iw == w {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				break
			}
		}
	case workerTerminating:
		p.terminating--
	}
	w.state = workerTerminated
	close(w.jobs)
	delete(p.workers, w.id)
}

func (p *defaultWorkerPool) live() int {
	return len(p.workers) - p.terminating
}

func (p *defaultWorkerPool) changed() {
	p.maybeFinish()
	p.observer.PoolChanged(p.snapshot())
}

func (p *defaultWorkerPool) snapshot() Stats {
	s := Stats{
		Size:        p.target,
		Idle:        len(p.idle),
		Terminating: p.terminating,
		Queued:      p.queue.Len(),
		MaxQueue:    p.cfg.MaxQueueDepth,
		Submitted:   p.submitted,
		Completed:   p.completed,
		Failed:      p.failed,
		Rejected:    p.rejected,
		Closed:      p.closed,
	}
	for _, w := range p.workers {
		if w.state == workerBusy {
			s.Busy++
		}
	}
	return s
}
