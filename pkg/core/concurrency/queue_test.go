package concurrency

import (
	"context"
	"testing"
)

func TestTaskQueue_CompactsDiscardedJobs(t *testing.T) {
	q := newTaskQueue()
	first := &job{state: jobQueued}
	q.push(first)

	for i := 0; i < 5000; i++ {
		j := &job{state: jobQueued}
		q.push(j)
		q.discard(j, jobCancelled)
		if n := q.ring.Length(); n > minCompact && n > 2*q.Len() {
			t.Fatalf("iteration %d: ring length %d with %d live jobs", i, n, q.Len())
		}
	}

	last := &job{state: jobQueued}
	q.push(last)
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	if got := q.pop(); got != first {
		t.Error("pop() lost FIFO order after compaction")
	}
	if got := q.pop(); got != last {
		t.Error("pop() did not return the last live job")
	}
	if got := q.pop(); got != nil {
		t.Errorf("pop() on empty queue = %v, want nil", got)
	}
}

func TestWorkerPool_CancelledJobsDoNotGrowQueue(t *testing.T) {
	reg, tb := newTestRegistry()
	d := newTestDispatcher(t, testConfig(1, 2, 0), reg)
	pool := d.(*defaultDispatcher).pool.(*defaultWorkerPool)
	ctx := context.Background()

	busy := d.Submit(ctx, "block", Payload{})
	waitStarted(t, tb, 1)

	for i := 0; i < 2000; i++ {
		f := d.Submit(ctx, "echo", Payload{Value: i})
		f.Cancel()
		mustFail(t, f, Cancelled)
	}

	ringLen := make(chan int, 1)
	if !pool.post(func() { ringLen <- pool.queue.ring.Length() }) {
		t.Fatal("pool closed")
	}
	if n := <-ringLen; n > minCompact {
		t.Errorf("queue ring holds %d entries after cancelling every queued job", n)
	}

	queued := d.Submit(ctx, "echo", Payload{Value: 1})
	close(tb.release)
	mustSucceed(t, busy)
	mustSucceed(t, queued)
}
