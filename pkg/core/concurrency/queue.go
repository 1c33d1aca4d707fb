package concurrency

import (
	"github.com/eapache/queue"
)

// taskQueue is the FIFO of jobs waiting for a worker.
// Owned by the coordinator loop; not safe for concurrent use.
// Cancelled jobs stay in the ring until they reach the head and are skipped,
// so Len counts only live entries. The ring is compacted once dead entries
// outnumber live ones, keeping its length within twice the live count.
type taskQueue struct {
	ring *queue.Queue
	live int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{ring: queue.New()}
}

func (q *taskQueue) push(j *job) {
	q.ring.Add(j)
	q.live++
}

// pop returns the oldest live job, or nil
func (q *taskQueue) pop() *job {
	for q.ring.Length() > 0 {
		j := q.ring.Remove().(*job)
		if j.state != jobQueued {
			continue
		}
		q.live--
		return j
	}
	return nil
}

// minCompact is the ring length below which dead entries are left in place
const minCompact = 16

// discard marks a queued job as no longer waiting
func (q *taskQueue) discard(j *job, state jobState) {
	if j.state != jobQueued {
		return
	}
	j.state = state
	q.live--
	if n := q.ring.Length(); n >= minCompact && n-q.live > q.live {
		q.compact()
	}
}

// compact rebuilds the ring from its live entries, keeping their order
func (q *taskQueue) compact() {
	ring := queue.New()
	for q.ring.Length() > 0 {
		if j := q.ring.Remove().(*job); j.state == jobQueued {
			ring.Add(j)
		}
	}
	q.ring = ring
}

// drain removes and returns every live job in FIFO order
func (q *taskQueue) drain() []*job {
	jobs := make([]*job, 0, q.live)
	for j := q.pop(); j != nil; j = q.pop() {
		jobs = append(jobs, j)
	}
	return jobs
}

func (q *taskQueue) Len() int {
	return q.live
}
