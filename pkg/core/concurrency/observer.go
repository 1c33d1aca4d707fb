package concurrency

import "time"

// Observer receives pool lifecycle events, e.g. to export metrics.
// Calls are made from the coordinator loop and must not block.
type Observer interface {
	// TaskSubmitted is called once per submission reaching the pool
	TaskSubmitted(kind Kind)

	// TaskStarted is called when a worker picks the task up
	TaskStarted(kind Kind, waited time.Duration)

	// TaskFinished is called once per resolved task; failure is 0 on success.
	// elapsed runs from submission to resolution.
	TaskFinished(kind Kind, failure ErrorKind, elapsed time.Duration)

	// PoolChanged is called after worker or queue state changes
	PoolChanged(stats Stats)
}

type nopObserver struct{}

func (nopObserver) TaskSubmitted(Kind) {}
func (nopObserver) TaskStarted(Kind, time.Duration) {}
func (nopObserver) TaskFinished(Kind, ErrorKind, time.Duration) {}
func (nopObserver) PoolChanged(Stats) {}
