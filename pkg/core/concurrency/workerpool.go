package concurrency

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/fluxorio/offload/pkg/core"
)

// ShutdownMode selects how Shutdown treats outstanding work
type ShutdownMode int

const (
	// ShutdownGraceful stops accepting work and waits for queued and running tasks
	ShutdownGraceful ShutdownMode = iota
	// ShutdownImmediate fails queued and running tasks with Cancelled right away
	ShutdownImmediate
)

// ParseShutdownMode parses "graceful" or "immediate"
func ParseShutdownMode(s string) (ShutdownMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "graceful":
		return ShutdownGraceful, nil
	case "immediate":
		return ShutdownImmediate, nil
	}
	return ShutdownGraceful, fmt.Errorf("unknown shutdown mode %q", s)
}

func (m ShutdownMode) String() string {
	if m == ShutdownImmediate {
		return "immediate"
	}
	return "graceful"
}

// WorkerPool abstracts worker goroutine management
// Callers never see individual workers; they get a Future per task
type WorkerPool interface {
	// Submit assigns the task to an idle worker or queues it.
	// Every failure, including QueueFull, is delivered through the Future.
	Submit(ctx context.Context, task *Task) *Future

	// Resize changes the number of workers. Busy workers are never interrupted:
	// excess ones retire after their current task.
	Resize(n int) error

	// Shutdown stops the pool in the given mode and waits until it has stopped
	// or ctx is done. Calling it again waits for the same shutdown; passing
	// ShutdownImmediate escalates a graceful shutdown in progress.
	Shutdown(ctx context.Context, mode ShutdownMode) error

	// Stats returns a snapshot of the pool
	Stats() Stats
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Size        int // target number of workers
	Idle        int
	Busy        int
	Terminating int // busy workers that retire after their current task
	Queued      int
	MaxQueue    int // 0 means unbounded

	Submitted int64
	Completed int64 // resolved with a Result
	Failed    int64 // resolved with a TaskError after being accepted
	Rejected  int64 // QueueFull and submissions after shutdown

	Closed bool
}

// WorkerPoolConfig configures a WorkerPool
type WorkerPoolConfig struct {
	// Workers is the initial number of workers. Default: runtime.NumCPU().
	Workers int

	// MaxQueueDepth bounds the pending queue; 0 means unbounded
	MaxQueueDepth int

	// TaskTimeout bounds each execution; 0 means no timeout
	TaskTimeout time.Duration

	// Logger defaults to core.NewDefaultLogger()
	Logger core.Logger

	// Observer defaults to a no-op
	Observer Observer
}

// DefaultWorkerPoolConfig returns default worker pool configuration
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:       runtime.NumCPU(),
		MaxQueueDepth: 0,
	}
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	if c.Workers < 1 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxQueueDepth < 0 {
		c.MaxQueueDepth = 0
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	if c.Logger == nil {
		c.Logger = core.NewDefaultLogger()
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}
