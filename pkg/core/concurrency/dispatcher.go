package concurrency

import (
	"context"
	"time"
)

// Dispatcher is the application-facing entry point: it turns (kind, payload)
// pairs into tasks, hands them to a WorkerPool and returns Futures.
type Dispatcher interface {
	// Submit offloads one task. The payload's Buffer, if any, is detached from
	// the caller on return. Every failure is delivered through the Future.
	Submit(ctx context.Context, kind Kind, payload Payload) *Future

	// SubmitMany offloads every request independently and waits for all of
	// them. Outcomes are in request order; one failure does not affect the rest.
	SubmitMany(ctx context.Context, reqs []Request) []Outcome

	// Resize changes the number of workers
	Resize(n int) error

	// Shutdown stops the underlying pool in the given mode
	Shutdown(ctx context.Context, mode ShutdownMode) error

	// Close shuts down with the configured default mode
	Close(ctx context.Context) error

	// Stats returns a snapshot of the underlying pool
	Stats() Stats

	// Kinds lists the registered task kinds
	Kinds() []Kind
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Pool WorkerPoolConfig

	// ShutdownMode is used by Close
	ShutdownMode ShutdownMode

	// ShutdownTimeout bounds Close when ctx has no deadline; 0 waits indefinitely
	ShutdownTimeout time.Duration
}

// DefaultDispatcherConfig returns default dispatcher configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Pool:            DefaultWorkerPoolConfig(),
		ShutdownMode:    ShutdownGraceful,
		ShutdownTimeout: 30 * time.Second,
	}
}
