package concurrency

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a task produced no result
type ErrorKind uint8

const (
	// Timeout: the body ran past the configured task timeout
	Timeout ErrorKind = iota + 1
	// QueueFull: the pending queue was at its maximum depth
	QueueFull
	// Cancelled: the caller cancelled, or the pool shut down
	Cancelled
	// WorkerCrashed: the worker exited abnormally (the body panicked)
	WorkerCrashed
	// ExecutionFailed: the body returned an error
	ExecutionFailed
	// SerializationFailed: the payload or result could not cross the worker boundary
	SerializationFailed
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "Timeout"
	case QueueFull:
		return "QueueFull"
	case Cancelled:
		return "Cancelled"
	case WorkerCrashed:
		return "WorkerCrashed"
	case ExecutionFailed:
		return "ExecutionFailed"
	case SerializationFailed:
		return "SerializationFailed"
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// ParseErrorKind is the inverse of ErrorKind.String
func ParseErrorKind(s string) (ErrorKind, bool) {
	for k := Timeout; k <= SerializationFailed; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Sentinels matched by errors.Is against any *TaskError of the same kind.
var (
	ErrTimeout             = errors.New("task timed out")
	ErrQueueFull           = errors.New("task queue is full")
	ErrCancelled           = errors.New("task was cancelled")
	ErrWorkerCrashed       = errors.New("worker crashed")
	ErrExecutionFailed     = errors.New("task execution failed")
	ErrSerializationFailed = errors.New("payload serialization failed")
)

var (
	// ErrPoolClosed is the cause of Cancelled errors for submissions after shutdown
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrUnknownKind is the cause of ExecutionFailed errors for unregistered kinds
	ErrUnknownKind = errors.New("no task body registered for kind")

	// ErrInvalidPoolSize is returned by Resize for sizes below one
	ErrInvalidPoolSize = errors.New("pool size must be at least 1")
)

func sentinelFor(k ErrorKind) error {
	switch k {
	case Timeout:
		return ErrTimeout
	case QueueFull:
		return ErrQueueFull
	case Cancelled:
		return ErrCancelled
	case WorkerCrashed:
		return ErrWorkerCrashed
	case ExecutionFailed:
		return ErrExecutionFailed
	case SerializationFailed:
		return ErrSerializationFailed
	}
	return nil
}

// TaskError is delivered instead of a Result when a task fails
type TaskError struct {
	TaskID  TaskID
	Kind    ErrorKind
	Message string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface
func (e *TaskError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("task %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("task %s %s: %s", e.TaskID, e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e.Kind
func (e *TaskError) Is(target error) bool {
	return target != nil && target == sentinelFor(e.Kind)
}

// NewTaskError creates a TaskError of the given kind wrapping cause
func NewTaskError(id TaskID, kind ErrorKind, cause error) *TaskError {
	var msg string
	if s := sentinelFor(kind); s != nil {
		msg = s.Error()
	}
	if cause != nil {
		msg = cause.Error()
	}
	return &TaskError{TaskID: id, Kind: kind, Message: msg, Err: cause}
}

// Errorf builds a TaskError for bodies that want to pick the kind themselves,
// e.g. SerializationFailed for a payload that fails validation.
func Errorf(kind ErrorKind, format string, args ...interface{}) *TaskError {
	err := fmt.Errorf(format, args...)
	return &TaskError{Kind: kind, Message: err.Error(), Err: errors.Unwrap(err)}
}

// AsTaskError extracts a *TaskError from err
func AsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the ErrorKind of err, or 0 when err is not a TaskError
func KindOf(err error) ErrorKind {
	if te, ok := AsTaskError(err); ok {
		return te.Kind
	}
	return 0
}
