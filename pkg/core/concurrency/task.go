package concurrency

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a submitted task
type TaskID string

// NewTaskID returns a fresh random task ID
func NewTaskID() TaskID {
	return TaskID(uuid.New().String())
}

func (id TaskID) String() string {
	return string(id)
}

// Kind tags the operation a task performs
// Workers dispatch on it to the body registered under the same tag
type Kind string

// Payload is what a caller hands to Submit.
// Value is copied across the worker boundary by encoding it;
// Buffer is moved without copying and the caller's handle is detached on submit.
type Payload struct {
	Value  interface{}
	Buffer *Buffer
}

// Request pairs a kind with its payload for SubmitMany
type Request struct {
	Kind    Kind
	Payload Payload
}

// Task represents one unit of work as seen by the pool
// Immutable once submitted
type Task struct {
	ID   TaskID
	Kind Kind

	// Seq is the submission sequence number, monotonically increasing per dispatcher.
	// Completion order is not submission order; sort on Seq when order matters.
	Seq uint64

	// Value is the encoded structured part of the payload (nil when absent)
	Value json.RawMessage

	// Buffer is held in pool custody until a worker is assigned
	Buffer *Buffer
}

// Input is what a task body receives
type Input struct {
	TaskID TaskID
	Kind   Kind
	Value  json.RawMessage

	// Buffer is owned by the executing worker; Owner reports WorkerOwner(id)
	Buffer *Buffer

	worker Owner
}

// Decode decodes the structured value into v, rejecting unknown fields
func (in Input) Decode(v interface{}) error {
	return decodeStrict(in.Value, v)
}

// NewBuffer wraps data in a buffer owned by the executing worker, ready to be
// returned in Output.Buffer. The body must not retain data afterwards.
func (in Input) NewBuffer(data []byte) *Buffer {
	return newOwnedBuffer(data, in.worker)
}

// Output is what a task body returns
type Output struct {
	Value interface{}

	// Buffer must be owned by the executing worker; it is moved to the coordinator
	Buffer *Buffer
}

// TaskBody is the computation registered for a Kind
// ctx is cancelled on timeout, cancellation or immediate shutdown
type TaskBody func(ctx context.Context, in Input) (Output, error)

// Result is the successful outcome of a task
type Result struct {
	TaskID TaskID
	Kind   Kind
	Seq    uint64
	Value  json.RawMessage

	// Buffer is owned by the coordinator (the caller) once the result is delivered
	Buffer *Buffer
}

// Decode decodes the structured result value into v
func (r *Result) Decode(v interface{}) error {
	return decodeStrict(r.Value, v)
}

// Outcome is the per-task entry returned by SubmitMany
// Exactly one of Result and Err is set; Err is always a *TaskError
type Outcome struct {
	TaskID TaskID
	Seq    uint64
	Result *Result
	Err    error
}
