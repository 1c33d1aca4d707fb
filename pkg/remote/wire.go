// Package remote carries offload submissions over NATS request/reply.
//
// Subjects:
//   - Submit: <prefix>.submit.<kind> (queue group, one server answers)
//
// Request and reply bodies are JSON. The request ID travels in the
// X-Request-ID header and trace context in W3C traceparent headers.
package remote

import (
	"encoding/json"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fluxorio/offload/pkg/core/concurrency"
)

const submitToken = "submit"

func submitSubject(prefix string, kind concurrency.Kind) string {
	return prefix + "." + submitToken + "." + string(kind)
}

// submitRequest is the body of a submit message
type submitRequest struct {
	Value  json.RawMessage `json:"value,omitempty"`
	Buffer []byte          `json:"buffer,omitempty"`
}

// submitReply is the body of the reply; Error is set instead of Value/Buffer on failure
type submitReply struct {
	TaskID string          `json:"task_id,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Buffer []byte          `json:"buffer,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toWireError(err error) *wireError {
	if te, ok := concurrency.AsTaskError(err); ok {
		return &wireError{Kind: te.Kind.String(), Message: te.Message}
	}
	return &wireError{Kind: concurrency.ExecutionFailed.String(), Message: err.Error()}
}

// fromWireError rebuilds the TaskError on the client side; errors.Is against
// the kind sentinels keeps working without the original cause.
func fromWireError(id string, e *wireError) *concurrency.TaskError {
	kind, ok := concurrency.ParseErrorKind(e.Kind)
	if !ok {
		kind = concurrency.ExecutionFailed
	}
	return &concurrency.TaskError{TaskID: concurrency.TaskID(id), Kind: kind, Message: e.Message}
}

func headerCarrier(msg *nats.Msg) propagation.HeaderCarrier {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	return propagation.HeaderCarrier(http.Header(msg.Header))
}
