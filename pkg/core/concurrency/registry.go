package concurrency

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxorio/offload/pkg/core/failfast"
)

// Registry maps task kinds to the bodies workers run for them.
// Registration is expected at startup; lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	bodies map[Kind]TaskBody
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{bodies: make(map[Kind]TaskBody)}
}

// Register binds body to kind. Registering an empty kind, a nil body or
// the same kind twice is a programming error and panics.
func (r *Registry) Register(kind Kind, body TaskBody) {
	failfast.NotEmpty(string(kind), "task kind")
	failfast.NotNil(body, "task body")

	r.mu.Lock()
	defer r.mu.Unlock()
	_, dup := r.bodies[kind]
	failfast.If(!dup, "task kind %q registered twice", kind)
	r.bodies[kind] = body
}

// Lookup returns the body registered for kind
func (r *Registry) Lookup(kind Kind) (TaskBody, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	body, ok := r.bodies[kind]
	return body, ok
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.bodies))
	for k := range r.bodies {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Handle adapts a typed function into a TaskBody.
// The structured payload is decoded into In with unknown fields rejected;
// a payload that does not match the schema fails with SerializationFailed.
// Buffers are not visible to typed handlers; use a raw TaskBody for those.
func Handle[In, Out any](fn func(ctx context.Context, in In) (Out, error)) TaskBody {
	failfast.NotNil(fn, "handler")
	return func(ctx context.Context, input Input) (Output, error) {
		var in In
		if err := input.Decode(&in); err != nil {
			return Output{}, &TaskError{Kind: SerializationFailed, Message: err.Error(), Err: err}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return Output{}, err
		}
		return Output{Value: out}, nil
	}
}
