package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/offload/pkg/core"
)

const awaitLimit = 5 * time.Second

// testBodies backs the kinds registered by newTestRegistry
type testBodies struct {
	release chan struct{}
	started chan TaskID

	mu    sync.Mutex
	order []int
}

func (b *testBodies) recorded() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.order...)
}

type addIn struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addOut struct {
	Sum int `json:"sum"`
}

func newTestRegistry() (*Registry, *testBodies) {
	tb := &testBodies{
		release: make(chan struct{}),
		started: make(chan TaskID, 64),
	}
	reg := NewRegistry()

	reg.Register("echo", Handle(func(ctx context.Context, n int) (int, error) {
		return n, nil
	}))
	reg.Register("add", Handle(func(ctx context.Context, in addIn) (addOut, error) {
		return addOut{Sum: in.A + in.B}, nil
	}))
	reg.Register("record", Handle(func(ctx context.Context, n int) (int, error) {
		tb.mu.Lock()
		tb.order = append(tb.order, n)
		tb.mu.Unlock()
		return n, nil
	}))
	reg.Register("block", func(ctx context.Context, in Input) (Output, error) {
		tb.started <- in.TaskID
		select {
		case <-tb.release:
			return Output{Value: "released"}, nil
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	})
	reg.Register("sleep", func(ctx context.Context, in Input) (Output, error) {
		select {
		case <-time.After(awaitLimit):
			return Output{}, nil
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	})
	reg.Register("fail", func(ctx context.Context, in Input) (Output, error) {
		return Output{}, errors.New("boom")
	})
	reg.Register("panic", func(ctx context.Context, in Input) (Output, error) {
		panic("boom")
	})
	reg.Register("invert", func(ctx context.Context, in Input) (Output, error) {
		data, err := in.Buffer.Bytes()
		if err != nil {
			return Output{}, err
		}
		for i := range data {
			data[i] = ^data[i]
		}
		return Output{Value: len(data), Buffer: in.Buffer}, nil
	})
	return reg, tb
}

func testConfig(workers, depth int, timeout time.Duration) DispatcherConfig {
	return DispatcherConfig{
		Pool: WorkerPoolConfig{
			Workers:       workers,
			MaxQueueDepth: depth,
			TaskTimeout:   timeout,
			Logger:        core.NopLogger(),
		},
		ShutdownMode: ShutdownGraceful,
	}
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, reg *Registry) Dispatcher {
	t.Helper()
	d := NewDispatcher(context.Background(), cfg, reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), awaitLimit)
		defer cancel()
		_ = d.Shutdown(ctx, ShutdownImmediate)
	})
	return d
}

// await waits for f and fails the test if it does not resolve in time
func await(t *testing.T, f *Future) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), awaitLimit)
	defer cancel()
	res, err := f.Await(ctx)
	select {
	case <-f.Done():
	default:
		t.Fatalf("task %s did not resolve within %s", f.ID(), awaitLimit)
	}
	return res, err
}

func mustSucceed(t *testing.T, f *Future) *Result {
	t.Helper()
	res, err := await(t, f)
	if err != nil {
		t.Fatalf("task %s failed: %v", f.ID(), err)
	}
	return res
}

func mustFail(t *testing.T, f *Future, want ErrorKind) *TaskError {
	t.Helper()
	_, err := await(t, f)
	te, ok := AsTaskError(err)
	if !ok {
		t.Fatalf("task %s error = %v, want *TaskError", f.ID(), err)
	}
	if te.Kind != want {
		t.Fatalf("task %s error kind = %s, want %s (%v)", f.ID(), te.Kind, want, err)
	}
	return te
}

// waitStarted waits for n block bodies to start
func waitStarted(t *testing.T, tb *testBodies, n int) {
	t.Helper()
	timeout := time.After(awaitLimit)
	for i := 0; i < n; i++ {
		select {
		case <-tb.started:
		case <-timeout:
			t.Fatalf("only %d of %d tasks started", i, n)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(awaitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
