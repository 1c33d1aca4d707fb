package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/offload/pkg/core"
)

type fakeResizer struct {
	mu      sync.Mutex
	stats   Stats
	resized []int
	err     error
}

func (f *fakeResizer) Resize(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resized = append(f.resized, n)
	f.stats.Size = n
	return nil
}

func (f *fakeResizer) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func testAutoscaleConfig() AutoscaleConfig {
	return AutoscaleConfig{Min: 2, Max: 4, GrowThreshold: 5, ShrinkThreshold: 0, Interval: time.Millisecond}
}

func TestAutoscaler_Step(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  int
	}{
		{"grows on backlog", Stats{Size: 2, Queued: 5}, 3},
		{"stops at max", Stats{Size: 4, Queued: 50}, 0},
		{"shrinks when idle", Stats{Size: 3, Idle: 2}, 2},
		{"keeps min", Stats{Size: 2, Idle: 2}, 0},
		{"no idle, no shrink", Stats{Size: 3, Busy: 3}, 0},
		{"raises to min", Stats{Size: 1}, 2},
		{"clamps to max", Stats{Size: 8, Queued: 10}, 4},
		{"steady", Stats{Size: 3, Queued: 2, Busy: 3}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeResizer{stats: tt.stats}
			a, err := NewAutoscaler(testAutoscaleConfig(), r, core.NopLogger())
			if err != nil {
				t.Fatal(err)
			}
			got, err := a.Step()
			if err != nil {
				t.Fatalf("Step() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Step() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAutoscaler_StepErrors(t *testing.T) {
	r := &fakeResizer{stats: Stats{Closed: true}}
	a, _ := NewAutoscaler(testAutoscaleConfig(), r, core.NopLogger())
	if _, err := a.Step(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Step() on closed pool error = %v, want ErrPoolClosed", err)
	}

	boom := errors.New("boom")
	r = &fakeResizer{stats: Stats{Size: 2, Queued: 9}, err: boom}
	a, _ = NewAutoscaler(testAutoscaleConfig(), r, core.NopLogger())
	if _, err := a.Step(); !errors.Is(err, boom) {
		t.Errorf("Step() error = %v, want %v", err, boom)
	}
}

func TestAutoscaleConfig_Validate(t *testing.T) {
	bad := []AutoscaleConfig{
		{Min: 0, Max: 2, GrowThreshold: 1, Interval: time.Second},
		{Min: 3, Max: 2, GrowThreshold: 1, Interval: time.Second},
		{Min: 1, Max: 2, GrowThreshold: 1, ShrinkThreshold: 1, Interval: time.Second},
		{Min: 1, Max: 2, GrowThreshold: 1},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("config %d: Validate() = nil, want error", i)
		}
	}
	if _, err := NewAutoscaler(bad[0], &fakeResizer{}, nil); err == nil {
		t.Error("NewAutoscaler() accepted an invalid config")
	}
}

func TestAutoscaler_GrowsRealPool(t *testing.T) {
	reg, tb := newTestRegistry()
	d := newTestDispatcher(t, testConfig(1, 0, 0), reg)
	ctx := context.Background()

	var futures []*Future
	for i := 0; i < 8; i++ {
		futures = append(futures, d.Submit(ctx, "block", Payload{}))
	}

	cfg := AutoscaleConfig{Min: 1, Max: 3, GrowThreshold: 1, ShrinkThreshold: 0, Interval: 5 * time.Millisecond}
	a, err := NewAutoscaler(cfg, d, core.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	a.Start(ctx)
	defer a.Stop()

	waitFor(t, "pool to grow to max", func() bool { return d.Stats().Size == 3 })
	close(tb.release)
	for _, f := range futures {
		mustSucceed(t, f)
	}
	waitFor(t, "pool to shrink to min", func() bool { return d.Stats().Size == 1 })
}

func TestAutoscaler_StopsWhenPoolCloses(t *testing.T) {
	r := &fakeResizer{stats: Stats{Size: 2}}
	a, _ := NewAutoscaler(testAutoscaleConfig(), r, core.NopLogger())
	a.Start(context.Background())

	r.mu.Lock()
	r.stats.Closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
}
