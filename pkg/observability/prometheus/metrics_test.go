package prometheus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fluxorio/offload/pkg/core/concurrency"
	"github.com/fluxorio/offload/pkg/observability/prometheus"
)

func TestMetrics_Observer(t *testing.T) {
	m := prometheus.NewMetrics(prom.NewRegistry())

	m.TaskSubmitted("digest")
	m.TaskSubmitted("digest")
	m.TaskStarted("digest", 2*time.Millisecond)
	m.TaskFinished("digest", 0, 10*time.Millisecond)
	m.TaskFinished("digest", concurrency.Timeout, time.Second)

	if got := testutil.ToFloat64(m.TasksSubmitted.WithLabelValues("digest")); got != 2 {
		t.Errorf("tasks submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TasksFinished.WithLabelValues("digest", "ok")); got != 1 {
		t.Errorf("tasks finished ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TasksFinished.WithLabelValues("digest", "Timeout")); got != 1 {
		t.Errorf("tasks finished Timeout = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.TaskLatency); got != 2 {
		t.Errorf("latency series = %d, want 2", got)
	}

	m.PoolChanged(concurrency.Stats{Size: 4, Idle: 1, Busy: 2, Terminating: 1, Queued: 7, MaxQueue: 64})
	if got := testutil.ToFloat64(m.PoolSize); got != 4 {
		t.Errorf("pool size = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.PoolWorkers.WithLabelValues("busy")); got != 2 {
		t.Errorf("busy workers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
}

func TestMetrics_RemoteAndCustom(t *testing.T) {
	m := prometheus.NewMetrics(prom.NewRegistry())

	m.RecordRemoteRequest("fib", nil)
	m.RecordRemoteRequest("fib", concurrency.NewTaskError("t1", concurrency.QueueFull, nil))
	m.RecordRemoteRequest("fib", errors.New("transport"))
	if got := testutil.ToFloat64(m.RemoteRequests.WithLabelValues("fib", "QueueFull")); got != 1 {
		t.Errorf("QueueFull requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RemoteRequests.WithLabelValues("fib", "ok")); got != 2 {
		t.Errorf("ok requests = %v, want 2", got)
	}

	c := m.Counter("offload_digest_bytes_total", "Bytes hashed", "algo")
	if again := m.Counter("offload_digest_bytes_total", "Bytes hashed", "algo"); again != c {
		t.Error("Counter() registered the same name twice")
	}
	c.WithLabelValues("blake2b").Add(64)
	if got := testutil.ToFloat64(c.WithLabelValues("blake2b")); got != 64 {
		t.Errorf("custom counter = %v, want 64", got)
	}
}

func TestMetrics_WithDispatcher(t *testing.T) {
	m := prometheus.NewMetrics(prom.NewRegistry())
	reg := concurrency.NewRegistry()
	reg.Register("noop", func(ctx context.Context, in concurrency.Input) (concurrency.Output, error) {
		return concurrency.Output{}, nil
	})

	cfg := concurrency.DefaultDispatcherConfig()
	cfg.Pool.Workers = 2
	cfg.Pool.Observer = m
	d := concurrency.NewDispatcher(context.Background(), cfg, reg)

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(context.Background(), "noop", concurrency.Payload{}).Await(context.Background()); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := testutil.ToFloat64(m.TasksFinished.WithLabelValues("noop", "ok")); got != 3 {
		t.Errorf("tasks finished = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.PoolWorkers.WithLabelValues("idle")); got != 0 {
		t.Errorf("idle workers after close = %v, want 0", got)
	}
}
