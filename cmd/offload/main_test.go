package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/crypto/blake2b"

	"github.com/fluxorio/offload/pkg/core"
	"github.com/fluxorio/offload/pkg/core/concurrency"
)

func newKindsDispatcher(t *testing.T, timeout time.Duration) (concurrency.Dispatcher, prom.Counter) {
	t.Helper()
	digested := prom.NewCounter(prom.CounterOpts{Name: "test_digest_bytes_total"})
	reg := concurrency.NewRegistry()
	registerKinds(reg, digested)

	cfg := concurrency.DefaultDispatcherConfig()
	cfg.Pool.Workers = 2
	cfg.Pool.TaskTimeout = timeout
	cfg.Pool.Logger = core.NopLogger()
	d := concurrency.NewDispatcher(context.Background(), cfg, reg)
	t.Cleanup(func() { _ = d.Shutdown(context.Background(), concurrency.ShutdownImmediate) })
	return d, digested
}

func await(t *testing.T, f *concurrency.Future) (*concurrency.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Await(ctx)
}

func TestDigest(t *testing.T) {
	d, digested := newKindsDispatcher(t, 0)
	ctx := context.Background()

	res, err := await(t, d.Submit(ctx, KindDigest, concurrency.Payload{Buffer: concurrency.NewBuffer([]byte("hello"))}))
	if err != nil {
		t.Fatalf("digest error = %v", err)
	}
	var out digestOut
	if err := res.Decode(&out); err != nil {
		t.Fatal(err)
	}
	sum := blake2b.Sum256([]byte("hello"))
	if out.Sum != hex.EncodeToString(sum[:]) || out.Algorithm != "blake2b-256" || out.Bytes != 5 {
		t.Errorf("digest = %+v", out)
	}
	if got := testutil.ToFloat64(digested); got != 5 {
		t.Errorf("digested bytes = %v, want 5", got)
	}

	res, err = await(t, d.Submit(ctx, KindDigest, concurrency.Payload{
		Value:  digestIn{Size: 64},
		Buffer: concurrency.NewBuffer([]byte("hello")),
	}))
	if err != nil {
		t.Fatalf("digest-512 error = %v", err)
	}
	if err := res.Decode(&out); err != nil || len(out.Sum) != 128 {
		t.Errorf("digest-512 = %+v, %v", out, err)
	}
}

func TestDigest_Errors(t *testing.T) {
	d, _ := newKindsDispatcher(t, 0)
	ctx := context.Background()

	if _, err := await(t, d.Submit(ctx, KindDigest, concurrency.Payload{})); concurrency.KindOf(err) != concurrency.SerializationFailed {
		t.Errorf("digest without buffer error = %v, want SerializationFailed", err)
	}
	_, err := await(t, d.Submit(ctx, KindDigest, concurrency.Payload{
		Value:  digestIn{Size: 7},
		Buffer: concurrency.NewBuffer([]byte("x")),
	}))
	if concurrency.KindOf(err) != concurrency.ExecutionFailed {
		t.Errorf("digest with bad size error = %v, want ExecutionFailed", err)
	}
}

func TestFib(t *testing.T) {
	d, _ := newKindsDispatcher(t, 0)
	ctx := context.Background()

	tests := []struct {
		n    int
		want uint64
	}{
		{0, 0}, {1, 1}, {10, 55}, {92, 7540113804746346429},
	}
	for _, tt := range tests {
		res, err := await(t, d.Submit(ctx, KindFib, concurrency.Payload{Value: fibIn{N: tt.n}}))
		if err != nil {
			t.Fatalf("fib(%d) error = %v", tt.n, err)
		}
		var out fibOut
		if err := res.Decode(&out); err != nil || out.Value != tt.want {
			t.Errorf("fib(%d) = %d, %v, want %d", tt.n, out.Value, err, tt.want)
		}
	}

	if _, err := await(t, d.Submit(ctx, KindFib, concurrency.Payload{Value: fibIn{N: 93}})); concurrency.KindOf(err) != concurrency.ExecutionFailed {
		t.Errorf("fib(93) error = %v, want ExecutionFailed", err)
	}
}

func TestSleep_TimesOut(t *testing.T) {
	d, _ := newKindsDispatcher(t, 20*time.Millisecond)

	_, err := await(t, d.Submit(context.Background(), KindSleep, concurrency.Payload{Value: sleepIn{Millis: 5000}}))
	if concurrency.KindOf(err) != concurrency.Timeout {
		t.Errorf("sleep error = %v, want Timeout", err)
	}
}

func TestRun_PrintConfig(t *testing.T) {
	t.Setenv("OFFLOAD_POOL_WORKERS", "3")
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-config", "", "-print-config"}, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), "workers: 3") {
		t.Errorf("printed config missing override:\n%s", out.String())
	}
}

func TestRun_Errors(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-config", "", "bogus"}, &out); err == nil {
		t.Error("run(bogus) should fail")
	}
	if err := run(context.Background(), []string{"-config", "", "submit"}, &out); err == nil {
		t.Error("run(submit) without -kind should fail")
	}

	t.Setenv("OFFLOAD_POOL_SHUTDOWN_MODE", "eventually")
	if err := run(context.Background(), []string{"-config", ""}, &out); err == nil {
		t.Error("run() with an invalid config should fail")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Setenv("OFFLOAD_LOG_LEVEL", "error")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"-config", ""}, &bytes.Buffer{}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not stop")
	}
}

func TestRun_ServeAndSubmitOverNATS(t *testing.T) {
	ns, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	t.Setenv("OFFLOAD_LOG_LEVEL", "error")
	t.Setenv("OFFLOAD_NATS_ENABLED", "true")
	t.Setenv("OFFLOAD_NATS_URL", ns.ClientURL())
	t.Setenv("OFFLOAD_NATS_PREFIX", "offload.cmdtest")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"-config", ""}, &bytes.Buffer{}) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve error = %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	}()

	// the ingress subscribes asynchronously; retry until it answers
	var out bytes.Buffer
	deadline := time.Now().Add(5 * time.Second)
	for {
		out.Reset()
		err = run(context.Background(), []string{"-config", "", "submit", "-kind", "fib", "-value", `{"n":10}`, "-timeout", "1s"}, &out)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}

	var printed struct {
		TaskID string `json:"task_id"`
		Value  fibOut `json:"value"`
	}
	if err := json.Unmarshal(out.Bytes(), &printed); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if printed.Value.Value != 55 || printed.TaskID == "" {
		t.Errorf("submit printed %+v", printed)
	}
}
