package prometheus_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/fluxorio/offload/pkg/core"
	"github.com/fluxorio/offload/pkg/core/concurrency"
	"github.com/fluxorio/offload/pkg/observability/prometheus"
)

func TestServer_Endpoints(t *testing.T) {
	registry := prom.NewRegistry()
	m := prometheus.NewMetrics(registry)
	m.TaskSubmitted("fib")
	m.PoolChanged(concurrency.Stats{Size: 2, Idle: 2})

	var ready atomic.Bool
	ready.Store(true)
	srv := prometheus.NewServer(registry, ready.Load, core.NopLogger())

	ln := fasthttputil.NewInmemoryListener()
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	client := &http.Client{
		Transport: &http.Transport{
			Dial: func(network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	get := func(path string) (int, string) {
		t.Helper()
		resp, err := client.Get("http://test" + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	status, body := get("/metrics")
	if status != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want 200", status)
	}
	for _, want := range []string{
		`offload_tasks_submitted_total{kind="fib"} 1`,
		`offload_pool_size 2`,
		`offload_pool_workers{state="idle"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	if status, _ := get("/live"); status != http.StatusOK {
		t.Errorf("GET /live status = %d, want 200", status)
	}
	if status, _ := get("/ready"); status != http.StatusOK {
		t.Errorf("GET /ready status = %d, want 200", status)
	}
	ready.Store(false)
	if status, body := get("/ready"); status != http.StatusServiceUnavailable || !strings.Contains(body, `"ready":false`) {
		t.Errorf("GET /ready = %d %s, want 503", status, body)
	}
	if status, _ := get("/nope"); status != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", status)
	}
}
