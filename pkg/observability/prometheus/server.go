package prometheus

import (
	"context"
	"encoding/json"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/offload/pkg/core"
)

// Server exposes /metrics, /live and /ready over fasthttp
type Server struct {
	srv    *fasthttp.Server
	logger core.Logger
}

// NewServer creates a metrics server for gatherer. ready reports whether the
// service accepts work; nil means always ready.
func NewServer(gatherer prometheus.Gatherer, ready func() bool, logger core.Logger) *Server {
	if gatherer == nil {
		gatherer = DefaultRegistry
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		case "/live":
			writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"status": "up"})
		case "/ready":
			ok := ready()
			status := fasthttp.StatusOK
			if !ok {
				status = fasthttp.StatusServiceUnavailable
			}
			writeJSON(ctx, status, map[string]interface{}{"ready": ok})
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}

	return &Server{
		srv: &fasthttp.Server{
			Handler: handler,
			Name:    "offload-metrics",
		},
		logger: logger.WithFields(core.Fields{"component": "metrics-server"}),
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, _ := json.Marshal(v)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// Serve serves on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Infof("serving metrics on %s", ln.Addr())
	return s.srv.Serve(ln)
}

// ListenAndServe listens on addr and serves until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops the server, waiting for open requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}
