package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/offload/pkg/core"
	"github.com/fluxorio/offload/pkg/core/concurrency"
	"github.com/fluxorio/offload/pkg/core/failfast"
)

const tracerName = "github.com/fluxorio/offload/pkg/remote"

// Recorder counts remote submissions, e.g. *prometheus.Metrics
type Recorder interface {
	RecordRemoteRequest(kind string, err error)
}

// ServerConfig configures the NATS ingress
type ServerConfig struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string

	// Prefix is prepended to all subjects. Default: "offload".
	Prefix string

	// Name is an optional NATS connection name
	Name string

	// QueueGroup spreads submissions over every server in the group. Default: "offload-workers".
	QueueGroup string

	Logger   core.Logger
	Recorder Recorder
}

// Server accepts submissions from NATS and runs them on a Dispatcher
type Server struct {
	cfg        ServerConfig
	dispatcher concurrency.Dispatcher
	nc         *nats.Conn
	ownConn    bool
	logger     core.Logger
	tracer     trace.Tracer

	mu       sync.Mutex
	sub      *nats.Subscription
	inflight sync.WaitGroup
}

// NewServer connects to NATS. Call Start to begin accepting submissions.
func NewServer(cfg ServerConfig, d concurrency.Dispatcher) (*Server, error) {
	failfast.NotNil(d, "dispatcher")
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote: connect %s: %w", url, err)
	}
	s := NewServerWithConn(nc, cfg, d)
	s.ownConn = true
	return s, nil
}

// NewServerWithConn uses an existing connection, which Close leaves open
func NewServerWithConn(nc *nats.Conn, cfg ServerConfig, d concurrency.Dispatcher) *Server {
	failfast.NotNil(nc, "nats connection")
	failfast.NotNil(d, "dispatcher")
	if cfg.Prefix == "" {
		cfg.Prefix = "offload"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "offload-workers"
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		nc:         nc,
		logger:     cfg.Logger.WithFields(core.Fields{"component": "remote-server"}),
		tracer:     otel.Tracer(tracerName),
	}
}

// Subject returns the wildcard subject the server listens on
func (s *Server) Subject() string {
	return s.cfg.Prefix + "." + submitToken + ".>"
}

// Start subscribes to the submit subject
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("remote: server already started")
	}
	sub, err := s.nc.QueueSubscribe(s.Subject(), s.cfg.QueueGroup, s.onMessage)
	if err != nil {
		return fmt.Errorf("remote: subscribe %s: %w", s.Subject(), err)
	}
	// make sure the server knows about the subscription before we report ready
	if err := s.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("remote: flush: %w", err)
	}
	s.sub = sub
	s.logger.Infof("accepting submissions on %s (queue %s)", s.Subject(), s.cfg.QueueGroup)
	return nil
}

// onMessage runs on the subscription's delivery goroutine; the task is awaited
// on its own goroutine so deliveries are not serialized behind it
func (s *Server) onMessage(msg *nats.Msg) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.handle(msg)
	}()
}

func (s *Server) handle(msg *nats.Msg) {
	kind := concurrency.Kind(strings.TrimPrefix(msg.Subject, s.cfg.Prefix+"."+submitToken+"."))

	ctx := otel.GetTextMapPropagator().Extract(context.Background(), headerCarrier(msg))
	rid := msg.Header.Get(core.RequestIDHeader)
	if rid == "" {
		rid = core.GenerateRequestID()
	}
	ctx = core.WithRequestID(ctx, rid)

	ctx, span := s.tracer.Start(ctx, "offload.remote submit "+string(kind),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.String("offload.task.kind", string(kind)),
		))
	defer span.End()

	reply, err := s.submit(ctx, kind, msg.Data)
	if err != nil {
		reply.Error = toWireError(err)
		span.SetStatus(codes.Error, reply.Error.Kind)
	}
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.RecordRemoteRequest(string(kind), err)
	}

	if msg.Reply == "" {
		return
	}
	data, mErr := json.Marshal(reply)
	if mErr != nil {
		s.logger.WithContext(ctx).Errorf("encode reply for %s: %v", kind, mErr)
		return
	}
	out := &nats.Msg{Subject: msg.Reply, Data: data, Header: nats.Header{}}
	out.Header.Set(core.RequestIDHeader, rid)
	if err := msg.RespondMsg(out); err != nil {
		s.logger.WithContext(ctx).Warnf("reply to %s: %v", kind, err)
	}
}

func (s *Server) submit(ctx context.Context, kind concurrency.Kind, data []byte) (submitReply, error) {
	var req submitRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return submitReply{}, concurrency.NewTaskError("", concurrency.SerializationFailed,
				fmt.Errorf("decode request: %w", err))
		}
	}

	payload := concurrency.Payload{}
	if len(req.Value) > 0 {
		payload.Value = req.Value
	}
	if req.Buffer != nil {
		payload.Buffer = concurrency.NewBuffer(req.Buffer)
	}

	f := s.dispatcher.Submit(ctx, kind, payload)
	reply := submitReply{TaskID: f.ID().String(), Seq: f.Seq()}
	res, err := f.Await(context.Background())
	if err != nil {
		return reply, err
	}
	reply.Value = res.Value
	if res.Buffer != nil {
		b, err := res.Buffer.Bytes()
		if err != nil {
			return reply, concurrency.NewTaskError(f.ID(), concurrency.SerializationFailed, err)
		}
		reply.Buffer = b
	}
	return reply, nil
}

// Close stops taking new submissions and waits for in-flight ones to be
// answered, or for ctx to be done. Messages already delivered to the server
// are still processed.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	err := s.drain(ctx, sub)
	if s.ownConn {
		// flush pending replies before dropping the connection
		_ = s.nc.FlushTimeout(time.Second)
		s.nc.Close()
	}
	return err
}

func (s *Server) drain(ctx context.Context, sub *nats.Subscription) error {
	if sub != nil {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warnf("drain %s: %v", s.Subject(), err)
		}
		// no callback runs once the subscription is gone
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for sub.IsValid() {
			select {
			case <-ctx.Done():
				return fmt.Errorf("remote: close: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("remote: close: %w", ctx.Err())
	}
}
