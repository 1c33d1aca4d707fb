package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/offload/pkg/core"
	"github.com/fluxorio/offload/pkg/core/concurrency"
	"github.com/fluxorio/offload/pkg/core/failfast"
)

// ClientConfig configures a Client
type ClientConfig struct {
	URL    string
	Prefix string
	Name   string

	// RequestTimeout bounds a submission when ctx has no deadline. Default: 30s.
	RequestTimeout time.Duration

	// MaxInFlight bounds concurrent requests in SubmitMany. Default: 64.
	MaxInFlight int
}

// Client submits tasks to remote offload servers
type Client struct {
	nc      *nats.Conn
	ownConn bool
	cfg     ClientConfig
}

// Dial connects a Client to NATS
func Dial(cfg ClientConfig) (*Client, error) {
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
	c := NewClient(nc, cfg)
	c.ownConn = true
	return c, nil
}

// NewClient uses an existing connection, which Close leaves open
func NewClient(nc *nats.Conn, cfg ClientConfig) *Client {
	failfast.NotNil(nc, "nats connection")
	if cfg.Prefix == "" {
		cfg.Prefix = "offload"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	return &Client{nc: nc, cfg: cfg}
}

// Submit runs one task remotely and waits for its outcome.
// A payload Buffer is read and released: its handle is detached on return.
// Task failures come back as *concurrency.TaskError; transport failures
// (no responders, request timeout) are returned as they are.
func (c *Client) Submit(ctx context.Context, kind concurrency.Kind, payload concurrency.Payload) (*concurrency.Result, error) {
	var req submitRequest
	if payload.Value != nil {
		v, err := json.Marshal(payload.Value)
		if err != nil {
			return nil, concurrency.NewTaskError("", concurrency.SerializationFailed, err)
		}
		req.Value = v
	}
	if payload.Buffer != nil {
		b, err := payload.Buffer.Bytes()
		if err != nil {
			return nil, concurrency.NewTaskError("", concurrency.SerializationFailed, err)
		}
		req.Buffer = b
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, concurrency.NewTaskError("", concurrency.SerializationFailed, err)
	}
	if payload.Buffer != nil {
		payload.Buffer.Release()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	msg := &nats.Msg{Subject: submitSubject(c.cfg.Prefix, kind), Data: data, Header: nats.Header{}}
	ctx, rid := core.EnsureRequestID(ctx)
	msg.Header.Set(core.RequestIDHeader, rid)
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg))

	resp, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("remote: no server for kind %q: %w", kind, err)
		}
		return nil, fmt.Errorf("remote: submit %q: %w", kind, err)
	}

	var reply submitReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return nil, concurrency.NewTaskError("", concurrency.SerializationFailed,
			fmt.Errorf("decode reply: %w", err))
	}
	if reply.Error != nil {
		return nil, fromWireError(reply.TaskID, reply.Error)
	}

	res := &concurrency.Result{
		TaskID: concurrency.TaskID(reply.TaskID),
		Kind:   kind,
		Seq:    reply.Seq,
		Value:  reply.Value,
	}
	if reply.Buffer != nil {
		res.Buffer = concurrency.NewBuffer(reply.Buffer)
	}
	return res, nil
}

// SubmitMany submits every request concurrently and waits for all of them.
// Outcomes are in request order and independent of each other.
func (c *Client) SubmitMany(ctx context.Context, reqs []concurrency.Request) []concurrency.Outcome {
	outcomes := make([]concurrency.Outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxInFlight)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			res, err := c.Submit(ctx, r.Kind, r.Payload)
			o := concurrency.Outcome{Result: res, Err: err}
			if res != nil {
				o.TaskID, o.Seq = res.TaskID, res.Seq
			} else if te, ok := concurrency.AsTaskError(err); ok {
				o.TaskID = te.TaskID
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Close closes the connection if the Client opened it
func (c *Client) Close() {
	if c.ownConn {
		c.nc.Close()
	}
}
