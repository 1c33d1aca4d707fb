package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/blake2b"

	"github.com/fluxorio/offload/pkg/core/concurrency"
)

// Sample task kinds served by the binary
const (
	KindDigest concurrency.Kind = "digest"
	KindFib    concurrency.Kind = "fib"
	KindSleep  concurrency.Kind = "sleep"
)

type digestIn struct {
	Size int `json:"size,omitempty"` // 32 or 64, default 32
}

type digestOut struct {
	Algorithm string `json:"algorithm"`
	Sum       string `json:"sum"`
	Bytes     int    `json:"bytes"`
}

type fibIn struct {
	N int `json:"n"`
}

type fibOut struct {
	N     int    `json:"n"`
	Value uint64 `json:"value"`
}

type sleepIn struct {
	Millis int `json:"ms"`
}

// registerKinds binds the sample kinds; digested counts bytes hashed by digest
func registerKinds(reg *concurrency.Registry, digested prometheus.Counter) {
	reg.Register(KindDigest, digestBody(digested))
	reg.Register(KindFib, concurrency.Handle(fib))
	reg.Register(KindSleep, concurrency.Handle(sleep))
}

// digestBody hashes the payload buffer with BLAKE2b
func digestBody(digested prometheus.Counter) concurrency.TaskBody {
	return func(ctx context.Context, in concurrency.Input) (concurrency.Output, error) {
		var req digestIn
		if err := in.Decode(&req); err != nil {
			return concurrency.Output{}, concurrency.Errorf(concurrency.SerializationFailed, "digest: %w", err)
		}
		if req.Size == 0 {
			req.Size = blake2b.Size256
		}
		if req.Size != blake2b.Size256 && req.Size != blake2b.Size {
			return concurrency.Output{}, fmt.Errorf("digest: unsupported size %d", req.Size)
		}
		if in.Buffer == nil {
			return concurrency.Output{}, concurrency.Errorf(concurrency.SerializationFailed, "digest: payload buffer required")
		}
		data, err := in.Buffer.Bytes()
		if err != nil {
			return concurrency.Output{}, err
		}

		h, err := blake2b.New(req.Size, nil)
		if err != nil {
			return concurrency.Output{}, err
		}
		h.Write(data)
		in.Buffer.Release()
		digested.Add(float64(len(data)))

		return concurrency.Output{Value: digestOut{
			Algorithm: fmt.Sprintf("blake2b-%d", req.Size*8),
			Sum:       hex.EncodeToString(h.Sum(nil)),
			Bytes:     len(data),
		}}, nil
	}
}

// fib(93) overflows uint64
const maxFib = 93

func fib(ctx context.Context, in fibIn) (fibOut, error) {
	if in.N < 0 || in.N >= maxFib {
		return fibOut{}, fmt.Errorf("fib: n must be in [0, %d)", maxFib)
	}
	var a, b uint64 = 0, 1
	for i := 0; i < in.N; i++ {
		a, b = b, a+b
	}
	return fibOut{N: in.N, Value: a}, nil
}

func sleep(ctx context.Context, in sleepIn) (struct{}, error) {
	select {
	case <-time.After(time.Duration(in.Millis) * time.Millisecond):
		return struct{}{}, nil
	case <-ctx.Done():
		return struct{}{}, ctx.Err()
	}
}
