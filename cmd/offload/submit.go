package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fluxorio/offload/pkg/config"
	"github.com/fluxorio/offload/pkg/core/concurrency"
	"github.com/fluxorio/offload/pkg/remote"
)

// runSubmit sends one task to a running service over NATS and prints the outcome
func runSubmit(ctx context.Context, cfg config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stdout)
	kind := fs.String("kind", "", "task kind")
	value := fs.String("value", "", "JSON value payload")
	file := fs.String("file", "", "file sent as the payload buffer")
	timeout := fs.Duration("timeout", cfg.NATS.RequestTimeout.Std(), "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kind == "" {
		return fmt.Errorf("submit: -kind is required")
	}

	var payload concurrency.Payload
	if *value != "" {
		if !json.Valid([]byte(*value)) {
			return fmt.Errorf("submit: -value is not valid JSON")
		}
		payload.Value = json.RawMessage(*value)
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		payload.Buffer = concurrency.NewBuffer(data)
	}

	client, err := remote.Dial(remote.ClientConfig{
		URL:            cfg.NATS.URL,
		Prefix:         cfg.NATS.Prefix,
		Name:           cfg.NATS.Name + "-cli",
		RequestTimeout: *timeout,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	res, err := client.Submit(ctx, concurrency.Kind(*kind), payload)
	if err != nil {
		return err
	}
	return printResult(stdout, res, time.Since(start))
}

func printResult(w io.Writer, res *concurrency.Result, took time.Duration) error {
	out := map[string]interface{}{
		"task_id": res.TaskID,
		"seq":     res.Seq,
		"took":    took.String(),
	}
	if len(res.Value) > 0 {
		out["value"] = res.Value
	}
	if res.Buffer != nil {
		out["buffer_bytes"] = res.Buffer.Len()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
