// Command offload runs the task offload service.
//
//	offload [-config path] [-print-config]
//	offload [-config path] submit -kind fib -value '{"n":40}'
//
// Configuration is read from the optional YAML or JSON file and overridden
// by OFFLOAD_* environment variables, e.g. OFFLOAD_POOL_WORKERS=8.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/offload/pkg/config"
	"github.com/fluxorio/offload/pkg/core"
	"github.com/fluxorio/offload/pkg/core/concurrency"
	"github.com/fluxorio/offload/pkg/observability/otel"
	"github.com/fluxorio/offload/pkg/observability/prometheus"
	"github.com/fluxorio/offload/pkg/remote"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "offload: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("offload", flag.ContinueOnError)
	fs.SetOutput(stdout)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML or JSON config file")
	printConfig := fs.Bool("print-config", false, "print the effective configuration and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *printConfig {
		return config.WriteYAML(stdout, cfg)
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		return err
	}

	if fs.Arg(0) == "submit" {
		return runSubmit(ctx, cfg, fs.Args()[1:], stdout)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
	return serve(ctx, cfg, logger)
}

// serve runs the dispatcher and its ingress until ctx is done
func serve(ctx context.Context, cfg config.Config, logger core.Logger) error {
	logger.WithFields(core.Fields{
		"version": version,
		"workers": cfg.Pool.Workers,
	}).Info("starting offload service")

	if cfg.Observability.EnableTracing {
		err := otel.Initialize(ctx, otel.Config{
			ServiceName:    cfg.Observability.ServiceName,
			ServiceVersion: version,
			Exporter:       cfg.Observability.Exporter,
			Endpoint:       cfg.Observability.Endpoint,
			SampleRate:     cfg.Observability.SampleRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otel.Shutdown(sctx); err != nil {
				logger.Warnf("tracing shutdown: %v", err)
			}
		}()
	}

	var (
		observer concurrency.Observer
		recorder remote.Recorder
		digested prom.Counter
	)
	if cfg.Observability.EnableMetrics {
		metrics := prometheus.GetMetrics()
		observer, recorder = metrics, metrics
		digested = metrics.Counter("offload_digest_bytes_total", "Bytes hashed by the digest kind").WithLabelValues()
	} else {
		digested = prom.NewCounter(prom.CounterOpts{Name: "offload_digest_bytes_total"})
	}

	reg := concurrency.NewRegistry()
	registerKinds(reg, digested)

	dcfg, err := cfg.Pool.Dispatcher(logger, observer)
	if err != nil {
		return err
	}
	// shutdown is driven below so the configured mode applies
	d := concurrency.NewDispatcher(context.Background(), dcfg, reg)

	var scaler *concurrency.Autoscaler
	if cfg.Pool.Autoscale.Enabled {
		scaler, err = concurrency.NewAutoscaler(cfg.Pool.Autoscale.Concurrency(), d, logger)
		if err != nil {
			_ = d.Shutdown(context.Background(), concurrency.ShutdownImmediate)
			return err
		}
		scaler.Start(ctx)
	}

	var ingress *remote.Server
	if cfg.NATS.Enabled {
		ingress, err = remote.NewServer(remote.ServerConfig{
			URL:        cfg.NATS.URL,
			Prefix:     cfg.NATS.Prefix,
			Name:       cfg.NATS.Name,
			QueueGroup: cfg.NATS.QueueGroup,
			Logger:     logger,
			Recorder:   recorder,
		}, d)
		if err == nil {
			err = ingress.Start()
		}
		if err != nil {
			if scaler != nil {
				scaler.Stop()
			}
			_ = d.Shutdown(context.Background(), concurrency.ShutdownImmediate)
			return err
		}
	}

	var metricsSrv *prometheus.Server
	if cfg.Observability.EnableMetrics {
		metricsSrv = prometheus.NewServer(prometheus.DefaultRegistry, func() bool {
			return !d.Stats().Closed
		}, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsSrv != nil {
		g.Go(func() error {
			return metricsSrv.ListenAndServe(cfg.Observability.MetricsAddr)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownTimeout.Std()+5*time.Second)
		defer cancel()

		var errs []error
		if ingress != nil {
			errs = append(errs, ingress.Close(sctx))
		}
		if scaler != nil {
			scaler.Stop()
		}
		errs = append(errs, d.Close(sctx))
		if metricsSrv != nil {
			errs = append(errs, metricsSrv.Shutdown(sctx))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	s := d.Stats()
	logger.WithFields(core.Fields{
		"submitted": s.Submitted,
		"completed": s.Completed,
		"failed":    s.Failed,
	}).Info("offload service stopped")
	return err
}
