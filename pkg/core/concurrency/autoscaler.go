package concurrency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fluxorio/offload/pkg/core"
)

// Resizer is the part of a pool the Autoscaler drives.
// Both WorkerPool and Dispatcher satisfy it.
type Resizer interface {
	Resize(n int) error
	Stats() Stats
}

// AutoscaleConfig bounds and paces an Autoscaler
type AutoscaleConfig struct {
	Min int // floor
	Max int // ceiling

	// GrowThreshold: add a worker when at least this many tasks are queued
	GrowThreshold int
	// ShrinkThreshold: remove a worker when at most this many are queued and some are idle
	ShrinkThreshold int

	// Interval between queue inspections
	Interval time.Duration
}

// Validate checks the bounds
func (c AutoscaleConfig) Validate() error {
	switch {
	case c.Min < 1:
		return errors.New("autoscale: min must be at least 1")
	case c.Max < c.Min:
		return errors.New("autoscale: max must not be below min")
	case c.GrowThreshold <= c.ShrinkThreshold:
		return errors.New("autoscale: grow threshold must exceed shrink threshold")
	case c.Interval <= 0:
		return errors.New("autoscale: interval must be positive")
	}
	return nil
}

// Autoscaler periodically resizes a pool, one worker at a time, based on
// queue depth
type Autoscaler struct {
	cfg    AutoscaleConfig
	target Resizer
	logger core.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAutoscaler creates an Autoscaler for target. It does nothing until Start.
func NewAutoscaler(cfg AutoscaleConfig, target Resizer, logger core.Logger) (*Autoscaler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Autoscaler{
		cfg:    cfg,
		target: target,
		logger: logger.WithFields(core.Fields{"component": "autoscaler"}),
	}, nil
}

// Start launches the inspection loop. It stops when ctx is done, Stop is
// called or the target pool closes.
func (a *Autoscaler) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.Step(); errors.Is(err, ErrPoolClosed) {
					return
				}
			}
		}
	}()
}

// Stop ends the inspection loop and waits for it to exit
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Step inspects the target once and resizes it by at most one worker.
// It returns the size it resized to, or 0 when nothing changed.
func (a *Autoscaler) Step() (int, error) {
	s := a.target.Stats()
	if s.Closed {
		return 0, ErrPoolClosed
	}

	n := s.Size
	switch {
	case n < a.cfg.Min:
		n = a.cfg.Min
	case n > a.cfg.Max:
		n = a.cfg.Max
	case s.Queued >= a.cfg.GrowThreshold && n < a.cfg.Max:
		n++
	case s.Queued <= a.cfg.ShrinkThreshold && s.Idle > 0 && n > a.cfg.Min:
		n--
	}
	if n == s.Size {
		return 0, nil
	}

	if err := a.target.Resize(n); err != nil {
		a.logger.Warnf("resize to %d failed: %v", n, err)
		return 0, err
	}
	a.logger.WithFields(core.Fields{"queued": s.Queued, "idle": s.Idle}).
		Debugf("resized pool %d -> %d", s.Size, n)
	return n, nil
}
