package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TickFunc performs one unit of periodic work.
type TickFunc func(ctx context.Context) error

// Loop runs a TickFunc, then sleeps for Interval, until its context is cancelled.
// A failing or panicking tick is logged and the loop keeps going.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     TickFunc
	Logger   *slog.Logger

	// OnTick, when set, observes every tick's duration and error.
	OnTick func(name string, elapsed time.Duration, err error)
}

// Run blocks until ctx is cancelled and returns nil on a clean stop.
func (l *Loop) Run(ctx context.Context) error {
	if l.Tick == nil {
		return fmt.Errorf("scheduler: loop %q has no tick function", l.Name)
	}
	if l.Interval <= 0 {
		return fmt.Errorf("scheduler: loop %q interval must be positive", l.Name)
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("loop", l.Name)

	logger.Info("loop_started", "interval", l.Interval.String())
	defer logger.Info("loop_stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := l.runOnce(ctx)
		elapsed := time.Since(started)
		if err != nil && ctx.Err() == nil {
			logger.Error("loop_tick_failed", "error", err, "duration_ms", elapsed.Milliseconds())
		}
		if l.OnTick != nil {
			l.OnTick(l.Name, elapsed, err)
		}

		timer := time.NewTimer(l.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s tick: %v", l.Name, r)
		}
	}()
	return l.Tick(ctx)
}
