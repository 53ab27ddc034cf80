// Package loop implements the cooperative polling scheduler every node runs:
//
//	InitLoop → (Step; sleep)* → done
//
// Sleep is the only suspension point. The loop exits when Step reports a
// terminal state, when the monitor time is exhausted, or when the host asks
// it to stop. The monitor time is an absolute deadline fixed at start and
// re-read against the clock on every iteration, so long sleeps or suspends
// do not accumulate drift.
package loop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
)

// Stepper is a node driven by the loop.
type Stepper interface {
	// InitLoop is idempotent setup run once before the first Step.
	InitLoop(ctx context.Context) error
	// Step performs one observation and returns true once the node is terminal.
	Step(ctx context.Context) (bool, error)
}

// Waker lets a node be woken before its interval elapses, e.g. when the
// upstream set file changes. The interval stays the upper bound.
type Waker interface {
	Wake() <-chan struct{}
}

// Reason is why Run returned.
type Reason int

const (
	ReasonDone Reason = iota
	ReasonMonitorTime
	ReasonStopped
	ReasonFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonDone:
		return "done"
	case ReasonMonitorTime:
		return "monitor_time"
	case ReasonStopped:
		return "stopped"
	default:
		return "failed"
	}
}

// Result summarises a finished run.
type Result struct {
	Ticks   int
	Reason  Reason
	Elapsed time.Duration
}

// Config configures a Loop.
type Config struct {
	// Interval is the sleep between steps (the node's delay parameter).
	Interval time.Duration
	// MonitorTime caps the total wall time; zero means no cap.
	MonitorTime time.Duration

	Clock  clock.Clock
	Logger *zap.SugaredLogger
	Waker  Waker
	// OnTick is called after every Step with its outcome.
	OnTick func(done bool, err error)
}

// Loop runs one Stepper. A Loop must not be shared between nodes.
type Loop struct {
	cfg   Config
	clock clock.Clock
	log   *zap.SugaredLogger
}

// New creates a loop. Interval must be positive.
func New(cfg Config) (*Loop, error) {
	if cfg.Interval <= 0 {
		return nil, errors.NewInvalidParameter("delay", "sampling interval must be positive, got %s", cfg.Interval)
	}
	if cfg.MonitorTime < 0 {
		return nil, errors.NewInvalidParameter("monitor_time", "must not be negative, got %s", cfg.MonitorTime)
	}
	return &Loop{
		cfg:   cfg,
		clock: clock.OrReal(cfg.Clock),
		log:   logger.WithSymbol(logger.OrNop(cfg.Logger).Named("loop"), sym.Loop),
	}, nil
}

// Run drives s until it finishes. Fatal step errors (see errors.IsFatal)
// end the run and are returned; any other step error is logged and the step
// is retried on the next tick. Context cancellation is not an error.
func (l *Loop) Run(ctx context.Context, s Stepper) (Result, error) {
	log := logger.LoggerFromContext(ctx, l.log)
	res := Result{}

	if err := s.InitLoop(ctx); err != nil {
		res.Reason = ReasonFailed
		return res, errors.Wrap(err, "init loop")
	}

	start := l.clock.Now()
	var deadline time.Time
	if l.cfg.MonitorTime > 0 {
		deadline = start.Add(l.cfg.MonitorTime)
	}
	finish := func(r Reason) Result {
		res.Reason = r
		res.Elapsed = l.clock.Now().Sub(start)
		log.Infow("Loop finished",
			"reason", r.String(),
			logger.FieldTick, res.Ticks,
			logger.FieldDurationMS, res.Elapsed.Milliseconds(),
		)
		return res
	}

	log.Debugw("Loop started", "interval", l.cfg.Interval, "monitor_time", l.cfg.MonitorTime)

	for {
		if ctx.Err() != nil {
			return finish(ReasonStopped), nil
		}

		done, err := s.Step(ctx)
		res.Ticks++
		if l.cfg.OnTick != nil {
			l.cfg.OnTick(done, err)
		}
		if err != nil {
			if errors.IsFatal(err) {
				log.Errorw("Step failed fatally", logger.FieldTick, res.Ticks, logger.FieldError, err)
				finish(ReasonFailed)
				return res, err
			}
			log.Warnw("Step error, retrying next tick", logger.FieldTick, res.Ticks, logger.FieldError, err)
		}
		if done {
			return finish(ReasonDone), nil
		}

		wait := l.cfg.Interval
		if !deadline.IsZero() {
			remaining := deadline.Sub(l.clock.Now())
			if remaining <= 0 {
				return finish(ReasonMonitorTime), nil
			}
			if remaining < wait {
				wait = remaining
			}
		}

		if !l.sleep(ctx, wait) {
			return finish(ReasonStopped), nil
		}
		if !deadline.IsZero() && !l.clock.Now().Before(deadline) {
			return finish(ReasonMonitorTime), nil
		}
	}
}

// sleep waits for d, a wake-up or cancellation. It returns false when the
// context was cancelled.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	var wake <-chan struct{}
	if l.cfg.Waker != nil {
		wake = l.cfg.Waker.Wake()
	}
	select {
	case <-ctx.Done():
		return false
	case <-l.clock.After(d):
		return true
	case <-wake:
		l.log.Debugw("Woken early")
		return true
	}
}
