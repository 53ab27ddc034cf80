package subset

import (
	"context"
	"time"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/sym"
)

// CounterConfig configures a Counter.
type CounterConfig struct {
	// OutputSize is the cap N on emitted items.
	OutputSize int
	// Timeout closes the output once elapsed; zero disables it.
	Timeout time.Duration
}

// Counter emits the first OutputSize upstream items and closes when the cap
// is reached, the upstream closes, or the timeout expires.
type Counter struct {
	*node
	cfg CounterConfig

	deadline     time.Time
	limitReached bool
	timedOut     bool
}

// NewCounter validates cfg and creates the node.
func NewCounter(p Params, cfg CounterConfig) (*Counter, error) {
	if cfg.OutputSize <= 0 {
		return nil, errors.NewInvalidParameter("output_size", "must be > 0, got %d", cfg.OutputSize)
	}
	if cfg.Timeout < 0 {
		return nil, errors.NewInvalidParameter("timeout", "must not be negative, got %s", cfg.Timeout)
	}
	n, err := newNode(p, "counter")
	if err != nil {
		return nil, err
	}
	return &Counter{node: n, cfg: cfg}, nil
}

func (c *Counter) InitLoop(ctx context.Context) error {
	if err := c.init(ctx); err != nil {
		return err
	}
	var err error
	if c.p.Resume {
		if c.limitReached, err = c.sidecar.Bool(propLimitReached); err != nil {
			return err
		}
		if c.timedOut, err = c.sidecar.Bool(propTimedOut); err != nil {
			return err
		}
		if c.deadline, err = c.sidecar.Time(propDeadline); err != nil {
			return err
		}
	}
	if c.cfg.Timeout > 0 && c.deadline.IsZero() {
		c.deadline = c.clock.Now().Add(c.cfg.Timeout)
		if err := c.sidecar.SetTime(propDeadline, c.deadline); err != nil {
			return err
		}
	}
	return nil
}

func (c *Counter) Step(ctx context.Context) (bool, error) {
	if c.finished {
		return true, nil
	}
	if err := c.OnNewInput(ctx); err != nil {
		return false, err
	}
	return c.OnCheckOutput(ctx)
}

// OnNewInput admits new upstream ids up to the cap.
func (c *Counter) OnNewInput(ctx context.Context) error {
	if c.limitReached || c.timedOut {
		return nil
	}
	newIDs, skipped, err := c.newInput(false)
	if err != nil || skipped {
		return err
	}

	room := c.cfg.OutputSize - len(c.inserted)
	if room < len(newIDs) {
		newIDs = newIDs[:max(room, 0)]
	}
	if len(newIDs) > 0 {
		ids := newIDs
		if err := c.insertStep("emitItems", ids, func(context.Context) error {
			return c.markProcessed(ids)
		}); err != nil {
			return err
		}
	}
	if len(c.inserted) >= c.cfg.OutputSize {
		c.latch(propLimitReached, &c.limitReached)
	}
	return c.runSteps(ctx)
}

// OnCheckOutput emits processed items and closes the output when finished.
func (c *Counter) OnCheckOutput(ctx context.Context) (bool, error) {
	if !c.timedOut && !c.deadline.IsZero() && !c.clock.Now().Before(c.deadline) {
		c.latch(propTimedOut, &c.timedOut)
	}

	if _, err := c.flush(c.processed.Sorted()); err != nil {
		return false, err
	}

	pending := len(c.emitted.Difference(c.inserted.Sorted()))
	switch {
	case c.timedOut:
		return true, c.finish(ctx, "timeout")
	case c.limitReached && pending == 0:
		return true, c.finish(ctx, "output_size")
	}

	closed, err := c.upstreamClosed()
	if err != nil || !closed {
		return false, err
	}
	size, err := c.p.Input.Size()
	if err != nil {
		return false, errors.Wrap(err, "read upstream size")
	}
	if size <= len(c.inserted) && pending == 0 {
		return true, c.finish(ctx, "upstream_closed")
	}
	return false, nil
}

func (c *Counter) latch(key string, flag *bool) {
	*flag = true
	if err := c.sidecar.SetBool(key, true); err != nil {
		c.log.Warnw("Failed to persist latch", "latch", key, logger.FieldError, err)
	}
	c.log.Infow("Termination latched", "latch", key, logger.FieldCount, len(c.inserted), logger.FieldSymbol, sym.Subset)
}
