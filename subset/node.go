// Package subset implements the streaming subset nodes: a count-gated
// counter, a proportional sampler and a batch launcher. Each node observes
// one growing upstream set, inserts processing steps into the host step
// graph and incrementally emits a downstream set.
//
// Emission is exactly-once across restarts: output items keep their
// upstream id, and on resume the node reseeds its inserted ids from the
// durable output set and the sidecar.
package subset

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/metric"
	"github.com/emfacilities/emfac/stream"
	"github.com/emfacilities/emfac/sym"
)

// SidecarFile is the sidecar database name inside a run directory.
const SidecarFile = "sidecar.sqlite"

// OutputOpener opens the node's output set; resume selects append mode.
type OutputOpener func(resume bool) (stream.Set, error)

// Params are shared by every subset node.
type Params struct {
	// Name identifies the node in logs and in the sidecar.
	Name string
	// RunDir holds sidecar.sqlite and, by default, the output set.
	RunDir string
	Input  stream.Reader
	// Producer is the upstream protocol; when it stops being active the
	// input is treated as closed. Optional.
	Producer host.Protocol
	// Output overrides the default <run>/<kind>s.sqlite output.
	Output OutputOpener
	// Steps defaults to an in-process host.LocalSteps.
	Steps host.StepGraph
	// Sidecar overrides the default <run>/sidecar.sqlite.
	Sidecar *Sidecar
	Resume  bool

	Clock   clock.Clock
	Logger  *zap.SugaredLogger
	Metrics *metric.Node
}

func (p Params) validate() error {
	if p.Name == "" {
		return errors.NewInvalidParameter("name", "node name is empty")
	}
	if p.Input == nil {
		return errors.NewInvalidParameter("input", "no input set")
	}
	if p.RunDir == "" && (p.Output == nil || p.Sidecar == nil) {
		return errors.NewInvalidParameter("run_dir", "a run directory is required unless output and sidecar are given")
	}
	return nil
}

// node is the common input-tracking and output-flushing logic.
type node struct {
	p       Params
	clock   clock.Clock
	log     *zap.SugaredLogger
	steps   host.StepGraph
	sidecar *Sidecar
	output  stream.Set

	inserted  stream.IDSet
	processed stream.IDSet
	emitted   stream.IDSet
	lastCheck time.Time
	seeded    bool
	finished  bool
}

func newNode(p Params, kind string) (*node, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	n := &node{
		p:         p,
		clock:     clock.OrReal(p.Clock),
		log:       logger.WithSymbol(logger.OrNop(p.Logger).Named(kind), sym.Subset).With(logger.FieldNode, p.Name),
		steps:     p.Steps,
		sidecar:   p.Sidecar,
		inserted:  stream.NewIDSet(),
		processed: stream.NewIDSet(),
		emitted:   stream.NewIDSet(),
	}
	if n.steps == nil {
		n.steps = host.NewLocalSteps(nil, n.log)
	}
	return n, nil
}

// init opens the sidecar and output set. It is idempotent.
func (n *node) init(ctx context.Context) error {
	if n.sidecar == nil {
		sc, err := OpenSidecar(filepath.Join(n.p.RunDir, SidecarFile), n.p.Name, n.log)
		if err != nil {
			return errors.Fatal(err)
		}
		n.sidecar = sc
	}
	if n.output != nil {
		return nil
	}

	if !n.p.Resume {
		if err := n.sidecar.Reset(); err != nil {
			return errors.Fatal(err)
		}
	}

	open := n.p.Output
	if open == nil {
		open = n.defaultOutput
	}
	out, err := open(n.p.Resume)
	if err != nil {
		return errors.Fatal(errors.Wrap(err, "open output set"))
	}
	n.output = out

	if err := out.CopyInfo(n.p.Input); err != nil {
		return errors.Wrap(err, "copy acquisition info")
	}

	if n.p.Resume {
		if n.lastCheck, err = n.sidecar.Time(propLastCheck); err != nil {
			return err
		}
	}
	n.log.Infow("Node initialised",
		"input", n.p.Input.Name(),
		"output", out.Name(),
		"resume", n.p.Resume,
		logger.FieldSymbol, sym.Open,
	)
	return nil
}

func (n *node) defaultOutput(resume bool) (stream.Set, error) {
	mode := stream.ModeCreate
	if resume {
		mode = stream.ModeAppend
	}
	kind := n.p.Input.Kind()
	return stream.OpenSQLite(filepath.Join(n.p.RunDir, kind.SetName()+".sqlite"), kind, mode, n.log)
}

// upstreamClosed reports whether the input can no longer grow.
func (n *node) upstreamClosed() (bool, error) {
	closed, err := n.p.Input.Closed()
	if err != nil || closed {
		return closed, err
	}
	if n.p.Producer == nil {
		return false, nil
	}
	st, err := n.p.Producer.Status()
	if err != nil {
		return false, errors.Wrapf(err, "status of %s", n.p.Producer.Name())
	}
	return !st.Active(), nil
}

// newInput is the input check: it returns the upstream ids not yet
// inserted, or skipped=true when the upstream has not changed since the
// last observation. force disables the skip.
func (n *node) newInput(force bool) (newIDs []int64, skipped bool, err error) {
	mtime, err := n.p.Input.MTime()
	if err != nil {
		return nil, false, errors.Wrap(err, "read upstream mtime")
	}
	if !force && n.seeded && !mtime.After(n.lastCheck) && len(n.inserted) > 0 {
		return nil, true, nil
	}

	ids, err := n.p.Input.IDs()
	if err != nil {
		return nil, false, errors.Wrap(err, "read upstream ids")
	}

	if !n.seeded {
		if err := n.seed(); err != nil {
			return nil, false, err
		}
	}

	newIDs = n.inserted.Difference(ids)
	n.lastCheck = mtime
	if err := n.sidecar.SetTime(propLastCheck, mtime); err != nil {
		n.log.Warnw("Failed to persist last check", logger.FieldError, err)
	}
	return newIDs, false, nil
}

// seed restores inserted/processed/emitted on the first tick of a resumed
// node: everything already in the output set or recorded as processed is
// never inserted again.
func (n *node) seed() error {
	n.seeded = true
	if !n.p.Resume {
		return nil
	}
	outIDs, err := n.output.IDs()
	if err != nil {
		return errors.Wrap(err, "read emitted ids")
	}
	recorded, err := n.sidecar.IDs(catEmitted)
	if err != nil {
		return err
	}
	processed, err := n.sidecar.IDs(catProcessed)
	if err != nil {
		return err
	}
	n.emitted.Add(outIDs...)
	n.emitted.Add(recorded...)
	n.processed.Add(processed...)
	n.inserted.Add(outIDs...)
	n.inserted.Add(recorded...)
	n.inserted.Add(processed...)

	n.log.Infow("Resumed from sidecar",
		"emitted", len(n.emitted),
		"processed", len(n.processed),
		logger.FieldSymbol, sym.Open,
	)
	return nil
}

// insertStep registers one processing step as a prerequisite of the
// terminal step and records its ids as inserted.
func (n *node) insertStep(name string, ids []int64, fn host.StepFunc) error {
	if err := n.sidecar.AddIDs(catInserted, ids...); err != nil {
		return err
	}
	id := n.steps.Insert(name, fn)
	if err := n.steps.AddPrerequisites(n.steps.Terminal(), id); err != nil {
		return errors.Wrap(err, "register step prerequisite")
	}
	n.inserted.Add(ids...)
	n.log.Debugw("Step inserted", "step", name, logger.FieldCount, len(ids))
	return nil
}

// markProcessed is called from inside a processing step.
func (n *node) markProcessed(ids []int64) error {
	if err := n.sidecar.AddIDs(catProcessed, ids...); err != nil {
		return err
	}
	n.processed.Add(ids...)
	return nil
}

// runSteps executes pending steps when the graph runs in-process.
func (n *node) runSteps(ctx context.Context) error {
	ex, ok := n.steps.(host.Executor)
	if !ok {
		return nil
	}
	_, err := ex.RunPending(ctx)
	return err
}

// flush is the output check: it appends every accepted id that has not
// been emitted yet, in ascending id order, and publishes the set OPEN.
func (n *node) flush(accepted []int64) (int, error) {
	pending := n.emitted.Difference(stream.SortedCopy(accepted))
	if len(pending) == 0 {
		return 0, nil
	}

	count := 0
	for _, id := range pending {
		it, err := n.p.Input.Get(id)
		if err != nil {
			return count, errors.Wrapf(err, "read upstream item %d", id)
		}
		if _, err := n.output.Append(stream.Item{ID: it.ID, CreatedAt: it.CreatedAt, Payload: it.Payload}); err != nil {
			if errors.Is(err, errors.ErrSetClosed) {
				return count, errors.Fatal(err)
			}
			return count, errors.Wrapf(err, "append item %d", id)
		}
		n.emitted.Add(id)
		count++
	}
	if err := n.sidecar.AddIDs(catEmitted, pending[:count]...); err != nil {
		n.log.Warnw("Failed to persist emitted ids", logger.FieldError, err)
	}
	if err := n.output.SetState(stream.StateOpen); err != nil {
		return count, err
	}
	n.p.Metrics.AddEmitted(count)

	size, _ := n.output.Size()
	n.log.Infow(fmt.Sprintf("Emitted %d items", count),
		logger.FieldCount, count,
		logger.FieldSize, size,
		logger.FieldSymbol, sym.Subset,
	)
	return count, nil
}

// finish closes the output set and wakes the terminal step.
func (n *node) finish(ctx context.Context, reason string) error {
	if err := n.output.SetState(stream.StateClosed); err != nil {
		return errors.Wrap(err, "close output set")
	}
	if err := n.steps.Wake(n.steps.Terminal()); err != nil {
		return errors.Wrap(err, "wake terminal step")
	}
	if err := n.runSteps(ctx); err != nil {
		n.log.Warnw("Terminal step failed", logger.FieldError, err)
	}
	n.finished = true

	size, _ := n.output.Size()
	n.log.Infow("Output closed",
		"reason", reason,
		logger.FieldSize, size,
		logger.FieldState, stream.StateClosed.String(),
		logger.FieldSymbol, sym.Close,
	)
	return nil
}

// Output returns the output set once the node is initialised.
func (n *node) Output() stream.Set { return n.output }

// Close releases the output handle and the sidecar.
func (n *node) Close() error {
	var first error
	if n.output != nil {
		if err := n.output.Close(); err != nil {
			first = err
		}
	}
	if n.sidecar != nil && n.p.Sidecar == nil {
		if err := n.sidecar.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
