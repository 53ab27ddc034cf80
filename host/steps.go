package host

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/logger"
)

// StepID identifies a step inside one node's step graph.
type StepID int

// StepFunc is the body of a processing step.
type StepFunc func(ctx context.Context) error

// StepStatus is the execution state of a step.
type StepStatus string

const (
	StepNew     StepStatus = "new"
	StepWaiting StepStatus = "waiting"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// StepGraph is the host's step-insertion API. Every node owns a terminal
// step created with wait=true; it only runs after Wake and after all of its
// prerequisites are done.
type StepGraph interface {
	Insert(name string, fn StepFunc, prerequisites ...StepID) StepID
	AddPrerequisites(step StepID, prerequisites ...StepID) error
	Terminal() StepID
	Wake(step StepID) error
}

// Executor is implemented by step graphs that run their steps in-process.
// Nodes call RunPending after inserting steps.
type Executor interface {
	RunPending(ctx context.Context) (int, error)
}

type step struct {
	id      StepID
	name    string
	fn      StepFunc
	prereqs []StepID
	wait    bool
	status  StepStatus
	err     error
}

// LocalSteps is an in-process StepGraph. Steps run in insertion order once
// their prerequisites are done; a failed step blocks its dependants but not
// unrelated steps.
type LocalSteps struct {
	mu    sync.Mutex
	steps []*step
	log   *zap.SugaredLogger
}

// NewLocalSteps creates a graph holding only the terminal step.
func NewLocalSteps(terminal StepFunc, log *zap.SugaredLogger) *LocalSteps {
	g := &LocalSteps{log: logger.OrNop(log).Named("steps")}
	g.steps = append(g.steps, &step{id: 0, name: "createOutputStep", fn: terminal, wait: true, status: StepWaiting})
	return g
}

func (g *LocalSteps) Terminal() StepID { return 0 }

func (g *LocalSteps) Insert(name string, fn StepFunc, prerequisites ...StepID) StepID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := StepID(len(g.steps))
	g.steps = append(g.steps, &step{
		id:      id,
		name:    name,
		fn:      fn,
		prereqs: append([]StepID(nil), prerequisites...),
		status:  StepNew,
	})
	return id
}

func (g *LocalSteps) AddPrerequisites(id StepID, prerequisites ...StepID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.getLocked(id)
	if err != nil {
		return err
	}
	for _, p := range prerequisites {
		if _, err := g.getLocked(p); err != nil {
			return err
		}
		if p == id {
			return errors.Newf("step %d cannot depend on itself", id)
		}
	}
	s.prereqs = append(s.prereqs, prerequisites...)
	return nil
}

func (g *LocalSteps) Wake(id StepID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.getLocked(id)
	if err != nil {
		return err
	}
	if s.status == StepWaiting {
		s.status = StepNew
	}
	return nil
}

// Status returns the status of a step.
func (g *LocalSteps) Status(id StepID) (StepStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.getLocked(id)
	if err != nil {
		return "", err
	}
	return s.status, nil
}

// Prerequisites returns the prerequisites of a step.
func (g *LocalSteps) Prerequisites(id StepID) ([]StepID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, err := g.getLocked(id)
	if err != nil {
		return nil, err
	}
	return append([]StepID(nil), s.prereqs...), nil
}

// Finished reports whether the terminal step has run.
func (g *LocalSteps) Finished() bool {
	st, _ := g.Status(g.Terminal())
	return st == StepDone
}

// RunPending runs every runnable step, repeating until no further step
// becomes runnable. It returns the number of steps run and the first step
// error.
func (g *LocalSteps) RunPending(ctx context.Context) (int, error) {
	ran := 0
	var first error
	for {
		s := g.nextRunnable()
		if s == nil {
			return ran, first
		}
		if err := ctx.Err(); err != nil {
			return ran, err
		}

		var err error
		if s.fn != nil {
			err = s.fn(ctx)
		}
		ran++

		g.mu.Lock()
		if err != nil {
			s.status = StepFailed
			s.err = err
		} else {
			s.status = StepDone
		}
		g.mu.Unlock()

		if err != nil {
			g.log.Warnw("Step failed", "step", s.name, "step_id", s.id, logger.FieldError, err)
			if first == nil {
				first = errors.Wrapf(err, "step %s (%d)", s.name, s.id)
			}
		}
	}
}

func (g *LocalSteps) nextRunnable() *step {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.steps {
		if s.status != StepNew {
			continue
		}
		ready := true
		for _, p := range s.prereqs {
			if g.steps[p].status != StepDone {
				ready = false
				break
			}
		}
		if ready {
			return s
		}
	}
	return nil
}

func (g *LocalSteps) getLocked(id StepID) (*step, error) {
	if id < 0 || int(id) >= len(g.steps) {
		return nil, errors.Wrapf(errors.ErrNotFound, "step %d", id)
	}
	return g.steps[id], nil
}
