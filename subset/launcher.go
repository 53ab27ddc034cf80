package subset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/stream"
	"github.com/emfacilities/emfac/sym"
)

// CapPolicy bounds how much work a launcher forks.
type CapPolicy int

const (
	CapNone CapPolicy = iota
	// CapMaxJobs suppresses the seal after Limit batches and terminates.
	CapMaxJobs
	// CapMaxItems terminates once admitting another item would exceed Limit.
	CapMaxItems
)

func (c CapPolicy) String() string {
	switch c {
	case CapMaxJobs:
		return "MAX_JOBS"
	case CapMaxItems:
		return "MAX_ITEMS"
	default:
		return "NONE"
	}
}

// ParseCapPolicy parses NONE, MAX_JOBS or MAX_ITEMS (case-insensitive).
func ParseCapPolicy(s string) (CapPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return CapNone, nil
	case "MAX_JOBS":
		return CapMaxJobs, nil
	case "MAX_ITEMS":
		return CapMaxItems, nil
	default:
		return CapNone, errors.NewInvalidParameter("cap", "unknown cap policy %q", s)
	}
}

// GroupKey extracts the partition key of an item.
type GroupKey func(stream.Item) int64

// DefaultGroupKey groups particles and CTFs by micrograph and gains by
// movie; any other item is its own group.
func DefaultGroupKey(it stream.Item) int64 {
	switch p := it.Payload.(type) {
	case stream.Particle:
		return p.MicID
	case stream.CTF:
		return p.MicID
	case stream.MovieGain:
		return p.MovieID
	}
	return it.ID
}

// LauncherConfig configures a BatchLauncher.
type LauncherConfig struct {
	BatchSize      int
	StartingOffset int
	Cumulative     bool
	Cap            CapPolicy
	CapLimit       int
	GroupKey       GroupKey
	// Template names the downstream protocol copied for every batch.
	Template string
	// Launcher schedules downstream jobs; nil only seals batches.
	Launcher host.Launcher
	// OpenBatch overrides the default <run>/batch_<n>.sqlite sets.
	OpenBatch func(index int) (stream.Set, error)
}

// SealedBatch describes one sealed batch.
type SealedBatch struct {
	Index int
	Name  string
	Size  int
	JobID string
}

// BatchLauncher partitions the upstream by group key, seals a batch when
// the group changes and at least BatchSize items arrived since the last
// seal, and launches a downstream job per batch chained on the previous one.
type BatchLauncher struct {
	*node
	cfg LauncherConfig

	position     int64
	batch        []stream.Item
	fresh        int
	group        int64
	haveGroup    bool
	batchIndex   int
	seals        int
	admitted     int
	lastJob      string
	lastStep     host.StepID
	haveStep     bool
	limitReached bool
	sealed       []SealedBatch
	// unsaved holds observed ids not yet in the sidecar
	unsaved []int64
}

// NewBatchLauncher validates cfg and creates the node.
func NewBatchLauncher(p Params, cfg LauncherConfig) (*BatchLauncher, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.NewInvalidParameter("batch_size", "must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.StartingOffset < 0 {
		return nil, errors.NewInvalidParameter("starting_offset", "must not be negative, got %d", cfg.StartingOffset)
	}
	if cfg.Cap != CapNone && cfg.CapLimit <= 0 {
		return nil, errors.NewInvalidParameter("cap_limit", "%s needs a limit > 0, got %d", cfg.Cap, cfg.CapLimit)
	}
	if cfg.Launcher != nil && cfg.Template == "" {
		return nil, errors.NewInvalidParameter("template", "a downstream protocol template is required")
	}
	if cfg.GroupKey == nil {
		cfg.GroupKey = DefaultGroupKey
	}
	// batches are the outputs; the base output set is never opened
	p.Output = func(bool) (stream.Set, error) { return nil, nil }
	n, err := newNode(p, "launcher")
	if err != nil {
		return nil, err
	}
	return &BatchLauncher{node: n, cfg: cfg}, nil
}

// Sealed returns the batches sealed by this process.
func (l *BatchLauncher) Sealed() []SealedBatch {
	return append([]SealedBatch(nil), l.sealed...)
}

func (l *BatchLauncher) InitLoop(ctx context.Context) error {
	if l.sidecar == nil {
		sc, err := OpenSidecar(filepath.Join(l.p.RunDir, SidecarFile), l.p.Name, l.log)
		if err != nil {
			return errors.Fatal(err)
		}
		l.sidecar = sc
	}
	if l.seeded {
		return nil
	}
	l.seeded = true
	if !l.p.Resume {
		return errors.Fatal(l.sidecar.Reset())
	}
	return l.restore()
}

func (l *BatchLauncher) restore() error {
	inserted, err := l.sidecar.IDs(catInserted)
	if err != nil {
		return err
	}
	l.inserted.Add(inserted...)

	ints := map[string]*int64{propPosition: &l.position, propGroup: &l.group}
	for key, dst := range ints {
		if *dst, err = l.sidecar.Int(key); err != nil {
			return err
		}
	}
	small := map[string]*int{propFresh: &l.fresh, propBatchIndex: &l.batchIndex, propSeals: &l.seals, propAdmitted: &l.admitted}
	for key, dst := range small {
		v, err := l.sidecar.Int(key)
		if err != nil {
			return err
		}
		*dst = int(v)
	}
	if l.limitReached, err = l.sidecar.Bool(propLimitReached); err != nil {
		return err
	}
	if v, ok, err := l.sidecar.Get(propLastJob); err != nil {
		return err
	} else if ok {
		l.lastJob = v
	}

	batchIDs, err := l.sidecar.IDs(catBatch)
	if err != nil {
		return err
	}
	for _, id := range batchIDs {
		it, err := l.p.Input.Get(id)
		if err != nil {
			return errors.Wrapf(err, "restore in-flight item %d", id)
		}
		l.batch = append(l.batch, it)
	}
	l.haveGroup = len(l.batch) > 0

	l.log.Infow("Resumed launcher",
		logger.FieldBatch, l.batchIndex,
		"seals", l.seals,
		"admitted", l.admitted,
		"in_flight", len(l.batch),
		logger.FieldSymbol, sym.Open,
	)
	return nil
}

func (l *BatchLauncher) Step(ctx context.Context) (bool, error) {
	if l.finished {
		return true, nil
	}
	if err := l.OnNewInput(ctx); err != nil {
		return false, err
	}
	return l.OnCheckOutput(ctx)
}

// OnNewInput partitions new upstream items and seals batches.
func (l *BatchLauncher) OnNewInput(ctx context.Context) error {
	if l.limitReached {
		return nil
	}
	closed, err := l.upstreamClosed()
	if err != nil {
		return err
	}
	newIDs, skipped, err := l.newInput(closed)
	if err != nil || skipped {
		return err
	}

	defer func() {
		if err := l.persist(); err != nil {
			l.log.Warnw("Failed to persist launcher state", logger.FieldError, err)
		}
	}()

	for _, id := range newIDs {
		it, err := l.p.Input.Get(id)
		if err != nil {
			return errors.Wrapf(err, "read upstream item %d", id)
		}

		if l.position < int64(l.cfg.StartingOffset) {
			l.position++
			l.inserted.Add(id)
			l.unsaved = append(l.unsaved, id)
			continue
		}

		g := l.cfg.GroupKey(it)
		if l.haveGroup && g != l.group && l.fresh >= l.cfg.BatchSize {
			sealed, err := l.trySeal(ctx)
			if err != nil {
				return err
			}
			if !sealed {
				return nil
			}
		}

		if l.cfg.Cap == CapMaxItems && l.admitted+1 > l.cfg.CapLimit {
			l.latchLimit("max_items")
			return l.sealRemainder(ctx)
		}

		l.position++
		l.batch = append(l.batch, it)
		l.fresh++
		l.admitted++
		l.group = g
		l.haveGroup = true
		l.inserted.Add(id)
		l.unsaved = append(l.unsaved, id)
	}

	if closed {
		size, err := l.p.Input.Size()
		if err != nil {
			return errors.Wrap(err, "read upstream size")
		}
		if size <= len(l.inserted) {
			return l.sealRemainder(ctx)
		}
	}
	return nil
}

// sealRemainder seals the in-flight items added since the last seal.
func (l *BatchLauncher) sealRemainder(ctx context.Context) error {
	if l.fresh == 0 {
		return nil
	}
	_, err := l.trySeal(ctx)
	return err
}

// trySeal seals the in-flight batch unless the job cap suppresses it.
func (l *BatchLauncher) trySeal(ctx context.Context) (bool, error) {
	if l.cfg.Cap == CapMaxJobs && l.seals >= l.cfg.CapLimit {
		l.log.Infow("Seal suppressed by job cap", "seals", l.seals, "cap", l.cfg.CapLimit, logger.FieldSymbol, sym.Seal)
		l.latchLimit("max_jobs")
		return false, nil
	}
	if err := l.seal(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// seal materialises the batch set and launches its downstream job. Any
// failure here is fatal.
func (l *BatchLauncher) seal(ctx context.Context) error {
	index := l.batchIndex + 1

	set, err := l.openBatch(index)
	if err != nil {
		return errors.Fatal(errors.Wrapf(err, "seal batch %d", index))
	}
	if err := l.fill(set); err != nil {
		set.Close()
		return errors.Fatal(errors.Wrapf(err, "seal batch %d", index))
	}
	name := set.Name()
	input := name
	if s, ok := set.(*stream.SQLite); ok {
		input = s.Path()
	}
	if err := set.Close(); err != nil {
		return errors.Fatal(errors.Wrapf(err, "seal batch %d", index))
	}

	jobID := ""
	if l.cfg.Launcher != nil {
		job, err := l.cfg.Launcher.CopyProtocol(ctx, l.cfg.Template, input, index)
		if err != nil {
			return errors.Fatal(errors.Wrapf(err, "copy protocol for batch %d", index))
		}
		var prereqs []string
		if l.lastJob != "" {
			prereqs = []string{l.lastJob}
		}
		if err := l.cfg.Launcher.ScheduleProtocol(ctx, job, prereqs...); err != nil {
			return errors.Fatal(errors.Wrapf(err, "schedule batch %d", index))
		}
		jobID = job.ID
		l.lastJob = job.ID
	}

	var prevStep []host.StepID
	if l.haveStep {
		prevStep = []host.StepID{l.lastStep}
	}
	step := l.steps.Insert(fmt.Sprintf("launchBatch %d", index), nil, prevStep...)
	if err := l.steps.AddPrerequisites(l.steps.Terminal(), step); err != nil {
		return errors.Wrap(err, "register launch step")
	}
	l.lastStep, l.haveStep = step, true

	size := len(l.batch)
	l.batchIndex = index
	l.seals++
	l.fresh = 0
	if !l.cfg.Cumulative {
		l.batch = nil
	} else {
		l.batch = append([]stream.Item(nil), l.batch...)
	}
	l.sealed = append(l.sealed, SealedBatch{Index: index, Name: name, Size: size, JobID: jobID})
	l.p.Metrics.Seal()
	l.p.Metrics.AddEmitted(size)

	// a launched batch must be recorded before anything else happens, or a
	// resumed run would seal the same index and schedule a second job
	if err := l.persist(); err != nil {
		return errors.Fatal(errors.Wrapf(err, "record seal of batch %d", index))
	}

	l.log.Infow(fmt.Sprintf("Sealed batch %d", index),
		logger.FieldBatch, index,
		logger.FieldSize, size,
		logger.FieldJobID, jobID,
		"cumulative", l.cfg.Cumulative,
		logger.FieldSymbol, sym.Seal,
	)
	return nil
}

func (l *BatchLauncher) openBatch(index int) (stream.Set, error) {
	if l.cfg.OpenBatch != nil {
		return l.cfg.OpenBatch(index)
	}
	path := filepath.Join(l.p.RunDir, fmt.Sprintf("batch_%d.sqlite", index))
	return stream.OpenSQLite(path, l.p.Input.Kind(), stream.ModeCreate, l.log)
}

func (l *BatchLauncher) fill(set stream.Set) error {
	if err := set.CopyInfo(l.p.Input); err != nil {
		return err
	}
	for _, it := range l.batch {
		if _, err := set.Append(stream.Item{ID: it.ID, CreatedAt: it.CreatedAt, Payload: it.Payload}); err != nil {
			return err
		}
	}
	return set.SetState(stream.StateClosed)
}

func (l *BatchLauncher) latchLimit(reason string) {
	l.limitReached = true
	l.log.Infow("Launch cap reached", "reason", reason, "seals", l.seals, "admitted", l.admitted, logger.FieldSymbol, sym.Seal)
}

// OnCheckOutput reports termination: a latched cap, or a closed upstream
// whose every item has been observed and sealed.
func (l *BatchLauncher) OnCheckOutput(ctx context.Context) (bool, error) {
	done := l.limitReached
	if !done {
		closed, err := l.upstreamClosed()
		if err != nil || !closed {
			return false, err
		}
		size, err := l.p.Input.Size()
		if err != nil {
			return false, errors.Wrap(err, "read upstream size")
		}
		done = size <= len(l.inserted) && l.fresh == 0
	}
	if !done {
		return false, nil
	}

	if err := l.steps.Wake(l.steps.Terminal()); err != nil {
		return false, errors.Wrap(err, "wake terminal step")
	}
	if err := l.runSteps(ctx); err != nil {
		l.log.Warnw("Terminal step failed", logger.FieldError, err)
	}
	l.finished = true
	l.log.Infow("Launcher finished", "seals", l.seals, "admitted", l.admitted, logger.FieldSymbol, sym.Close)
	return true, nil
}

func (l *BatchLauncher) persist() error {
	if err := l.sidecar.AddIDs(catInserted, l.unsaved...); err != nil {
		return err
	}
	l.unsaved = l.unsaved[:0]
	batchIDs := make([]int64, len(l.batch))
	for i, it := range l.batch {
		batchIDs[i] = it.ID
	}
	if err := l.sidecar.ReplaceIDs(catBatch, batchIDs); err != nil {
		return err
	}
	for key, v := range map[string]int64{
		propPosition:   l.position,
		propGroup:      l.group,
		propFresh:      int64(l.fresh),
		propBatchIndex: int64(l.batchIndex),
		propSeals:      int64(l.seals),
		propAdmitted:   int64(l.admitted),
	} {
		if err := l.sidecar.SetInt(key, v); err != nil {
			return err
		}
	}
	if err := l.sidecar.SetBool(propLimitReached, l.limitReached); err != nil {
		return err
	}
	return l.sidecar.Set(propLastJob, l.lastJob)
}
