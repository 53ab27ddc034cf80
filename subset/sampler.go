package subset

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/logger"
	"github.com/emfacilities/emfac/stream"
)

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	BatchSize  int
	Proportion float64
	// Seed pins the selection; zero draws a seed from the process source.
	Seed uint64
}

// Sampler emits ⌊|batch|·p⌋ uniformly chosen items of every batch of
// BatchSize upstream items. A short tail is sampled once the upstream
// closes.
type Sampler struct {
	*node
	cfg     SamplerConfig
	seed    uint64
	sample  stream.IDSet
	batches int
}

// NewSampler validates cfg and creates the node.
func NewSampler(p Params, cfg SamplerConfig) (*Sampler, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.NewInvalidParameter("batch_size", "must be > 0, got %d", cfg.BatchSize)
	}
	if !(cfg.Proportion > 0 && cfg.Proportion <= 1) {
		return nil, errors.NewInvalidParameter("proportion", "must be in (0, 1], got %v", cfg.Proportion)
	}
	n, err := newNode(p, "sampler")
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Sampler{node: n, cfg: cfg, seed: seed, sample: stream.NewIDSet()}, nil
}

// Seed returns the effective seed.
func (s *Sampler) Seed() uint64 { return s.seed }

func (s *Sampler) InitLoop(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	if s.p.Resume {
		sample, err := s.sidecar.IDSet(catSample)
		if err != nil {
			return err
		}
		s.sample = sample
		if err := s.restoreSeed(); err != nil {
			return err
		}
	}
	if err := s.sidecar.Set(propSeed, strconv.FormatUint(s.seed, 10)); err != nil {
		return errors.Fatal(errors.Wrap(err, "record sampler seed"))
	}
	s.log.Debugw("Sampler ready", "seed", s.seed, logger.FieldBatchSize, s.cfg.BatchSize, "proportion", s.cfg.Proportion)
	return nil
}

// restoreSeed takes over the seed of the interrupted run unless one is
// pinned, so resumed batches draw the same picks.
func (s *Sampler) restoreSeed() error {
	v, ok, err := s.sidecar.Get(propSeed)
	if err != nil || !ok {
		return err
	}
	stored, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parse sidecar %s", propSeed)
	}
	switch {
	case s.cfg.Seed == 0:
		s.seed = stored
	case s.cfg.Seed != stored:
		s.log.Warnw("Pinned seed differs from the interrupted run", "seed", s.cfg.Seed, "previous_seed", stored)
	}
	return nil
}

func (s *Sampler) Step(ctx context.Context) (bool, error) {
	if s.finished {
		return true, nil
	}
	if err := s.OnNewInput(ctx); err != nil {
		return false, err
	}
	return s.OnCheckOutput(ctx)
}

// OnNewInput cuts full batches in arrival order, plus the tail once the
// upstream is closed.
func (s *Sampler) OnNewInput(ctx context.Context) error {
	closed, err := s.upstreamClosed()
	if err != nil {
		return err
	}
	newIDs, skipped, err := s.newInput(closed)
	if err != nil || skipped {
		return err
	}

	for len(newIDs) >= s.cfg.BatchSize {
		if err := s.insertBatch(newIDs[:s.cfg.BatchSize]); err != nil {
			return err
		}
		newIDs = newIDs[s.cfg.BatchSize:]
	}
	if closed && len(newIDs) > 0 {
		if err := s.insertBatch(newIDs); err != nil {
			return err
		}
	}
	return s.runSteps(ctx)
}

func (s *Sampler) insertBatch(batch []int64) error {
	ids := append([]int64(nil), batch...)
	s.batches++
	return s.insertStep(fmt.Sprintf("sampleBatch %d", s.batches), ids, func(context.Context) error {
		picked := s.pick(ids)
		if err := s.sidecar.AddIDs(catSample, picked...); err != nil {
			return err
		}
		s.sample.Add(picked...)
		return s.markProcessed(ids)
	})
}

// pick draws ⌊len(ids)·p⌋ distinct ids without replacement. The generator
// is derived from the seed and the first id of the batch, so a batch
// selects the same ids across runs and restarts.
func (s *Sampler) pick(ids []int64) []int64 {
	k := SampleSize(len(ids), s.cfg.Proportion)
	r := rand.New(rand.NewPCG(s.seed, uint64(ids[0])))
	perm := r.Perm(len(ids))
	picked := make([]int64, k)
	for i := 0; i < k; i++ {
		picked[i] = ids[perm[i]]
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i] < picked[j] })
	return picked
}

// SampleSize is ⌊n·p⌋, tolerant to binary rounding of p.
func SampleSize(n int, p float64) int {
	return int(math.Floor(float64(n)*p + 1e-9))
}

// OnCheckOutput emits selected items and closes once every upstream id has
// been batched, processed and emitted.
func (s *Sampler) OnCheckOutput(ctx context.Context) (bool, error) {
	if _, err := s.flush(s.sample.Sorted()); err != nil {
		return false, err
	}

	closed, err := s.upstreamClosed()
	if err != nil || !closed {
		return false, err
	}
	size, err := s.p.Input.Size()
	if err != nil {
		return false, errors.Wrap(err, "read upstream size")
	}
	if size > len(s.inserted) || len(s.processed) < len(s.inserted) {
		return false, nil
	}
	if len(s.emitted.Difference(s.sample.Sorted())) > 0 {
		return false, nil
	}
	return true, s.finish(ctx, "upstream_closed")
}
