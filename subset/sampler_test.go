package subset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/stream"
)

func runSampler(t *testing.T, up stream.Reader, cfg SamplerConfig) []int64 {
	t.Helper()
	opener, out := memoryOutput(up.Kind())
	p := params(t, "sampler", up)
	p.Output = opener

	s, err := NewSampler(p, cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InitLoop(ctx))
	done, err := s.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	ids, err := out.IDs()
	require.NoError(t, err)
	closed, _ := out.Closed()
	assert.True(t, closed)
	return ids
}

func TestSampler_ProportionOverClosedUpstream(t *testing.T) {
	up := upstreamMics(t, 4700)
	require.NoError(t, up.SetState(stream.StateClosed))

	cfg := SamplerConfig{BatchSize: 1000, Proportion: 0.25, Seed: 42}
	first := runSampler(t, up, cfg)
	// 4 whole batches of 250 plus ⌊700·0.25⌋ from the tail
	assert.Len(t, first, 1175)
	assert.Equal(t, len(first), len(stream.NewIDSet(first...)))

	second := runSampler(t, up, cfg)
	assert.Equal(t, first, second)

	other := runSampler(t, up, SamplerConfig{BatchSize: 1000, Proportion: 0.25, Seed: 7})
	assert.Len(t, other, 1175)
	assert.NotEqual(t, first, other)
}

func TestSampler_BatchesAreDisjointAndOrdered(t *testing.T) {
	up := upstreamMics(t, 3000)
	require.NoError(t, up.SetState(stream.StateClosed))

	ids := runSampler(t, up, SamplerConfig{BatchSize: 1000, Proportion: 0.1, Seed: 3})
	require.Len(t, ids, 300)

	perBatch := map[int64]int{}
	for i, id := range ids {
		if i > 0 {
			assert.Greater(t, id, ids[i-1])
		}
		perBatch[(id-1)/1000]++
	}
	assert.Equal(t, map[int64]int{0: 100, 1: 100, 2: 100}, perBatch)
}

func TestSampler_WaitsForFullBatch(t *testing.T) {
	up := upstreamMics(t, 999)
	opener, out := memoryOutput(stream.KindMicrograph)
	p := params(t, "sampler", up)
	p.Output = opener

	s, err := NewSampler(p, SamplerConfig{BatchSize: 1000, Proportion: 0.5, Seed: 1})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.InitLoop(ctx))

	done, err := s.Step(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	size, _ := out.Size()
	assert.Zero(t, size)

	appendMics(t, up, 1)
	done, err = s.Step(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	size, _ = out.Size()
	assert.Equal(t, 500, size)

	// a short tail only counts once the upstream closes
	appendMics(t, up, 10)
	_, err = s.Step(ctx)
	require.NoError(t, err)
	size, _ = out.Size()
	assert.Equal(t, 500, size)

	require.NoError(t, up.SetState(stream.StateClosed))
	done, err = s.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	size, _ = out.Size()
	assert.Equal(t, 505, size)
}

func TestSampler_WholeBatchProperty(t *testing.T) {
	tests := []struct {
		batch int
		p     float64
		k     int
	}{
		{10, 0.3, 4},
		{100, 0.29, 3},
		{7, 1, 5},
		{50, 0.02, 6},
	}
	for _, tt := range tests {
		up := upstreamMics(t, tt.batch*tt.k)
		require.NoError(t, up.SetState(stream.StateClosed))
		ids := runSampler(t, up, SamplerConfig{BatchSize: tt.batch, Proportion: tt.p, Seed: 11})
		assert.Len(t, ids, tt.k*SampleSize(tt.batch, tt.p), "B=%d p=%v", tt.batch, tt.p)
	}
}

func TestSampleSize(t *testing.T) {
	assert.Equal(t, 250, SampleSize(1000, 0.25))
	assert.Equal(t, 175, SampleSize(700, 0.25))
	assert.Equal(t, 29, SampleSize(100, 0.29))
	assert.Equal(t, 3, SampleSize(10, 0.3))
	assert.Equal(t, 0, SampleSize(3, 0.2))
	assert.Equal(t, 7, SampleSize(7, 1))
}

func TestNewSampler_ValidatesParameters(t *testing.T) {
	p := params(t, "sampler", upstreamMics(t, 0))
	for _, prop := range []float64{0, -0.5, 1.01} {
		_, err := NewSampler(p, SamplerConfig{BatchSize: 10, Proportion: prop})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
		assert.Contains(t, errors.FlattenHints(err), "proportion")
	}
	_, err := NewSampler(p, SamplerConfig{BatchSize: 0, Proportion: 0.5})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))

	s, err := NewSampler(p, SamplerConfig{BatchSize: 10, Proportion: 0.5})
	require.NoError(t, err)
	assert.NotZero(t, s.Seed())
}

func TestSampler_ResumeKeepsSelection(t *testing.T) {
	up := upstreamMics(t, 200)
	p := params(t, "sampler", up)
	cfg := SamplerConfig{BatchSize: 100, Proportion: 0.2, Seed: 5}
	ctx := context.Background()

	first, err := NewSampler(p, cfg)
	require.NoError(t, err)
	require.NoError(t, first.InitLoop(ctx))
	_, err = first.Step(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	appendMics(t, up, 100)
	require.NoError(t, up.SetState(stream.StateClosed))

	p.Resume = true
	second, err := NewSampler(p, cfg)
	require.NoError(t, err)
	require.NoError(t, second.InitLoop(ctx))
	done, err := second.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, second.Close())

	out := readOutput(t, outputPath(p, stream.KindMicrograph))
	ids, err := out.IDs()
	require.NoError(t, err)
	assert.Len(t, ids, 60)
	assert.Equal(t, len(ids), len(stream.NewIDSet(ids...)))
}

func TestSampler_ResumeReusesDrawnSeed(t *testing.T) {
	up := upstreamMics(t, 200)
	p := params(t, "sampler", up)
	cfg := SamplerConfig{BatchSize: 100, Proportion: 0.2}
	ctx := context.Background()

	first, err := NewSampler(p, cfg)
	require.NoError(t, err)
	require.NoError(t, first.InitLoop(ctx))
	_, err = first.Step(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	appendMics(t, up, 100)
	require.NoError(t, up.SetState(stream.StateClosed))

	p.Resume = true
	second, err := NewSampler(p, cfg)
	require.NoError(t, err)
	require.NoError(t, second.InitLoop(ctx))
	assert.Equal(t, first.Seed(), second.Seed())
	done, err := second.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, second.Close())

	// an uninterrupted run pinned to the same seed picks the same items
	ref := params(t, "sampler", up)
	whole, err := NewSampler(ref, SamplerConfig{BatchSize: 100, Proportion: 0.2, Seed: first.Seed()})
	require.NoError(t, err)
	require.NoError(t, whole.InitLoop(ctx))
	done, err = whole.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, whole.Close())

	resumed, err := readOutput(t, outputPath(p, stream.KindMicrograph)).IDs()
	require.NoError(t, err)
	straight, err := readOutput(t, outputPath(ref, stream.KindMicrograph)).IDs()
	require.NoError(t, err)
	assert.Len(t, resumed, 60)
	assert.ElementsMatch(t, straight, resumed)
}
