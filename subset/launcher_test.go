package subset

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/stream"
)

type memoryBatches struct {
	sets map[int]*stream.Memory
}

func (m *memoryBatches) open(index int) (stream.Set, error) {
	if m.sets == nil {
		m.sets = map[int]*stream.Memory{}
	}
	s := stream.NewMemory("batch", stream.KindParticle, nil)
	m.sets[index] = s
	return s, nil
}

func (m *memoryBatches) ids(t *testing.T, index int) []int64 {
	t.Helper()
	s, ok := m.sets[index]
	require.True(t, ok, "batch %d", index)
	ids, err := s.IDs()
	require.NoError(t, err)
	return ids
}

func runLauncher(t *testing.T, l *BatchLauncher) bool {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.InitLoop(ctx))
	done, err := l.Step(ctx)
	require.NoError(t, err)
	return done
}

func sizes(batches []SealedBatch) []int {
	out := make([]int, len(batches))
	for i, b := range batches {
		out[i] = b.Size
	}
	return out
}

func TestBatchLauncher_CumulativeWithJobCap(t *testing.T) {
	// 50 micrographs with 100 particles each, still streaming
	up := upstreamParticles(t, 50, 100)
	batches := &memoryBatches{}

	l, err := NewBatchLauncher(params(t, "launcher", up), LauncherConfig{
		BatchSize:  1000,
		Cumulative: true,
		Cap:        CapMaxJobs,
		CapLimit:   3,
		OpenBatch:  batches.open,
	})
	require.NoError(t, err)
	defer l.Close()

	assert.True(t, runLauncher(t, l))
	assert.Equal(t, []int{1000, 2000, 3000}, sizes(l.Sealed()))
	assert.Len(t, batches.sets, 3)

	// cumulative batches are prefixes of each other
	assert.Equal(t, seq(1, 1000), batches.ids(t, 1))
	assert.Equal(t, seq(1, 2000), batches.ids(t, 2))
	assert.Equal(t, seq(1, 3000), batches.ids(t, 3))
	for _, s := range batches.sets {
		closed, _ := s.Closed()
		assert.True(t, closed)
	}
}

func TestBatchLauncher_PartitionWithOffset(t *testing.T) {
	// groups of 30 particles; offset drops the first 45 items
	up := upstreamParticles(t, 20, 30)
	require.NoError(t, up.SetState(stream.StateClosed))
	batches := &memoryBatches{}

	l, err := NewBatchLauncher(params(t, "launcher", up), LauncherConfig{
		BatchSize:      100,
		StartingOffset: 45,
		OpenBatch:      batches.open,
	})
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, runLauncher(t, l))

	var union []int64
	seen := stream.NewIDSet()
	for i := 1; i <= len(batches.sets); i++ {
		for _, id := range batches.ids(t, i) {
			assert.False(t, seen.Has(id), "item %d in two batches", id)
			seen.Add(id)
			union = append(union, id)
		}
	}
	assert.Equal(t, seq(46, 600), union)

	// every batch but the closing remainder holds at least BatchSize items
	sealed := l.Sealed()
	for _, b := range sealed[:len(sealed)-1] {
		assert.GreaterOrEqual(t, b.Size, 100)
	}
}

func TestBatchLauncher_NeverSplitsAGroup(t *testing.T) {
	up := upstreamParticles(t, 10, 70)
	require.NoError(t, up.SetState(stream.StateClosed))
	batches := &memoryBatches{}

	l, err := NewBatchLauncher(params(t, "launcher", up), LauncherConfig{BatchSize: 100, OpenBatch: batches.open})
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, runLauncher(t, l))

	// 70 < 100 so every seal waits for a second micrograph
	assert.Equal(t, []int{140, 140, 140, 140, 140}, sizes(l.Sealed()))
}

func TestBatchLauncher_MaxItems(t *testing.T) {
	up := upstreamParticles(t, 10, 50)
	batches := &memoryBatches{}

	l, err := NewBatchLauncher(params(t, "launcher", up), LauncherConfig{
		BatchSize: 100,
		Cap:       CapMaxItems,
		CapLimit:  230,
		OpenBatch: batches.open,
	})
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, runLauncher(t, l))

	// two full batches, then the 30 admitted items are flushed
	assert.Equal(t, []int{100, 100, 30}, sizes(l.Sealed()))
}

func TestBatchLauncher_SchedulesChainedJobs(t *testing.T) {
	up := upstreamParticles(t, 6, 50)
	require.NoError(t, up.SetState(stream.StateClosed))

	p := params(t, "launcher", up)
	store, err := host.OpenJobStore(filepath.Join(p.RunDir, "jobs.sqlite"), clock.NewFake(epoch), nil)
	require.NoError(t, err)
	defer store.Close()

	l, err := NewBatchLauncher(p, LauncherConfig{BatchSize: 100, Template: "relion_class2d", Launcher: store})
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, runLauncher(t, l))

	jobs, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, i+1, job.Batch)
		assert.Equal(t, filepath.Join(p.RunDir, fmt.Sprintf("batch_%d.sqlite", i+1)), job.InputPath)
		if i == 0 {
			assert.Empty(t, job.Prerequisites)
		} else {
			assert.Equal(t, []string{jobs[i-1].ID}, job.Prerequisites)
		}
	}

	batch := readOutput(t, jobs[1].InputPath)
	size, err := batch.Size()
	require.NoError(t, err)
	assert.Equal(t, 100, size)

	// a failed downstream job is the host's concern
	require.NoError(t, store.SetStatus(context.Background(), jobs[0].ID, host.JobFailed, errors.New("exit 1")))
	done, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBatchLauncher_SealFailureIsFatal(t *testing.T) {
	up := upstreamParticles(t, 4, 100)
	require.NoError(t, up.SetState(stream.StateClosed))

	l, err := NewBatchLauncher(params(t, "launcher", up), LauncherConfig{
		BatchSize: 100,
		OpenBatch: func(int) (stream.Set, error) { return nil, errors.New("no space left on device") },
	})
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.InitLoop(ctx))
	_, err = l.Step(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestBatchLauncher_ResumeContinuesPartition(t *testing.T) {
	up := upstreamParticles(t, 3, 60)
	batches := &memoryBatches{}
	p := params(t, "launcher", up)
	cfg := LauncherConfig{BatchSize: 100, OpenBatch: batches.open}
	ctx := context.Background()

	first, err := NewBatchLauncher(p, cfg)
	require.NoError(t, err)
	require.NoError(t, first.InitLoop(ctx))
	_, err = first.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{120}, sizes(first.Sealed()))
	require.NoError(t, first.Close())

	for i := 0; i < 60; i++ {
		_, err := up.Append(stream.Item{Payload: stream.Particle{MicID: 4}})
		require.NoError(t, err)
	}
	require.NoError(t, up.SetState(stream.StateClosed))

	p.Resume = true
	second, err := NewBatchLauncher(p, cfg)
	require.NoError(t, err)
	require.NoError(t, second.InitLoop(ctx))
	done, err := second.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, []int{120}, sizes(second.Sealed()))
	assert.Equal(t, 2, second.Sealed()[0].Index)
	assert.Equal(t, seq(121, 240), batches.ids(t, 2))
}

// dyingHost records launched batches. When the batch named by dieAt is
// copied it runs die first, standing in for the process being killed.
type dyingHost struct {
	launched []int
	dieAt    int
	die      func()
}

func (h *dyingHost) CopyProtocol(_ context.Context, template, input string, batch int) (*host.Job, error) {
	if batch == h.dieAt && h.die != nil {
		h.die()
		h.die = nil
		return nil, errors.New("killed")
	}
	h.launched = append(h.launched, batch)
	return &host.Job{ID: fmt.Sprintf("job-%d", batch), Template: template, InputPath: input, Batch: batch}, nil
}

func (h *dyingHost) ScheduleProtocol(context.Context, *host.Job, ...string) error { return nil }

func TestBatchLauncher_KilledAfterSealDoesNotRelaunch(t *testing.T) {
	up := upstreamParticles(t, 4, 100)
	require.NoError(t, up.SetState(stream.StateClosed))
	p := params(t, "launcher", up)
	path := filepath.Join(p.RunDir, SidecarFile)
	ctx := context.Background()

	sc, err := OpenSidecar(path, "launcher", nil)
	require.NoError(t, err)
	p.Sidecar = sc
	jobs := &dyingHost{dieAt: 2}
	batches := &memoryBatches{}
	cfg := LauncherConfig{BatchSize: 100, Template: "relion_class2d", Launcher: jobs, OpenBatch: batches.open}

	first, err := NewBatchLauncher(p, cfg)
	require.NoError(t, err)
	// batch 1 is launched in the same tick; the end-of-tick save never lands
	jobs.die = func() { require.NoError(t, sc.Close()) }
	require.NoError(t, first.InitLoop(ctx))
	_, err = first.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, []int{1}, jobs.launched)

	sc, err = OpenSidecar(path, "launcher", nil)
	require.NoError(t, err)
	t.Cleanup(func() { sc.Close() })
	snap, err := sc.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Seals)
	assert.Equal(t, 100, snap.Inserted)

	p.Sidecar = sc
	p.Resume = true
	second, err := NewBatchLauncher(p, cfg)
	require.NoError(t, err)
	require.NoError(t, second.InitLoop(ctx))
	done, err := second.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, []int{1, 2, 3, 4}, jobs.launched, "batch 1 is not launched twice")
	assert.Equal(t, 2, second.Sealed()[0].Index)
	assert.Equal(t, seq(101, 200), batches.ids(t, 2))
}

func TestParseCapPolicy(t *testing.T) {
	for in, want := range map[string]CapPolicy{"": CapNone, "none": CapNone, "MAX_JOBS": CapMaxJobs, "max_items": CapMaxItems} {
		got, err := ParseCapPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCapPolicy("MAX_BATCHES")
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
}

func TestNewBatchLauncher_ValidatesParameters(t *testing.T) {
	p := params(t, "launcher", upstreamParticles(t, 1, 1))
	_, err := NewBatchLauncher(p, LauncherConfig{BatchSize: 0})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
	_, err = NewBatchLauncher(p, LauncherConfig{BatchSize: 10, Cap: CapMaxJobs})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
	_, err = NewBatchLauncher(p, LauncherConfig{BatchSize: 10, StartingOffset: -1})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
}
