package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/emfacilities/emfac/db"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/clock"
	qtest "github.com/emfacilities/emfac/internal/testing"
	"github.com/emfacilities/emfac/stream"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestStatus_RoundTripThroughRunDir(t *testing.T) {
	dir := t.TempDir()

	st, err := ReadStatus(dir)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st)
	assert.True(t, st.Active())

	require.NoError(t, WriteStatus(dir, StatusFinished))
	st, err = ReadStatus(dir)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, st)
	assert.False(t, st.Active())

	require.NoError(t, os.WriteFile(filepath.Join(dir, StatusFile), []byte("paused"), 0644))
	_, err = ReadStatus(dir)
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"new", "RUNNING", " finished\n", "Failed", "ABORTED"} {
		_, err := ParseStatus(s)
		assert.NoError(t, err, s)
	}
}

func TestDirProtocol_Outputs(t *testing.T) {
	dir := t.TempDir()
	mics, err := stream.OpenSQLite(filepath.Join(dir, "micrographs.sqlite"), stream.KindMicrograph, stream.ModeCreate, nil)
	require.NoError(t, err)
	_, err = mics.Append(stream.Item{Payload: stream.Micrograph{MicName: "m1"}})
	require.NoError(t, err)
	require.NoError(t, mics.Close())

	// node-private files are not outputs
	side, err := db.Open(filepath.Join(dir, "sidecar.sqlite"), nil)
	require.NoError(t, err)
	side.Close()

	require.NoError(t, WriteStatus(dir, StatusRunning))

	p := NewDirProtocol(dir, nil)
	defer p.Release()

	st, err := p.Status()
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	outs, err := p.Outputs()
	require.NoError(t, err)
	require.Len(t, outs, 1)
	size, err := outs["micrographs"].Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	r, err := OutputOfKind(p, stream.KindMicrograph)
	require.NoError(t, err)
	assert.Equal(t, "micrographs", r.Name())

	_, err = OutputOfKind(p, stream.KindCTF)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDirProtocol_Done(t *testing.T) {
	dir := t.TempDir()
	p := NewDirProtocol(dir, nil)
	defer p.Release()

	assert.False(t, p.Done(), "no STATUS yet")
	require.NoError(t, WriteStatus(dir, StatusRunning))
	assert.False(t, p.Done())
	require.NoError(t, os.WriteFile(filepath.Join(dir, StatusFile), []byte("paused"), 0644))
	assert.False(t, p.Done(), "unreadable status")
	require.NoError(t, WriteStatus(dir, StatusAborted))
	assert.True(t, p.Done())
}

func TestStaticProtocol(t *testing.T) {
	p := NewStaticProtocol("ctffind")
	p.AddOutput("outputCTF", stream.NewMemory("outputCTF", stream.KindCTF, nil))

	name, r, err := FirstOutput(p)
	require.NoError(t, err)
	assert.Equal(t, "outputCTF", name)
	assert.Equal(t, stream.KindCTF, r.Kind())

	p.SetStatus(StatusFailed)
	st, _ := p.Status()
	assert.False(t, st.Active())
}

func TestLocalSteps_TerminalWaitsForWakeAndPrerequisites(t *testing.T) {
	var order []string
	record := func(name string) StepFunc {
		return func(context.Context) error { order = append(order, name); return nil }
	}
	g := NewLocalSteps(record("close"), nil)

	a := g.Insert("batch-1", record("batch-1"))
	require.NoError(t, g.AddPrerequisites(g.Terminal(), a))

	n, err := g.RunPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, g.Finished())

	b := g.Insert("batch-2", record("batch-2"), a)
	require.NoError(t, g.AddPrerequisites(g.Terminal(), b))
	require.NoError(t, g.Wake(g.Terminal()))

	_, err = g.RunPending(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Finished())
	assert.Equal(t, []string{"batch-1", "batch-2", "close"}, order)

	pre, err := g.Prerequisites(g.Terminal())
	require.NoError(t, err)
	assert.Equal(t, []StepID{a, b}, pre)
}

func TestLocalSteps_FailedStepBlocksDependants(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	g := NewLocalSteps(nil, zap.New(core).Sugar())

	bad := g.Insert("bad", func(context.Context) error { return errors.New("disk full") })
	ran := false
	g.Insert("after-bad", func(context.Context) error { ran = true; return nil }, bad)
	require.NoError(t, g.AddPrerequisites(g.Terminal(), bad))
	require.NoError(t, g.Wake(g.Terminal()))

	_, err := g.RunPending(context.Background())
	require.Error(t, err)
	assert.False(t, ran)
	assert.False(t, g.Finished())
	st, _ := g.Status(bad)
	assert.Equal(t, StepFailed, st)
	assert.Equal(t, 1, logs.FilterMessage("Step failed").Len())

	assert.Error(t, g.AddPrerequisites(StepID(99)))
	assert.Error(t, g.AddPrerequisites(bad, bad))
}

func TestJobStore_CopyAndScheduleInSealOrder(t *testing.T) {
	handle := qtest.CreateTestDB(t, Migrations())
	store := NewJobStore(handle, clock.NewFake(epoch), nil)
	ctx := context.Background()

	var prev []string
	var ids []string
	for i := 1; i <= 3; i++ {
		job, err := store.CopyProtocol(ctx, "relion_2d", filepath.Join("run", "batch.sqlite"), i)
		require.NoError(t, err)
		assert.Equal(t, JobCopied, job.Status)
		require.NoError(t, store.ScheduleProtocol(ctx, job, prev...))
		prev = []string{job.ID}
		ids = append(ids, job.ID)
	}

	scheduled := JobScheduled
	jobs, err := store.List(ctx, &scheduled)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.ID)
		assert.Equal(t, i+1, job.Batch)
		require.NotNil(t, job.ScheduledAt)
	}
	assert.Empty(t, jobs[0].Prerequisites)
	assert.Equal(t, []string{ids[0]}, jobs[1].Prerequisites)
	assert.Equal(t, []string{ids[1]}, jobs[2].Prerequisites)

	require.NoError(t, store.SetStatus(ctx, ids[1], JobFailed, errors.New("relion crashed")))
	got, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "relion crashed", got.Error)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestJobStore_RejectsEmptyTemplate(t *testing.T) {
	handle := qtest.CreateTestDB(t, Migrations())
	store := NewJobStore(handle, nil, nil)

	_, err := store.CopyProtocol(context.Background(), "", "in.sqlite", 1)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
}

func TestRecorder(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := &Recorder{Next: NewLogNotifier(zap.New(core).Sugar())}

	require.NoError(t, r.Notify(context.Background(), Alarm{Probe: "ctf", Metric: "defocus_u", ItemID: 4, Value: 42000, Threshold: 40000}))
	require.Len(t, r.Alarms(), 1)
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "defocus_u=42000")
}
