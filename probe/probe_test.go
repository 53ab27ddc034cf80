package probe

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/internal/util"
	"github.com/emfacilities/emfac/stream"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func ctfProducer(t *testing.T, items ...stream.CTF) (*host.StaticProtocol, *stream.Memory) {
	t.Helper()
	set := stream.NewMemory("ctfs", stream.KindCTF, clock.NewFake(epoch))
	for _, c := range items {
		_, err := set.Append(stream.Item{Payload: c})
		require.NoError(t, err)
	}
	p := host.NewStaticProtocol("ctffind")
	p.AddOutput("ctfs", set)
	return p, set
}

func testParams(t *testing.T, n host.Notifier) Params {
	return Params{
		RunDir:   t.TempDir(),
		Notifier: n,
		Clock:    clock.NewFake(epoch),
		Logger:   zaptest.NewLogger(t).Sugar(),
	}
}

func step(t *testing.T, s interface {
	InitLoop(context.Context) error
	Step(context.Context) (bool, error)
}) bool {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InitLoop(ctx))
	done, err := s.Step(ctx)
	require.NoError(t, err)
	return done
}

func TestCTFProbe_ThresholdAlarm(t *testing.T) {
	producer, _ := ctfProducer(t,
		stream.CTF{MicID: 1, DefocusU: 42000, DefocusV: 41000, DefocusAngle: 30, Resolution: 3.1},
	)
	rec := &host.Recorder{}
	p, err := NewCTF(testParams(t, rec), producer, CTFThresholds{MaxDefocus: 40000})
	require.NoError(t, err)
	defer p.Close()

	assert.False(t, step(t, p))

	alarms := rec.Alarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, "ctf", alarms[0].Probe)
	assert.Equal(t, "defocus_u", alarms[0].Metric)
	assert.Equal(t, int64(1), alarms[0].ItemID)
	assert.Equal(t, 42000.0, alarms[0].Value)
	assert.Equal(t, 40000.0, alarms[0].Threshold)

	rows, err := p.Log().Since(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 42000.0, rows[0].Value("defocus_u"))
	assert.Equal(t, 41000.0, rows[0].Value("defocus_v"))
	assert.Equal(t, 1000.0, rows[0].Value("astigmatism"))
	assert.Equal(t, 30.0, rows[0].Value("angle"))
}

func TestCTFProbe_SwappedDefocusRegression(t *testing.T) {
	// pins the convention: swap the pair and reflect the angle to 180-θ
	producer, _ := ctfProducer(t,
		stream.CTF{MicID: 7, DefocusU: 18000, DefocusV: 21000, DefocusAngle: 40, PhaseShift: util.Ptr(0.35), Resolution: 4},
	)
	core, logs := observer.New(zapcore.WarnLevel)
	params := testParams(t, nil)
	params.Logger = zap.New(core).Sugar()
	p, err := NewCTF(params, producer, CTFThresholds{})
	require.NoError(t, err)
	defer p.Close()

	step(t, p)

	rows, err := p.Log().Since(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 21000.0, rows[0].Value("defocus_u"))
	assert.Equal(t, 18000.0, rows[0].Value("defocus_v"))
	assert.Equal(t, 140.0, rows[0].Value("angle"))
	assert.Equal(t, 0.35, rows[0].Value("phase_shift"))
	assert.Equal(t, 1, logs.FilterMessage("Numeric anomaly normalised").Len())
}

func TestCTFProbe_NonFiniteAndMissingValues(t *testing.T) {
	producer, _ := ctfProducer(t,
		stream.CTF{MicID: 1, DefocusU: 15000, DefocusV: 14000, Resolution: math.Inf(1), FitQuality: math.NaN()},
	)
	p, err := NewCTF(testParams(t, nil), producer, CTFThresholds{MaxResolution: 8})
	require.NoError(t, err)
	defer p.Close()

	step(t, p)

	rows, err := p.Log().Since(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0, rows[0].Value("resolution"))
	assert.Equal(t, 0.0, rows[0].Value("fit_quality"))
	assert.Equal(t, 0.0, rows[0].Value("phase_shift"))
}

func TestItemProbe_OneRowPerItem(t *testing.T) {
	producer, set := ctfProducer(t,
		stream.CTF{MicID: 1, DefocusU: 10000, DefocusV: 9000},
		stream.CTF{MicID: 2, DefocusU: 11000, DefocusV: 9000},
	)
	producer.SetStatus(host.StatusRunning)
	p, err := NewCTF(testParams(t, nil), producer, CTFThresholds{})
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	assert.False(t, step(t, p))
	done, err := p.Step(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = set.Append(stream.Item{Payload: stream.CTF{MicID: 3, DefocusU: 12000, DefocusV: 9000}})
	require.NoError(t, err)
	producer.SetStatus(host.StatusFinished)

	done, err = p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done, "probe finishes once the producer leaves RUNNING")

	rows, err := p.Log().Since(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].ID, rows[i-1].ID)
		assert.False(t, rows[i].Timestamp.Before(rows[i-1].Timestamp))
	}
	assert.Equal(t, []int64{1, 2, 3}, []int64{rows[0].ItemID, rows[1].ItemID, rows[2].ItemID})

	later, err := p.Log().Since(ctx, rows[0].ID, 0)
	require.NoError(t, err)
	assert.Len(t, later, 2)
}

func TestItemProbe_ProducerFailsBeforeOutput(t *testing.T) {
	producer := host.NewStaticProtocol("ctffind")
	p, err := NewCTF(testParams(t, nil), producer, CTFThresholds{})
	require.NoError(t, err)
	defer p.Close()

	assert.False(t, step(t, p))
	producer.SetStatus(host.StatusFailed)
	done, err := p.Step(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestItemProbe_WrongPayloadIsFatal(t *testing.T) {
	set := stream.NewMemory("ctfs", stream.KindCTF, nil)
	producer := host.NewStaticProtocol("ctffind")
	producer.AddOutput("ctfs", badKindReader{set})
	_, err := set.Append(stream.Item{Payload: stream.CTF{MicID: 1}})
	require.NoError(t, err)

	p, err := NewGain(testParams(t, nil), producer, GainThresholds{})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.InitLoop(ctx))
	_, err = p.Step(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

// badKindReader advertises movie gains but holds CTFs.
type badKindReader struct{ *stream.Memory }

func (badKindReader) Kind() stream.Kind { return stream.KindMovieGain }

func TestGainProbe_Alarms(t *testing.T) {
	set := stream.NewMemory("movie_gains", stream.KindMovieGain, nil)
	for _, g := range []stream.MovieGain{
		{MovieID: 1, StdDev: 0.2, Ratio1: 1.1, Ratio2: 1.2},
		{MovieID: 2, StdDev: 0.9, Ratio1: 1.1, Ratio2: math.Inf(1), ResidualGainPath: "gain/movie2.mrc"},
	} {
		_, err := set.Append(stream.Item{Payload: g})
		require.NoError(t, err)
	}
	producer := host.NewStaticProtocol("gain")
	producer.AddOutput("movie_gains", set)

	rec := &host.Recorder{}
	p, err := NewGain(testParams(t, rec), producer, GainThresholds{MaxStdDev: 0.5, MaxRatio2: 2})
	require.NoError(t, err)
	defer p.Close()
	step(t, p)

	alarms := rec.Alarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, "std_dev", alarms[0].Metric)
	assert.Equal(t, int64(2), alarms[0].ItemID)

	rows, err := p.Log().Untransferred(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gain/movie2.mrc", rows[0].Path("gain_path"))
	assert.Equal(t, 0.0, rows[0].Value("ratio2"))
}

type fakeSampler struct {
	samples []Usage
	i       int
}

func (f *fakeSampler) Sample(context.Context) (Usage, error) {
	if f.i >= len(f.samples) {
		return Usage{}, errors.New("no more samples")
	}
	u := f.samples[f.i]
	f.i++
	return u, nil
}

func TestSystemProbe_HighWaterMarks(t *testing.T) {
	sampler := &fakeSampler{samples: []Usage{
		{CPU: 50, Mem: 40},
		{CPU: 95, Mem: 40},
		{CPU: 97, Mem: 40},
		{CPU: 20, Mem: 40},
		{CPU: 99, Mem: 40},
	}}
	watched := host.NewStaticProtocol("ctffind")
	rec := &host.Recorder{}
	p, err := NewSystem(testParams(t, rec), sampler, SystemThresholds{CPU: 90}, watched)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.InitLoop(ctx))
	for i := 0; i < 4; i++ {
		done, err := p.Step(ctx)
		require.NoError(t, err)
		assert.False(t, done)
	}
	watched.SetStatus(host.StatusFinished)
	done, err := p.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	alarms := rec.Alarms()
	require.Len(t, alarms, 2, "one alarm per crossing")
	assert.Equal(t, int64(2), alarms[0].ItemID)
	assert.Equal(t, int64(5), alarms[1].ItemID)

	n, err := p.Log().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSystemProbe_SampleFailureIsTransient(t *testing.T) {
	p, err := NewSystem(testParams(t, nil), &fakeSampler{}, SystemThresholds{})
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.InitLoop(ctx))
	_, err = p.Step(ctx)
	require.Error(t, err)
	assert.False(t, errors.IsFatal(err))
}

func TestNewSystem_ValidatesMarks(t *testing.T) {
	_, err := NewSystem(testParams(t, nil), &fakeSampler{}, SystemThresholds{Swap: 120})
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
}

func TestCreateLog_RecreatesEachRun(t *testing.T) {
	path := LogPath(t.TempDir(), TableCTF)
	ctx := context.Background()

	first, err := CreateLog(path, TableCTF, nil)
	require.NoError(t, err)
	_, inserted, err := first.Insert(ctx, epoch, 1, Record{})
	require.NoError(t, err)
	assert.True(t, inserted)
	_, inserted, err = first.Insert(ctx, epoch, 1, Record{})
	require.NoError(t, err)
	assert.False(t, inserted, "fingerprint (probe, item_id) is unique")
	require.NoError(t, first.Close())

	second, err := CreateLog(path, TableCTF, nil)
	require.NoError(t, err)
	defer second.Close()
	n, err := second.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenLog_MissingAndTransfer(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenLog(LogPath(dir, TableGain), TableGain, nil)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = CreateLog(LogPath(dir, "unknown"), "unknown", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))

	w, err := CreateLog(LogPath(dir, TableGain), TableGain, nil)
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()
	id, _, err := w.Insert(ctx, epoch, 4, Record{Paths: map[string]string{"gain_path": "g.mrc"}})
	require.NoError(t, err)

	r, err := OpenLog(LogPath(dir, TableGain), TableGain, nil)
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.MarkTransferred(ctx, id))
	rows, err := r.Untransferred(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = os.Stat(LogPath(dir, TableGain))
	assert.NoError(t, err)
}

func TestNormalizeDefocus(t *testing.T) {
	tests := []struct {
		name                   string
		u, v, angle            float64
		wantU, wantV, wantAngl float64
		swapped                bool
	}{
		{"ordered", 20000, 19000, 45, 20000, 19000, 45, false},
		{"equal", 20000, 20000, 10, 20000, 20000, 10, false},
		{"swapped", 19000, 20000, 45, 20000, 19000, 135, true},
		{"swapped zero angle", 1, 2, 0, 2, 1, 180, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, v, a, swapped := NormalizeDefocus(tt.u, tt.v, tt.angle)
			assert.Equal(t, tt.wantU, u)
			assert.Equal(t, tt.wantV, v)
			assert.Equal(t, tt.wantAngl, a)
			assert.Equal(t, tt.swapped, swapped)
		})
	}
}

func TestFinite(t *testing.T) {
	for _, v := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		got, changed := Finite(v)
		assert.Zero(t, got)
		assert.True(t, changed)
	}
	got, changed := Finite(2.5)
	assert.Equal(t, 2.5, got)
	assert.False(t, changed)
}
