package report

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/host"
	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/probe"
	"github.com/emfacilities/emfac/stream"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type doneFlag struct{ done bool }

func (d *doneFlag) Done() bool { return d.done }

// recordingRunner records every publish command. failOn lists 1-based call
// numbers that fail.
type recordingRunner struct {
	calls  [][]string
	failOn map[int]bool
}

func (r *recordingRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.failOn[len(r.calls)] {
		return []byte("connection refused"), errors.New("exit status 1")
	}
	return nil, nil
}

func fakeRender(src, dir string, _ int) (string, error) {
	return filepath.Join(dir, filepath.Base(src)+".png"), nil
}

func ctfProtocol(t *testing.T, items int) *host.StaticProtocol {
	t.Helper()
	out := stream.NewMemory("outputCTF", stream.KindCTF, clock.NewFake(epoch))
	out.SetInfo(stream.Acquisition{Voltage: 300, SphericalAberration: 2.7, AmplitudeContrast: 0.1, SamplingRate: 1.08})
	for i := 0; i < items; i++ {
		_, err := out.Append(stream.Item{Payload: stream.CTF{MicID: int64(i + 1), DefocusU: 15000, DefocusV: 14000}})
		require.NoError(t, err)
	}
	p := host.NewStaticProtocol("ctffind")
	p.AddOutput("outputCTF", out)
	return p
}

func seedCTFLog(t *testing.T, runDir string, rows int) {
	t.Helper()
	log, err := probe.CreateLog(probe.LogPath(runDir, probe.TableCTF), probe.TableCTF, nil)
	require.NoError(t, err)
	defer log.Close()
	for i := 1; i <= rows; i++ {
		_, _, err := log.Insert(context.Background(), epoch.Add(time.Duration(i)*time.Minute), int64(i), probe.Record{
			Values: map[string]float64{"defocus_u": 15000 + float64(i), "defocus_v": 14000, "resolution": 3.5},
			Paths:  map[string]string{"mic_path": filepath.Join(runDir, "mics", fmt.Sprintf("mic_%03d.mrc", i))},
		})
		require.NoError(t, err)
	}
}

func newAssembler(t *testing.T, runDir string, system Doner, pub Publisher, clk clock.Clock, minInterval time.Duration) *Assembler {
	t.Helper()
	a, err := New(Config{
		Project:            "apoferritin",
		RunDir:             runDir,
		Interval:           time.Minute,
		Summary:            ProtocolSummary{Protocols: []host.Protocol{ctfProtocol(t, 3)}},
		System:             system,
		Publisher:          pub,
		PublishMinInterval: minInterval,
		Clock:              clk,
		Logger:             zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	a.thumbs.render = fakeRender
	require.NoError(t, a.InitLoop(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAssembler_PublishesOncePerTick(t *testing.T) {
	ctx := context.Background()
	run := t.TempDir()
	seedCTFLog(t, run, 2)

	runner := &recordingRunner{}
	pub, err := NewCommandPublisher("scp %(REPORT_FOLDER)s host:", runner.run, nil)
	require.NoError(t, err)

	system := &doneFlag{}
	a := newAssembler(t, run, system, pub, clock.NewFake(epoch), 0)

	for tick := 1; tick <= 3; tick++ {
		done, err := a.Step(ctx)
		require.NoError(t, err)
		assert.False(t, done)
		require.Len(t, runner.calls, tick, "one publish per rendered tick")
	}
	assert.Equal(t, []string{"scp", a.Folder(), "host:"}, runner.calls[0])
	assert.Equal(t, filepath.Join(run, "extra", "apoferritin"), a.Folder())

	system.done = true
	done, err := a.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, runner.calls, 4)

	// latched: no further renders or publishes
	done, err = a.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, runner.calls, 4)
	assert.Equal(t, 4, a.Published())

	html, err := os.ReadFile(filepath.Join(a.Folder(), "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "apoferritin")
	assert.Contains(t, string(html), "ctffind")
	assert.Contains(t, string(html), "mic_thumbs")

	entries, err := os.ReadDir(a.Folder())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, '.', rune(e.Name()[0]), "temp file left behind: %s", e.Name())
	}
}

func TestAssembler_FinalPublishFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{failOn: map[int]bool{1: true}}
	pub, err := NewCommandPublisher("rsync -a '%(REPORT_FOLDER)s' host:/var/www/", runner.run, nil)
	require.NoError(t, err)

	a := newAssembler(t, t.TempDir(), &doneFlag{done: true}, pub, clock.NewFake(epoch), 0)

	done, err := a.Step(ctx)
	require.NoError(t, err, "publish failures are not fatal")
	assert.False(t, done)
	assert.Equal(t, 0, a.Published())

	done, err = a.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, runner.calls, 2)
	assert.Equal(t, 1, a.Published())
}

func TestAssembler_ThrottleBypassedOnFinalRender(t *testing.T) {
	ctx := context.Background()
	runner := &recordingRunner{}
	pub, err := NewCommandPublisher("scp -r %(REPORT_FOLDER)s host:", runner.run, nil)
	require.NoError(t, err)

	clk := clock.NewFake(epoch)
	system := &doneFlag{}
	a := newAssembler(t, t.TempDir(), system, pub, clk, time.Hour)

	step := func() bool {
		done, err := a.Step(ctx)
		require.NoError(t, err)
		return done
	}

	step()
	assert.Len(t, runner.calls, 1)
	step()
	assert.Len(t, runner.calls, 1, "throttled")

	clk.Advance(time.Hour)
	step()
	assert.Len(t, runner.calls, 2)

	system.done = true
	assert.True(t, step())
	assert.Len(t, runner.calls, 3, "final render is always published")
}

func TestAssembler_WithoutProbeLogs(t *testing.T) {
	a := newAssembler(t, t.TempDir(), nil, nil, clock.NewFake(epoch), 0)

	// the summarised protocol is still RUNNING
	done, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.FileExists(t, filepath.Join(a.Folder(), "index.html"))
	assert.Nil(t, a.ctf.log)
}

func TestAssembler_SystemNodeInItsOwnRunDir(t *testing.T) {
	ctx := context.Background()
	run, sysDir := t.TempDir(), t.TempDir()

	sysLog, err := probe.CreateLog(probe.LogPath(sysDir, probe.TableSystem), probe.TableSystem, nil)
	require.NoError(t, err)
	_, _, err = sysLog.Insert(ctx, epoch, 1, probe.Record{Values: map[string]float64{"cpu": 40, "mem": 60}})
	require.NoError(t, err)
	require.NoError(t, sysLog.Close())
	require.NoError(t, host.WriteStatus(sysDir, host.StatusRunning))

	system := host.NewDirProtocol(sysDir, nil)
	defer system.Release()
	a, err := New(Config{
		Project:  "apoferritin",
		RunDir:   run,
		Interval: time.Minute,
		Summary:  ProtocolSummary{Protocols: []host.Protocol{ctfProtocol(t, 1)}},
		System:   system,
		LogDirs:  map[string]string{probe.TableSystem: sysDir},
		Clock:    clock.NewFake(epoch),
		Logger:   zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	require.NoError(t, a.InitLoop(ctx))
	defer a.Close()

	done, err := a.Step(ctx)
	require.NoError(t, err)
	assert.False(t, done, "system node still RUNNING")
	require.NotNil(t, a.system.log)
	assert.Len(t, a.system.rows, 1)
	assert.Nil(t, a.ctf.log, "ctf is still read from the report run dir")

	require.NoError(t, host.WriteStatus(sysDir, host.StatusFinished))
	done, err = a.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestLogDir(t *testing.T) {
	dirs := map[string]string{probe.TableSystem: "/runs/system"}
	assert.Equal(t, "/runs/system", LogDir("/runs/report", dirs, probe.TableSystem))
	assert.Equal(t, "/runs/report", LogDir("/runs/report", dirs, probe.TableCTF))
	assert.Equal(t, "/runs/report", LogDir("/runs/report", nil, probe.TableGain))
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{RunDir: t.TempDir(), Summary: ProtocolSummary{}})
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	_, err = New(Config{Project: "p", Summary: ProtocolSummary{}})
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)

	_, err = New(Config{Project: "p", RunDir: t.TempDir()})
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}

func TestCommandPublisher_KeepsFolderOneArgument(t *testing.T) {
	p, err := NewCommandPublisher("rsync -av %(REPORT_FOLDER)s/ 'web host:/srv/reports'", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"rsync", "-av", "/data/run 1/extra/p/", "web host:/srv/reports"}, p.Command("/data/run 1/extra/p"))

	_, err = NewCommandPublisher("scp 'unterminated", nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
	_, err = NewCommandPublisher("   ", nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidParameter)
}

func TestObjectKeyAndContentType(t *testing.T) {
	assert.Equal(t, "proj/mic_thumbs/1.png", ObjectKey("proj", filepath.Join("mic_thumbs", "1.png")))
	assert.Equal(t, "index.html", ObjectKey("", "index.html"))
	assert.Equal(t, "image/png", ContentType("a.png"))
	assert.Equal(t, "application/octet-stream", ContentType("a.unknownext"))
}

func TestRateHistory_Trend(t *testing.T) {
	h := NewRateHistory(time.Minute, 10)
	at := func(m int) time.Time { return epoch.Add(time.Duration(m) * time.Minute) }

	assert.Equal(t, Rate{Trend: TrendFlat}, h.Observe("ctf", at(0), 0))

	r := h.Observe("ctf", at(1), 10)
	assert.Equal(t, 10.0, r.Delta)
	assert.Equal(t, TrendFlat, r.Trend, "no history yet")

	r = h.Observe("ctf", at(2), 30)
	assert.Equal(t, 20.0, r.Delta)
	assert.Equal(t, 10.0, r.Mean)
	assert.Equal(t, TrendUp, r.Trend)

	r = h.Observe("ctf", at(3), 31)
	assert.Equal(t, TrendDown, r.Trend)

	r = h.Observe("ctf", at(4), 41)
	assert.Equal(t, TrendFlat, r.Trend)

	// outputs are tracked independently
	assert.Equal(t, TrendFlat, h.Observe("other", at(4), 500).Trend)
}

func TestRateHistory_NormalisesToInterval(t *testing.T) {
	h := NewRateHistory(time.Minute, 10)
	h.Observe("mics", epoch, 0)
	r := h.Observe("mics", epoch.Add(30*time.Second), 10)
	assert.InDelta(t, 20.0, r.Delta, 1e-9)
}

func TestRateHistory_WindowIsBounded(t *testing.T) {
	h := NewRateHistory(time.Minute, 5)
	for i := 0; i < 50; i++ {
		h.Observe("x", epoch.Add(time.Duration(i)*time.Minute), i)
	}
	assert.Len(t, h.samples["x"], 5)
	assert.Len(t, h.deltas["x"], 5)
}

func ctfRows(n int) []probe.Row {
	rows := make([]probe.Row, n)
	for i := range rows {
		rows[i] = probe.Row{
			ID:        int64(i + 1),
			Timestamp: epoch.Add(time.Duration(i) * time.Minute),
			ItemID:    int64(i + 1),
			Record: probe.Record{Values: map[string]float64{
				"defocus_u":  10000 + float64(i%20)*500,
				"resolution": 3,
			}},
		}
	}
	return rows
}

func TestBuildCTFData_SplitsAtThreshold(t *testing.T) {
	small := BuildCTFData(ctfRows(SplitMin-1), 0.5)
	require.NotNil(t, small.Defocus)
	assert.Nil(t, small.First)
	assert.Nil(t, small.Last)
	assert.Equal(t, SplitMin-1, sum(small.Defocus.Counts))

	big := BuildCTFData(ctfRows(SplitMin), 0.5)
	assert.Nil(t, big.Defocus)
	require.NotNil(t, big.First)
	require.NotNil(t, big.Last)
	assert.Equal(t, SplitMin-SplitTail, sum(big.First.Counts))
	assert.Equal(t, SplitTail, sum(big.Last.Counts))
	assert.Len(t, big.DefocusU, SplitMin)
	assert.Equal(t, 1.0, big.DefocusU[0][1], "defocus is reported in microns")
	assert.Equal(t, float64(epoch.UnixMilli()), big.DefocusU[0][0])
}

func TestNewHistogram(t *testing.T) {
	h := NewHistogram([]float64{1.05, 1.2, 1.74, 2.0}, 0.5)
	assert.Equal(t, 1.0, h.Start)
	assert.Equal(t, []int{2, 1, 1}, h.Counts)

	assert.Empty(t, NewHistogram(nil, 0.5).Counts)
	assert.Empty(t, NewHistogram([]float64{math.NaN()}, 0.5).Counts)
}

func TestNewHistogram_OutlierWidensBins(t *testing.T) {
	h := NewHistogram([]float64{2.0, 2.1, 1e11, math.Inf(1)}, 0.1)
	assert.LessOrEqual(t, len(h.Counts), MaxBins)
	assert.Greater(t, h.Width, 0.1)
	assert.Equal(t, 3, sum(h.Counts), "non-finite values are not counted")
	assert.Equal(t, 2, h.Counts[0])
	assert.Equal(t, 1, h.Counts[len(h.Counts)-1])

	rows := ctfRows(2)
	rows[1].Values["defocus_u"] = 1e15
	data := BuildCTFData(rows, 0.1)
	require.NotNil(t, data.Defocus)
	assert.LessOrEqual(t, len(data.Defocus.Counts), MaxBins)
	assert.Equal(t, 2, sum(data.Defocus.Counts))
}

func sum(v []int) int {
	n := 0
	for _, x := range v {
		n += x
	}
	return n
}

func TestProtocolSummary(t *testing.T) {
	p := ctfProtocol(t, 3)
	idle := host.NewStaticProtocol("extract")
	idle.SetStatus(host.StatusNew)

	sum, err := ProtocolSummary{Protocols: []host.Protocol{p, idle}}.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Outputs, 2)
	assert.Equal(t, OutputSummary{Protocol: "ctffind", Status: "RUNNING", Output: "outputCTF", Size: 3, State: "OPEN"}, sum.Outputs[0])
	assert.Equal(t, OutputSummary{Protocol: "extract", Status: "NEW"}, sum.Outputs[1])
	assert.Equal(t, Line{"Voltage (kV)", "300"}, sum.Acquisition[0])
}
