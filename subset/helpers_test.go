package subset

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emfacilities/emfac/internal/clock"
	"github.com/emfacilities/emfac/stream"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// upstreamMics returns an OPEN micrograph set holding n items.
func upstreamMics(t *testing.T, n int) *stream.Memory {
	t.Helper()
	m := stream.NewMemory("micrographs", stream.KindMicrograph, clock.NewFake(epoch))
	m.SetInfo(stream.Acquisition{Voltage: 300, SamplingRate: 1.08})
	appendMics(t, m, n)
	return m
}

func appendMics(t *testing.T, m *stream.Memory, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.Append(stream.Item{Payload: stream.Micrograph{MicName: "mic", SamplingRate: 1.08}})
		require.NoError(t, err)
	}
}

// upstreamParticles returns a set of perMic particles for each of mics
// micrographs, grouped by consecutive micrograph ids starting at 1.
func upstreamParticles(t *testing.T, mics, perMic int) *stream.Memory {
	t.Helper()
	m := stream.NewMemory("particles", stream.KindParticle, clock.NewFake(epoch))
	for mic := 1; mic <= mics; mic++ {
		for i := 0; i < perMic; i++ {
			_, err := m.Append(stream.Item{Payload: stream.Particle{MicID: int64(mic), X: float64(i)}})
			require.NoError(t, err)
		}
	}
	return m
}

// memoryOutput returns an opener handing out one in-memory set.
func memoryOutput(kind stream.Kind) (OutputOpener, *stream.Memory) {
	out := stream.NewMemory("output", kind, nil)
	return func(bool) (stream.Set, error) { return out, nil }, out
}

func params(t *testing.T, name string, input stream.Reader) Params {
	t.Helper()
	return Params{
		Name:   name,
		RunDir: t.TempDir(),
		Input:  input,
		Clock:  clock.NewFake(epoch),
		Logger: zaptest.NewLogger(t).Sugar(),
	}
}

func readOutput(t *testing.T, path string) *stream.SQLite {
	t.Helper()
	s, err := stream.OpenSQLite(path, "", stream.ModeRead, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func outputPath(p Params, kind stream.Kind) string {
	return filepath.Join(p.RunDir, kind.SetName()+".sqlite")
}

func seq(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
