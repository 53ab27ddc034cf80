package stream

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/clock"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func mic(name string) Micrograph {
	return Micrograph{FileName: name + ".mrc", MicName: name, SamplingRate: 1.1}
}

func TestMemory_AppendAssignsMonotonicIDs(t *testing.T) {
	m := NewMemory("micrographs", KindMicrograph, clock.NewFake(epoch))

	ids, err := AppendAll(m, mic("a"), mic("b"), mic("c"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	it, err := m.Append(Item{ID: 10, Payload: mic("d")})
	require.NoError(t, err)
	assert.Equal(t, int64(10), it.ID)

	it, err = m.Append(Item{Payload: mic("e")})
	require.NoError(t, err)
	assert.Equal(t, int64(11), it.ID)

	_, err = m.Append(Item{ID: 5, Payload: mic("f")})
	assert.True(t, errors.Is(err, errors.ErrSchemaViolation))
}

func TestMemory_MTimeAdvancesOnEveryAppend(t *testing.T) {
	// the clock never moves; mtime must still strictly advance
	m := NewMemory("micrographs", KindMicrograph, clock.NewFake(epoch))

	var last time.Time
	for i := 0; i < 5; i++ {
		_, err := m.Append(Item{Payload: mic("x")})
		require.NoError(t, err)
		mt, err := m.MTime()
		require.NoError(t, err)
		assert.True(t, mt.After(last), "append %d", i)
		last = mt
	}
}

func TestMemory_ClosedIsTerminal(t *testing.T) {
	m := NewMemory("ctfs", KindCTF, nil)
	_, err := m.Append(Item{Payload: CTF{MicID: 1, DefocusU: 20000, DefocusV: 19000}})
	require.NoError(t, err)
	require.NoError(t, m.SetState(StateClosed))

	_, err = m.Append(Item{Payload: CTF{MicID: 2}})
	assert.True(t, errors.Is(err, errors.ErrSetClosed))

	assert.True(t, errors.Is(m.SetState(StateOpen), errors.ErrSetClosed))

	closed, err := m.Closed()
	require.NoError(t, err)
	assert.True(t, closed)
	size, _ := m.Size()
	assert.Equal(t, 1, size)
}

func TestMemory_RejectsWrongKind(t *testing.T) {
	m := NewMemory("particles", KindParticle, nil)
	_, err := m.Append(Item{Payload: mic("a")})
	assert.True(t, errors.IsFatal(err))

	_, err = m.Append(Item{})
	assert.True(t, errors.Is(err, errors.ErrSchemaViolation))
}

func TestMemory_GetAndIter(t *testing.T) {
	fake := clock.NewFake(epoch)
	m := NewMemory("particles", KindParticle, fake)
	for i := 0; i < 6; i++ {
		fake.Advance(time.Second)
		_, err := m.Append(Item{Payload: Particle{MicID: int64(i / 2), X: float64(i)}})
		require.NoError(t, err)
	}

	it, err := m.Get(4)
	require.NoError(t, err)
	assert.Equal(t, float64(3), it.Payload.(Particle).X)
	assert.Equal(t, epoch.Add(4*time.Second), it.CreatedAt)

	_, err = m.Get(42)
	assert.True(t, errors.IsNotFoundError(err))

	items, err := m.Iter(Query{
		Order:   OrderByIDDesc,
		AfterID: 1,
		Where:   func(it Item) bool { return it.Payload.(Particle).MicID != 1 },
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(6), items[0].ID)
	assert.Equal(t, int64(5), items[1].ID)
}

func TestMemory_CopyInfoIsStructural(t *testing.T) {
	src := NewMemory("movies", KindMovie, nil)
	src.SetInfo(Acquisition{Voltage: 300, SphericalAberration: 2.7, AmplitudeContrast: 0.1, SamplingRate: 0.83})

	dst := NewMemory("subset", KindMovie, nil)
	require.NoError(t, dst.CopyInfo(src))

	src.SetInfo(Acquisition{Voltage: 200})
	_, err := dst.Append(Item{Payload: Movie{FileName: "m.tif"}})
	require.NoError(t, err)

	info, err := dst.Info()
	require.NoError(t, err)
	assert.Equal(t, 300.0, info.Voltage)
	assert.Equal(t, 0.83, info.SamplingRate)
}

func TestMemory_HoldsNonFinitePayloads(t *testing.T) {
	m := NewMemory("ctfs", KindCTF, nil)
	_, err := m.Append(Item{Payload: CTF{MicID: 1, Resolution: math.Inf(1)}})
	require.NoError(t, err)
	it, err := m.Get(1)
	require.NoError(t, err)
	assert.True(t, math.IsInf(it.Payload.(CTF).Resolution, 1))
}

func TestIDSet(t *testing.T) {
	s := NewIDSet(3, 1)
	s.Add(2)
	assert.True(t, s.Has(2))
	assert.Equal(t, []int64{1, 2, 3}, s.Sorted())
	assert.Equal(t, []int64{4, 5}, s.Difference([]int64{1, 4, 2, 5}))
	assert.Empty(t, s.Difference([]int64{1, 2}))
}
