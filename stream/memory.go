package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/internal/clock"
)

// Memory is an in-process streaming set. Producers stubbed in tests and
// host adapters that already hold items in memory use it.
type Memory struct {
	mu    sync.RWMutex
	name  string
	kind  Kind
	items []Item
	index map[int64]int
	maxID int64
	state State
	mtime time.Time
	info  Acquisition
	clock clock.Clock
}

// NewMemory creates an empty OPEN set of the given kind.
func NewMemory(name string, kind Kind, c clock.Clock) *Memory {
	return &Memory{
		name:  name,
		kind:  kind,
		index: make(map[int64]int),
		clock: clock.OrReal(c),
	}
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) Kind() Kind   { return m.kind }

func (m *Memory) Size() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

func (m *Memory) State() (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

func (m *Memory) Closed() (bool, error) {
	s, err := m.State()
	return s == StateClosed, err
}

func (m *Memory) MTime() (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mtime, nil
}

func (m *Memory) IDs() ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, len(m.items))
	for i, it := range m.items {
		ids[i] = it.ID
	}
	return ids, nil
}

func (m *Memory) Get(id int64) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.index[id]
	if !ok {
		return Item{}, errors.Wrapf(errors.ErrNotFound, "item %d in set %s", id, m.name)
	}
	return m.items[idx], nil
}

func (m *Memory) Iter(q Query) ([]Item, error) {
	m.mu.RLock()
	items := make([]Item, len(m.items))
	copy(items, m.items)
	m.mu.RUnlock()
	return applyQuery(items, q), nil
}

func (m *Memory) Info() (Acquisition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info, nil
}

func (m *Memory) Append(item Item) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return Item{}, errors.Wrapf(errors.ErrSetClosed, "append to %s", m.name)
	}
	if err := checkKind(m.name, m.kind, item); err != nil {
		return Item{}, err
	}

	switch {
	case item.ID == 0:
		item.ID = m.maxID + 1
	case item.ID <= m.maxID:
		return Item{}, errors.NewSchemaViolation("set %s: id %d not above watermark %d", m.name, item.ID, m.maxID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.clock.Now()
	}

	m.index[item.ID] = len(m.items)
	m.items = append(m.items, item)
	m.maxID = item.ID
	m.touchLocked()
	return item, nil
}

func (m *Memory) CopyInfo(other Reader) error {
	info, err := other.Info()
	if err != nil {
		return errors.Wrapf(err, "read acquisition of %s", other.Name())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
	return nil
}

// SetInfo sets the acquisition metadata directly (producer side).
func (m *Memory) SetInfo(info Acquisition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

func (m *Memory) SetState(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed && s == StateOpen {
		return errors.Wrapf(errors.ErrSetClosed, "reopen %s", m.name)
	}
	if m.state != s {
		m.state = s
		m.touchLocked()
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) touchLocked() {
	now := m.clock.Now()
	if !now.After(m.mtime) {
		now = m.mtime.Add(time.Nanosecond)
	}
	m.mtime = now
}

// AppendAll appends payloads in order and returns the assigned ids.
func AppendAll(s Set, payloads ...Payload) ([]int64, error) {
	ids := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		it, err := s.Append(Item{Payload: p})
		if err != nil {
			return ids, err
		}
		ids = append(ids, it.ID)
	}
	return ids, nil
}

// SortedCopy returns ids sorted ascending without mutating the input.
func SortedCopy(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func checkKind(name string, want Kind, item Item) error {
	if item.Payload == nil {
		return errors.NewSchemaViolation("set %s: item without payload", name)
	}
	if want != "" && item.Kind() != want {
		return errors.NewSchemaViolation("set %s holds %s items, got %s", name, want, item.Kind())
	}
	return nil
}
