// Package stream implements the append-only, id-keyed streaming sets that
// producer nodes expose and subset nodes emit.
//
// A set is ordered by item id. Ids are unique and monotonically assigned;
// once a set is CLOSED its size is final. MTime advances on every append so
// readers can skip a rescan when nothing changed.
package stream

import (
	"sort"
	"time"
)

// State is the stream-state marker of a set.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "CLOSED"
	}
	return "OPEN"
}

// ParseState is the inverse of State.String.
func ParseState(s string) State {
	if s == "CLOSED" {
		return StateClosed
	}
	return StateOpen
}

// Acquisition is the microscope metadata copied from the first input set to
// every output set.
type Acquisition struct {
	Voltage             float64 `json:"voltage"`
	SphericalAberration float64 `json:"spherical_aberration"`
	AmplitudeContrast   float64 `json:"amplitude_contrast"`
	Magnification       float64 `json:"magnification"`
	SamplingRate        float64 `json:"sampling_rate"`
	DosePerFrame        float64 `json:"dose_per_frame"`
}

// Order selects the iteration order of Iter.
type Order int

const (
	OrderByID Order = iota
	OrderByIDDesc
	OrderByCreated
)

// Query filters and orders an iteration. The zero value returns every item
// in ascending id order.
type Query struct {
	Order   Order
	AfterID int64
	Where   func(Item) bool
	Limit   int
}

// Reader is the read-only view the engine has of upstream sets.
type Reader interface {
	Name() string
	Kind() Kind
	Size() (int, error)
	State() (State, error)
	Closed() (bool, error)
	MTime() (time.Time, error)
	// IDs returns every id in ascending order.
	IDs() ([]int64, error)
	Get(id int64) (Item, error)
	Iter(q Query) ([]Item, error)
	Info() (Acquisition, error)
}

// Set is a writable streaming set owned by exactly one producer.
type Set interface {
	Reader
	// Append stores item, assigning max_id+1 when item.ID is zero.
	Append(item Item) (Item, error)
	// CopyInfo copies acquisition metadata from other; later appends do not disturb it.
	CopyInfo(other Reader) error
	SetState(s State) error
	// Close releases the handle. It does not change the stream state.
	Close() error
}

// IDSet is a small helper for the set algebra the subset nodes perform.
type IDSet map[int64]struct{}

// NewIDSet builds an IDSet from ids.
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(ids ...int64) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Difference returns the ids of all that are not in s, preserving order.
func (s IDSet) Difference(all []int64) []int64 {
	var out []int64
	for _, id := range all {
		if !s.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func applyQuery(items []Item, q Query) []Item {
	var out []Item
	for _, it := range items {
		if it.ID <= q.AfterID {
			continue
		}
		if q.Where != nil && !q.Where(it) {
			continue
		}
		out = append(out, it)
	}
	switch q.Order {
	case OrderByIDDesc:
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	case OrderByCreated:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
