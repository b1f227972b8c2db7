// Package rangemap implements a generic, sorted, non-overlapping interval
// container, used for a process's memory regions, the kernel symbol
// table, and the unwinder's executable-region table: a fast
// address->value lookup as a flat sorted slice rather than a radix page
// table, since these maps hold at most a few thousand entries, not a
// whole address space's worth of 4K pages. Per-binary symbol indices
// (internal/symbols) do not use it; symbol ranges may overlap, so they
// keep their own sorted slice.
package rangemap

import (
	"fmt"
	"sort"

	"github.com/nperf/collate/internal/errs"
)

type entry[V any] struct {
	start, end uint64
	value      V
}

// RangeMap is a sorted array of half-open [start, end) ranges, each
// carrying a value, with no two ranges allowed to overlap.
type RangeMap[V any] struct {
	entries []entry[V]
}

// New returns an empty RangeMap.
func New[V any]() *RangeMap[V] {
	return &RangeMap[V]{}
}

// Push inserts [start, end) -> value in sorted position. It fails with
// ErrRangeMapViolation if the new range overlaps an existing one or is
// inverted (start >= end) -- callers (the replay engine) treat this as
// fatal, since it indicates archive corruption.
func (m *RangeMap[V]) Push(start, end uint64, value V) error {
	if start >= end {
		return fmt.Errorf("%w: inverted range [%d, %d)", errs.ErrRangeMapViolation, start, end)
	}
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].start >= start
	})
	if i > 0 && m.entries[i-1].end > start {
		return fmt.Errorf("%w: [%d, %d) overlaps [%d, %d)", errs.ErrRangeMapViolation, start, end, m.entries[i-1].start, m.entries[i-1].end)
	}
	if i < len(m.entries) && m.entries[i].start < end {
		return fmt.Errorf("%w: [%d, %d) overlaps [%d, %d)", errs.ErrRangeMapViolation, start, end, m.entries[i].start, m.entries[i].end)
	}
	m.entries = append(m.entries, entry[V]{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = entry[V]{start: start, end: end, value: value}
	return nil
}

// RemoveByExactRange deletes the entry whose range is exactly
// [start, end). It fails with ErrRangeMapViolation if no such entry
// exists.
func (m *RangeMap[V]) RemoveByExactRange(start, end uint64) error {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].start >= start
	})
	if i >= len(m.entries) || m.entries[i].start != start || m.entries[i].end != end {
		return fmt.Errorf("%w: no entry for [%d, %d)", errs.ErrRangeMapViolation, start, end)
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return nil
}

// Lookup returns the value whose range contains point, if any.
func (m *RangeMap[V]) Lookup(point uint64) (V, bool) {
	idx, ok := m.LookupIndex(point)
	if !ok {
		var zero V
		return zero, false
	}
	return m.entries[idx].value, true
}

// LookupIndex is like Lookup but returns the entry's index, for callers
// (kernel symbols) that use the index itself as a stable
// handle to decode later.
func (m *RangeMap[V]) LookupIndex(point uint64) (int, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].start > point
	}) - 1
	if i < 0 || m.entries[i].end <= point {
		return 0, false
	}
	return i, true
}

// Len reports how many entries the map holds.
func (m *RangeMap[V]) Len() int { return len(m.entries) }

// At returns the range and value of the entry at index i.
func (m *RangeMap[V]) At(i int) (start, end uint64, value V) {
	e := m.entries[i]
	return e.start, e.end, e.value
}

// Values returns a copy of every stored value, in ascending range order.
func (m *RangeMap[V]) Values() []V {
	out := make([]V, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.value
	}
	return out
}
