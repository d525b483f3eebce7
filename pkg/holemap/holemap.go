// Package holemap implements spec.md §4.2/§4.3's hole map: a sorted
// multiset of unclaimed byte ranges inside a string pool, queried with
// "give me a hole at least N bytes long" best-fit lookups.
package holemap

import "sort"

// Interval is a half-open byte range [Start, End) of unclaimed pool space.
type Interval struct {
	Start, End uint64
}

// Size returns the number of free bytes in the interval.
func (iv Interval) Size() uint64 { return iv.End - iv.Start }

// Map is a best-fit hole map. The zero value is an empty map.
type Map struct {
	intervals []Interval
}

// New returns an empty hole map.
func New() *Map { return &Map{} }

// Add records a newly-freed byte range. Adjacent intervals are merged so
// the map never reports two touching holes as distinct.
func (m *Map) Add(start, end uint64) {
	if end <= start {
		return
	}
	m.intervals = append(m.intervals, Interval{Start: start, End: end})
	m.coalesce()
}

func (m *Map) coalesce() {
	sort.Slice(m.intervals, func(i, j int) bool { return m.intervals[i].Start < m.intervals[j].Start })
	out := m.intervals[:0]
	for _, iv := range m.intervals {
		if n := len(out); n > 0 && out[n-1].End >= iv.Start {
			if iv.End > out[n-1].End {
				out[n-1].End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	m.intervals = out
}

// BestFit consumes the smallest interval at least size bytes long (ties
// broken by lowest start offset), returning its start offset. Any leftover
// space in the chosen interval is kept as a smaller hole.
func (m *Map) BestFit(size uint64) (offset uint64, ok bool) {
	best := -1
	for i, iv := range m.intervals {
		if iv.Size() < size {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if iv.Size() < m.intervals[best].Size() ||
			(iv.Size() == m.intervals[best].Size() && iv.Start < m.intervals[best].Start) {
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}

	chosen := m.intervals[best]
	offset = chosen.Start
	if chosen.Size() == size {
		m.intervals = append(m.intervals[:best], m.intervals[best+1:]...)
	} else {
		m.intervals[best].Start = chosen.Start + size
	}
	return offset, true
}

// Intervals returns a copy of the current free list, sorted by start
// offset, for callers that need to serialize or inspect the map.
func (m *Map) Intervals() []Interval {
	out := make([]Interval, len(m.intervals))
	copy(out, m.intervals)
	return out
}

// FreeBytes sums the size of every remaining hole.
func (m *Map) FreeBytes() uint64 {
	var total uint64
	for _, iv := range m.intervals {
		total += iv.Size()
	}
	return total
}
