// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package interval implements sorted interval maps used to index physical
// and virtual address ranges. All maps are immutable after construction and
// answer lookups in O(log n) via binary search for the greatest interval
// begin that is <= the queried address.
//
// Four flavors exist. Simple, Data and Offsets share the same backing
// layout (parallel sorted arrays) and differ only in their payload.
// Overlapping is structurally different: it supports many-to-one ranges by
// precomputing, for every distinct interval limit, the set of values active
// inside the segment that starts there.
package interval

import "sort"

// A Span is a half-open interval [Begin, End).
type Span struct {
	Begin uint64
	End   uint64
}

// An OffsetSpan is a half-open interval carrying a base offset: the address
// Begin corresponds to Offset, Begin+1 to Offset+1, and so on.
type OffsetSpan struct {
	Begin  uint64
	End    uint64
	Offset uint64
}

// A DataSpan is a half-open interval carrying an opaque payload.
type DataSpan[V any] struct {
	Begin uint64
	End   uint64
	Value V
}

// A MultiSpan is a half-open interval carrying the set of values active over
// it. Used only by Overlapping.
type MultiSpan struct {
	Begin  uint64
	End    uint64
	Values []uint64
}

// A Run is one contiguous piece of a range lookup result.
type Run struct {
	Start  uint64 // address where the run begins
	Size   uint64 // bytes available in this run
	Offset uint64 // offset corresponding to Start
}

// search returns the index of the greatest begin <= x, or -1.
func search(begins []uint64, x uint64) int {
	return sort.Search(len(begins), func(i int) bool { return begins[i] > x }) - 1
}

// Simple maps addresses to membership in a set of disjoint intervals.
type Simple struct {
	begins []uint64
	ends   []uint64
}

// NewSimple fuses the given intervals (adjacent spans merge) and indexes
// them. Input order is preserved during fusion; the fused set is then sorted
// by begin. Empty input yields a map on which every lookup misses.
func NewSimple(spans []Span) *Simple {
	m := &Simple{}
	var prev Span
	have := false
	flush := func() {
		if have {
			m.begins = append(m.begins, prev.Begin)
			m.ends = append(m.ends, prev.End)
		}
	}
	for _, s := range spans {
		if have && prev.End == s.Begin {
			prev.End = s.End
			continue
		}
		flush()
		prev = s
		have = true
	}
	flush()
	sort.Sort(byBegin{m.begins, func(i, j int) { m.ends[i], m.ends[j] = m.ends[j], m.ends[i] }})
	return m
}

// Lookup returns x's distance from the begin of the interval containing it.
func (m *Simple) Lookup(x uint64) (uint64, bool) {
	idx := search(m.begins, x)
	if idx < 0 || x >= m.ends[idx] {
		return 0, false
	}
	return x - m.begins[idx], true
}

// Contains reports whether [x, x+size] lies inside a single interval. Note
// the closed upper bound: a range whose last byte is end-1 is rejected, so
// size bytes fit only when x+size < end.
func (m *Simple) Contains(x, size uint64) bool {
	idx := search(m.begins, x)
	if idx < 0 || x >= m.ends[idx] {
		return false
	}
	return x+size < m.ends[idx]
}

// Spans returns the fused intervals in ascending order.
func (m *Simple) Spans() []Span {
	out := make([]Span, len(m.begins))
	for i := range m.begins {
		out[i] = Span{m.begins[i], m.ends[i]}
	}
	return out
}

// Extremes returns the lowest begin and the highest end.
func (m *Simple) Extremes() (uint64, uint64) {
	if len(m.begins) == 0 {
		return 0, 0
	}
	return m.begins[0], m.ends[len(m.ends)-1]
}

// Data maps addresses to an opaque per-interval payload.
type Data[V comparable] struct {
	begins []uint64
	ends   []uint64
	values []V
}

// NewData fuses the given intervals (merging adjacent spans with equal
// payloads) and indexes them.
func NewData[V comparable](spans []DataSpan[V]) *Data[V] {
	m := &Data[V]{}
	var prev DataSpan[V]
	have := false
	flush := func() {
		if have {
			m.begins = append(m.begins, prev.Begin)
			m.ends = append(m.ends, prev.End)
			m.values = append(m.values, prev.Value)
		}
	}
	for _, s := range spans {
		if have && prev.End == s.Begin && prev.Value == s.Value {
			prev.End = s.End
			continue
		}
		flush()
		prev = s
		have = true
	}
	flush()
	sort.Sort(byBegin{m.begins, func(i, j int) {
		m.ends[i], m.ends[j] = m.ends[j], m.ends[i]
		m.values[i], m.values[j] = m.values[j], m.values[i]
	}})
	return m
}

// Lookup returns the payload of the interval containing x.
func (m *Data[V]) Lookup(x uint64) (V, bool) {
	var zero V
	idx := search(m.begins, x)
	if idx < 0 || x >= m.ends[idx] {
		return zero, false
	}
	return m.values[idx], true
}

// Contains returns the payload when [x, x+size] lies inside a single
// interval, under the same closed upper bound rule as Simple.Contains.
func (m *Data[V]) Contains(x, size uint64) (V, bool) {
	var zero V
	idx := search(m.begins, x)
	if idx < 0 || x >= m.ends[idx] || x+size >= m.ends[idx] {
		return zero, false
	}
	return m.values[idx], true
}

// Spans returns the fused intervals in ascending order.
func (m *Data[V]) Spans() []DataSpan[V] {
	out := make([]DataSpan[V], len(m.begins))
	for i := range m.begins {
		out[i] = DataSpan[V]{m.begins[i], m.ends[i], m.values[i]}
	}
	return out
}

// Offsets maps addresses to offsets in some backing store.
type Offsets struct {
	begins []uint64
	ends   []uint64
	offs   []uint64
}

// NewOffsets fuses the given intervals (merging spans that are contiguous in
// both address and offset) and indexes them.
func NewOffsets(spans []OffsetSpan) *Offsets {
	m := &Offsets{}
	var prev OffsetSpan
	have := false
	flush := func() {
		if have {
			m.begins = append(m.begins, prev.Begin)
			m.ends = append(m.ends, prev.End)
			m.offs = append(m.offs, prev.Offset)
		}
	}
	for _, s := range spans {
		if have && prev.End == s.Begin && prev.Offset+(prev.End-prev.Begin) == s.Offset {
			prev.End = s.End
			continue
		}
		flush()
		prev = s
		have = true
	}
	flush()
	sort.Sort(byBegin{m.begins, func(i, j int) {
		m.ends[i], m.ends[j] = m.ends[j], m.ends[i]
		m.offs[i], m.offs[j] = m.offs[j], m.offs[i]
	}})
	return m
}

// Lookup translates a single address to its offset.
func (m *Offsets) Lookup(x uint64) (uint64, bool) {
	idx := search(m.begins, x)
	if idx < 0 || x >= m.ends[idx] {
		return 0, false
	}
	return x - m.begins[idx] + m.offs[idx], true
}

// Contains translates the range [x, x+size) to a sequence of runs, walking
// forward across neighboring intervals as long as they are contiguous in
// address space. The achieved size is less than size when the walk reaches a
// hole or the end of the map.
func (m *Offsets) Contains(x, size uint64) (uint64, []Run) {
	idx := search(m.begins, x)
	if idx < 0 || x >= m.ends[idx] {
		return 0, nil
	}
	end := m.ends[idx]
	runs := []Run{{x, min64(end-x, size), x - m.begins[idx] + m.offs[idx]}}
	if end-x >= size {
		return size, runs
	}

	// The requested range spans more than one interval.
	start := end
	remaining := size - (end - x)
	for idx++; idx < len(m.begins); idx++ {
		begin := m.begins[idx]
		if begin != start {
			break // hole in the address space
		}
		take := min64(m.ends[idx]-begin, remaining)
		runs = append(runs, Run{start, take, m.offs[idx]})
		remaining -= take
		if remaining == 0 {
			break
		}
		start += take
	}
	return size - remaining, runs
}

// Spans returns the fused intervals in ascending order.
func (m *Offsets) Spans() []OffsetSpan {
	out := make([]OffsetSpan, len(m.begins))
	for i := range m.begins {
		out[i] = OffsetSpan{m.begins[i], m.ends[i], m.offs[i]}
	}
	return out
}

// Extremes returns the lowest begin and the highest end.
func (m *Offsets) Extremes() (uint64, uint64) {
	if len(m.begins) == 0 {
		return 0, 0
	}
	return m.begins[0], m.ends[len(m.ends)-1]
}

// Overlapping answers lookups over intervals that may overlap, where an
// address maps to every value whose interval covers it, each advanced by the
// distance from its interval begin. Construction flattens the input into
// distinct limits; results[i] holds the values active in the segment
// starting at limits[i-1], already advanced to that segment's start.
type Overlapping struct {
	limits  []uint64
	results [][]uint64
}

// NewOverlapping builds the precomputed segment table. Every span must have
// Begin < End.
func NewOverlapping(spans []MultiSpan) *Overlapping {
	type event struct {
		arrivals   []int
		departures []int
	}
	events := make(map[uint64]*event)
	at := func(l uint64) *event {
		e := events[l]
		if e == nil {
			e = &event{}
			events[l] = e
		}
		return e
	}
	for i, s := range spans {
		at(s.Begin).arrivals = append(at(s.Begin).arrivals, i)
		at(s.End).departures = append(at(s.End).departures, i)
	}

	m := &Overlapping{}
	for l := range events {
		m.limits = append(m.limits, l)
	}
	sort.Slice(m.limits, func(i, j int) bool { return m.limits[i] < m.limits[j] })

	m.results = make([][]uint64, 1, len(m.limits)+1)
	active := make(map[int]uint64) // span index -> delta from its begin
	for i, l := range m.limits {
		e := events[l]
		for _, idx := range e.departures {
			delete(active, idx)
		}
		for idx := range active {
			active[idx] += l - m.limits[i-1]
		}
		for _, idx := range e.arrivals {
			active[idx] = 0
		}
		var res []uint64
		for idx, delta := range active {
			for _, v := range spans[idx].Values {
				res = append(res, v+delta)
			}
		}
		sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
		m.results = append(m.results, res)
	}
	return m
}

// Lookup returns every value mapped at x, or nil when x is uncovered.
func (m *Overlapping) Lookup(x uint64) []uint64 {
	idx := sort.Search(len(m.limits), func(i int) bool { return m.limits[i] > x })
	if idx == 0 || len(m.results[idx]) == 0 {
		return nil
	}
	k := x - m.limits[idx-1]
	out := make([]uint64, len(m.results[idx]))
	for i, v := range m.results[idx] {
		out[i] = v + k
	}
	return out
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// byBegin sorts a begins array and applies the same swaps to the parallel
// value arrays through the swap callback.
type byBegin struct {
	begins []uint64
	swap   func(i, j int)
}

func (s byBegin) Len() int           { return len(s.begins) }
func (s byBegin) Less(i, j int) bool { return s.begins[i] < s.begins[j] }
func (s byBegin) Swap(i, j int) {
	s.begins[i], s.begins[j] = s.begins[j], s.begins[i]
	s.swap(i, j)
}
