// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmu reconstructs per-process virtual address spaces by walking the
// architecture-specific page tables found in a physical-memory dump.
//
// The walker is generic over a Decoder, the closed set of per-ISA adapters
// (IA-32, AMD64, Sv32, Sv39). A Decoder turns raw table entries into flags
// and physical addresses and reduces the per-level flag trail into a final
// permission key; it never calls back into the walker. NewAddressSpace picks
// the adapter from the dump's machine description and the caller-supplied
// register snapshot, runs the walk, and returns the fully populated maps.
package mmu

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Memoscopy/mmushell/internal/dump"
	"github.com/Memoscopy/mmushell/internal/interval"
)

var (
	// ErrEmptyMapping is returned when a walk yields no user-accessible
	// pages; the dump does not belong to the given translation base.
	ErrEmptyMapping = errors.New("mmu: no user-accessible mappings found")

	// ErrUnknownArchitecture is returned for architecture tags the walker
	// has no adapter for.
	ErrUnknownArchitecture = errors.New("mmu: unknown architecture")

	// ErrUnknownMMUMode is returned for unsupported MMU modes, including
	// PAE.
	ErrUnknownMMUMode = errors.New("mmu: unknown MMU mode")

	// ErrMissingRegister is returned when the register snapshot lacks the
	// translation-base register the architecture requires.
	ErrMissingRegister = errors.New("mmu: missing register")
)

// Permission bits inside a triple.
const (
	PermRead  uint8 = 4
	PermWrite uint8 = 2
	PermExec  uint8 = 1
)

// Registers is one process's MMU register snapshot: register name to value.
// Recognized names: "cr3" (Intel), "satp" (RISC-V).
type Registers map[string]uint64

// Flags is the raw permission contribution of one table level. Intel
// decoders always report Read since the bit does not exist there; the
// hierarchy policy lives in the adapter's Permissions method.
type Flags struct {
	Kernel bool
	Read   bool
	Write  bool
	Exec   bool
}

// PermKey is a finalized permission: one R/W/X triple for kernel mode and
// one for user mode. At most one of the two is non-zero; both are zero for a
// RISC-V leaf with none of R/W/X set. User == 0 marks a kernel-only page.
type PermKey struct {
	Kernel uint8
	User   uint8
}

func (k PermKey) String() string {
	return fmt.Sprintf("k:%s u:%s", tripleString(k.Kernel), tripleString(k.User))
}

func tripleString(t uint8) string {
	b := []byte("---")
	if t&PermRead != 0 {
		b[0] = 'r'
	}
	if t&PermWrite != 0 {
		b[1] = 'w'
	}
	if t&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Geometry describes one architecture's radix tree.
type Geometry struct {
	Levels     int      // number of table levels
	TableSizes []uint64 // bytes per table, by level
	Shifts     []uint   // VA bit position each level indexes, by level
	EntrySize  int      // 4 or 8 bytes
	MinPage    uint64   // smallest page size
}

// A Decoder is one architecture adapter.
type Decoder interface {
	// Geometry returns the radix-tree layout.
	Geometry() Geometry

	// Decode interprets one table entry. It returns false for invalid
	// entries. For valid entries it returns the level's flags, the
	// physical address of the next table or of the mapped page, and the
	// page size (zero for next-table pointers).
	Decode(idx int, entry uint64, lvl int) (ok bool, f Flags, addr uint64, pageSize uint64)

	// Permissions reduces the flag trail accumulated from the root to a
	// leaf into the final permission key.
	Permissions(trail []Flags) PermKey

	// FinalizeVA applies architecture-specific virtual address fixups
	// (canonical sign-extension on AMD64, identity elsewhere). Called
	// exactly once per leaf, after permission reconstruction.
	FinalizeVA(va uint64) uint64
}

// Page is one virtual-to-physical leaf mapping.
type Page struct {
	Virt uint64
	Size uint64
	Phys uint64
	MMIO bool // mapped to a device window, not backed by dump bytes
}

// PhysPage identifies a physical page for the reverse mapping.
type PhysPage struct {
	Addr uint64
	Size uint64
}

// An AddressSpace is one process's reconstructed virtual address space.
type AddressSpace struct {
	Dump    *dump.Dump
	Root    uint64 // translation base the walk started from
	MinPage uint64

	// Mapping groups every leaf by its permission key; Reverse holds the
	// physical-to-virtual inverse for RAM-backed pages.
	Mapping map[PermKey][]Page
	Reverse map[PermKey]map[PhysPage][]uint64

	// V2O translates user-visible virtual addresses to dump offsets, O2V
	// is its (overlapping) inverse, and Perms answers permission queries.
	V2O   *interval.Offsets
	O2V   *interval.Overlapping
	Perms *interval.Data[PermKey]

	dec Decoder
}

// newAddressSpace walks the radix tree rooted at root and builds the
// resolution maps.
func newAddressSpace(d *dump.Dump, dec Decoder, root uint64) (*AddressSpace, error) {
	g := dec.Geometry()
	s := &AddressSpace{
		Dump:    d,
		Root:    root,
		MinPage: g.MinPage,
		Mapping: make(map[PermKey][]Page),
		Reverse: make(map[PermKey]map[PhysPage][]uint64),
		dec:     dec,
	}
	// Nothing above the root restricts access: the initial trail grants
	// everything so only the walked levels can take permissions away.
	s.walk(root, 0, 0, []Flags{{Read: true, Write: true, Exec: true}})
	if err := s.buildMaps(); err != nil {
		return nil, err
	}
	return s, nil
}

// walk explores one table and recurses depth-first. A table that is not
// RAM-resident drops its whole subtree; the rest of the walk continues.
func (s *AddressSpace) walk(tableAddr uint64, lvl int, prefix uint64, trail []Flags) {
	g := s.dec.Geometry()
	table := s.Dump.ReadPhys(tableAddr, g.TableSizes[lvl])
	if table == nil {
		logrus.Debugf("mmu: table %#x (size %#x) at level %d not in RAM", tableAddr, g.TableSizes[lvl], lvl)
		return
	}
	order := s.Dump.ByteOrder()

	for idx := 0; (idx+1)*g.EntrySize <= len(table); idx++ {
		var entry uint64
		if g.EntrySize == 4 {
			entry = uint64(order.Uint32(table[idx*4:]))
		} else {
			entry = order.Uint64(table[idx*8:])
		}

		ok, f, addr, pageSize := s.dec.Decode(idx, entry, lvl)
		if !ok {
			continue
		}

		virt := prefix | uint64(idx)<<g.Shifts[lvl]
		// Full-slice append: siblings must not share the backing array.
		sub := append(trail[:len(trail):len(trail)], f)

		if pageSize == 0 && lvl < g.Levels-1 {
			s.walk(addr, lvl+1, virt, sub)
			continue
		}

		// Leaf. Pages that are neither RAM nor MMIO are dropped: some OSes
		// map more RAM than the machine has.
		inRAM := s.Dump.InRAM(addr, pageSize)
		inMMIO := s.Dump.InMMIO(addr, pageSize)
		if !inRAM && !inMMIO {
			continue
		}

		key := s.dec.Permissions(sub)
		virt = s.dec.FinalizeVA(virt)
		s.Mapping[key] = append(s.Mapping[key], Page{virt, pageSize, addr, inMMIO})

		if inRAM && !inMMIO {
			rm := s.Reverse[key]
			if rm == nil {
				rm = make(map[PhysPage][]uint64)
				s.Reverse[key] = rm
			}
			pp := PhysPage{addr, pageSize}
			rm[pp] = append(rm[pp], virt)
		}
	}
}

// buildMaps turns the walk results into the V2O, O2V and permission maps.
func (s *AddressSpace) buildMaps() error {
	type span struct {
		begin, end, phys uint64
		key              PermKey
	}
	var spans []span
	for key, pages := range s.Mapping {
		if key.User == 0 {
			continue // kernel-only
		}
		for _, pg := range pages {
			if pg.MMIO {
				continue
			}
			spans = append(spans, span{pg.Virt, pg.Virt + pg.Size, pg.Phys, key})
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].begin != spans[j].begin {
			return spans[i].begin < spans[j].begin
		}
		return spans[i].end < spans[j].end
	})
	if len(spans) == 0 {
		return ErrEmptyMapping
	}

	var v2o []interval.OffsetSpan
	var perms []interval.DataSpan[PermKey]
	for _, sp := range spans {
		perms = append(perms, interval.DataSpan[PermKey]{Begin: sp.begin, End: sp.end, Value: sp.key})
		off, ok := s.Dump.PhysToOffset(sp.phys)
		if !ok {
			logrus.Debugf("mmu: physical page %#x has no dump offset, dropped", sp.phys)
			continue
		}
		v2o = append(v2o, interval.OffsetSpan{Begin: sp.begin, End: sp.end, Offset: off})
	}
	s.V2O = interval.NewOffsets(v2o)
	s.Perms = interval.NewData(perms)

	// The inverse covers user-accessible RAM pages. Aliased physical pages
	// make it many-to-one, hence the overlapping structure.
	var o2v []interval.MultiSpan
	for key, rm := range s.Reverse {
		if key.User == 0 {
			continue
		}
		for pp, virts := range rm {
			off, ok := s.Dump.PhysToOffset(pp.Addr)
			if !ok {
				continue
			}
			vs := append([]uint64(nil), virts...)
			sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
			o2v = append(o2v, interval.MultiSpan{Begin: off, End: off + pp.Size, Values: vs})
		}
	}
	sort.Slice(o2v, func(i, j int) bool {
		if o2v[i].Begin != o2v[j].Begin {
			return o2v[i].Begin < o2v[j].Begin
		}
		return o2v[i].End < o2v[j].End
	})
	s.O2V = interval.NewOverlapping(o2v)
	return nil
}

// TranslateVirt translates a user-visible virtual address to its dump
// offset.
func (s *AddressSpace) TranslateVirt(va uint64) (uint64, bool) {
	return s.V2O.Lookup(va)
}

// VirtsForOffset returns every virtual address aliasing the given dump
// offset.
func (s *AddressSpace) VirtsForOffset(off uint64) []uint64 {
	return s.O2V.Lookup(off)
}

// PermsAt returns the permission key of the page containing va.
func (s *AddressSpace) PermsAt(va uint64) (PermKey, bool) {
	return s.Perms.Lookup(va)
}

// ReadVirt returns the size bytes at virtual address va, or nil when the
// range is not fully mapped to dump bytes.
func (s *AddressSpace) ReadVirt(va, size uint64) []byte {
	got, runs := s.V2O.Contains(va, size)
	if got != size {
		return nil
	}
	out := make([]byte, 0, size)
	for _, r := range runs {
		out = append(out, s.Dump.ReadOffset(r.Offset, r.Size)...)
	}
	return out
}
