// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vmelf writes a reconstructed virtual address space out as an
// ELF64 file. Each PT_LOAD program header describes one fused run of
// user-accessible virtual memory: p_vaddr is the process virtual address,
// p_paddr the original physical address, p_flags the user R/W/X triple, and
// the segment bytes are copied from the dump. Aliased physical pages are
// written once and shared between program headers.
//
// Segment data is emitted first; the program header table follows it, and
// e_phoff is patched into the main header afterwards. When the segment
// count exceeds what e_phnum can hold, the PN_XNUM scheme is used: e_phnum
// is set to 0xFFFF and a single section header carries the real count in
// sh_info.
package vmelf

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Memoscopy/mmushell/internal/mmu"
)

const (
	ehsize    = 0x40
	phentsize = 0x38
	shentsize = 0x40
)

// Export writes the address space to a new file at path.
func Export(path string, space *mmu.AddressSpace) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}
	if err := Write(f, space); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}
	return nil
}

// elfMachine maps the dump's architecture tag to an e_machine value.
func elfMachine(arch string) (uint16, error) {
	switch {
	case strings.Contains(arch, "aarch64"):
		return 0xB7, nil
	case strings.Contains(arch, "arm"):
		return 0x28, nil
	case strings.Contains(arch, "riscv"):
		return 0xF3, nil
	case strings.Contains(arch, "x86_64"):
		return 0x3E, nil
	case strings.Contains(arch, "386"):
		return 0x03, nil
	default:
		return 0, fmt.Errorf("%w: %q", mmu.ErrUnknownArchitecture, arch)
	}
}

// segment is one fused run scheduled for emission.
type segment struct {
	begin uint64 // virtual start
	end   uint64 // virtual end
	off   uint64 // dump file offset of the bytes
	out   uint64 // offset of the bytes in the output file
}

// Write emits the address space as an ELF64 image on w, which must be
// positioned at the start of an empty file.
func Write(w io.WriteSeeker, space *mmu.AddressSpace) error {
	machine := space.Dump.Machine()
	eMachine, err := elfMachine(strings.ToLower(machine.Architecture))
	if err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}
	order := space.Dump.ByteOrder()

	hdr := make([]byte, ehsize)
	copy(hdr, "\x7fELF")
	hdr[4] = 2 // ELFCLASS64
	if machine.Endianness == "big" {
		hdr[5] = 2
	} else {
		hdr[5] = 1
	}
	hdr[6] = 1
	order.PutUint16(hdr[0x10:], 4) // e_type: a memory snapshot is a core file
	order.PutUint16(hdr[0x12:], eMachine)
	order.PutUint32(hdr[0x14:], 1)
	order.PutUint16(hdr[0x34:], ehsize)
	order.PutUint16(hdr[0x36:], phentsize)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}

	users, groups := collectSegments(space)

	// Emit segment data, sharing bytes between aliased runs. The cache is
	// keyed per minimum page so a later, smaller alias inside an already
	// written run still resolves.
	pos := uint64(ehsize)
	written := make(map[uint64]uint64) // dump offset -> output offset
	count := 0
	for _, u := range users {
		segs := groups[u]
		count += len(segs)
		for i := range segs {
			s := &segs[i]
			size := s.end - s.begin
			if out, ok := written[s.off]; ok {
				s.out = out
				continue
			}
			data := space.Dump.ReadOffset(s.off, size)
			if uint64(len(data)) < size {
				logrus.Warnf("vmelf: bytes at offset %#x truncated (%#x of %#x), zero padded", s.off, len(data), size)
				data = append(data, make([]byte, size-uint64(len(data)))...)
			}
			if _, err := w.Write(data); err != nil {
				return fmt.Errorf("vmelf: %w", err)
			}
			s.out = pos
			for page := uint64(0); page < size; page += space.MinPage {
				written[s.off+page] = pos + page
			}
			pos += size
		}
	}

	// Program header table, after the data.
	phoff := pos
	ph := make([]byte, phentsize)
	for _, u := range users {
		for _, s := range groups[u] {
			size := s.end - s.begin
			paddr, ok := space.Dump.OffsetToPhys(s.off)
			if !ok {
				return fmt.Errorf("vmelf: offset %#x has no physical address", s.off)
			}
			clear(ph)
			order.PutUint32(ph[0x00:], 1) // PT_LOAD
			order.PutUint32(ph[0x04:], uint32(u))
			order.PutUint64(ph[0x08:], s.out)
			order.PutUint64(ph[0x10:], s.begin)
			order.PutUint64(ph[0x18:], paddr)
			order.PutUint64(ph[0x20:], size) // p_filesz
			order.PutUint64(ph[0x28:], size) // p_memsz
			if _, err := w.Write(ph); err != nil {
				return fmt.Errorf("vmelf: %w", err)
			}
			pos += phentsize
		}
	}
	shoff := pos

	// Patch e_phoff.
	var scratch [8]byte
	patch := func(at int64, b []byte) error {
		if _, err := w.Seek(at, io.SeekStart); err != nil {
			return err
		}
		_, err := w.Write(b)
		return err
	}
	order.PutUint64(scratch[:], phoff)
	if err := patch(0x20, scratch[:8]); err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}

	if count < 0x10000 {
		order.PutUint16(scratch[:], uint16(count))
		if err := patch(0x38, scratch[:2]); err != nil {
			return fmt.Errorf("vmelf: %w", err)
		}
		return nil
	}

	// PN_XNUM: the count does not fit in e_phnum. Point e_shoff at a single
	// section header whose sh_info holds the real count.
	order.PutUint64(scratch[:], shoff)
	if err := patch(0x28, scratch[:8]); err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}
	var tail [6]byte
	order.PutUint16(tail[0:], 0xFFFF)    // e_phnum
	order.PutUint16(tail[2:], shentsize) // e_shentsize
	order.PutUint16(tail[4:], 1)         // e_shnum
	if err := patch(0x38, tail[:]); err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}
	sh := make([]byte, shentsize)
	order.PutUint32(sh[0x2C:], uint32(count)) // sh_info
	if err := patch(int64(shoff), sh); err != nil {
		return fmt.Errorf("vmelf: %w", err)
	}
	return nil
}

// collectSegments groups the RAM-backed mappings by their user permission
// triple, fuses runs contiguous in both virtual address and dump offset,
// and orders each group by length descending so large ranges stay
// contiguous on disk.
func collectSegments(space *mmu.AddressSpace) ([]uint8, map[uint8][]segment) {
	type raw struct {
		begin, end, phys uint64
	}
	rawGroups := make(map[uint8][]raw)
	for key, pages := range space.Mapping {
		if key.User == 0 {
			continue // not accessible by the process
		}
		for _, pg := range pages {
			if pg.MMIO {
				continue
			}
			rawGroups[key.User] = append(rawGroups[key.User], raw{pg.Virt, pg.Virt + pg.Size, pg.Phys})
		}
	}

	var users []uint8
	groups := make(map[uint8][]segment)
	for u, rs := range rawGroups {
		sort.Slice(rs, func(i, j int) bool {
			if rs[i].begin != rs[j].begin {
				return rs[i].begin < rs[j].begin
			}
			return rs[i].end < rs[j].end
		})

		var segs []segment
		var prev segment
		have := false
		for _, r := range rs {
			off, ok := space.Dump.PhysToOffset(r.phys)
			if !ok {
				logrus.Debugf("vmelf: physical page %#x has no dump offset, dropped", r.phys)
				continue
			}
			if have && prev.end == r.begin && prev.off+(prev.end-prev.begin) == off {
				prev.end = r.end
				continue
			}
			if have {
				segs = append(segs, prev)
			}
			prev = segment{begin: r.begin, end: r.end, off: off}
			have = true
		}
		if have {
			segs = append(segs, prev)
		}
		if len(segs) == 0 {
			continue
		}
		sort.SliceStable(segs, func(i, j int) bool {
			return segs[i].end-segs[i].begin > segs[j].end-segs[j].begin
		})
		groups[u] = segs
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, groups
}
