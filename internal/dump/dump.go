// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dump reads physical-memory dumps packaged as ELF files by the
// acquisition tool. The dump's LOAD segments describe physical RAM (when
// they carry file data) or memory-mapped device windows (when they don't);
// the physical base address of each segment travels in the p_vaddr field. A
// single NOTE segment owned by FOSSIL carries a JSON machine description.
//
// After loading, a Dump answers physical-address queries through three
// interval maps: physical-to-offset, its inverse, and the MMIO set. All
// state is immutable once Open returns, so a Dump may be shared across
// goroutines.
package dump

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Memoscopy/mmushell/internal/interval"
)

// The machine description note: owner FOSSIL, type 0xDEADC0DE, JSON payload.
const (
	noteOwner = "FOSSIL"
	noteType  = 0xDEADC0DE
)

// ErrNoMachineNote is returned when the dump carries no FOSSIL machine
// description note.
var ErrNoMachineNote = errors.New("dump: no FOSSIL machine description note")

// A Dump is a loaded physical-memory dump.
type Dump struct {
	buf     []byte
	close   func() error
	machine Machine
	order   binary.ByteOrder

	p2o  *interval.Offsets // physical address -> file offset
	o2p  *interval.Offsets // file offset -> physical address
	mmio *interval.Simple  // memory-mapped device ranges
}

// A RAMRegion is one contiguous physical RAM range and the file offset of
// its bytes.
type RAMRegion struct {
	Begin  uint64
	End    uint64
	Offset uint64
}

// An MMIORegion is one contiguous memory-mapped device range. Name is empty
// when no device in the machine description starts at Begin.
type MMIORegion struct {
	Begin uint64
	End   uint64
	Name  string
}

// Open loads and parses the dump at path. The file is mapped read-only where
// the platform allows it; Close releases the mapping.
func Open(path string) (*Dump, error) {
	buf, closer, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("dump: %w", err)
	}
	d, err := parse(buf)
	if err != nil {
		closer()
		return nil, err
	}
	d.close = closer
	return d, nil
}

// OpenBytes parses a dump already held in memory.
func OpenBytes(buf []byte) (*Dump, error) {
	return parse(buf)
}

func parse(buf []byte) (*Dump, error) {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("dump: malformed ELF: %w", err)
	}
	defer f.Close()

	d := &Dump{buf: buf, order: f.ByteOrder}

	var p2o, o2p []interval.OffsetSpan
	var mmio []interval.Span
	sawNote := false
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_NOTE:
			ok, err := d.readMachineNote(prog, f.ByteOrder)
			if err != nil {
				return nil, err
			}
			sawNote = sawNote || ok
		case elf.PT_LOAD:
			// The producer conveys the physical base in p_vaddr.
			start := prog.Vaddr
			end := start + prog.Memsz
			if prog.Filesz > 0 {
				p2o = append(p2o, interval.OffsetSpan{Begin: start, End: end, Offset: prog.Off})
				o2p = append(o2p, interval.OffsetSpan{Begin: prog.Off, End: prog.Off + (end - start), Offset: start})
			} else {
				mmio = append(mmio, interval.Span{Begin: start, End: end})
			}
		}
	}
	if !sawNote {
		return nil, ErrNoMachineNote
	}

	d.machine.Endianness = "little"
	if f.Data == elf.ELFDATA2MSB {
		d.machine.Endianness = "big"
	}
	d.machine.Architecture = archName(f.Machine)

	d.p2o = interval.NewOffsets(p2o)
	d.o2p = interval.NewOffsets(o2p)
	d.mmio = interval.NewSimple(mmio)
	return d, nil
}

// archName strips the EM_ family prefix from the ELF machine field and
// lowercases the remainder: EM_X86_64 -> "x86_64", EM_RISCV -> "riscv".
func archName(m elf.Machine) string {
	return strings.ToLower(strings.TrimPrefix(m.String(), "EM_"))
}

// readMachineNote scans one NOTE segment for the FOSSIL machine description.
// Notes produced by other tools are skipped. Reports whether the machine
// note was found in this segment.
func (d *Dump) readMachineNote(prog *elf.Prog, order binary.ByteOrder) (bool, error) {
	if prog.Off+prog.Filesz > uint64(len(d.buf)) {
		return false, fmt.Errorf("dump: NOTE segment at %#x truncated", prog.Off)
	}
	b := d.buf[prog.Off : prog.Off+prog.Filesz]
	found := false
	for len(b) >= 12 {
		namesz := order.Uint32(b)
		descsz := order.Uint32(b[4:])
		typ := order.Uint32(b[8:])
		b = b[12:]

		align := func(n uint32) uint64 { return (uint64(n) + 3) &^ 3 }
		if align(namesz)+align(descsz) > uint64(len(b)) {
			return false, fmt.Errorf("dump: note record truncated")
		}
		name := string(bytes.TrimRight(b[:namesz], "\x00"))
		b = b[align(namesz):]
		desc := b[:descsz]
		b = b[align(descsz):]

		if name != noteOwner || typ != noteType {
			continue
		}
		payload := bytes.TrimRight(desc, "\x00")
		if err := json.Unmarshal(payload, &d.machine); err != nil {
			return false, fmt.Errorf("dump: machine description: %w", err)
		}
		found = true
	}
	return found, nil
}

// Machine returns the machine description.
func (d *Dump) Machine() *Machine {
	return &d.machine
}

// ByteOrder returns the byte order of the dumped machine.
func (d *Dump) ByteOrder() binary.ByteOrder {
	return d.order
}

// InRAM reports whether [p, p+size) is entirely backed by dump bytes.
func (d *Dump) InRAM(p, size uint64) bool {
	got, _ := d.p2o.Contains(p, size)
	return got == size
}

// InMMIO reports whether [p, p+size] lies inside a single device window.
func (d *Dump) InMMIO(p, size uint64) bool {
	return d.mmio.Contains(p, size)
}

// PhysToOffset translates a physical address to its dump file offset.
func (d *Dump) PhysToOffset(p uint64) (uint64, bool) {
	return d.p2o.Lookup(p)
}

// OffsetToPhys translates a dump file offset back to its physical address.
func (d *Dump) OffsetToPhys(off uint64) (uint64, bool) {
	return d.o2p.Lookup(off)
}

// ReadPhys returns the size bytes at physical address p, or nil when any
// part of the range is not RAM-backed.
func (d *Dump) ReadPhys(p, size uint64) []byte {
	got, runs := d.p2o.Contains(p, size)
	if got != size {
		return nil
	}
	out := make([]byte, 0, size)
	for _, r := range runs {
		out = append(out, d.ReadOffset(r.Offset, r.Size)...)
	}
	return out
}

// ReadOffset returns up to size bytes at the given file offset. Reads past
// the end of the dump are clamped.
func (d *Dump) ReadOffset(off, size uint64) []byte {
	if off >= uint64(len(d.buf)) {
		return nil
	}
	end := off + size
	if end > uint64(len(d.buf)) {
		logrus.Warnf("dump: read at offset %#x size %#x clamped to file end", off, size)
		end = uint64(len(d.buf))
	}
	out := make([]byte, end-off)
	copy(out, d.buf[off:end])
	return out
}

// RAMRegions returns the fused physical RAM ranges in ascending order.
func (d *Dump) RAMRegions() []RAMRegion {
	spans := d.p2o.Spans()
	out := make([]RAMRegion, len(spans))
	for i, s := range spans {
		out[i] = RAMRegion{s.Begin, s.End, s.Offset}
	}
	return out
}

// MMIORegions returns the fused device ranges in ascending order, annotated
// with device names from the machine description.
func (d *Dump) MMIORegions() []MMIORegion {
	spans := d.mmio.Spans()
	out := make([]MMIORegion, len(spans))
	for i, s := range spans {
		out[i] = MMIORegion{Begin: s.Begin, End: s.End}
		for _, dev := range d.machine.MemoryMappedDevices {
			if dev.Base == s.Begin {
				out[i].Name = dev.Name
				break
			}
		}
	}
	return out
}

// Size returns the dump file size in bytes.
func (d *Dump) Size() uint64 {
	return uint64(len(d.buf))
}

// Close releases the underlying file mapping, if any.
func (d *Dump) Close() error {
	if d.close != nil {
		err := d.close()
		d.close = nil
		return err
	}
	return nil
}
