// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dumptest builds synthetic physical-memory dumps for tests. A
// Builder assembles a little-endian ELF64 image with a FOSSIL machine note,
// RAM segments (physical base in p_vaddr, data in the file) and MMIO
// segments (p_filesz = 0), mirroring what the acquisition tool emits.
package dumptest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const (
	ehsize    = 0x40
	phentsize = 0x38
)

type ramSeg struct {
	phys uint64
	data []byte
}

type mmioSeg struct {
	phys uint64
	size uint64
	name string
}

// A Builder accumulates machine metadata and memory segments.
type Builder struct {
	machine uint16 // e_machine
	note    map[string]any
	ram     []ramSeg
	mmio    []mmioSeg
}

// New returns a Builder for the given ELF machine value (0x3E for x86_64,
// 0xF3 for RISC-V, 0x03 for 386) and MMU mode string.
func New(machine uint16, mmuMode string) *Builder {
	return &Builder{
		machine: machine,
		note: map[string]any{
			"MMUMode":             mmuMode,
			"MemoryMappedDevices": []any{},
		},
	}
}

// SetMAXPHYADDR records the CPU's implemented physical address bits.
func (b *Builder) SetMAXPHYADDR(bits int) *Builder {
	b.note["CPUSpecifics"] = map[string]any{"MAXPHYADDR": bits}
	return b
}

// AddRAM adds a RAM segment backed by data at physical address phys.
func (b *Builder) AddRAM(phys uint64, data []byte) *Builder {
	b.ram = append(b.ram, ramSeg{phys, data})
	return b
}

// AddMMIO adds a device window of the given size at physical address phys.
func (b *Builder) AddMMIO(phys, size uint64, name string) *Builder {
	b.mmio = append(b.mmio, mmioSeg{phys, size, name})
	devs := b.note["MemoryMappedDevices"].([]any)
	b.note["MemoryMappedDevices"] = append(devs, []any{phys, name})
	return b
}

// Bytes assembles the dump image.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian

	desc, err := json.Marshal(b.note)
	if err != nil {
		panic(fmt.Sprintf("dumptest: marshal note: %v", err))
	}
	// Note record: header, "FOSSIL\0" padded to 4 bytes, padded desc.
	noteSize := 12 + 8 + align4(len(desc))
	note := make([]byte, noteSize)
	le.PutUint32(note[0:], 7) // namesz, includes the NUL
	le.PutUint32(note[4:], uint32(len(desc)))
	le.PutUint32(note[8:], 0xDEADC0DE)
	copy(note[12:], "FOSSIL\x00")
	copy(note[20:], desc)

	phnum := 1 + len(b.ram) + len(b.mmio)
	dataOff := uint64(ehsize + phnum*phentsize)

	hdr := make([]byte, ehsize)
	copy(hdr, "\x7fELF")
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // ELFDATA2LSB
	hdr[6] = 1
	le.PutUint16(hdr[0x10:], 4) // e_type: core
	le.PutUint16(hdr[0x12:], b.machine)
	le.PutUint32(hdr[0x14:], 1)
	le.PutUint64(hdr[0x20:], ehsize) // e_phoff
	le.PutUint16(hdr[0x34:], ehsize)
	le.PutUint16(hdr[0x36:], phentsize)
	le.PutUint16(hdr[0x38:], uint16(phnum))

	img := append([]byte{}, hdr...)

	// Program headers. The note comes first so machine data is available
	// before any LOAD is processed, as the producer guarantees.
	phdr := func(typ uint32, off, vaddr, filesz, memsz uint64) {
		p := make([]byte, phentsize)
		le.PutUint32(p[0x00:], typ)
		le.PutUint64(p[0x08:], off)
		le.PutUint64(p[0x10:], vaddr)
		le.PutUint64(p[0x20:], filesz)
		le.PutUint64(p[0x28:], memsz)
		img = append(img, p...)
	}

	off := dataOff
	phdr(4, off, 0, uint64(noteSize), 0) // PT_NOTE
	off += uint64(noteSize)
	for _, s := range b.ram {
		phdr(1, off, s.phys, uint64(len(s.data)), uint64(len(s.data)))
		off += uint64(len(s.data))
	}
	for _, s := range b.mmio {
		phdr(1, 0, s.phys, 0, s.size)
	}

	img = append(img, note...)
	for _, s := range b.ram {
		img = append(img, s.data...)
	}
	return img
}

func align4(n int) int {
	return (n + 3) &^ 3
}
