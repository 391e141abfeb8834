// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"fmt"
	"strings"

	"github.com/Memoscopy/mmushell/internal/dump"
)

// intelConfig carries the control-register state the permission policy
// depends on. The acquisition tool does not snapshot CR0/CR4/EFER, so the
// factory assumes WP and NXE enabled and SMEP/SMAP disabled, the common
// configuration on modern kernels.
type intelConfig struct {
	mphy int // MAXPHYADDR
	wp   bool
	nxe  bool
	smep bool
	smap bool
}

// physMask extracts bits [lo, mphy) of entry and repositions them at lo.
func (c intelConfig) physMask(entry uint64, lo uint) uint64 {
	return ((entry >> lo) & ((1 << (uint(c.mphy) - lo)) - 1)) << lo
}

// IA32 decodes legacy two-level 32-bit page tables (4 KiB and 4 MiB pages,
// PSE-36 extended addresses on the large ones).
type IA32 struct {
	cfg intelConfig
}

func (a *IA32) Geometry() Geometry {
	return Geometry{
		Levels:     2,
		TableSizes: []uint64{0x1000, 0x1000},
		Shifts:     []uint{22, 12},
		EntrySize:  4,
		MinPage:    0x1000,
	}
}

func (a *IA32) Decode(idx int, entry uint64, lvl int) (bool, Flags, uint64, uint64) {
	if entry&0x1 == 0 {
		return false, Flags{}, 0, 0
	}
	f := Flags{
		Kernel: entry&0x4 == 0, // U/S bit clear
		Read:   true,
		Write:  entry&0x2 != 0,
		Exec:   true, // no NX on legacy tables
	}

	// Page-directory entry without PS: pointer to a page table.
	if entry&0x80 == 0 && lvl == 0 {
		addr := ((entry >> 12) & 0xFFFFF) << 12
		return true, f, addr, 0
	}

	var addr uint64
	if lvl == 0 {
		// 4 MiB page; bits 13+ hold the PSE-36 high physical bits.
		var high uint64
		if a.cfg.mphy > 32 {
			high = ((entry >> 13) & ((1 << (uint(a.cfg.mphy) - 32)) - 1)) << 32
		}
		addr = high | ((entry>>22)&0x3FF)<<22
	} else {
		addr = ((entry >> 12) & 0xFFFFF) << 12
	}
	return true, f, addr, 1 << a.Geometry().Shifts[lvl]
}

func (a *IA32) Permissions(trail []Flags) PermKey {
	anyKernel, allWritable := false, true
	for _, f := range trail {
		anyKernel = anyKernel || f.Kernel
		allWritable = allWritable && f.Write
	}

	w := allWritable
	if anyKernel {
		if !a.cfg.wp {
			w = true
		}
		return PermKey{Kernel: triple(true, w, true)}
	}
	return PermKey{User: triple(true, w, true)}
}

func (a *IA32) FinalizeVA(va uint64) uint64 {
	return va
}

// AMD64 decodes four-level 64-bit page tables (4 KiB, 2 MiB and 1 GiB
// pages, NX bit).
type AMD64 struct {
	cfg intelConfig
}

// amd64Prefix sign-extends bit 47 into the upper half of the address.
const amd64Prefix = 0xFFFF_8000_0000_0000

func (a *AMD64) Geometry() Geometry {
	return Geometry{
		Levels:     4,
		TableSizes: []uint64{0x1000, 0x1000, 0x1000, 0x1000},
		Shifts:     []uint{39, 30, 21, 12},
		EntrySize:  8,
		MinPage:    0x1000,
	}
}

func (a *AMD64) Decode(idx int, entry uint64, lvl int) (bool, Flags, uint64, uint64) {
	if entry&0x1 == 0 {
		return false, Flags{}, 0, 0
	}
	f := Flags{
		Kernel: entry&0x4 == 0,
		Read:   true,
		Write:  entry&0x2 != 0,
		Exec:   entry&(1<<63) == 0,
	}

	// The PML4 has no huge-page leaves; elsewhere PS selects the leaf.
	if (entry&0x80 == 0 && lvl < 3) || lvl == 0 {
		return true, f, a.cfg.physMask(entry, 12), 0
	}

	shift := a.Geometry().Shifts[lvl]
	return true, f, a.cfg.physMask(entry, shift), 1 << shift
}

func (a *AMD64) Permissions(trail []Flags) PermKey {
	anyKernel, allWritable, allExecutable := false, true, true
	for _, f := range trail {
		anyKernel = anyKernel || f.Kernel
		allWritable = allWritable && f.Write
		allExecutable = allExecutable && f.Exec
	}

	w, x := allWritable, allExecutable
	if !a.cfg.nxe {
		x = true
	}
	if anyKernel {
		if !a.cfg.wp {
			w = true
		}
		return PermKey{Kernel: triple(true, w, x)}
	}
	return PermKey{User: triple(true, w, x)}
}

func (a *AMD64) FinalizeVA(va uint64) uint64 {
	if va&0x0000_8000_0000_0000 != 0 {
		return amd64Prefix | va
	}
	return va
}

// newIntelSpace selects the Intel adapter from the MMU mode, derives the
// page-table root from CR3 and runs the walk.
func newIntelSpace(d *dump.Dump, regs Registers) (*AddressSpace, error) {
	m := d.Machine()
	cr3, ok := regs["cr3"]
	if !ok {
		return nil, fmt.Errorf("%w: cr3", ErrMissingRegister)
	}
	mphy := m.CPUSpecifics.MAXPHYADDR

	var dec Decoder
	var root uint64
	switch strings.ToLower(m.MMUMode) {
	case "ia64":
		cfg := intelConfig{mphy: mphy, wp: true, nxe: true}
		root = cfg.physMask(cr3, 12)
		dec = &AMD64{cfg: cfg}
	case "ia32":
		if mphy > 40 {
			mphy = 40
		}
		root = ((cr3 >> 12) & ((1 << 20) - 1)) << 12
		dec = &IA32{cfg: intelConfig{mphy: mphy, wp: true}}
	case "pae":
		return nil, fmt.Errorf("%w: pae is not implemented", ErrUnknownMMUMode)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMMUMode, m.MMUMode)
	}
	return newAddressSpace(d, dec, root)
}

// triple packs R/W/X booleans into a 3-bit permission value.
func triple(r, w, x bool) uint8 {
	var t uint8
	if r {
		t |= PermRead
	}
	if w {
		t |= PermWrite
	}
	if x {
		t |= PermExec
	}
	return t
}
