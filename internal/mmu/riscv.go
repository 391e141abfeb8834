// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"fmt"
	"strings"

	"github.com/Memoscopy/mmushell/internal/dump"
)

// riscvConfig carries the sstatus bits the permission policy depends on.
// The acquisition tool does not snapshot sstatus, so both default to off.
type riscvConfig struct {
	sum bool // permit S-mode access to U pages (unused by the policy)
	mxr bool // make executable pages readable
}

// riscvFlags decodes the common Sv PTE flag layout.
func riscvFlags(entry uint64) Flags {
	return Flags{
		Kernel: entry&0x10 == 0, // U bit clear
		Read:   entry&0x2 != 0,
		Write:  entry&0x4 != 0,
		Exec:   entry&0x8 != 0,
	}
}

// riscvPerms reduces a trail under the RISC-V policy: there is no
// hierarchical combining, only the leaf PTE counts. MXR folds X into the
// effective R.
func (c riscvConfig) riscvPerms(trail []Flags) PermKey {
	leaf := trail[len(trail)-1]
	r := leaf.Read
	if c.mxr {
		r = r || leaf.Exec
	}
	t := triple(r, leaf.Write, leaf.Exec)
	if leaf.Kernel {
		return PermKey{Kernel: t}
	}
	return PermKey{User: t}
}

// SV32 decodes two-level 32-bit Sv32 tables (4 KiB and 4 MiB pages).
type SV32 struct {
	cfg riscvConfig
}

func (a *SV32) Geometry() Geometry {
	return Geometry{
		Levels:     2,
		TableSizes: []uint64{0x1000, 0x1000},
		Shifts:     []uint{22, 12},
		EntrySize:  4,
		MinPage:    0x1000,
	}
}

func (a *SV32) Decode(idx int, entry uint64, lvl int) (bool, Flags, uint64, uint64) {
	if entry&0x1 == 0 {
		return false, Flags{}, 0, 0
	}
	f := riscvFlags(entry)
	addr := ((entry >> 10) & ((1 << 22) - 1)) << 12
	// A PTE with any of R/W/X set is a leaf; at the last level it always is.
	if f.Read || f.Write || f.Exec || lvl == 1 {
		return true, f, addr, 1 << a.Geometry().Shifts[lvl]
	}
	return true, f, addr, 0
}

func (a *SV32) Permissions(trail []Flags) PermKey {
	return a.cfg.riscvPerms(trail)
}

func (a *SV32) FinalizeVA(va uint64) uint64 {
	return va
}

// SV39 decodes three-level 64-bit Sv39 tables (4 KiB, 2 MiB and 1 GiB
// pages) with the 44-bit PPN field.
type SV39 struct {
	cfg riscvConfig
}

func (a *SV39) Geometry() Geometry {
	return Geometry{
		Levels:     3,
		TableSizes: []uint64{0x1000, 0x1000, 0x1000},
		Shifts:     []uint{30, 21, 12},
		EntrySize:  8,
		MinPage:    0x1000,
	}
}

func (a *SV39) Decode(idx int, entry uint64, lvl int) (bool, Flags, uint64, uint64) {
	if entry&0x1 == 0 {
		return false, Flags{}, 0, 0
	}
	f := riscvFlags(entry)
	addr := ((entry >> 10) & ((1 << 44) - 1)) << 12
	if f.Read || f.Write || f.Exec || lvl == 2 {
		return true, f, addr, 1 << a.Geometry().Shifts[lvl]
	}
	return true, f, addr, 0
}

func (a *SV39) Permissions(trail []Flags) PermKey {
	return a.cfg.riscvPerms(trail)
}

func (a *SV39) FinalizeVA(va uint64) uint64 {
	return va
}

// newRISCVSpace selects the Sv mode from the machine description, takes the
// page-table root from satp and runs the walk.
func newRISCVSpace(d *dump.Dump, regs Registers) (*AddressSpace, error) {
	m := d.Machine()
	satp, ok := regs["satp"]
	if !ok {
		return nil, fmt.Errorf("%w: satp", ErrMissingRegister)
	}

	var dec Decoder
	switch strings.ToLower(m.MMUMode) {
	case "sv39":
		dec = &SV39{}
	case "sv32":
		dec = &SV32{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMMUMode, m.MMUMode)
	}
	return newAddressSpace(d, dec, satp)
}
