// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Memoscopy/mmushell/internal/dump"
	"github.com/Memoscopy/mmushell/internal/dump/dumptest"
)

const (
	emX8664 = 0x3E
	emRISCV = 0xF3
)

// Intel PTE bits.
const (
	pteP  = 1 << 0
	pteW  = 1 << 1
	pteU  = 1 << 2
	ptePS = 1 << 7
	pteNX = 1 << 63
)

// RISC-V PTE bits.
const (
	svV = 1 << 0
	svR = 1 << 1
	svW = 1 << 2
	svX = 1 << 3
	svU = 1 << 4
)

func put64(table []byte, idx int, v uint64) {
	binary.LittleEndian.PutUint64(table[idx*8:], v)
}

// svPTE encodes a physical address into the Sv PPN field plus flags.
func svPTE(phys uint64, flags uint64) uint64 {
	return (phys>>12)<<10 | flags
}

// amd64Dump builds a dump with a four-level table hierarchy mapping:
//
//	VA 0x400000 -> PA 0x0     user RW (NX), 4 KiB
//	VA 0x401000 -> PA 0x0     user RW (NX), 4 KiB alias
//	VA 0x405000 -> PA 0x5000  kernel-only, 4 KiB
//
// Tables live at PA 0x1000..0x4000; cr3 = 0x1000.
func amd64Dump(t *testing.T) *dump.Dump {
	t.Helper()
	ram := make([]byte, 0x6000)
	for i := 0; i < 0x1000; i++ {
		ram[i] = byte(i) // page 0 payload
	}
	put64(ram[0x1000:], 0, 0x2000|pteP|pteW|pteU) // PML4[0] -> PDPT
	put64(ram[0x2000:], 0, 0x3000|pteP|pteW|pteU) // PDPT[0] -> PD
	put64(ram[0x3000:], 2, 0x4000|pteP|pteW|pteU) // PD[2] -> PT (VA 0x400000..)
	put64(ram[0x4000:], 0, 0x0|pteP|pteW|pteU|pteNX)
	put64(ram[0x4000:], 1, 0x0|pteP|pteW|pteU|pteNX)
	put64(ram[0x4000:], 5, 0x5000|pteP|pteW|pteNX) // no U bit: kernel page

	img := dumptest.New(emX8664, "ia64").SetMAXPHYADDR(40).AddRAM(0, ram).Bytes()
	d, err := dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	return d
}

func TestAMD64SinglePage(t *testing.T) {
	d := amd64Dump(t)
	space, err := NewAddressSpace(d, Registers{"cr3": 0x1000})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	userRW := PermKey{User: PermRead | PermWrite}
	pages := space.Mapping[userRW]
	if len(pages) != 2 {
		t.Fatalf("got %d user RW pages; want 2: %+v", len(pages), pages)
	}
	want := []Page{
		{Virt: 0x400000, Size: 0x1000, Phys: 0x0},
		{Virt: 0x401000, Size: 0x1000, Phys: 0x0},
	}
	if diff := cmp.Diff(want, pages); diff != "" {
		t.Errorf("pages mismatch (-want +got):\n%s", diff)
	}

	// The page bytes round-trip through the virtual map.
	got := space.ReadVirt(0x400010, 4)
	if !bytes.Equal(got, []byte{0x10, 0x11, 0x12, 0x13}) {
		t.Errorf("ReadVirt(0x400010, 4) = %x", got)
	}

	// V2O agrees with the dump's physical index.
	off, ok := space.TranslateVirt(0x400123)
	if !ok {
		t.Fatal("TranslateVirt(0x400123) missed")
	}
	wantOff, _ := d.PhysToOffset(0x123)
	if off != wantOff {
		t.Errorf("TranslateVirt = %#x; want %#x", off, wantOff)
	}
}

func TestAMD64Permissions(t *testing.T) {
	d := amd64Dump(t)
	space, err := NewAddressSpace(d, Registers{"cr3": 0x1000})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	// Adjacent pages with equal keys fuse into one permission interval.
	key, ok := space.PermsAt(0x400000)
	if !ok || key != (PermKey{User: 6}) {
		t.Errorf("PermsAt(0x400000) = %v, %v; want user rw-", key, ok)
	}
	if _, ok := space.PermsAt(0x402000); ok {
		t.Error("PermsAt(0x402000) hit beyond the mapped range")
	}

	// The kernel-only page exists in the raw mapping but is excluded from
	// every user-facing map.
	kernelRW := PermKey{Kernel: PermRead | PermWrite}
	if len(space.Mapping[kernelRW]) != 1 {
		t.Fatalf("kernel mapping = %+v; want one page", space.Mapping[kernelRW])
	}
	if _, ok := space.PermsAt(0x405000); ok {
		t.Error("kernel-only page leaked into the permission map")
	}
	if _, ok := space.TranslateVirt(0x405000); ok {
		t.Error("kernel-only page leaked into V2O")
	}
}

func TestAMD64AliasReverse(t *testing.T) {
	d := amd64Dump(t)
	space, err := NewAddressSpace(d, Registers{"cr3": 0x1000})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	off, _ := d.PhysToOffset(0x0)
	got := space.VirtsForOffset(off + 0x10)
	want := []uint64{0x400010, 0x401010}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("VirtsForOffset mismatch (-want +got):\n%s", diff)
	}
}

func TestAMD64HugePage(t *testing.T) {
	ram := make([]byte, 0x200000)
	put64(ram[0x1000:], 0, 0x2000|pteP|pteW|pteU)        // PML4[0]
	put64(ram[0x2000:], 0, 0x3000|pteP|pteW|pteU)        // PDPT[0]
	put64(ram[0x3000:], 1, 0x0|pteP|pteW|pteU|ptePS|pteNX) // PD[1]: 2 MiB leaf at PA 0

	img := dumptest.New(emX8664, "ia64").SetMAXPHYADDR(40).AddRAM(0, ram).Bytes()
	d, err := dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	space, err := NewAddressSpace(d, Registers{"cr3": 0x1000})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	userRW := PermKey{User: PermRead | PermWrite}
	pages := space.Mapping[userRW]
	if len(pages) != 1 {
		t.Fatalf("got %d pages; want 1: %+v", len(pages), pages)
	}
	if pages[0] != (Page{Virt: 0x200000, Size: 0x200000, Phys: 0x0}) {
		t.Errorf("huge page = %+v", pages[0])
	}
}

func TestAMD64Canonical(t *testing.T) {
	a := &AMD64{}
	tests := []struct {
		va, want uint64
	}{
		{0x0000_7FFF_FFFF_F000, 0x0000_7FFF_FFFF_F000},
		{0x0000_8000_0000_0000, 0xFFFF_8000_0000_0000},
		{0x0000_8000_0040_0000, 0xFFFF_8000_0040_0000},
		{0x0, 0x0},
	}
	for _, tt := range tests {
		if got := a.FinalizeVA(tt.va); got != tt.want {
			t.Errorf("FinalizeVA(%#x) = %#x; want %#x", tt.va, got, tt.want)
		}
	}
}

func TestSV39MegaPage(t *testing.T) {
	tables := make([]byte, 0x2000)
	put64(tables, 2, svPTE(0x11000, svV))                // root[2] -> next level
	put64(tables[0x1000:], 0, svPTE(0x80000000, svV|svR|svW|svX|svU)) // 2 MiB leaf

	payload := make([]byte, 0x200000)
	copy(payload, "sv39 mega page payload")
	img := dumptest.New(emRISCV, "sv39").
		AddRAM(0x10000, tables).
		AddRAM(0x80000000, payload).
		Bytes()
	d, err := dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	space, err := NewAddressSpace(d, Registers{"satp": 0x10000})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	userRWX := PermKey{User: PermRead | PermWrite | PermExec}
	pages := space.Mapping[userRWX]
	if len(pages) != 1 {
		t.Fatalf("got %d pages; want 1: %+v", len(pages), pages)
	}
	if pages[0] != (Page{Virt: 0x80000000, Size: 0x200000, Phys: 0x80000000}) {
		t.Errorf("mega page = %+v", pages[0])
	}
	if got := space.ReadVirt(0x80000000, 4); !bytes.Equal(got, []byte("sv39")) {
		t.Errorf("ReadVirt = %q", got)
	}
}

func TestEmptyMapping(t *testing.T) {
	// A valid table hierarchy that maps kernel pages only.
	ram := make([]byte, 0x5000)
	put64(ram[0x1000:], 0, 0x2000|pteP|pteW)
	put64(ram[0x2000:], 0, 0x3000|pteP|pteW)
	put64(ram[0x3000:], 0, 0x4000|pteP|pteW)
	put64(ram[0x4000:], 0, 0x0|pteP|pteW)

	img := dumptest.New(emX8664, "ia64").SetMAXPHYADDR(40).AddRAM(0, ram).Bytes()
	d, err := dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	if _, err := NewAddressSpace(d, Registers{"cr3": 0x1000}); !errors.Is(err, ErrEmptyMapping) {
		t.Errorf("NewAddressSpace = %v; want ErrEmptyMapping", err)
	}
}

func TestTableNotInRAM(t *testing.T) {
	// cr3 points outside RAM: the walk drops the whole tree and the result
	// is an empty mapping, not a crash.
	img := dumptest.New(emX8664, "ia64").SetMAXPHYADDR(40).
		AddRAM(0, make([]byte, 0x1000)).Bytes()
	d, err := dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	if _, err := NewAddressSpace(d, Registers{"cr3": 0x100000}); !errors.Is(err, ErrEmptyMapping) {
		t.Errorf("NewAddressSpace = %v; want ErrEmptyMapping", err)
	}
}

func TestFactoryErrors(t *testing.T) {
	img := dumptest.New(emX8664, "pae").SetMAXPHYADDR(36).
		AddRAM(0, make([]byte, 0x1000)).Bytes()
	d, err := dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	if _, err := NewAddressSpace(d, Registers{"cr3": 0}); !errors.Is(err, ErrUnknownMMUMode) {
		t.Errorf("pae: err = %v; want ErrUnknownMMUMode", err)
	}

	img = dumptest.New(emX8664, "ia64").SetMAXPHYADDR(40).
		AddRAM(0, make([]byte, 0x1000)).Bytes()
	d, err = dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	if _, err := NewAddressSpace(d, Registers{"satp": 0}); !errors.Is(err, ErrMissingRegister) {
		t.Errorf("missing cr3: err = %v; want ErrMissingRegister", err)
	}
}

func TestCR3Masking(t *testing.T) {
	// Low CR3 bits (PCID, flags) must not leak into the table address.
	d := amd64Dump(t)
	space, err := NewAddressSpace(d, Registers{"cr3": 0x1000 | 0x19F})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	if space.Root != 0x1000 {
		t.Errorf("Root = %#x; want 0x1000", space.Root)
	}
}

func TestIA32FourMegPage(t *testing.T) {
	// A page directory with one 4 MiB user leaf at PA 0 and one page-table
	// pointer mapping a 4 KiB user page.
	ram := make([]byte, 0x400000)
	le := binary.LittleEndian
	// PD at 0x1000: entry 1 maps VA 0x400000 as a 4 MiB page at PA 0.
	le.PutUint32(ram[0x1000+1*4:], 0x0|pteP|pteW|pteU|ptePS)
	// PD entry 2 -> PT at 0x2000; PT[0] maps VA 0x800000 -> PA 0x3000.
	le.PutUint32(ram[0x1000+2*4:], 0x2000|pteP|pteW|pteU)
	le.PutUint32(ram[0x2000:], 0x3000|pteP|pteU)

	img := dumptest.New(0x03, "ia32").SetMAXPHYADDR(36).AddRAM(0, ram).Bytes()
	d, err := dump.OpenBytes(img)
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}
	space, err := NewAddressSpace(d, Registers{"cr3": 0x1000})
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	// Legacy tables have no NX, so X is always granted.
	big := space.Mapping[PermKey{User: PermRead | PermWrite | PermExec}]
	if len(big) != 1 || big[0] != (Page{Virt: 0x400000, Size: 0x400000, Phys: 0x0}) {
		t.Errorf("4 MiB page = %+v", big)
	}
	// The 4 KiB page is read-only: W clear on the PTE makes all-writable
	// false even though the PD entry is writable.
	small := space.Mapping[PermKey{User: PermRead | PermExec}]
	if len(small) != 1 || small[0] != (Page{Virt: 0x800000, Size: 0x1000, Phys: 0x3000}) {
		t.Errorf("4 KiB page = %+v", small)
	}
}
