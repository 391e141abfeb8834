// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"fmt"
	"strings"

	"github.com/Memoscopy/mmushell/internal/dump"
)

// NewAddressSpace reconstructs one process's virtual address space from the
// dump and its MMU register snapshot. The adapter is chosen from the dump's
// architecture tag and MMU mode.
func NewAddressSpace(d *dump.Dump, regs Registers) (*AddressSpace, error) {
	arch := strings.ToLower(d.Machine().Architecture)
	switch {
	case strings.Contains(arch, "riscv"):
		return newRISCVSpace(d, regs)
	case strings.Contains(arch, "x86"), strings.Contains(arch, "386"):
		return newIntelSpace(d, regs)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, arch)
	}
}
