// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/Memoscopy/mmushell/internal/mmu"
)

// loadRegisters reads the per-process MMU register snapshots: a JSON list of
// objects mapping register names to values. Values may be JSON integers or
// hex strings ("0x1aa000"); registers like satp routinely exceed the range
// JSON floats can carry, so the file is decoded without float conversion.
func loadRegisters(path string) ([]mmu.Registers, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.UseNumber()
	var raw []map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := make([]mmu.Registers, 0, len(raw))
	for i, entry := range raw {
		regs := make(mmu.Registers, len(entry))
		for name, v := range entry {
			val, err := registerValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s: process %d: register %s: %w", path, i, name, err)
			}
			regs[name] = val
		}
		out = append(out, regs)
	}
	return out, nil
}

func registerValue(v any) (uint64, error) {
	switch v := v.(type) {
	case json.Number:
		return strconv.ParseUint(v.String(), 10, 64)
	case string:
		return strconv.ParseUint(v, 0, 64)
	default:
		return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}
