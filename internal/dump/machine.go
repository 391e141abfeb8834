// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dump

import (
	"encoding/json"
	"fmt"
)

// Machine is the machine description attached to the dump by the acquisition
// tool. Most fields come from the JSON payload of the FOSSIL note; Endianness
// and Architecture are overwritten from the ELF identification so the note
// cannot disagree with the container.
type Machine struct {
	Endianness          string // "little" or "big"
	Architecture        string // "x86_64", "386", "riscv", "aarch64", ...
	MMUMode             string `json:"MMUMode"` // "ia32", "ia64", "sv32", "sv39"
	CPUSpecifics        CPUSpecifics
	MemoryMappedDevices []Device
}

// CPUSpecifics carries per-CPU parameters. MAXPHYADDR is the number of
// implemented physical address bits; required for Intel targets.
type CPUSpecifics struct {
	MAXPHYADDR int `json:"MAXPHYADDR"`
}

// Device is one memory-mapped device region, serialized in the note as a
// [base, name] pair.
type Device struct {
	Base uint64
	Name string
}

func (d *Device) UnmarshalJSON(b []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("device entry: %w", err)
	}
	if err := json.Unmarshal(pair[0], &d.Base); err != nil {
		return fmt.Errorf("device base: %w", err)
	}
	if err := json.Unmarshal(pair[1], &d.Name); err != nil {
		return fmt.Errorf("device name: %w", err)
	}
	return nil
}

func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{d.Base, d.Name})
}
