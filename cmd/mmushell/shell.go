// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/Memoscopy/mmushell/internal/dump"
	"github.com/Memoscopy/mmushell/internal/mmu"
)

func shellCommand() *cobra.Command {
	var process int
	cmd := &cobra.Command{
		Use:   "shell DUMP REGISTERS",
		Short: "interactively inspect one process's reconstructed address space",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots, err := loadRegisters(args[1])
			if err != nil {
				return fmt.Errorf("loading MMU snapshots: %w", err)
			}
			if process < 0 || process >= len(snapshots) {
				return fmt.Errorf("process %d out of range (%d snapshots)", process, len(snapshots))
			}
			d, err := dump.Open(args[0])
			if err != nil {
				return err
			}
			defer d.Close()
			space, err := mmu.NewAddressSpace(d, snapshots[process])
			if err != nil {
				return err
			}
			return runShell(space)
		},
	}
	cmd.Flags().IntVar(&process, "process", 0, "index of the snapshot to inspect")
	return cmd
}

const shellHelp = `commands:
  vtop ADDR        translate a virtual address to its dump offset
  otov OFFSET      list the virtual addresses aliasing a dump offset
  perms ADDR       print the permission key of the page containing ADDR
  read ADDR SIZE   hex dump SIZE bytes of virtual memory at ADDR
  maps             list the fused virtual-to-offset runs
  regions          print the dump's physical memory layout
  help             print this message
  exit             leave the shell`

func runShell(space *mmu.AddressSpace) error {
	rl, err := readline.New("mmushell> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return nil
		}
		if out, err := shellEval(space, fields[0], fields[1:]); err != nil {
			fmt.Printf("error: %v\n", err)
		} else if out != "" {
			fmt.Println(out)
		}
	}
}

func shellEval(space *mmu.AddressSpace, cmd string, args []string) (string, error) {
	num := func(i int) (uint64, error) {
		if i >= len(args) {
			return 0, fmt.Errorf("%s: missing argument", cmd)
		}
		return strconv.ParseUint(args[i], 0, 64)
	}

	switch cmd {
	case "help":
		return shellHelp, nil

	case "vtop":
		va, err := num(0)
		if err != nil {
			return "", err
		}
		off, ok := space.TranslateVirt(va)
		if !ok {
			return "", fmt.Errorf("%#x is not mapped", va)
		}
		return fmt.Sprintf("%#x", off), nil

	case "otov":
		off, err := num(0)
		if err != nil {
			return "", err
		}
		virts := space.VirtsForOffset(off)
		if len(virts) == 0 {
			return "", fmt.Errorf("offset %#x has no user mapping", off)
		}
		var b strings.Builder
		for i, v := range virts {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%#x", v)
		}
		return b.String(), nil

	case "perms":
		va, err := num(0)
		if err != nil {
			return "", err
		}
		key, ok := space.PermsAt(va)
		if !ok {
			return "", fmt.Errorf("%#x is not mapped", va)
		}
		return key.String(), nil

	case "read":
		va, err := num(0)
		if err != nil {
			return "", err
		}
		size, err := num(1)
		if err != nil {
			return "", err
		}
		data := space.ReadVirt(va, size)
		if data == nil {
			return "", fmt.Errorf("[%#x, %#x) is not fully mapped", va, va+size)
		}
		return strings.TrimSuffix(hex.Dump(data), "\n"), nil

	case "maps":
		var b strings.Builder
		for _, s := range space.V2O.Spans() {
			perm := ""
			if key, ok := space.PermsAt(s.Begin); ok {
				perm = key.String()
			}
			fmt.Fprintf(&b, "%#x-%#x offset %#x %s\n", s.Begin, s.End, s.Offset, perm)
		}
		return strings.TrimSuffix(b.String(), "\n"), nil

	case "regions":
		printRegions(space.Dump)
		return "", nil

	default:
		return "", fmt.Errorf("unknown command %q (try help)", cmd)
	}
}
