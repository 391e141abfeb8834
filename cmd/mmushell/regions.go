// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Memoscopy/mmushell/internal/dump"
)

func regionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "regions DUMP",
		Short: "print the dump's machine description and physical memory layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := dump.Open(args[0])
			if err != nil {
				return err
			}
			defer d.Close()
			printRegions(d)
			return nil
		},
	}
}

func printRegions(d *dump.Dump) {
	m := d.Machine()
	t := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
	fmt.Fprintf(t, "arch\t%s\n", m.Architecture)
	fmt.Fprintf(t, "mmu\t%s\n", m.MMUMode)
	fmt.Fprintf(t, "endianness\t%s\n", m.Endianness)
	if m.CPUSpecifics.MAXPHYADDR != 0 {
		fmt.Fprintf(t, "maxphyaddr\t%d\n", m.CPUSpecifics.MAXPHYADDR)
	}
	t.Flush()

	t = tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintf(t, "\ntype\tmin\tmax\toffset\tname\t\n")
	for _, r := range d.RAMRegions() {
		fmt.Fprintf(t, "ram\t%x\t%x\t%x\t\t\n", r.Begin, r.End, r.Offset)
	}
	for _, r := range d.MMIORegions() {
		fmt.Fprintf(t, "mmio\t%x\t%x\t\t%s\t\n", r.Begin, r.End, r.Name)
	}
	t.Flush()
}
