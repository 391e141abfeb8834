// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Memoscopy/mmushell/internal/dump"
	"github.com/Memoscopy/mmushell/internal/mmu"
	"github.com/Memoscopy/mmushell/internal/vmelf"
)

// exportConfig are the defaults an optional TOML config file can provide;
// flags set on the command line win.
type exportConfig struct {
	OutDir string `toml:"out_dir"`
	Jobs   int    `toml:"jobs"`
}

func exportCommand() *cobra.Command {
	var (
		outDir     string
		jobs       int
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "export DUMP REGISTERS",
		Short: "write one ELF per process describing its virtual address space",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				var cfg exportConfig
				if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
					return fmt.Errorf("config: %w", err)
				}
				if cfg.OutDir != "" && !cmd.Flags().Changed("out-dir") {
					outDir = cfg.OutDir
				}
				if cfg.Jobs > 0 && !cmd.Flags().Changed("jobs") {
					jobs = cfg.Jobs
				}
			}
			return runExport(args[0], args[1], outDir, jobs)
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory for process.N.elf outputs")
	cmd.Flags().IntVar(&jobs, "jobs", 1, "number of processes to export in parallel")
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file with export defaults")
	return cmd
}

func runExport(dumpPath, regsPath, outDir string, jobs int) error {
	snapshots, err := loadRegisters(regsPath)
	if err != nil {
		return fmt.Errorf("loading MMU snapshots: %w", err)
	}

	d, err := dump.Open(dumpPath)
	if err != nil {
		return err
	}
	defer d.Close()
	logrus.Infof("loaded dump %s: %s/%s, %d processes to export",
		dumpPath, d.Machine().Architecture, d.Machine().MMUMode, len(snapshots))

	// Processes are independent: each walk owns its own maps and only reads
	// the shared dump. Per-process failures are reported and skipped.
	var g errgroup.Group
	if jobs < 1 {
		jobs = 1
	}
	g.SetLimit(jobs)
	for idx, regs := range snapshots {
		idx, regs := idx, regs
		g.Go(func() error {
			out := filepath.Join(outDir, fmt.Sprintf("process.%d.elf", idx))
			if err := exportProcess(d, regs, out); err != nil {
				logrus.Errorf("process %d: %v", idx, err)
				return nil
			}
			logrus.Infof("process %d: wrote %s", idx, out)
			return nil
		})
	}
	return g.Wait()
}

func exportProcess(d *dump.Dump, regs mmu.Registers, out string) error {
	space, err := mmu.NewAddressSpace(d, regs)
	if err != nil {
		return err
	}
	return vmelf.Export(out, space)
}
