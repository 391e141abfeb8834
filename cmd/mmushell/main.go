// Copyright 2024 The mmushell Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Mmushell reconstructs per-process virtual address spaces from a physical
// memory dump produced by the acquisition tool.
//
// Run "mmushell help" for a list of commands.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "mmushell",
		Short:         "reconstruct process virtual address spaces from a physical memory dump",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var logLevel string
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
		return nil
	}

	root.AddCommand(exportCommand())
	root.AddCommand(regionsCommand())
	root.AddCommand(shellCommand())

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
