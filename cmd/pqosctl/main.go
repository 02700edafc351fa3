//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Command pqosctl is a thin front end over the pqos library: every
// subcommand calls a public pqos function and prints its result, with
// no allocation or monitoring logic of its own.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/intel/intel-cmt-cat-sub003/pqos"
)

var (
	lockFilePath string
	mmioEnabled  bool
	q            *pqos.Qos
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pqosctl",
		Short:         "inspect and configure platform cache/bandwidth allocation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "pqosctl" {
				return nil
			}
			inst, status, err := pqos.Init(pqos.Config{
				LockFilePath: lockFilePath,
				MmioEnabled:  mmioEnabled,
			})
			if err != nil {
				return fmt.Errorf("pqosctl: init: %s: %w", status, err)
			}
			q = inst
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if q != nil {
				q.Fini()
			}
		},
	}
	root.PersistentFlags().StringVar(&lockFilePath, "lock-file", pqos.DefaultLockFilePath, "inter-process advisory lock path")
	root.PersistentFlags().BoolVar(&mmioEnabled, "mmio", false, "bring up the ERDT device-channel back-end")

	root.AddCommand(newInfoCmd(), newMonitorCmd(), newAllocCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
