//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/intel/intel-cmt-cat-sub003/alloc"
)

func newAllocCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alloc",
		Short: "manage L3/L2 CAT and MBA allocation classes",
	}
	cmd.AddCommand(newAllocSetL3Cmd(), newAllocAssociateCmd(), newAllocAssignCmd(), newAllocResetCmd())
	return cmd
}

func newAllocAssignCmd() *cobra.Command {
	var cores string

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "find and bind the first free L3/L2/MBA class for a set of cores",
		RunE: func(cmd *cobra.Command, args []string) error {
			lcores, err := parseIntList(cores)
			if err != nil {
				return fmt.Errorf("pqosctl: --cores: %w", err)
			}

			classID, status, err := q.Assign([]alloc.Technology{alloc.L3, alloc.L2, alloc.MBA}, alloc.Entities{Cores: lcores})
			if err != nil {
				return fmt.Errorf("pqosctl: assign: %s: %w", status, err)
			}
			fmt.Printf("class_id=%d\n", classID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cores, "cores", "", "comma-separated logical core list")
	cmd.MarkFlagRequired("cores")
	return cmd
}

func newAllocSetL3Cmd() *cobra.Command {
	var domain int
	var mask string

	cmd := &cobra.Command{
		Use:   "set-l3 <class_id>",
		Short: "set an L3 CAT class's way mask in one domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			classID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("pqosctl: class_id: %w", err)
			}
			m, err := strconv.ParseUint(mask, 0, 64)
			if err != nil {
				return fmt.Errorf("pqosctl: --mask: %w", err)
			}

			status, err := q.SetL3(domain, classID, m)
			if err != nil {
				return fmt.Errorf("pqosctl: set_l3: %s: %w", status, err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&domain, "domain", 0, "L3 CAT domain id")
	cmd.Flags().StringVar(&mask, "mask", "", "way mask, e.g. 0xff")
	cmd.MarkFlagRequired("mask")
	return cmd
}

func newAllocAssociateCmd() *cobra.Command {
	var core int
	var classID int

	cmd := &cobra.Command{
		Use:   "associate-core",
		Short: "bind a logical core to an allocation class",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := q.AssociateCore(core, classID)
			if err != nil {
				return fmt.Errorf("pqosctl: associate_core: %s: %w", status, err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&core, "core", 0, "logical core number")
	cmd.Flags().IntVar(&classID, "class", 0, "target class_id")
	cmd.MarkFlagRequired("core")
	return cmd
}

func newAllocResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "restore every allocation class to its permissive default",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := q.ResetAlloc(nil)
			if err != nil {
				return fmt.Errorf("pqosctl: reset: %s: %w", status, err)
			}
			return nil
		},
	}
}
