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

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "print topology and capability summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			topo := q.Topology()
			caps := q.Caps()

			fmt.Printf("cores: %d\n", len(topo.Cores))
			fmt.Printf("l3 domains: %v\n", q.L3Domains())

			if caps.L3CA != nil {
				fmt.Printf("L3 CAT: %d classes, %d ways, cdp=%v\n", caps.L3CA.NumClasses, caps.L3CA.NumWays, caps.L3CA.CDPEnabled)
			} else {
				fmt.Println("L3 CAT: unsupported")
			}
			if caps.L2CA != nil {
				fmt.Printf("L2 CAT: %d classes, %d ways, cdp=%v\n", caps.L2CA.NumClasses, caps.L2CA.NumWays, caps.L2CA.CDPEnabled)
			} else {
				fmt.Println("L2 CAT: unsupported")
			}
			if caps.MBA != nil {
				fmt.Printf("MBA: %d classes, max=%d, step=%d, controller=%v\n", caps.MBA.NumClasses, caps.MBA.ThrottleMax, caps.MBA.ThrottleStep, caps.MBA.CtrlEnabled)
			} else {
				fmt.Println("MBA: unsupported")
			}
			if caps.Monitor != nil {
				fmt.Printf("monitoring: %d RMIDs, %d event types\n", caps.Monitor.MaxRMID, len(caps.Monitor.Events))
			} else {
				fmt.Println("monitoring: unsupported")
			}
			fmt.Printf("mmio: %v\n", q.MmioEnabled())
			return nil
		},
	}
}
