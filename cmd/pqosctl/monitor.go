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
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newMonitorCmd() *cobra.Command {
	var cores string
	var events string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "sample LLC occupancy and memory bandwidth for a set of cores",
		RunE: func(cmd *cobra.Command, args []string) error {
			lcores, err := parseIntList(cores)
			if err != nil {
				return fmt.Errorf("pqosctl: --cores: %w", err)
			}
			eventTypes := strings.Split(events, ",")

			g, status, err := q.StartCores(lcores, eventTypes, false)
			if err != nil {
				return fmt.Errorf("pqosctl: start_cores: %s: %w", status, err)
			}
			defer q.StopMonitoring(g, false)

			// The first poll only records the baseline; the second one,
			// after duration, reports what accumulated in between.
			if _, status, err := q.Poll(context.Background(), g, false); err != nil {
				return fmt.Errorf("pqosctl: poll: %s: %w", status, err)
			}
			time.Sleep(duration)

			counters, status, err := q.Poll(context.Background(), g, false)
			if err != nil {
				return fmt.Errorf("pqosctl: poll: %s: %w", status, err)
			}
			fmt.Printf("llc_occupancy=%d\n", counters.LLCOccupancy)
			fmt.Printf("mbm_local=%d mbm_total=%d mbm_remote=%d\n", counters.MBMLocal, counters.MBMTotal, counters.MBMRemote)
			fmt.Printf("ipc=%.3f llc_misses_delta=%d llc_refs_delta=%d\n", counters.IPC, counters.LLCMissesDelta, counters.LLCRefsDelta)
			for _, e := range counters.Errors {
				fmt.Printf("error: %v\n", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cores, "cores", "", "comma-separated logical core list")
	cmd.Flags().StringVar(&events, "events", "llc_occupancy", "comma-separated event type list")
	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "how long to let counters accumulate before polling")
	cmd.MarkFlagRequired("cores")
	return cmd
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
