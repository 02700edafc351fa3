//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

package pqos

import (
	"context"
	"fmt"

	"github.com/intel/intel-cmt-cat-sub003/monitor"
)

// StartCores begins a core-based monitoring group, the monitoring
// function group of spec.md §6. perf additionally enables IPC/LLC-miss
// tracking for these cores.
func (q *Qos) StartCores(lcores []int, eventTypes []string, perf bool) (*monitor.Group, Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return nil, Init, ErrNotInitialized
	}
	if q.Monitor == nil {
		return nil, InterfaceUnsupported, fmt.Errorf("pqos: platform has no monitoring capability")
	}
	if len(lcores) == 0 {
		return nil, Parameter, fmt.Errorf("pqos: start_cores: no cores given")
	}

	g, err := q.Monitor.StartCores(lcores, eventTypes, perf)
	if err != nil {
		return nil, classify(err), err
	}
	return g, Ok, nil
}

// StartTasks begins a task-based monitoring group; only the filesystem
// back-end implements task monitoring.
func (q *Qos) StartTasks(pids []uint32, eventTypes []string) (*monitor.Group, Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return nil, Init, ErrNotInitialized
	}
	if q.Monitor == nil {
		return nil, InterfaceUnsupported, fmt.Errorf("pqos: platform has no monitoring capability")
	}
	if len(pids) == 0 {
		return nil, Parameter, fmt.Errorf("pqos: start_tasks: no pids given")
	}

	g, err := q.Monitor.StartTasks(pids, eventTypes)
	if err != nil {
		return nil, classify(err), err
	}
	return g, Ok, nil
}

// StartChannels begins a channel-based monitoring group over mmio
// device channels; requires cfg.MmioEnabled at Init.
func (q *Qos) StartChannels(channels []int, eventTypes []string) (*monitor.Group, Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return nil, Init, ErrNotInitialized
	}
	if q.MmioMonitor == nil {
		return nil, InterfaceUnsupported, fmt.Errorf("pqos: mmio back-end not enabled")
	}
	if len(channels) == 0 {
		return nil, Parameter, fmt.Errorf("pqos: start_channels: no channels given")
	}

	g, err := q.MmioMonitor.StartChannels(channels, eventTypes)
	if err != nil {
		return nil, classify(err), err
	}
	return g, Ok, nil
}

// Poll reads a live group's counters. g must have come from StartCores/
// StartTasks (core/task manager) or StartChannels (mmio manager); Poll
// dispatches to whichever manager owns it.
func (q *Qos) Poll(ctx context.Context, g *monitor.Group, mmioGroup bool) (monitor.Counters, Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return monitor.Counters{}, Init, ErrNotInitialized
	}

	mgr := q.Monitor
	if mmioGroup {
		mgr = q.MmioMonitor
	}
	if mgr == nil {
		return monitor.Counters{}, InterfaceUnsupported, fmt.Errorf("pqos: no monitoring manager available for this group")
	}

	counters, err := mgr.Poll(ctx, g)
	if err != nil {
		return counters, classify(err), err
	}
	// counters.Errors holds per-(cluster,event) read failures
	// (ErrUnavailable after 3 retries, ErrReadFailed), never counter
	// wraps; classify the first one through the usual sentinel chain
	// instead of reporting it as Overflow. Overflow is reserved for
	// counters.Overflowed, set only when wrapDelta silently unwrapped a
	// counter, per spec.md §4.D.5.
	for _, ferr := range counters.Errors {
		return counters, classify(ferr), ferr
	}
	if counters.Overflowed {
		return counters, Overflow, nil
	}
	return counters, Ok, nil
}

// StopMonitoring tears a monitoring group down, freeing its IDs.
func (q *Qos) StopMonitoring(g *monitor.Group, mmioGroup bool) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}

	mgr := q.Monitor
	if mmioGroup {
		mgr = q.MmioMonitor
	}
	if mgr == nil {
		return InterfaceUnsupported, fmt.Errorf("pqos: no monitoring manager available for this group")
	}

	if err := mgr.Stop(g); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// ResetMonitoring stops every live monitoring group and returns every
// allocated ID to Free.
func (q *Qos) ResetMonitoring() (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if q.Monitor == nil {
		return Ok, nil
	}
	if err := q.Monitor.Reset(); err != nil {
		return classify(err), err
	}
	return Ok, nil
}
