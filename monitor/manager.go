//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Package monitor implements the monitoring-ID manager of spec.md §4.D:
// per-cluster RMID allocation, core/task/channel binding, counter
// polling with wrap-around delta arithmetic, and reset.
package monitor

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/pidfd"
	"github.com/intel/intel-cmt-cat-sub003/pidmonitor"
	"github.com/intel/intel-cmt-cat-sub003/topology"
)

// IDState is the per-(cluster, rmid) allocation state of spec.md §3.
type IDState int

const (
	Free IDState = iota
	Allocated
	Unavailable
)

// Errors returned by Manager's operations.
var (
	ErrNoSpace      = fmt.Errorf("monitor: no free monitoring ID in cluster")
	ErrNotAllocated = fmt.Errorf("monitor: id is not in the Allocated state")
	ErrCoreInUse    = fmt.Errorf("monitor: core already bound to another live group")
	ErrCoreAbsent   = fmt.Errorf("monitor: core not present in topology")
	ErrReadFailed   = fmt.Errorf("monitor: counter read failed (error bit set)")
	ErrUnavailable  = fmt.Errorf("monitor: counter still unavailable after retries")
)

// CoreRMIDReader reads back a core's current monitoring-ID association,
// used once at startup to reconcile hardware state left behind by a
// prior process. A nil reader skips reconciliation (assumes every core
// is already bound to ID 0, the common case for the filesystem and
// mmio back-ends, which don't expose a cheap readback path).
type CoreRMIDReader func(lcore int) (rmid int, err error)

// Manager owns the per-cluster ID vectors and live groups.
type Manager struct {
	mu sync.Mutex

	topo *topology.Info
	mcap *catalog.MonitorCap
	be   backend.MonitorBackend
	// perfBE services EnablePerfCounters/DisablePerfCounters/ReadPerfCounters
	// for IPC/LLC-miss events; on the register back-end this is the same
	// value as be, on resctrl it is a dedicated register.Backend since
	// resctrl returns backend.ErrUnsupported for perf work. The mmio
	// manager gets the mmio back-end for both be and perfBE.
	perfBE backend.MonitorBackend

	reclaimOnInit bool // one-shot policy: reclaim foreign IDs to 0 instead of marking Unavailable

	ids       map[int][]IDState // cluster id -> vector indexed by rmid
	boundCore map[int]*Group    // lcore -> owning group, only while non-zero bound

	groups []*Group

	pidMon    *pidmonitor.PidMon
	pidToTask map[uint32]*Group
}

// New builds a Manager. reader, if non-nil, is consulted once per
// present core to reconcile pre-existing hardware associations.
func New(topo *topology.Info, mcap *catalog.MonitorCap, be backend.MonitorBackend, perfBE backend.MonitorBackend, reclaimOnInit bool, reader CoreRMIDReader) (*Manager, error) {
	m := &Manager{
		topo:          topo,
		mcap:          mcap,
		be:            be,
		perfBE:        perfBE,
		reclaimOnInit: reclaimOnInit,
		ids:           make(map[int][]IDState),
		boundCore:     make(map[int]*Group),
		pidToTask:     make(map[uint32]*Group),
	}

	for _, cl := range topo.L3Clusters() {
		m.ids[cl] = make([]IDState, mcap.MaxRMID)
	}

	if reader != nil {
		if err := m.reconcile(reader); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Manager) reconcile(reader CoreRMIDReader) error {
	for _, c := range m.topo.Cores {
		rmid, err := reader(c.LCore)
		if err != nil {
			return fmt.Errorf("monitor: reading association for lcore %d: %w", c.LCore, err)
		}
		if rmid == 0 {
			continue
		}
		vec, ok := m.ids[c.L3ID]
		if !ok || rmid >= len(vec) {
			continue
		}
		if m.reclaimOnInit {
			if err := m.be.BindCore(c.LCore, 0); err != nil {
				return fmt.Errorf("monitor: reclaiming lcore %d: %w", c.LCore, err)
			}
			logrus.WithField("lcore", c.LCore).Info("monitor: reclaimed foreign monitoring-ID binding")
		} else {
			vec[rmid] = Unavailable
			logrus.WithFields(logrus.Fields{"cluster": c.L3ID, "rmid": rmid}).
				Info("monitor: marking foreign monitoring ID unavailable")
		}
	}
	return nil
}

// EnablePidAutoStop starts a background pidmonitor watcher so task
// groups auto-release their ID when the bound process exits, instead
// of leaking it until an explicit StopTasks call.
func (m *Manager) EnablePidAutoStop(cfg *pidmonitor.Cfg) error {
	pm, err := pidmonitor.New(cfg)
	if err != nil {
		return fmt.Errorf("monitor: starting pid auto-stop watcher: %w", err)
	}
	m.mu.Lock()
	m.pidMon = pm
	m.mu.Unlock()

	go func() {
		for {
			events := pm.WaitEvent()
			if len(events) == 0 {
				return // Close() was called
			}
			for _, e := range events {
				m.mu.Lock()
				g, ok := m.pidToTask[e.Pid]
				m.mu.Unlock()
				if ok {
					logrus.WithField("pid", e.Pid).Info("monitor: bound task exited, auto-stopping group")
					if err := m.StopTasks(g); err != nil {
						logrus.WithError(err).Warn("monitor: auto-stop of exited task failed")
					}
				}
			}
		}
	}()

	return nil
}

// Close stops the pid auto-stop watcher, if one is running.
func (m *Manager) Close() {
	m.mu.Lock()
	pm := m.pidMon
	m.pidMon = nil
	m.mu.Unlock()
	if pm != nil {
		pm.Close()
	}
}

// Allocate implements spec.md §4.D.1: descending scan from
// event_max_rmid-1 down to 1 for the first Free slot.
func (m *Manager) Allocate(cluster int, eventTypes []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(cluster, eventTypes)
}

func (m *Manager) allocateLocked(cluster int, eventTypes []string) (int, error) {
	eventMaxRMID, err := m.mcap.EventMaxRMID(eventTypes)
	if err != nil {
		return 0, fmt.Errorf("monitor: %w", err)
	}

	vec, ok := m.ids[cluster]
	if !ok {
		return 0, fmt.Errorf("monitor: unknown cluster %d", cluster)
	}
	if eventMaxRMID > len(vec) {
		eventMaxRMID = len(vec)
	}

	for id := eventMaxRMID - 1; id >= 1; id-- {
		if vec[id] == Free {
			vec[id] = Allocated
			return id, nil
		}
	}
	return 0, ErrNoSpace
}

// Free releases a previously allocated ID.
func (m *Manager) Free(cluster int, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeLocked(cluster, id)
}

func (m *Manager) freeLocked(cluster int, id int) error {
	vec, ok := m.ids[cluster]
	if !ok || id < 0 || id >= len(vec) {
		return fmt.Errorf("monitor: unknown (cluster %d, id %d)", cluster, id)
	}
	if vec[id] != Allocated {
		return ErrNotAllocated
	}
	vec[id] = Free
	return nil
}
