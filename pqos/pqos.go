//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Package pqos is the library façade of spec.md §4.F/§6: Init/Fini,
// the intra- and inter-process mutual-exclusion model, and the five
// function groups (capability query, monitoring, allocation, utility)
// built on top of topology/catalog/backend/monitor/alloc.
package pqos

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/intel/intel-cmt-cat-sub003/alloc"
	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/backend/mmio"
	"github.com/intel/intel-cmt-cat-sub003/backend/register"
	"github.com/intel/intel-cmt-cat-sub003/backend/resctrl"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/fileMonitor"
	"github.com/intel/intel-cmt-cat-sub003/monitor"
	"github.com/intel/intel-cmt-cat-sub003/mount"
	"github.com/intel/intel-cmt-cat-sub003/pidmonitor"
	"github.com/intel/intel-cmt-cat-sub003/topology"
	"github.com/intel/intel-cmt-cat-sub003/utils"
)

// mmioSyntheticMaxRMID bounds the mmio back-end's per-channel
// monitoring-ID table; the ERDT table carries no monitoring-event
// catalog of its own (it only describes class/device-scope layout), so
// MmioMonitor's capability is synthesised rather than discovered.
const mmioSyntheticMaxRMID = 256

// minRDTKernelMajor/minRDTKernelMinor is the earliest upstream kernel
// with usable resctrl/RDT support (CAT landed in 4.10; CMT/MBM and MBA
// followed shortly after in the same release line).
const (
	minRDTKernelMajor = 4
	minRDTKernelMinor = 10
)

// Qos is a live library instance returned by Init. Every public method
// other than the read-only accessors (Caps, Topology, CoreInfo,
// L3Domains, CoresInL3Cluster, MmioEnabled) runs under mu; lockFile is
// flocked from Init until Fini.
type Qos struct {
	mu sync.Mutex

	cfg  Config
	topo *topology.Info
	caps *catalog.Capabilities

	be   backend.MonitorBackend
	abe  backend.AllocBackend
	perf backend.MonitorBackend // always a register.Backend, per monitor's perf-routing rule

	Monitor *monitor.Manager
	Alloc   *alloc.Manager

	// mmioBE, MmioMonitor and MmioAlloc are populated only when
	// cfg.MmioEnabled and an ERDT table is present: the mmio back-end is
	// additive (device-channel association only, per backend.Registry's
	// MmioExtra field), layered alongside whichever of Register/
	// Filesystem serves core/task monitoring and CAT/MBA class writes.
	mmioBE      *mmio.Backend
	MmioMonitor *monitor.Manager
	MmioAlloc   *alloc.Manager

	lockFile *os.File
	fileMon  *fileMonitor.FileMon
	pidFile  string

	finished bool
}

// ErrNotInitialized backs every method called after Fini.
var ErrNotInitialized = fmt.Errorf("pqos: not initialized")

// Init acquires the inter-process lock, probes the platform, discovers
// capabilities, and brings up the monitoring and allocation managers,
// per spec.md §4.F. On any failure it tears down whatever it already
// built, in reverse order, and returns a non-Ok Status.
func Init(cfg Config) (*Qos, Status, error) {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	lockPath := cfg.LockFilePath
	if lockPath == "" {
		lockPath = DefaultLockFilePath
	}
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, Resource, fmt.Errorf("pqos: opening lock file %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, Resource, fmt.Errorf("pqos: locking %s: %w", lockPath, err)
	}

	if cfg.PidFilePath != "" {
		process := cfg.ProcessName
		if process == "" {
			process = "pqosd"
		}
		if err := utils.CreatePidFile(process, cfg.PidFilePath); err != nil {
			unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
			lockFile.Close()
			return nil, Busy, fmt.Errorf("pqos: %w", err)
		}
	}

	q, status, err := doInit(cfg, fs)
	if err != nil {
		if cfg.PidFilePath != "" {
			utils.DestroyPidFile(cfg.PidFilePath)
		}
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
		return nil, status, err
	}
	q.lockFile = lockFile
	q.pidFile = cfg.PidFilePath
	return q, Ok, nil
}

func doInit(cfg Config, fs afero.Fs) (*Qos, Status, error) {
	if cfg.Verbose >= Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if cfg.Verbose == Silent {
		logrus.SetLevel(logrus.PanicLevel)
	}

	topo, err := topology.Probe(fs)
	if err != nil {
		return nil, Resource, fmt.Errorf("pqos: probing topology: %w", err)
	}

	// Compare the real host kernel against the minimum RDT-capable
	// release independently of topo's afero-injected probe, which may
	// be running against a fake filesystem in a test binary.
	if cmp, err := utils.KernelCurrentVersionCmp(minRDTKernelMajor, minRDTKernelMinor); err == nil && cmp < 0 {
		logrus.Warn("pqos: host kernel predates the minimum RDT-capable release, some allocation/monitoring features may be unavailable")
	}

	iface := backend.Select(cfg.Interface, func() bool {
		_, mounted, err := mount.FindResctrlMount()
		return err == nil && mounted
	})

	var monBE backend.MonitorBackend
	var allocBE backend.AllocBackend
	var prober catalog.Prober

	switch iface {
	case backend.Filesystem:
		rbe, err := resctrl.New(topo, fs)
		if err != nil {
			return nil, Resource, fmt.Errorf("pqos: resctrl backend: %w", err)
		}
		monBE, allocBE, prober = rbe, rbe, rbe
	default:
		reg, err := register.New(topo)
		if err != nil {
			return nil, Resource, fmt.Errorf("pqos: register backend: %w", err)
		}
		monBE, allocBE, prober = reg, reg, reg
	}

	perfBE := monBE
	if iface != backend.Register {
		reg, err := register.New(topo)
		if err != nil {
			return nil, Resource, fmt.Errorf("pqos: register backend for perf counters: %w", err)
		}
		perfBE = reg
	}

	caps, err := catalog.Discover(topo, cfg.discoverConfig(), prober)
	if err != nil {
		return nil, Resource, fmt.Errorf("pqos: discovering capabilities: %w", err)
	}

	var reader monitor.CoreRMIDReader
	if rbe, ok := monBE.(interface {
		CurrentRMID(lcore int) (int, error)
	}); ok {
		reader = rbe.CurrentRMID
	}

	var monMgr *monitor.Manager
	if caps.Monitor != nil {
		monMgr, err = monitor.New(topo, caps.Monitor, monBE, perfBE, cfg.ReclaimInUseRMID, reader)
		if err != nil {
			return nil, Resource, fmt.Errorf("pqos: starting monitoring-ID manager: %w", err)
		}
		if err := monMgr.EnablePidAutoStop(&pidmonitor.Cfg{Poll: 100}); err != nil {
			return nil, Resource, fmt.Errorf("pqos: enabling pid auto-stop: %w", err)
		}
	}

	allocMgr := alloc.New(topo, caps, allocBE)

	q := &Qos{
		cfg:     cfg,
		topo:    topo,
		caps:    caps,
		be:      monBE,
		abe:     allocBE,
		perf:    perfBE,
		Monitor: monMgr,
		Alloc:   allocMgr,
	}

	if cfg.MmioEnabled {
		if err := q.initMmio(topo, fs); err != nil {
			return nil, Resource, err
		}
	}

	return q, Ok, nil
}

// initMmio brings up the additive device-channel back-end. Its
// monitor.Manager is sized from mmioSyntheticMaxRMID rather than a
// discovered MonitorCap, and its alloc.Manager sees an empty
// Capabilities (mmio implements only AssociateChannel/AssociateDevice,
// never a Set* class-definition write), matching the ERDT table's
// scope: device/channel association, not cache or bandwidth class
// definitions.
func (q *Qos) initMmio(topo *topology.Info, fs afero.Fs) error {
	be, err := mmio.New(fs)
	if err != nil {
		return fmt.Errorf("pqos: mmio backend: %w", err)
	}

	mcap := &catalog.MonitorCap{
		MaxRMID: mmioSyntheticMaxRMID,
		Events:  []catalog.Event{{Type: catalog.EventLLCOccupancy, MaxRMIDForEvent: mmioSyntheticMaxRMID}},
	}
	monMgr, err := monitor.New(topo, mcap, be, be, false, nil)
	if err != nil {
		return fmt.Errorf("pqos: mmio monitor manager: %w", err)
	}

	q.mmioBE = be
	q.MmioMonitor = monMgr
	q.MmioAlloc = alloc.New(topo, &catalog.Capabilities{}, be)
	return nil
}

// Fini reverses Init: unbinds every monitored core to ID 0, closes the
// monitoring/allocation managers, and drops the inter-process lock. It
// is an error to call any other method on q after Fini returns.
func (q *Qos) Fini() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init
	}

	if q.Monitor != nil {
		_ = q.Monitor.Reset()
		q.Monitor.Close()
	}
	if q.MmioMonitor != nil {
		q.MmioMonitor.Close()
	}
	if q.mmioBE != nil {
		_ = q.mmioBE.Close()
	}
	if q.fileMon != nil {
		q.fileMon.Close()
	}
	if q.lockFile != nil {
		unix.Flock(int(q.lockFile.Fd()), unix.LOCK_UN)
		q.lockFile.Close()
	}
	if q.pidFile != "" {
		utils.DestroyPidFile(q.pidFile)
	}
	q.finished = true
	return Ok
}

// WatchExternalChanges starts (lazily, on first call) a fileMonitor
// instance and asks it to watch path (typically a resctrl schemata
// file) for mtime/size changes, returning a channel of change events.
// Per spec.md §5's shared-resource policy, the library never arbitrates
// class *definitions* across processes - this lets a caller notice
// another process rewriting a file out from under it instead of
// silently working from stale data.
func (q *Qos) WatchExternalChanges(path string) (<-chan []fileMonitor.Event, Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return nil, Init, ErrNotInitialized
	}

	if q.fileMon == nil {
		interval := q.cfg.WatchPollInterval
		if interval == 0 {
			interval = defaultWatchPollInterval
		}
		fm, err := fileMonitor.New(&fileMonitor.Cfg{EventBufSize: 16, PollInterval: interval})
		if err != nil {
			return nil, Error, fmt.Errorf("pqos: starting file monitor: %w", err)
		}
		q.fileMon = fm
	}

	if err := q.fileMon.Add(path); err != nil {
		return nil, Error, err
	}
	return q.fileMon.Events(), Ok, nil
}

// Caps returns the platform's immutable capability catalog.
func (q *Qos) Caps() *catalog.Capabilities {
	return q.caps
}

// Topology returns the platform's immutable topology snapshot.
func (q *Qos) Topology() *topology.Info {
	return q.topo
}
