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
	"time"

	"github.com/spf13/afero"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
)

// Verbosity selects how much the library logs through logrus, per
// spec.md §6's configuration table.
type Verbosity int

const (
	Silent Verbosity = iota
	Default
	Verbose
	SuperVerbose
)

// LogSink is the callback type of Config.LogSink. Init does not consult
// Config.LogSink: library log output always goes to the process's
// standard logrus output, whatever LogSink holds.
type LogSink func(msg string)

// SNC selects how this process wants sub-NUMA-cluster bandwidth
// counters reported: per-cluster (Local) or summed across the socket
// (Total). Any leaves the platform's latched behaviour untouched.
type SNC int

const (
	SNCAny SNC = iota
	SNCLocal
	SNCTotal
)

// Config is the record consumed at Init, spec.md §6. Every field is
// optional; the documented zero value is the permissive default.
type Config struct {
	Interface     backend.Interface
	Verbose       Verbosity
	LogSink       LogSink
	L3CDP         catalog.Tristate
	L2CDP         catalog.Tristate
	MBAController catalog.Tristate
	IORDT         catalog.Tristate
	SNC           SNC

	// ReclaimInUseRMID is a one-shot policy: on init, rebind cores
	// already using a non-zero monitoring ID to ID 0 instead of marking
	// that ID Unavailable, per spec.md §4.B step 5 / §6.
	ReclaimInUseRMID bool

	// LockFilePath overrides the well-known inter-process lock path
	// (/var/lock/libpqos), mainly so tests don't need root to create it.
	LockFilePath string

	// PidFilePath, if set, makes Init record this process's pid there
	// (refusing to start if another process already owns it) and Fini
	// remove it, the same sysbox-style single-instance-per-file contract
	// LockFilePath enforces at the flock level.
	PidFilePath string

	// ProcessName labels PidFilePath's pid-liveness check; defaults to
	// "pqosd" when PidFilePath is set but ProcessName is empty.
	ProcessName string

	// MmioEnabled additionally brings up the device-channel (I/O-RDT)
	// back-end by parsing the firmware ERDT table, per spec.md §6's
	// MMIO-back-end data description; off by default since most
	// platforms have no such table and the back-end requires /dev/mem.
	MmioEnabled bool

	// Fs overrides the afero.Fs used by topology probing and the
	// filesystem back-end; nil selects the real OS filesystem.
	Fs afero.Fs

	// WatchPollInterval configures WatchExternalChanges' fileMonitor
	// instance; zero selects defaultWatchPollInterval (250ms) below.
	WatchPollInterval time.Duration
}

func (cfg *Config) discoverConfig() catalog.DiscoverConfig {
	return catalog.DiscoverConfig{
		L3CDP:         cfg.L3CDP,
		L2CDP:         cfg.L2CDP,
		MBAController: cfg.MBAController,
		IORDT:         cfg.IORDT,
	}
}

// DefaultLockFilePath is the well-known inter-process advisory-lock
// path of spec.md §6. BSD-like systems use a different path; this
// module targets Linux, so only the Linux-like path is implemented.
const DefaultLockFilePath = "/var/lock/libpqos"

const defaultWatchPollInterval = 250 * time.Millisecond
