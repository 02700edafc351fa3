//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

//go:build linux && cpuid

package topology

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling OS thread's affinity to a single logical CPU
// so that the following cpuid() call reads that core's leaves.
func pinToCPU(lcore int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(lcore)
	return unix.SchedSetaffinity(0, &set)
}

func init() {
	cpuidFallback = probeCPUIDFallback
}

// cpuid executes the CPUID instruction with the given leaf/subleaf on the
// calling OS thread. The caller must have pinned the goroutine to the
// target logical CPU (runtime.LockOSThread plus a sched_setaffinity call)
// before invoking this; scheduling it away mid-probe would attribute the
// wrong core's leaves to the wrong LCore.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// probeCPUIDFallback reads CPUID leaf 0x0B (x2APIC topology), subleaves 0
// and 1, on every logical CPU in turn and uses the one value it derives
// for every cluster id of that CPU; it does not read the vendor, family
// or cache leaves. It is used only when the sysfs topology hierarchy in
// probeSysfsCores is unavailable (e.g. a minimal container image with no
// /sys mounted). This mirrors the leaf walk in
// original_source/lib/host_cap.c's os_cpuinfo path.
func probeCPUIDFallback(numCPUs int) ([]LCore, int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if numCPUs <= 0 {
		return nil, 0, fmt.Errorf("cpuid fallback: no CPUs reported by the scheduler")
	}

	cores := make([]LCore, 0, numCPUs)
	for i := 0; i < numCPUs; i++ {
		if err := pinToCPU(i); err != nil {
			logrus.WithError(err).WithField("lcore", i).Warn("topology: cpuid fallback could not pin to core, skipping")
			continue
		}

		_, ebx, ecx, _ := cpuid(0x0B, 0) // SMT level
		smtMask := ebx
		_ = smtMask
		_, _, ecx2, _ := cpuid(0x0B, 1) // core level
		packageID := int(ecx2 >> 24)

		cores = append(cores, LCore{
			LCore:   i,
			Socket:  packageID,
			L3ID:    packageID,
			L2ID:    packageID,
			L3CatID: packageID,
			MbaID:   packageID,
			SmbaID:  packageID,
		})
		_ = ecx
	}

	return cores, numCPUs - 1, nil
}
