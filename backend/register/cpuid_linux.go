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

package register

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func init() {
	cpuidProbe = probeCPUIDLeaf
}

// cpuid executes the CPUID instruction with the given leaf/subleaf on
// the calling OS thread. Mirrors topology/cpuid_linux.go's asm stub and
// the same "pin before probing" discipline.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// probeCPUIDLeaf pins the calling OS thread to logical CPU 0 before
// issuing CPUID: the allocation-capability leaves this package reads
// (0x7, 0x10) report a platform-wide enumeration that is identical on
// every logical CPU of a symmetric system, so a single pinned core is
// enough, matching lib/host_cap.c's lcpuid() which runs on whichever
// CPU the discovery thread happens to be scheduled on.
func probeCPUIDLeaf(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32, err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(0)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return 0, 0, 0, 0, err
	}

	a, b, c, d := cpuid(leaf, subleaf)
	return a, b, c, d, nil
}
