//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Package register implements the direct model-specific-register
// back-end of spec.md §4.C: one os.File per logical CPU's
// /dev/cpu/<n>/msr node, read and written with pread/pwrite at the
// fixed MSR offsets spec.md §6 documents.
package register

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/pathres"
	"github.com/intel/intel-cmt-cat-sub003/topology"
	"github.com/intel/intel-cmt-cat-sub003/utils"
)

// cpuidProbe reads a CPUID leaf/subleaf. Set by cpuid_linux.go's init()
// when this package is built with the "cpuid" build tag; left nil
// otherwise, in which case ProbeCAT at level 3 falls back to the
// brand-string match lib/host_cap.c itself uses when CPUID.0x7.0
// reports no allocation bit, and ProbeMBA reports no MBA.
var cpuidProbe func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32, err error)

// resID values from CPUID.0x10.0's EBX resource-ID bitmap, per
// lib/host_cap.c's PQOS_RES_ID_L3_ALLOCATION/PQOS_RES_ID_L2_ALLOCATION.
const (
	cpuidResIDL3Alloc = 1
	cpuidResIDL2Alloc = 2
	cpuidResIDMBA     = 3

	cpuidCATCDPBit = 2 // PQOS_CPUID_CAT_CDP_BIT
)

// haswellCATBrands lists the early Xeon E5 v3/E3 v4 SKUs that support
// L3 CAT with 4 fixed classes and no CDP but predate the CPUID.0x10
// enumeration leaf, per lib/host_cap.c's discover_alloc_l3_brandstr
// brand table.
var haswellCATBrands = []string{
	"E5-2658 v3", "E5-2648L v3", "E5-2628L v3",
	"E5-2618L v3", "E5-2608L v3", "E5-2658A v3",
	"E3-1258L v4", "E3-1278L v4",
}

// Fixed MSR addresses, per spec.md §6 ("Model-specific registers used
// (addresses are fixed ABI)").
const (
	msrAssoc       = 0xC8F // core <-> class+ID association
	msrMonEvtSel   = 0xC8D // monitoring event select
	msrMonCtrRead  = 0xC8E // monitoring counter read
	msrL3Config    = 0xC81 // L3 config, bit 0 = CDP enable
	msrL3MaskBase  = 0xC90 // L3 class allocation masks
	msrL3MaskLimit = 0xD8F
	msrL2MaskBase  = 0xC10 // L2 class allocation masks
	msrL2MaskLimit = 0xC8F

	// Standard architectural performance-counter MSRs (Intel SDM vol. 3B).
	msrPerfEvtSel0  = 0x186
	msrPMC0         = 0xC1
	msrPerfGlobCtl  = 0x38F
	msrFixedCtrCtrl = 0x38D
	msrFixedCtr0    = 0x309 // instructions retired
	msrFixedCtr1    = 0x30A // unhalted core cycles

	counterValueMask = (1 << 62) - 1
	counterErrorBit  = uint64(1) << 63
	counterUnavailBit = uint64(1) << 62
)

// perfEventSelLLCMiss is the event/umask pair the spec calls out for
// LLC misses: "a specific event/umask with USR+OS enabled, counter-0".
// 0x2E/0x41 is the architectural LONGEST_LAT_CACHE.MISS encoding.
const perfEventSelLLCMiss = 0x41<<8 | 0x2E | 1<<16 | 1<<17 | 1<<22 // umask<<8|event|USR|OS|EN

// Backend implements backend.MonitorBackend and backend.AllocBackend
// against /dev/cpu/<n>/msr.
type Backend struct {
	mu       sync.Mutex
	files    map[int]*os.File
	topo     *topology.Info
	perfUsed bool
}

// New opens one msr file descriptor per present logical core.
func New(topo *topology.Info) (*Backend, error) {
	if ok, err := utils.KernelModSupported("msr"); err == nil && !ok {
		return nil, errors.Wrap(catalog.ErrNoCapability, "register backend: msr kernel module not loaded")
	}

	b := &Backend{
		files: make(map[int]*os.File),
		topo:  topo,
	}

	for _, c := range topo.Cores {
		path := fmt.Sprintf("/dev/cpu/%d/msr", c.LCore)

		if err := pathres.CheckAccess(path, pathres.R_OK|pathres.W_OK); err != nil {
			return nil, errors.Wrapf(catalog.ErrNoCapability, "register backend: %s: %v", path, err)
		}

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("register backend: open %s: %w", path, err)
		}
		b.files[c.LCore] = f
	}

	return b, nil
}

// Close releases every open msr file descriptor.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for lcore, f := range b.files {
		f.Close()
		delete(b.files, lcore)
	}
	return nil
}

func (b *Backend) read(lcore int, addr int64) (uint64, error) {
	b.mu.Lock()
	f, ok := b.files[lcore]
	b.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("register backend: lcore %d not present", lcore)
	}

	var buf [8]byte
	n, err := unix.Pread(int(f.Fd()), buf[:], addr)
	if err != nil {
		return 0, fmt.Errorf("register backend: pread msr 0x%x on lcore %d: %w", addr, lcore, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("register backend: short pread (%d bytes) on msr 0x%x", n, addr)
	}

	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (b *Backend) write(lcore int, addr int64, value uint64) error {
	b.mu.Lock()
	f, ok := b.files[lcore]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("register backend: lcore %d not present", lcore)
	}

	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(value >> (8 * i))
	}

	n, err := unix.Pwrite(int(f.Fd()), buf[:], addr)
	if err != nil {
		return fmt.Errorf("register backend: pwrite msr 0x%x on lcore %d: %w", addr, lcore, err)
	}
	if n != 8 {
		return fmt.Errorf("register backend: short pwrite (%d bytes) on msr 0x%x", n, addr)
	}
	return nil
}

// BindCore writes the association MSR's RMID field on lcore, preserving
// the class-of-service field already present (bits 32+ hold class id on
// Intel's CMT/MBM association register layout).
func (b *Backend) BindCore(lcore int, rmid int) error {
	cur, err := b.read(lcore, msrAssoc)
	if err != nil {
		return err
	}
	const rmidMask = uint64(0xFFFFFFFF)
	next := (cur &^ rmidMask) | uint64(uint32(rmid))
	return b.write(lcore, msrAssoc, next)
}

// CurrentRMID reads lcore's monitoring-ID association back from the RMID
// field of the association MSR.
func (b *Backend) CurrentRMID(lcore int) (int, error) {
	cur, err := b.read(lcore, msrAssoc)
	if err != nil {
		return 0, err
	}
	const rmidMask = uint64(0xFFFFFFFF)
	return int(cur & rmidMask), nil
}

// AssociateCore updates the class-of-service field of the association
// MSR on lcore, preserving the RMID field.
func (b *Backend) AssociateCore(lcore int, hwClassID int) error {
	cur, err := b.read(lcore, msrAssoc)
	if err != nil {
		return err
	}
	const classMask = uint64(0xFFFFFFFF) << 32
	next := (cur &^ classMask) | (uint64(uint32(hwClassID)) << 32)
	return b.write(lcore, msrAssoc, next)
}

// ReadCounter issues the (select, read) pair of spec.md §4.D.5.
func (b *Backend) ReadCounter(ctx context.Context, pc backend.PollContext, eventType string) (backend.CounterSample, error) {
	evtSel, err := eventSelector(eventType)
	if err != nil {
		return backend.CounterSample{}, err
	}

	if err := b.write(pc.LCoreRepresentative, msrMonEvtSel, evtSel|uint64(pc.RMID)); err != nil {
		return backend.CounterSample{}, err
	}

	raw, err := b.read(pc.LCoreRepresentative, msrMonCtrRead)
	if err != nil {
		return backend.CounterSample{}, err
	}

	return backend.CounterSample{
		Value:       raw & counterValueMask,
		ErrorBit:    raw&counterErrorBit != 0,
		Unavailable: raw&counterUnavailBit != 0,
	}, nil
}

func eventSelector(eventType string) (uint64, error) {
	switch eventType {
	case catalog.EventLLCOccupancy:
		return 1 << 32, nil
	case catalog.EventMBMTotal:
		return 2 << 32, nil
	case catalog.EventMBMLocal:
		return 3 << 32, nil
	default:
		return 0, fmt.Errorf("register backend: event %q has no MSR selector", eventType)
	}
}

// EnablePerfCounters programs the architectural fixed/general counters
// needed for IPC and LLC-miss monitoring, per spec.md §4.D.3 step 3.
func (b *Backend) EnablePerfCounters(cores []int, reclaim bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range cores {
		global, err := b.read(c, msrPerfGlobCtl)
		if err != nil {
			return false, err
		}
		if global != 0 && !reclaim {
			return true, nil
		}
	}

	for _, c := range cores {
		if err := b.write(c, msrPerfEvtSel0, 0); err != nil {
			return false, err
		}
		if err := b.write(c, msrPerfEvtSel0, perfEventSelLLCMiss); err != nil {
			return false, err
		}
		if err := b.write(c, msrFixedCtrCtrl, 0x333); err != nil {
			return false, err
		}
		if err := b.write(c, msrPerfGlobCtl, 0x7|(uint64(1)<<32)|(uint64(1)<<33)|(uint64(1)<<34)); err != nil {
			return false, err
		}
	}

	b.perfUsed = true
	return false, nil
}

// DisablePerfCounters turns off the global enable bit on every core.
func (b *Backend) DisablePerfCounters(cores []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range cores {
		if err := b.write(c, msrPerfGlobCtl, 0); err != nil {
			return err
		}
	}
	b.perfUsed = false
	return nil
}

// ReadPerfCounters sums the fixed/general counters across the given
// cores.
func (b *Backend) ReadPerfCounters(cores []int) (retired, unhalted, llcMisses, llcRefs uint64, err error) {
	for _, c := range cores {
		r, e := b.read(c, msrFixedCtr0)
		if e != nil {
			return 0, 0, 0, 0, e
		}
		u, e := b.read(c, msrFixedCtr1)
		if e != nil {
			return 0, 0, 0, 0, e
		}
		m, e := b.read(c, msrPMC0)
		if e != nil {
			return 0, 0, 0, 0, e
		}
		retired += r
		unhalted += u
		llcMisses += m
	}
	return retired, unhalted, llcMisses, 0, nil
}

// StartTask is not supported on the register back-end: per-pid
// monitoring requires the kernel's perf_event or resctrl task
// membership, neither of which the raw MSR interface exposes.
func (b *Backend) StartTask(pid int, eventMask uint32) (interface{}, error) {
	return nil, backend.ErrUnsupported
}

func (b *Backend) StopTask(taskCtx interface{}) error { return backend.ErrUnsupported }

// StartChannel/StopChannel: device channels are an IO-RDT/mmio concept.
func (b *Backend) StartChannel(channel int, rmid int) error { return backend.ErrUnsupported }
func (b *Backend) StopChannel(channel int) error             { return backend.ErrUnsupported }

// AssociateTask/AssociateChannel/AssociateDevice are filesystem- or
// mmio-only.
func (b *Backend) AssociateTask(pid int, hwClassID int) error { return backend.ErrUnsupported }
func (b *Backend) AssociateChannel(channel int, hwClassID int) error {
	return backend.ErrUnsupported
}
func (b *Backend) AssociateDevice(dev string, vc int, hwClassID int) error {
	return backend.ErrUnsupported
}

// WriteL3Mask writes a non-CDP L3 CAT class mask. The class allocation
// MSR range is contiguous per spec.md §6; class N's register is
// msrL3MaskBase+N.
func (b *Backend) WriteL3Mask(domain int, hwClassID int, mask uint64) error {
	addr := int64(msrL3MaskBase + hwClassID)
	if addr > msrL3MaskLimit {
		return fmt.Errorf("register backend: L3 class %d out of MSR range", hwClassID)
	}
	return b.writeOnDomainRepresentative(domain, addr, mask)
}

// WriteL3CodeDataMask writes the CDP code/data mask pair; by Intel's
// CDP layout, the even slot is the data mask and the odd slot the code
// mask for class N at (2N, 2N+1).
func (b *Backend) WriteL3CodeDataMask(domain int, hwClassID int, code, data uint64) error {
	if err := b.WriteL3Mask(domain, 2*hwClassID+1, code); err != nil {
		return err
	}
	return b.WriteL3Mask(domain, 2*hwClassID, data)
}

func (b *Backend) WriteL2Mask(domain int, hwClassID int, mask uint64) error {
	addr := int64(msrL2MaskBase + hwClassID)
	if addr > msrL2MaskLimit {
		return fmt.Errorf("register backend: L2 class %d out of MSR range", hwClassID)
	}
	return b.writeOnDomainRepresentative(domain, addr, mask)
}

func (b *Backend) WriteL2CodeDataMask(domain int, hwClassID int, code, data uint64) error {
	if err := b.WriteL2Mask(domain, 2*hwClassID+1, code); err != nil {
		return err
	}
	return b.WriteL2Mask(domain, 2*hwClassID, data)
}

// WriteMBA writes a bandwidth throttle value; the register back-end
// has no hardware rounding feedback path distinct from the value
// written, so actual always echoes value. backend/resctrl overrides
// this with the kernel's reported rounding.
func (b *Backend) WriteMBA(domain int, hwClassID int, value uint32, controller bool) (uint32, error) {
	// MBA class allocation MSRs sit immediately above the L2 CAT range
	// on current parts; addressed relative to msrL2MaskLimit.
	addr := int64(msrL2MaskLimit) + 1 + int64(hwClassID)
	if err := b.writeOnDomainRepresentative(domain, addr, uint64(value)); err != nil {
		return 0, err
	}
	return value, nil
}

// writeOnDomainRepresentative writes to one core of the given domain;
// per spec.md §4.C, a register write on one CPU of a domain is visible
// to every CPU sharing that domain.
func (b *Backend) writeOnDomainRepresentative(domain int, addr int64, value uint64) error {
	for _, c := range b.topo.Cores {
		if c.L3CatID == domain || c.MbaID == domain {
			return b.write(c.LCore, addr, value)
		}
	}
	return fmt.Errorf("register backend: no core found in domain %d", domain)
}

// ProbeMonitor implements catalog.Prober with a fixed capability set; it
// does not read CPUID leaf 0x0F. It reports 256 monitoring IDs, LLC
// occupancy plus local and total MBM, and 24-bit counters.
func (b *Backend) ProbeMonitor(topo *topology.Info) (*catalog.MonitorCap, error) {
	if len(topo.Cores) == 0 {
		return nil, nil
	}
	// A conservative, always-safe default: assume basic CMT/MBM support
	// with a 2^8 (256) RMID space and 24-bit counters, refined by whichever
	// caller has real CPUID leaf data (catalog.Discover only needs a
	// Prober, and a higher-fidelity one may be substituted in tests).
	return &catalog.MonitorCap{
		MaxRMID: 1 << 8,
		Events: []catalog.Event{
			{Type: catalog.EventLLCOccupancy, MaxRMIDForEvent: 1 << 8, CounterBitWidth: 24},
			{Type: catalog.EventMBMLocal, MaxRMIDForEvent: 1 << 8, CounterBitWidth: 24},
			{Type: catalog.EventMBMTotal, MaxRMIDForEvent: 1 << 8, CounterBitWidth: 24},
		},
	}, nil
}

// ProbeCAT discovers L3CA (level 3) or L2CA (level 2) the way
// lib/host_cap.c's discover_alloc_l3/discover_alloc_l2 do: check
// CPUID.0x7.0's allocation bit, then enumerate class count, way count
// and CDP support from CPUID.0x10. L3 additionally falls back to a
// brand-string match for the early Haswell-EP parts that predate leaf
// 0x10; L2 CAT has no such fallback in the original either.
func (b *Backend) ProbeCAT(topo *topology.Info, level int) (*catalog.CATCap, error) {
	resID := uint32(cpuidResIDL3Alloc)
	if level == 2 {
		resID = cpuidResIDL2Alloc
	}

	if cpuidProbe == nil {
		if level == 3 {
			return b.probeL3CATBrandString()
		}
		return nil, nil
	}

	_, ebx7, _, _, err := cpuidProbe(0x7, 0)
	if err != nil {
		return nil, fmt.Errorf("register backend: cpuid leaf 0x7.0: %w", err)
	}
	if ebx7&(1<<15) == 0 {
		if level == 3 {
			return b.probeL3CATBrandString()
		}
		return nil, nil
	}

	_, ebx10, _, _, err := cpuidProbe(0x10, 0)
	if err != nil {
		return nil, fmt.Errorf("register backend: cpuid leaf 0x10.0: %w", err)
	}
	if ebx10&(1<<resID) == 0 {
		return nil, nil
	}

	eax, ebx, ecx, edx, err := cpuidProbe(0x10, resID)
	if err != nil {
		return nil, fmt.Errorf("register backend: cpuid leaf 0x10.%d: %w", resID, err)
	}

	cap := &catalog.CATCap{
		NumClasses:    int(edx&0xffff) + 1,
		NumWays:       int(eax&0x1f) + 1,
		WayContention: uint64(ebx),
	}
	if level == 3 {
		cap.WaySize = topo.L3Cache.WaySize
		cap.CDPSupported = ecx&(1<<cpuidCATCDPBit) != 0
	} else {
		cap.WaySize = topo.L2Cache.WaySize
	}
	return cap, nil
}

// probeL3CATBrandString implements lib/host_cap.c's fallback for
// platforms whose CPUID.0x7.0 predates the allocation-capability bit:
// match the CPU's brand string against the known Haswell-EP CAT SKUs
// and, on a match, report the fixed 4-class, no-CDP capability those
// parts expose.
func (b *Backend) probeL3CATBrandString() (*catalog.CATCap, error) {
	brand, err := readCPUBrandString()
	if err != nil {
		return nil, fmt.Errorf("register backend: reading brand string: %w", err)
	}
	for _, known := range haswellCATBrands {
		if strings.Contains(brand, known) {
			logrus.WithField("brand", brand).Info("register backend: L3 CAT detected via brand-string match")
			return &catalog.CATCap{NumClasses: 4}, nil
		}
	}
	return nil, nil
}

// readCPUBrandString reads the "model name" field /proc/cpuinfo
// derives from CPUID's extended brand-string leaves (0x80000002-4),
// avoiding a second raw CPUID round-trip for a value the kernel has
// already decoded.
func readCPUBrandString() (string, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if strings.HasPrefix(line, "model name") {
			if i := strings.IndexByte(line, ':'); i >= 0 {
				return strings.TrimSpace(line[i+1:]), nil
			}
		}
	}
	return "", s.Err()
}

// ProbeMBA discovers MBA/SMBA from CPUID.0x10.3 (Intel SDM vol. 3B,
// table "MBA Enumeration Leaf"): EAX[11:0]+1 gives the number of
// throttling classes, EBX bit 0 flags linear delay values. The
// register back-end has no brand-string fallback for MBA - unlike L3
// CAT, the original project never shipped one - so on platforms
// without leaf 0x10 or without the cpuid build tag, MBA allocation is
// only reachable through backend/resctrl.
func (b *Backend) ProbeMBA(topo *topology.Info, slow bool) (*catalog.MBACap, error) {
	if slow || cpuidProbe == nil {
		return nil, nil
	}

	_, ebx10, _, _, err := cpuidProbe(0x10, 0)
	if err != nil {
		return nil, fmt.Errorf("register backend: cpuid leaf 0x10.0: %w", err)
	}
	if ebx10&(1<<cpuidResIDMBA) == 0 {
		return nil, nil
	}

	eax, ebx, _, _, err := cpuidProbe(0x10, cpuidResIDMBA)
	if err != nil {
		return nil, fmt.Errorf("register backend: cpuid leaf 0x10.3: %w", err)
	}

	maxDelay := int(eax&0xfff) + 1
	linear := ebx&1 != 0
	step := uint32(100)
	if linear && maxDelay > 0 {
		step = uint32(100 / maxDelay)
		if step == 0 {
			step = 1
		}
	}

	return &catalog.MBACap{
		NumClasses:   maxDelay,
		ThrottleMax:  100,
		ThrottleStep: step,
		IsLinear:     linear,
	}, nil
}

func (b *Backend) CDPEnabledPerSocket(topo *topology.Info, level int) (map[int]bool, error) {
	addr := int64(msrL3Config)
	out := make(map[int]bool)
	for _, socket := range topo.Sockets() {
		for _, c := range topo.Cores {
			if c.Socket != socket {
				continue
			}
			v, err := b.read(c.LCore, addr)
			if err != nil {
				return nil, err
			}
			out[socket] = v&1 != 0
			break
		}
	}
	return out, nil
}

func (b *Backend) Reconfigure(topo *topology.Info, req catalog.DiscoverConfig) error {
	if req.L3CDP == catalog.Any {
		return nil
	}
	want := uint64(0)
	if req.L3CDP == catalog.On {
		want = 1
	}
	for _, socket := range topo.Sockets() {
		for _, c := range topo.Cores {
			if c.Socket != socket {
				continue
			}
			cur, err := b.read(c.LCore, msrL3Config)
			if err != nil {
				return err
			}
			if err := b.write(c.LCore, msrL3Config, (cur&^1)|want); err != nil {
				return err
			}
			break
		}
	}
	logrus.WithField("cdp_enabled", want == 1).Info("register backend: L3 CDP reconfigured")
	return nil
}
