//
// Copyright 2019-2020 Nestybox, Inc.
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package topology builds an immutable snapshot of the host's CPU topology
// and cache geometry: the information every other package in this module
// needs to size lookup tables and validate per-core operations.
package topology

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Vendor identifies the CPU manufacturer, which gates which MSR layouts
// and feature leaves a back-end is allowed to assume.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
	VendorHygon
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "GenuineIntel"
	case VendorAMD:
		return "AuthenticAMD"
	case VendorHygon:
		return "HygonGenuine"
	default:
		return "unknown"
	}
}

// LCore describes one logical CPU and the clusters it belongs to.
type LCore struct {
	LCore   int // stable logical core id
	Socket  int
	Numa    int
	L3ID    int // cluster sharing the LLC (monitoring cluster)
	L2ID    int // cluster sharing the L2
	L3CatID int // allocation domain for L3 CAT
	MbaID   int // allocation domain for MBA
	SmbaID  int // allocation domain for SMBA
}

// CacheInfo describes one cache level, shared across every core that
// reports the same (level, id) pair.
type CacheInfo struct {
	Detected       bool
	NumWays        int
	NumSets        int
	NumPartitions  int
	LineSize       int
	TotalSize      int
	WaySize        int
}

// Info is the immutable, process-wide topology snapshot built once at
// library init.
type Info struct {
	Vendor      Vendor
	Cores       []LCore // present cores only, ascending LCore order
	MaxLCore    int     // highest logical-core id observed (lookup-table sizing)
	L2Cache     CacheInfo
	L3Cache     CacheInfo
	KernelMajor int
	KernelMinor int
}

// Error values returned by Probe.
var (
	ErrNoCPU = errors.New("topology: no CPU found")
	ErrParse = errors.New("topology: failed to parse topology")
)

// CoreByLCore returns the core record for the given logical core id, or
// false if that core is not present.
func (info *Info) CoreByLCore(lcore int) (LCore, bool) {
	for _, c := range info.Cores {
		if c.LCore == lcore {
			return c, true
		}
	}
	return LCore{}, false
}

// CoresInL3Cluster returns every present core sharing the given L3
// monitoring cluster, ascending by LCore.
func (info *Info) CoresInL3Cluster(l3ID int) []LCore {
	var out []LCore
	for _, c := range info.Cores {
		if c.L3ID == l3ID {
			out = append(out, c)
		}
	}
	return out
}

// L3Clusters returns the sorted, de-duplicated set of L3 cluster ids.
func (info *Info) L3Clusters() []int {
	seen := map[int]bool{}
	var out []int
	for _, c := range info.Cores {
		if !seen[c.L3ID] {
			seen[c.L3ID] = true
			out = append(out, c.L3ID)
		}
	}
	sort.Ints(out)
	return out
}

// Sockets returns the sorted, de-duplicated set of socket ids.
func (info *Info) Sockets() []int {
	seen := map[int]bool{}
	var out []int
	for _, c := range info.Cores {
		if !seen[c.Socket] {
			seen[c.Socket] = true
			out = append(out, c.Socket)
		}
	}
	sort.Ints(out)
	return out
}

// Probe builds the topology snapshot. It prefers parsing the kernel's
// per-CPU sysfs hierarchy (works for offline cores and non-uniform core
// ids, and is what makes this testable against an afero.MemMapFs); when
// that hierarchy is absent, callers on the cpuid build tag get the cpuid
// leaf-walk fallback in cpuid_linux.go.
func Probe(fs afero.Fs) (*Info, error) {
	cores, maxLCore, err := probeSysfsCores(fs)
	if (err != nil || len(cores) == 0) && cpuidFallback != nil {
		logrus.Debug("topology: sysfs hierarchy unavailable, falling back to cpuid leaf walk")
		cores, maxLCore, err = cpuidFallback(numOnlineCPUHint(fs))
	}
	if err != nil {
		return nil, err
	}
	if len(cores) == 0 {
		return nil, ErrNoCPU
	}

	vendor, err := probeVendor(fs)
	if err != nil {
		logrus.WithError(err).Debug("topology: vendor probe failed, defaulting to unknown")
		vendor = VendorUnknown
	}

	l2, err := probeCache(fs, cores[0].LCore, 2)
	if err != nil {
		logrus.WithError(err).Debug("topology: L2 cache probe failed")
	}
	l3, err := probeCache(fs, cores[0].LCore, 3)
	if err != nil {
		logrus.WithError(err).Debug("topology: L3 cache probe failed")
	}

	major, minor, err := kernelRelease(fs)
	if err != nil {
		logrus.WithError(err).Debug("topology: kernel release probe failed")
	}

	return &Info{
		Vendor:      vendor,
		Cores:       cores,
		MaxLCore:    maxLCore,
		L2Cache:     l2,
		L3Cache:     l3,
		KernelMajor: major,
		KernelMinor: minor,
	}, nil
}

const sysCPUDir = "/sys/devices/system/cpu"

// cpuidFallback is set by cpuid_linux.go's init() when this module is
// built with the cpuid tag; it stays nil (and unused) in the default,
// portable build.
var cpuidFallback func(numCPUs int) ([]LCore, int, error)

func numOnlineCPUHint(fs afero.Fs) int {
	data, err := afero.ReadFile(fs, "/proc/cpuinfo")
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "processor") {
			n++
		}
	}
	return n
}

func probeSysfsCores(fs afero.Fs) ([]LCore, int, error) {
	entries, err := afero.ReadDir(fs, sysCPUDir)
	if err != nil {
		return nil, 0, errors.Wrapf(ErrParse, "reading %s: %v", sysCPUDir, err)
	}

	var cores []LCore
	maxLCore := -1

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		idStr := strings.TrimPrefix(name, "cpu")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue // skip cpuidle, cpufreq, etc.
		}

		base := filepath.Join(sysCPUDir, name, "topology")
		socket := readIntFile(fs, filepath.Join(base, "physical_package_id"), 0)
		l2id := readIntFile(fs, filepath.Join(base, "cluster_id"), 0)
		l3id := readIntFile(fs, filepath.Join(base, "die_id"), socket)

		numa := readNumaNode(fs, filepath.Join(sysCPUDir, name))

		if id > maxLCore {
			maxLCore = id
		}

		cores = append(cores, LCore{
			LCore:   id,
			Socket:  socket,
			Numa:    numa,
			L3ID:    l3id,
			L2ID:    l2id,
			L3CatID: l3id,
			MbaID:   socket,
			SmbaID:  socket,
		})
	}

	sort.Slice(cores, func(i, j int) bool { return cores[i].LCore < cores[j].LCore })

	return cores, maxLCore, nil
}

func readNumaNode(fs afero.Fs, cpuDir string) int {
	entries, err := afero.ReadDir(fs, cpuDir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "node") {
			n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node"))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func readIntFile(fs afero.Fs, path string, def int) int {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return def
	}
	return v
}

func probeVendor(fs afero.Fs) (Vendor, error) {
	data, err := afero.ReadFile(fs, "/proc/cpuinfo")
	if err != nil {
		return VendorUnknown, err
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "vendor_id") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		id := strings.TrimSpace(parts[1])
		switch id {
		case "GenuineIntel":
			return VendorIntel, nil
		case "AuthenticAMD":
			return VendorAMD, nil
		case "HygonGenuine":
			return VendorHygon, nil
		default:
			return VendorUnknown, nil
		}
	}
	return VendorUnknown, fmt.Errorf("vendor_id not found in /proc/cpuinfo")
}

// probeCache reads the cache-geometry files for the smallest cache index
// of the requested level under one representative core.
func probeCache(fs afero.Fs, lcore int, level int) (CacheInfo, error) {
	base := filepath.Join(sysCPUDir, fmt.Sprintf("cpu%d", lcore), "cache")
	entries, err := afero.ReadDir(fs, base)
	if err != nil {
		return CacheInfo{}, err
	}

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "index") {
			continue
		}
		idxDir := filepath.Join(base, e.Name())
		lvl := readIntFile(fs, filepath.Join(idxDir, "level"), -1)
		if lvl != level {
			continue
		}

		waySize := readIntFile(fs, filepath.Join(idxDir, "ways_of_associativity"), 0)
		sets := readIntFile(fs, filepath.Join(idxDir, "number_of_sets"), 0)
		lineSize := readIntFile(fs, filepath.Join(idxDir, "coherency_line_size"), 0)
		size := readSizeFile(fs, filepath.Join(idxDir, "size"))

		return CacheInfo{
			Detected:      true,
			NumWays:       waySize,
			NumSets:       sets,
			NumPartitions: 1,
			LineSize:      lineSize,
			TotalSize:     size,
			WaySize:       divNonZero(size, waySize),
		}, nil
	}

	return CacheInfo{}, fmt.Errorf("no cache index found for level %d", level)
}

func divNonZero(a, b int) int {
	if b == 0 {
		return 0
	}
	return a / b
}

// readSizeFile parses sysfs cache "size" files, which carry a "K" suffix
// (e.g. "1024K") for kibibytes.
func readSizeFile(fs afero.Fs, path string) int {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(data))
	mult := 1
	if strings.HasSuffix(s, "K") {
		mult = 1024
		s = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v * mult
}

func kernelRelease(fs afero.Fs) (major, minor int, err error) {
	data, err := afero.ReadFile(fs, "/proc/sys/kernel/osrelease")
	if err != nil {
		return 0, 0, err
	}
	rel := strings.TrimSpace(string(data))
	parts := strings.SplitN(rel, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("failed to parse kernel release %q", rel)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse kernel release %q", rel)
	}
	// the minor component may carry a trailing "-generic"-style suffix on
	// some distros; strip any non-digit tail before parsing.
	minorStr := parts[1]
	for i, r := range minorStr {
		if r < '0' || r > '9' {
			minorStr = minorStr[:i]
			break
		}
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse kernel release %q", rel)
	}
	return major, minor, nil
}

// KernelAtLeast reports whether the probed kernel is >= major.minor,
// the same comparison utils.KernelCurrentVersionCmp performs.
func (info *Info) KernelAtLeast(major, minor int) bool {
	if info.KernelMajor != major {
		return info.KernelMajor > major
	}
	return info.KernelMinor >= minor
}
