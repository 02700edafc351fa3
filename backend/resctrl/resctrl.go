//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Package resctrl implements the kernel pseudo-filesystem back-end of
// spec.md §4.C: it reads and writes the resctrl mount's class
// directories (schemata/cpus/tasks) and per-group monitoring data
// files, using backend/resctrl/schemata (§4.G) to serialise/parse class
// tables. Every filesystem op goes through an injected afero.Fs so the
// back-end is unit-testable against afero.NewMemMapFs(), the same
// technique topology.Probe uses for sysfs.
package resctrl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/backend/resctrl/schemata"
	"github.com/intel/intel-cmt-cat-sub003/mount"
	"github.com/intel/intel-cmt-cat-sub003/topology"
	"github.com/intel/intel-cmt-cat-sub003/utils"
)

const fileAppendFlags = os.O_WRONLY | os.O_CREATE | os.O_APPEND

// mountFn/unmountFn are indirected so Reconfigure's remount dance stays
// swappable in a test binary that cannot actually call mount(2).
var (
	mountFn   = unix.Mount
	unmountFn = func(target string) error { return unix.Unmount(target, 0) }
)

// DefaultMountpoint is where this package mounts resctrl if no instance
// is already mounted.
const DefaultMountpoint = "/sys/fs/resctrl"

// Backend implements backend.MonitorBackend, backend.AllocBackend and
// catalog.Prober against a mounted resctrl filesystem.
type Backend struct {
	mu   sync.Mutex
	fs   afero.Fs
	root string
	topo *topology.Info

	nextGroupID int
}

// New locates (or mounts) resctrl and returns a ready Backend. fs is
// injected so tests can pass an afero.MemMapFs pre-populated with a
// fake resctrl tree instead of touching the real filesystem.
func New(topo *topology.Info, fs afero.Fs) (*Backend, error) {
	root, mounted, err := mount.FindResctrlMount()
	if err != nil {
		return nil, errors.Wrap(err, "resctrl backend: scanning mount table")
	}
	if !mounted {
		if err := unix.Mount("resctrl", DefaultMountpoint, "resctrl", 0, ""); err != nil {
			return nil, errors.Wrapf(err, "resctrl backend: mount %s", DefaultMountpoint)
		}
		root = DefaultMountpoint
		logrus.WithField("mountpoint", root).Info("resctrl backend: mounted resctrl filesystem")
	}

	if name, err := utils.GetFsName(root); err != nil {
		logrus.WithField("mountpoint", root).WithError(err).Debug("resctrl backend: could not identify mounted filesystem type")
	} else if name != "unknown fs" {
		logrus.WithFields(logrus.Fields{"mountpoint": root, "fstype": name}).Debug("resctrl backend: mountpoint filesystem type")
	}

	return &Backend{
		fs:   fs,
		root: root,
		topo: topo,
	}, nil
}

func (b *Backend) classDir(hwClassID int) string {
	if hwClassID == 0 {
		return b.root
	}
	return filepath.Join(b.root, fmt.Sprintf("CLASS%d", hwClassID))
}

func (b *Backend) monGroupDir(groupID int) string {
	if groupID == 0 {
		return b.root
	}
	return filepath.Join(b.root, "mon_groups", fmt.Sprintf("pqos_%d", groupID))
}

// ---- backend.AllocBackend ----

func (b *Backend) WriteL3Mask(domain int, hwClassID int, mask uint64) error {
	return b.writeMask(schemata.LabelL3, domain, hwClassID, mask)
}

func (b *Backend) WriteL3CodeDataMask(domain int, hwClassID int, code, data uint64) error {
	if err := b.writeMask(schemata.LabelL3CODE, domain, hwClassID, code); err != nil {
		return err
	}
	return b.writeMask(schemata.LabelL3DATA, domain, hwClassID, data)
}

func (b *Backend) WriteL2Mask(domain int, hwClassID int, mask uint64) error {
	return b.writeMask(schemata.LabelL2, domain, hwClassID, mask)
}

func (b *Backend) WriteL2CodeDataMask(domain int, hwClassID int, code, data uint64) error {
	if err := b.writeMask(schemata.LabelL2CODE, domain, hwClassID, code); err != nil {
		return err
	}
	return b.writeMask(schemata.LabelL2DATA, domain, hwClassID, data)
}

func (b *Backend) writeMask(label schemata.Label, domain int, hwClassID int, mask uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.classDir(hwClassID), "schemata")
	tbl, err := b.readSchemata(path)
	if err != nil {
		return err
	}
	if tbl.Masks[label] == nil {
		tbl.Masks[label] = make(map[int]uint64)
	}
	tbl.Masks[label][domain] = mask

	return b.writeSchemata(path, tbl)
}

// WriteMBA writes the MB line of the class's schemata file, then reads
// the schemata file back and returns the MB value the kernel latched
// for that domain.
func (b *Backend) WriteMBA(domain int, hwClassID int, value uint32, controller bool) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.classDir(hwClassID), "schemata")
	tbl, err := b.readSchemata(path)
	if err != nil {
		return 0, err
	}
	if tbl.MB == nil {
		tbl.MB = make(map[int]uint32)
	}
	tbl.MB[domain] = value

	if err := b.writeSchemata(path, tbl); err != nil {
		return 0, err
	}

	// Read back the value the kernel actually latched, per spec.md
	// scenario 4's "actual" rounding behaviour.
	got, err := b.readSchemata(path)
	if err != nil {
		return 0, err
	}
	return got.MB[domain], nil
}

func (b *Backend) readSchemata(path string) (schemata.Table, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return schemata.Table{}, fmt.Errorf("resctrl backend: open %s: %w", path, err)
	}
	defer f.Close()

	tbl, err := schemata.Parse(f)
	if err != nil {
		return schemata.Table{}, fmt.Errorf("resctrl backend: parse %s: %w", path, err)
	}
	return tbl, nil
}

func (b *Backend) writeSchemata(path string, tbl schemata.Table) error {
	data := schemata.Encode(tbl)
	if err := afero.WriteFile(b.fs, path, []byte(data), 0644); err != nil {
		return fmt.Errorf("resctrl backend: write %s: %w", path, err)
	}
	return nil
}

// AssociateCore moves lcore into the class's cpus list (and implicitly
// out of whatever class it was previously in, per the real resctrl
// semantics where a core belongs to exactly one ctrl group at a time).
func (b *Backend) AssociateCore(lcore int, hwClassID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addToCPUList(b.classDir(hwClassID), lcore)
}

// AssociateTask writes pid to the class directory's tasks file.
func (b *Backend) AssociateTask(pid int, hwClassID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := filepath.Join(b.classDir(hwClassID), "tasks")
	f, err := b.fs.OpenFile(path, fileAppendFlags, 0644)
	if err != nil {
		return fmt.Errorf("resctrl backend: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(strconv.Itoa(pid) + "\n")); err != nil {
		return fmt.Errorf("resctrl backend: write %s: %w", path, err)
	}
	return nil
}

// AssociateChannel/AssociateDevice are mmio-only.
func (b *Backend) AssociateChannel(channel int, hwClassID int) error { return backend.ErrUnsupported }
func (b *Backend) AssociateDevice(dev string, vc int, hwClassID int) error {
	return backend.ErrUnsupported
}

func (b *Backend) addToCPUList(dir string, lcore int) error {
	path := filepath.Join(dir, "cpus_list")
	existing, _ := afero.ReadFile(b.fs, path)
	cores := parseCPUList(string(existing))

	for _, c := range cores {
		if c == lcore {
			return nil // already present
		}
	}
	cores = append(cores, lcore)

	return afero.WriteFile(b.fs, path, []byte(formatCPUList(cores)), 0644)
}

func parseCPUList(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(field, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 == nil && err2 == nil {
				for i := loN; i <= hiN; i++ {
					out = append(out, i)
				}
				continue
			}
		}
		if n, err := strconv.Atoi(field); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func formatCPUList(cores []int) string {
	parts := make([]string, len(cores))
	for i, c := range cores {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
