//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Package alloc implements the allocation manager of spec.md §4.E:
// class-of-service definitions, core/task/channel associations, and
// first-available class assignment.
package alloc

import (
	"fmt"
	"sync"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/topology"
)

// Technology identifies one allocation technology a class_id indexes
// into. A single class_id spans all of them simultaneously, since the
// underlying hardware (and the resctrl CLASS<n> directory layout it
// mirrors) associates one class-of-service number per core across
// every present technology at once.
type Technology int

const (
	L3 Technology = iota
	L2
	MBA
	SMBA
)

func (t Technology) String() string {
	switch t {
	case L3:
		return "L3"
	case L2:
		return "L2"
	case MBA:
		return "MBA"
	case SMBA:
		return "SMBA"
	default:
		return "unknown"
	}
}

// Errors returned by Manager's operations.
var (
	ErrBadDomain     = fmt.Errorf("alloc: unknown allocation domain")
	ErrBadClass      = fmt.Errorf("alloc: class_id out of range")
	ErrCDPMismatch   = fmt.Errorf("alloc: mask form does not match CDP enable state")
	ErrBadMask       = fmt.Errorf("alloc: mask fails way/contention/contiguity validation")
	ErrNoFreeClass   = fmt.Errorf("alloc: no free class available for requested technologies")
	ErrNotRequested  = fmt.Errorf("alloc: technology not present on this platform")
)

// l3l2Def is one class-of-service definition for an L2 or L3 CAT
// domain: either a single mask, or a code/data pair under CDP.
type l3l2Def struct {
	cdp        bool
	mask       uint64
	code, data uint64
}

func (d l3l2Def) isDefault(allWays uint64) bool {
	if d.cdp {
		return d.code == allWays && d.data == allWays
	}
	return d.mask == allWays
}

// mbaDef is one class-of-service definition for an MBA or SMBA domain.
type mbaDef struct {
	value      uint32
	controller bool
}

func (d mbaDef) isDefault(maxThrottle uint32, controller bool) bool {
	if controller {
		return d.value == 0 // 0 == unthrottled under controller (MBps) mode
	}
	return d.value == maxThrottle // 100% under percentage mode
}

// Manager holds the per-technology/per-domain class-of-service tables
// and every live core/task/channel association.
type Manager struct {
	mu sync.Mutex

	topo *topology.Info
	caps *catalog.Capabilities
	be   backend.AllocBackend

	l3Defs  map[int]map[int]l3l2Def // domain -> classID -> def
	l2Defs  map[int]map[int]l3l2Def
	mbaDefs  map[int]map[int]mbaDef
	smbaDefs map[int]map[int]mbaDef

	coreClass    map[int]int // lcore -> classID
	taskClass    map[int]int // pid -> classID
	channelClass map[int]int // channel -> classID
}

// New builds a Manager and seeds every domain's class table with the
// platform's permissive default (all ways selected, 100%/unthrottled
// bandwidth), matching the hardware's own post-reset state.
func New(topo *topology.Info, caps *catalog.Capabilities, be backend.AllocBackend) *Manager {
	m := &Manager{
		topo:         topo,
		caps:         caps,
		be:           be,
		l3Defs:       map[int]map[int]l3l2Def{},
		l2Defs:       map[int]map[int]l3l2Def{},
		mbaDefs:      map[int]map[int]mbaDef{},
		smbaDefs:     map[int]map[int]mbaDef{},
		coreClass:    map[int]int{},
		taskClass:    map[int]int{},
		channelClass: map[int]int{},
	}
	m.seedDefaults()
	return m
}

func allWaysMask(numWays int) uint64 {
	if numWays <= 0 || numWays >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(numWays)) - 1
}

func (m *Manager) seedDefaults() {
	if m.caps.L3CA != nil {
		for _, d := range m.l3Domains() {
			m.l3Defs[d] = defaultCATTable(m.caps.L3CA)
		}
	}
	if m.caps.L2CA != nil {
		for _, d := range m.l2Domains() {
			m.l2Defs[d] = defaultCATTable(m.caps.L2CA)
		}
	}
	if m.caps.MBA != nil {
		for _, d := range m.mbaDomains() {
			m.mbaDefs[d] = defaultMBATable(m.caps.MBA)
		}
	}
	if m.caps.SMBA != nil {
		for _, d := range m.smbaDomains() {
			m.smbaDefs[d] = defaultMBATable(m.caps.SMBA)
		}
	}
}

func defaultCATTable(mcap *catalog.CATCap) map[int]l3l2Def {
	all := allWaysMask(mcap.NumWays)
	t := make(map[int]l3l2Def, mcap.NumClasses)
	for i := 0; i < mcap.NumClasses; i++ {
		t[i] = l3l2Def{cdp: mcap.CDPEnabled, mask: all, code: all, data: all}
	}
	return t
}

func defaultMBATable(mcap *catalog.MBACap) map[int]mbaDef {
	t := make(map[int]mbaDef, mcap.NumClasses)
	for i := 0; i < mcap.NumClasses; i++ {
		if mcap.CtrlEnabled {
			t[i] = mbaDef{value: 0, controller: true}
		} else {
			t[i] = mbaDef{value: 100, controller: false}
		}
	}
	return t
}

func (m *Manager) l3Domains() []int  { return distinctInts(m.topo.Cores, func(c topology.LCore) int { return c.L3CatID }) }
func (m *Manager) l2Domains() []int  { return distinctInts(m.topo.Cores, func(c topology.LCore) int { return c.L2ID }) }
func (m *Manager) mbaDomains() []int { return distinctInts(m.topo.Cores, func(c topology.LCore) int { return c.MbaID }) }
func (m *Manager) smbaDomains() []int {
	return distinctInts(m.topo.Cores, func(c topology.LCore) int { return c.SmbaID })
}

func distinctInts(cores []topology.LCore, f func(topology.LCore) int) []int {
	seen := map[int]bool{}
	var out []int
	for _, c := range cores {
		v := f(c)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
