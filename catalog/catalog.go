//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Package catalog derives and holds the immutable description of what
// monitoring and allocation technologies the platform offers: the
// capability catalog of spec.md §3/§4.B.
package catalog

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/intel/intel-cmt-cat-sub003/topology"
)

// Errors returned by Discover.
var (
	ErrNoCapability         = errors.New("catalog: platform offers no recognised QoS capability")
	ErrPlatform             = errors.New("catalog: capability probe found an inconsistent platform state")
	ErrInconsistentPlatform = errors.New("catalog: CDP enable state differs across sockets; a reboot is required")
)

// Event describes one monitoring event the platform supports.
type Event struct {
	Type               string
	MaxRMIDForEvent    int
	ScaleFactor        uint32
	CounterBitWidth    int
	SupportsIORDT      bool
	SupportsPID        bool
}

// Well-known monitoring event type tags.
const (
	EventLLCOccupancy = "llc_occupancy"
	EventMBMLocal     = "mbm_local"
	EventMBMTotal     = "mbm_total"
	EventMBMRemote    = "mbm_remote"
	EventIPC          = "ipc"
	EventLLCMiss      = "llc_misses"
)

// MonitorCap describes the Monitor technology.
type MonitorCap struct {
	MaxRMID int
	Events  []Event
}

// EventMaxRMID returns the smallest max_rmid_for_event across the
// requested event types, per spec.md §4.B step 2, or an error if any
// requested event is unsupported.
func (m *MonitorCap) EventMaxRMID(eventTypes []string) (int, error) {
	if len(eventTypes) == 0 {
		return 0, fmt.Errorf("catalog: no events requested")
	}
	min := -1
	for _, want := range eventTypes {
		found := false
		for _, e := range m.Events {
			if e.Type == want {
				found = true
				if min == -1 || e.MaxRMIDForEvent < min {
					min = e.MaxRMIDForEvent
				}
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("catalog: event %q not supported", want)
		}
	}
	return min, nil
}

// CATCap describes L3CA or L2CA.
type CATCap struct {
	NumClasses       int
	NumWays          int
	WaySize          int
	WayContention    uint64 // mask of ways that must not be selected exclusively
	CDPSupported     bool
	CDPEnabled       bool
	NonContiguousCBM bool
	IORDTSupported   bool
	IORDTEnabled     bool
}

// MBACap describes MBA or SMBA.
type MBACap struct {
	NumClasses      int
	ThrottleMax     uint32
	ThrottleStep    uint32
	IsLinear        bool
	CtrlSupported   bool
	CtrlEnabled     bool
	MBA40Supported  bool
	MBA40Enabled    bool
}

// Capabilities is the immutable catalog built once at init. A nil field
// means that technology is not present on this platform.
type Capabilities struct {
	Monitor *MonitorCap
	L3CA    *CATCap
	L2CA    *CATCap
	MBA     *MBACap
	SMBA    *MBACap
}

// Any reports whether at least one technology was discovered.
func (c *Capabilities) Any() bool {
	return c.Monitor != nil || c.L3CA != nil || c.L2CA != nil || c.MBA != nil || c.SMBA != nil
}

// Tristate mirrors the Any/On/Off request values of spec.md §6's config
// table for l3_cdp, l2_cdp, mba_controller and iordt.
type Tristate int

const (
	Any Tristate = iota
	On
	Off
)

// DiscoverConfig carries the init-time requests that may trigger a
// controlled reconfigure of latched platform state (spec.md §4.B step 4).
type DiscoverConfig struct {
	L3CDP          Tristate
	L2CDP          Tristate
	MBAController  Tristate
	IORDT          Tristate
}

// Prober is implemented by a back-end capable of reading/writing the
// feature-enumeration leaves and enable registers this package needs.
// backend/register and backend/resctrl each provide one.
type Prober interface {
	// ProbeMonitor returns the Monitor capability, or nil if unsupported.
	ProbeMonitor(topo *topology.Info) (*MonitorCap, error)
	// ProbeCAT returns the L3CA or L2CA capability for the given level
	// (2 or 3), or nil if unsupported.
	ProbeCAT(topo *topology.Info, level int) (*CATCap, error)
	// ProbeMBA returns the MBA or SMBA capability, or nil if unsupported.
	// slow selects the "soft"/SMBA variant.
	ProbeMBA(topo *topology.Info, slow bool) (*MBACap, error)
	// CDPEnabledPerSocket reads back the live CDP-enable bit for every
	// socket for the given cache level, used to detect an inconsistent
	// platform (spec.md §4.B step 3).
	CDPEnabledPerSocket(topo *topology.Info, level int) (map[int]bool, error)
	// Reconfigure applies the requested enable toggles. No allocation
	// reset runs before the flip. The register back-end flips only the
	// L3 CDP bit (0xC81 bit 0) on one core per socket; the filesystem
	// back-end remounts resctrl with the matching CDP mount options.
	Reconfigure(topo *topology.Info, req DiscoverConfig) error
}

// Discover probes the platform once and returns the immutable catalog.
func Discover(topo *topology.Info, cfg DiscoverConfig, be Prober) (*Capabilities, error) {
	caps := &Capabilities{}

	mon, err := be.ProbeMonitor(topo)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: monitor probe failed")
	}
	caps.Monitor = mon

	for _, lvl := range []int{3, 2} {
		cat, err := be.ProbeCAT(topo, lvl)
		if err != nil {
			return nil, errors.Wrapf(err, "catalog: L%dCA probe failed", lvl)
		}
		if cat == nil {
			continue
		}

		if cat.CDPSupported {
			states, err := be.CDPEnabledPerSocket(topo, lvl)
			if err != nil {
				return nil, errors.Wrapf(err, "catalog: L%dCA CDP state read failed", lvl)
			}
			consistent, enabled := allAgree(states)
			if !consistent {
				return nil, ErrInconsistentPlatform
			}
			cat.CDPEnabled = enabled
		}

		if lvl == 3 {
			caps.L3CA = cat
		} else {
			caps.L2CA = cat
		}
	}

	mba, err := be.ProbeMBA(topo, false)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: MBA probe failed")
	}
	caps.MBA = mba

	smba, err := be.ProbeMBA(topo, true)
	if err != nil {
		return nil, errors.Wrap(err, "catalog: SMBA probe failed")
	}
	caps.SMBA = smba

	if !caps.Any() {
		return nil, ErrNoCapability
	}

	if requiresReconfigure(caps, cfg) {
		logrus.Info("catalog: requested CDP/MBA-controller/IO-RDT state differs from latched state, reconfiguring")
		if err := be.Reconfigure(topo, cfg); err != nil {
			return nil, errors.Wrap(err, "catalog: reconfigure failed")
		}
		applyReconfigure(caps, cfg)
	}

	return caps, nil
}

// allAgree returns (true, value) if every entry in states agrees, and
// (false, false) otherwise. An empty map is considered consistent=false
// since there was nothing to probe.
func allAgree(states map[int]bool) (consistent bool, value bool) {
	first := true
	for _, v := range states {
		if first {
			value = v
			first = false
			continue
		}
		if v != value {
			return false, false
		}
	}
	return !first, value
}

func requiresReconfigure(caps *Capabilities, cfg DiscoverConfig) bool {
	if caps.L3CA != nil && cfg.L3CDP != Any {
		want := cfg.L3CDP == On
		if caps.L3CA.CDPEnabled != want {
			return true
		}
	}
	if caps.L2CA != nil && cfg.L2CDP != Any {
		want := cfg.L2CDP == On
		if caps.L2CA.CDPEnabled != want {
			return true
		}
	}
	if caps.MBA != nil && cfg.MBAController != Any {
		want := cfg.MBAController == On
		if caps.MBA.CtrlEnabled != want {
			return true
		}
	}
	if caps.L3CA != nil && cfg.IORDT != Any {
		want := cfg.IORDT == On
		if caps.L3CA.IORDTEnabled != want {
			return true
		}
	}
	return false
}

// applyReconfigure updates the catalog's flags to match the requested
// state after a successful Reconfigure call, halving num_classes on a
// CDP transition from off to on (each class now spans two hardware
// slots) and doubling it on the reverse transition.
func applyReconfigure(caps *Capabilities, cfg DiscoverConfig) {
	toggleCDP := func(c *CATCap, req Tristate) {
		if c == nil || req == Any {
			return
		}
		want := req == On
		if c.CDPEnabled == want {
			return
		}
		if want {
			c.NumClasses = c.NumClasses / 2
		} else {
			c.NumClasses = c.NumClasses * 2
		}
		c.CDPEnabled = want
	}

	toggleCDP(caps.L3CA, cfg.L3CDP)
	toggleCDP(caps.L2CA, cfg.L2CDP)

	if caps.MBA != nil && cfg.MBAController != Any {
		caps.MBA.CtrlEnabled = cfg.MBAController == On
	}
	if caps.L3CA != nil && cfg.IORDT != Any {
		caps.L3CA.IORDTEnabled = cfg.IORDT == On
	}
}

// VisibleClasses returns NumClasses as held in the catalog. Discover
// already halves NumClasses when it turns CDP on; a CDP state latched
// at probe time is reported as the back-end probed it and is not
// halved here.
func (c *CATCap) VisibleClasses() int {
	return c.NumClasses
}
