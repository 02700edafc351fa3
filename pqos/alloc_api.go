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
	"fmt"

	"github.com/intel/intel-cmt-cat-sub003/alloc"
)

// allocMgr picks the manager that owns classID's entities: the primary
// one for cores/tasks, or the mmio one for channels/devices, per
// backend.Registry's additive-mmio-backend design.
func (q *Qos) allocMgr(mmio bool) (*alloc.Manager, error) {
	if mmio {
		if q.MmioAlloc == nil {
			return nil, fmt.Errorf("pqos: mmio back-end not enabled")
		}
		return q.MmioAlloc, nil
	}
	if q.Alloc == nil {
		return nil, fmt.Errorf("pqos: platform has no allocation capability")
	}
	return q.Alloc, nil
}

// SetL3 sets a non-CDP L3 CAT class's way mask, the allocation function
// group of spec.md §6.
func (q *Qos) SetL3(domain, classID int, mask uint64) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.SetL3(domain, classID, mask); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// SetL3CDP sets a CDP-enabled L3 CAT class's code and data masks.
func (q *Qos) SetL3CDP(domain, classID int, code, data uint64) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.SetL3CDP(domain, classID, code, data); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// SetL2 sets a non-CDP L2 CAT class's way mask.
func (q *Qos) SetL2(domain, classID int, mask uint64) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.SetL2(domain, classID, mask); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// SetL2CDP sets a CDP-enabled L2 CAT class's code and data masks.
func (q *Qos) SetL2CDP(domain, classID int, code, data uint64) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.SetL2CDP(domain, classID, code, data); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// SetMBA sets an MBA class's throttling value, clamped to the
// platform's step granularity; actual reports the value that was
// really written.
func (q *Qos) SetMBA(domain, classID int, value uint32, slow bool) (actual uint32, status Status, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return 0, Init, ErrNotInitialized
	}
	actual, err = q.Alloc.SetMBA(domain, classID, value, slow)
	if err != nil {
		return actual, classify(err), err
	}
	return actual, Ok, nil
}

// SetL3All sets classID's way mask in every L3 domain at once.
func (q *Qos) SetL3All(classID int, mask uint64) (written int, status Status, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return 0, Init, ErrNotInitialized
	}
	written, err = q.Alloc.SetL3All(classID, mask)
	if err != nil {
		return written, classify(err), err
	}
	return written, Ok, nil
}

// SetL2All sets classID's way mask in every L2 domain at once.
func (q *Qos) SetL2All(classID int, mask uint64) (written int, status Status, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return 0, Init, ErrNotInitialized
	}
	written, err = q.Alloc.SetL2All(classID, mask)
	if err != nil {
		return written, classify(err), err
	}
	return written, Ok, nil
}

// AssociateCore binds lcore to classID across every allocation
// technology simultaneously (L3/L2/MBA share one class_id space, per
// spec.md §4.E).
func (q *Qos) AssociateCore(lcore, classID int) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.AssociateCore(lcore, classID); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// AssociateTask binds pid to classID; only the filesystem back-end
// supports task-level association.
func (q *Qos) AssociateTask(pid, classID int) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.AssociateTask(pid, classID); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// AssociateChannel binds an mmio device channel to classID; requires
// cfg.MmioEnabled at Init.
func (q *Qos) AssociateChannel(channel, classID int) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	mgr, err := q.allocMgr(true)
	if err != nil {
		return InterfaceUnsupported, err
	}
	if err := mgr.AssociateChannel(channel, classID); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// AssociateDevice binds one virtual channel of a PCI device to classID;
// requires cfg.MmioEnabled at Init.
func (q *Qos) AssociateDevice(dev string, vc, classID int) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	mgr, err := q.allocMgr(true)
	if err != nil {
		return InterfaceUnsupported, err
	}
	if err := mgr.AssociateDevice(dev, vc, classID); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// Assign finds the first free class across techs that fits entities'
// domains and associates entities with it in one step.
func (q *Qos) Assign(techs []alloc.Technology, entities alloc.Entities) (classID int, status Status, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return 0, Init, ErrNotInitialized
	}
	classID, err = q.Alloc.Assign(techs, entities)
	if err != nil {
		return 0, classify(err), err
	}
	return classID, Ok, nil
}

// Release returns entities to class 0.
func (q *Qos) Release(entities alloc.Entities) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.Release(entities); err != nil {
		return classify(err), err
	}
	return Ok, nil
}

// ResetAlloc restores every allocation class to its permissive default
// and rebinds every core/task/channel to class 0, optionally
// reconfiguring CDP/MBA-controller/IO-RDT mode after writing the
// defaults and before the rebinds.
func (q *Qos) ResetAlloc(reconfigure func() error) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return Init, ErrNotInitialized
	}
	if err := q.Alloc.Reset(reconfigure); err != nil {
		return classify(err), err
	}
	return Ok, nil
}
