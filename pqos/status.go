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
	"errors"

	"github.com/intel/intel-cmt-cat-sub003/alloc"
	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/monitor"
)

// Status is the result code every public entry point returns, per
// spec.md §6/§7: out-parameters are populated only when Status is Ok.
type Status int

const (
	Ok Status = iota
	Error
	Parameter
	Resource
	Init
	Transport
	PerfInUse
	Busy
	InterfaceUnsupported
	Overflow
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case Parameter:
		return "Parameter"
	case Resource:
		return "Resource"
	case Init:
		return "Init"
	case Transport:
		return "Transport"
	case PerfInUse:
		return "PerfInUse"
	case Busy:
		return "Busy"
	case InterfaceUnsupported:
		return "InterfaceUnsupported"
	case Overflow:
		return "Overflow"
	case Unavailable:
		return "Unavailable"
	default:
		return "Error"
	}
}

// classify maps an internal error returned by topology/catalog/backend/
// monitor/alloc into the Status enum a caller sees, per spec.md §7's
// error-kind table. It is deliberately a simple chain of ErrorIs checks
// rather than a typed-error hierarchy: the internal packages already
// export sentinel errors for every distinct failure mode, so wrapping
// them again in pqos-specific types would just be indirection.
func classify(err error) Status {
	switch {
	case err == nil:
		return Ok
	case isAny(err, backend.ErrUnsupported):
		return InterfaceUnsupported
	case isAny(err, monitor.ErrCoreInUse):
		return Busy
	case isAny(err, monitor.ErrUnavailable):
		return Unavailable
	case isAny(err, monitor.ErrReadFailed):
		return Transport
	case isAny(err, monitor.ErrCoreAbsent, monitor.ErrNotAllocated):
		return Parameter
	case isAny(err, monitor.ErrNoSpace):
		return Resource
	case isAny(err, alloc.ErrBadDomain, alloc.ErrBadClass, alloc.ErrCDPMismatch, alloc.ErrBadMask):
		return Parameter
	case isAny(err, alloc.ErrNotRequested):
		return Resource
	case isAny(err, alloc.ErrNoFreeClass):
		return Resource
	default:
		return Error
	}
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
