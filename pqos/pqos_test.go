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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/intel-cmt-cat-sub003/alloc"
	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/monitor"
)

func TestStatusStringCoversEveryValue(t *testing.T) {
	cases := map[Status]string{
		Ok:                   "Ok",
		Error:                "Error",
		Parameter:            "Parameter",
		Resource:             "Resource",
		Init:                 "Init",
		Transport:            "Transport",
		PerfInUse:            "PerfInUse",
		Busy:                 "Busy",
		InterfaceUnsupported: "InterfaceUnsupported",
		Overflow:             "Overflow",
		Unavailable:          "Unavailable",
	}
	for status, want := range cases {
		require.Equal(t, want, status.String())
	}
	require.Equal(t, "Error", Status(999).String())
}

func TestClassifyMapsSentinelErrorsToStatus(t *testing.T) {
	require.Equal(t, Ok, classify(nil))
	require.Equal(t, InterfaceUnsupported, classify(backend.ErrUnsupported))
	require.Equal(t, Busy, classify(monitor.ErrCoreInUse))
	require.Equal(t, Unavailable, classify(monitor.ErrUnavailable))
	require.Equal(t, Transport, classify(monitor.ErrReadFailed))
	require.Equal(t, Parameter, classify(monitor.ErrCoreAbsent))
	require.Equal(t, Parameter, classify(monitor.ErrNotAllocated))
	require.Equal(t, Resource, classify(monitor.ErrNoSpace))
	require.Equal(t, Parameter, classify(alloc.ErrBadDomain))
	require.Equal(t, Parameter, classify(alloc.ErrBadClass))
	require.Equal(t, Parameter, classify(alloc.ErrCDPMismatch))
	require.Equal(t, Parameter, classify(alloc.ErrBadMask))
	require.Equal(t, Resource, classify(alloc.ErrNotRequested))
	require.Equal(t, Resource, classify(alloc.ErrNoFreeClass))
	require.Equal(t, Error, classify(errors.New("unmapped failure")))
}

func TestClassifyUnwrapsWrappedErrors(t *testing.T) {
	wrapped := errors.New("writing mask: " + monitor.ErrCoreInUse.Error())
	require.Equal(t, Error, classify(wrapped), "plain string concatenation does not wrap, so this should fall through to Error")

	wrapped2 := errFmtWrap(monitor.ErrCoreInUse)
	require.Equal(t, Busy, classify(wrapped2))
}

func errFmtWrap(err error) error {
	return &wrapErr{msg: "wrapped", err: err}
}

type wrapErr struct {
	msg string
	err error
}

func (w *wrapErr) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.err }

func TestFiniIsIdempotentAndReturnsInitOnSecondCall(t *testing.T) {
	q := &Qos{}
	require.Equal(t, Ok, q.Fini())
	require.True(t, q.finished)
	require.Equal(t, Init, q.Fini())
}

func TestMethodsAfterFiniReturnNotInitialized(t *testing.T) {
	q := &Qos{}
	require.Equal(t, Ok, q.Fini())

	_, status, err := q.StartCores([]int{0}, nil, false)
	require.Equal(t, Init, status)
	require.ErrorIs(t, err, ErrNotInitialized)

	status, err = q.AssociateCore(0, 0)
	require.Equal(t, Init, status)
	require.ErrorIs(t, err, ErrNotInitialized)

	_, status, err = q.WatchExternalChanges("/tmp/whatever")
	require.Equal(t, Init, status)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestDiscoverConfigCopiesTristates(t *testing.T) {
	cfg := Config{
		L3CDP:         1,
		L2CDP:         2,
		MBAController: 1,
		IORDT:         2,
	}
	dc := cfg.discoverConfig()
	require.Equal(t, cfg.L3CDP, dc.L3CDP)
	require.Equal(t, cfg.L2CDP, dc.L2CDP)
	require.Equal(t, cfg.MBAController, dc.MBAController)
	require.Equal(t, cfg.IORDT, dc.IORDT)
}

func TestMmioEnabledReflectsMmioMonitorPresence(t *testing.T) {
	q := &Qos{}
	require.False(t, q.MmioEnabled())

	q.MmioMonitor = &monitor.Manager{}
	require.True(t, q.MmioEnabled())
}

func TestAllocMgrSelectsPrimaryOrMmio(t *testing.T) {
	q := &Qos{Alloc: &alloc.Manager{}}

	mgr, err := q.allocMgr(false)
	require.NoError(t, err)
	require.Same(t, q.Alloc, mgr)

	_, err = q.allocMgr(true)
	require.Error(t, err)

	q.MmioAlloc = &alloc.Manager{}
	mgr, err = q.allocMgr(true)
	require.NoError(t, err)
	require.Same(t, q.MmioAlloc, mgr)
}
