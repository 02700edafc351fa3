package alloc

import (
	"math/bits"

	"github.com/intel/intel-cmt-cat-sub003/catalog"
)

// validateMask checks a CAT mask against the domain's way count, its
// way-contention mask, and contiguity (unless the platform allows
// non-contiguous CBMs), per spec.md §4.E.1 step 4.
func validateMask(mask uint64, mcap *catalog.CATCap) error {
	if mask == 0 {
		return ErrBadMask
	}
	all := allWaysMask(mcap.NumWays)
	if mask & ^all != 0 {
		return ErrBadMask
	}
	if mcap.WayContention != 0 && mask & ^mcap.WayContention == 0 {
		// every selected way is one that must not be claimed exclusively
		return ErrBadMask
	}
	if !mcap.NonContiguousCBM && !isContiguous(mask) {
		return ErrBadMask
	}
	return nil
}

// isContiguous reports whether the set bits of mask form a single
// unbroken run, the classic "shift out trailing zeros, then check for
// no internal gaps" bit trick.
func isContiguous(mask uint64) bool {
	shifted := mask >> uint(bits.TrailingZeros64(mask))
	return shifted&(shifted+1) == 0
}

func (m *Manager) domainTable(tech Technology) (map[int]map[int]l3l2Def, *catalog.CATCap) {
	switch tech {
	case L3:
		return m.l3Defs, m.caps.L3CA
	case L2:
		return m.l2Defs, m.caps.L2CA
	default:
		return nil, nil
	}
}

func (m *Manager) checkCATRequest(tech Technology, domain, classID int) (*catalog.CATCap, map[int]l3l2Def, error) {
	table, mcap := m.domainTable(tech)
	if mcap == nil {
		return nil, nil, ErrNotRequested
	}
	defs, ok := table[domain]
	if !ok {
		return nil, nil, ErrBadDomain
	}
	if classID < 0 || classID >= mcap.NumClasses {
		return nil, nil, ErrBadClass
	}
	return mcap, defs, nil
}

// SetL3 writes a single-mask L3 CAT class-of-service definition; CDP
// must be disabled on this platform, per spec.md §4.E.1 step 3.
func (m *Manager) SetL3(domain, classID int, mask uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mcap, defs, err := m.checkCATRequest(L3, domain, classID)
	if err != nil {
		return err
	}
	if mcap.CDPEnabled {
		return ErrCDPMismatch
	}
	if err := validateMask(mask, mcap); err != nil {
		return err
	}
	if err := m.be.WriteL3Mask(domain, classID, mask); err != nil {
		return err
	}
	defs[classID] = l3l2Def{mask: mask}
	return nil
}

// SetL3CDP writes a code/data L3 CAT class-of-service pair; CDP must be
// enabled on this platform.
func (m *Manager) SetL3CDP(domain, classID int, code, data uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mcap, defs, err := m.checkCATRequest(L3, domain, classID)
	if err != nil {
		return err
	}
	if !mcap.CDPEnabled {
		return ErrCDPMismatch
	}
	if err := validateMask(code, mcap); err != nil {
		return err
	}
	if err := validateMask(data, mcap); err != nil {
		return err
	}
	if err := m.be.WriteL3CodeDataMask(domain, classID, code, data); err != nil {
		return err
	}
	defs[classID] = l3l2Def{cdp: true, code: code, data: data}
	return nil
}

// SetL2 writes a single-mask L2 CAT class-of-service definition.
func (m *Manager) SetL2(domain, classID int, mask uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mcap, defs, err := m.checkCATRequest(L2, domain, classID)
	if err != nil {
		return err
	}
	if mcap.CDPEnabled {
		return ErrCDPMismatch
	}
	if err := validateMask(mask, mcap); err != nil {
		return err
	}
	if err := m.be.WriteL2Mask(domain, classID, mask); err != nil {
		return err
	}
	defs[classID] = l3l2Def{mask: mask}
	return nil
}

// SetL2CDP writes a code/data L2 CAT class-of-service pair.
func (m *Manager) SetL2CDP(domain, classID int, code, data uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mcap, defs, err := m.checkCATRequest(L2, domain, classID)
	if err != nil {
		return err
	}
	if !mcap.CDPEnabled {
		return ErrCDPMismatch
	}
	if err := validateMask(code, mcap); err != nil {
		return err
	}
	if err := validateMask(data, mcap); err != nil {
		return err
	}
	if err := m.be.WriteL2CodeDataMask(domain, classID, code, data); err != nil {
		return err
	}
	defs[classID] = l3l2Def{cdp: true, code: code, data: data}
	return nil
}

// SetMBA writes an MBA (or SMBA, via slow) class-of-service throttle
// value, a percentage (1-100) under percentage mode or a MBps figure
// under controller mode; value is clamped down to the nearest
// throttle_step multiple. It returns the hardware-rounded value
// actually programmed, matching the original implementation's
// rounding-feedback behaviour (host_allocation.c).
func (m *Manager) SetMBA(domain, classID int, value uint32, slow bool) (actual uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mcap := m.caps.MBA
	table := m.mbaDefs
	if slow {
		mcap = m.caps.SMBA
		table = m.smbaDefs
	}
	if mcap == nil {
		return 0, ErrNotRequested
	}
	defs, ok := table[domain]
	if !ok {
		return 0, ErrBadDomain
	}
	if classID < 0 || classID >= mcap.NumClasses {
		return 0, ErrBadClass
	}

	// throttle_max only bounds percentage mode; under the controller,
	// value is a MBps figure with no platform-defined ceiling, per
	// spec.md §3's "mb_max is ... ≤ throttle_max unless controller mode".
	ceiling := mcap.ThrottleMax
	if mcap.CtrlEnabled {
		ceiling = value
	}
	clamped := clampToStep(value, mcap.ThrottleStep, ceiling)
	actual, err = m.be.WriteMBA(domain, classID, clamped, mcap.CtrlEnabled)
	if err != nil {
		return 0, err
	}
	defs[classID] = mbaDef{value: actual, controller: mcap.CtrlEnabled}
	return actual, nil
}

// SetL3All writes the same single mask to classID across every L3 CAT
// domain, returning the count of domains written before the first
// failure, per the original implementation's partial-write reporting
// (host_allocation.c, pqos/alloc.c): a caller scripting a platform-wide
// policy change can tell a fully-applied change from a partially-applied
// one instead of just getting an opaque error.
func (m *Manager) SetL3All(classID int, mask uint64) (written int, err error) {
	for _, d := range m.l3Domains() {
		if err = m.SetL3(d, classID, mask); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// SetL2All is SetL3All's L2 CAT counterpart.
func (m *Manager) SetL2All(classID int, mask uint64) (written int, err error) {
	for _, d := range m.l2Domains() {
		if err = m.SetL2(d, classID, mask); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func clampToStep(value, step, ceiling uint32) uint32 {
	if step == 0 {
		step = 1
	}
	if value > ceiling {
		value = ceiling
	}
	return (value / step) * step
}
