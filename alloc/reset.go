package alloc

import "github.com/intel/intel-cmt-cat-sub003/catalog"

// ReconfigureRequest mirrors catalog.DiscoverConfig for the CDP/MBA
// controller/IO-RDT toggles Reset may perform between steps 1 and 3 of
// spec.md §4.E.4.
type ReconfigureRequest = catalog.DiscoverConfig

// Reset implements spec.md §4.E.4: write the permissive default to every
// class in every domain, then optionally reconfigure CDP/MBA
// controller/IO-RDT and reseed the default tables for the mode Reset
// leaves the platform in, then bind every present core (and every mmio
// channel) back to class 0. Idempotent; callers may invoke it without
// first stopping monitoring.
func (m *Manager) Reset(reconfigure func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seedDefaults()
	if err := m.writeAllDefaults(); err != nil {
		return err
	}

	if reconfigure != nil {
		if err := reconfigure(); err != nil {
			return err
		}
		m.seedDefaults()
	}

	for _, c := range m.topo.Cores {
		if err := m.be.AssociateCore(c.LCore, 0); err != nil {
			return err
		}
		m.coreClass[c.LCore] = 0
	}

	for ch := range m.channelClass {
		if err := m.be.AssociateChannel(ch, 0); err != nil {
			return err
		}
		m.channelClass[ch] = 0
	}

	for pid := range m.taskClass {
		m.taskClass[pid] = 0
	}

	return nil
}

func (m *Manager) writeAllDefaults() error {
	if m.caps.L3CA != nil {
		all := allWaysMask(m.caps.L3CA.NumWays)
		for domain, defs := range m.l3Defs {
			for classID := range defs {
				if err := m.writeCATDefault(m.be.WriteL3Mask, m.be.WriteL3CodeDataMask, m.caps.L3CA, domain, classID, all); err != nil {
					return err
				}
			}
		}
	}
	if m.caps.L2CA != nil {
		all := allWaysMask(m.caps.L2CA.NumWays)
		for domain, defs := range m.l2Defs {
			for classID := range defs {
				if err := m.writeCATDefault(m.be.WriteL2Mask, m.be.WriteL2CodeDataMask, m.caps.L2CA, domain, classID, all); err != nil {
					return err
				}
			}
		}
	}
	if m.caps.MBA != nil {
		for domain, defs := range m.mbaDefs {
			for classID := range defs {
				value := m.caps.MBA.ThrottleMax
				if m.caps.MBA.CtrlEnabled {
					value = 0
				}
				if _, err := m.be.WriteMBA(domain, classID, value, m.caps.MBA.CtrlEnabled); err != nil {
					return err
				}
			}
		}
	}
	if m.caps.SMBA != nil {
		for domain, defs := range m.smbaDefs {
			for classID := range defs {
				value := m.caps.SMBA.ThrottleMax
				if m.caps.SMBA.CtrlEnabled {
					value = 0
				}
				if _, err := m.be.WriteMBA(domain, classID, value, m.caps.SMBA.CtrlEnabled); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (m *Manager) writeCATDefault(
	writeSingle func(domain, classID int, mask uint64) error,
	writeCDP func(domain, classID int, code, data uint64) error,
	mcap *catalog.CATCap, domain, classID int, all uint64,
) error {
	if mcap.CDPEnabled {
		return writeCDP(domain, classID, all, all)
	}
	return writeSingle(domain, classID, all)
}
