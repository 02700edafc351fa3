package alloc

import "fmt"

// Entities names the cores, tasks, and mmio channels an Assign/Release
// call operates on together.
type Entities struct {
	Cores    []int
	Tasks    []int
	Channels []int
}

// AssociateCore atomically updates lcore's class-of-service field,
// preserving whatever monitoring-ID field the association register
// already carries (the back-end's AssociateCore implementation does
// this at the register level; the Manager only needs to remember the
// new class for Assign's free-class scan).
func (m *Manager) AssociateCore(lcore, classID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.be.AssociateCore(lcore, classID); err != nil {
		return err
	}
	m.coreClass[lcore] = classID
	return nil
}

// AssociateTask is filesystem-back-end only.
func (m *Manager) AssociateTask(pid, classID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.be.AssociateTask(pid, classID); err != nil {
		return err
	}
	m.taskClass[pid] = classID
	return nil
}

// AssociateChannel is mmio-back-end only.
func (m *Manager) AssociateChannel(channel, classID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.be.AssociateChannel(channel, classID); err != nil {
		return err
	}
	m.channelClass[channel] = classID
	return nil
}

// AssociateDevice resolves dev/vc to a channel index on the back-end's
// side and is mmio-back-end only; the Manager has no visibility into
// which channel index that resolves to, so it does not update
// channelClass here - callers needing Assign's free-class bookkeeping
// to see a device association should route through AssociateChannel
// with the channel index instead.
func (m *Manager) AssociateDevice(dev string, vc, classID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.be.AssociateDevice(dev, vc, classID)
}

// Assign implements spec.md §4.E.3's first-available assignment: scan
// classes from highest to lowest index, picking the first one unused
// by any entity and whose definition is still the permissive default
// in every domain the requested technologies and entities touch.
func (m *Manager) Assign(techs []Technology, entities Entities) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domains, numClasses, err := m.resolveDomains(techs, entities)
	if err != nil {
		return 0, err
	}

	for classID := numClasses - 1; classID >= 0; classID-- {
		if m.classInUse(classID) {
			continue
		}
		if m.classIsDefault(techs, domains, classID) {
			m.associateAll(entities, classID)
			return classID, nil
		}
	}
	return 0, ErrNoFreeClass
}

// Release reassigns every entity to class 0, the always-present
// permissive default class.
func (m *Manager) Release(entities Entities) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associateAll(entities, 0)
	return nil
}

func (m *Manager) associateAll(entities Entities, classID int) {
	for _, lc := range entities.Cores {
		_ = m.be.AssociateCore(lc, classID)
		m.coreClass[lc] = classID
	}
	for _, pid := range entities.Tasks {
		_ = m.be.AssociateTask(pid, classID)
		m.taskClass[pid] = classID
	}
	for _, ch := range entities.Channels {
		_ = m.be.AssociateChannel(ch, classID)
		m.channelClass[ch] = classID
	}
}

func (m *Manager) classInUse(classID int) bool {
	for _, c := range m.coreClass {
		if c == classID {
			return true
		}
	}
	for _, c := range m.taskClass {
		if c == classID {
			return true
		}
	}
	for _, c := range m.channelClass {
		if c == classID {
			return true
		}
	}
	return false
}

// resolveDomains checks the per-technology domain-sharing constraints
// of spec.md §4.E.3 (L2 CAT: one shared L2 cluster; L3 CAT/MBA: one
// shared socket) and returns the domain id to check/write for each
// requested technology, plus the visible class count (the smallest
// across requested technologies, since L2-and-L3-together assignment
// takes classes from the intersection). Task and channel entities carry
// no domain of their own in this module (tasks migrate freely, and mmio
// channels aren't socket-scoped), so only core entities are checked for
// domain agreement; a request naming tasks/channels alongside
// technology-scoped cores still succeeds as long as the cores agree.
func (m *Manager) resolveDomains(techs []Technology, entities Entities) (map[Technology]int, int, error) {
	if len(techs) == 0 {
		return nil, 0, fmt.Errorf("alloc: %w: no technology requested", ErrBadDomain)
	}

	domains := map[Technology]int{}
	numClasses := -1

	for _, t := range techs {
		var domainOf func(lcore int) (int, bool)
		var mcapClasses int

		switch t {
		case L3:
			if m.caps.L3CA == nil {
				return nil, 0, ErrNotRequested
			}
			domainOf = func(lc int) (int, bool) { c, ok := m.topo.CoreByLCore(lc); return c.L3CatID, ok }
			mcapClasses = m.caps.L3CA.NumClasses
		case L2:
			if m.caps.L2CA == nil {
				return nil, 0, ErrNotRequested
			}
			domainOf = func(lc int) (int, bool) { c, ok := m.topo.CoreByLCore(lc); return c.L2ID, ok }
			mcapClasses = m.caps.L2CA.NumClasses
		case MBA:
			if m.caps.MBA == nil {
				return nil, 0, ErrNotRequested
			}
			domainOf = func(lc int) (int, bool) { c, ok := m.topo.CoreByLCore(lc); return c.MbaID, ok }
			mcapClasses = m.caps.MBA.NumClasses
		case SMBA:
			if m.caps.SMBA == nil {
				return nil, 0, ErrNotRequested
			}
			domainOf = func(lc int) (int, bool) { c, ok := m.topo.CoreByLCore(lc); return c.SmbaID, ok }
			mcapClasses = m.caps.SMBA.NumClasses
		}

		domain := -1
		for _, lc := range entities.Cores {
			d, ok := domainOf(lc)
			if !ok {
				return nil, 0, fmt.Errorf("alloc: %w: lcore %d", ErrBadDomain, lc)
			}
			if domain == -1 {
				domain = d
			} else if d != domain {
				return nil, 0, fmt.Errorf("alloc: %w: entities span more than one %s domain", ErrBadDomain, t)
			}
		}
		if domain == -1 {
			domain = 0
		}
		domains[t] = domain

		if numClasses == -1 || mcapClasses < numClasses {
			numClasses = mcapClasses
		}
	}

	return domains, numClasses, nil
}

func (m *Manager) classIsDefault(techs []Technology, domains map[Technology]int, classID int) bool {
	for _, t := range techs {
		switch t {
		case L3:
			def, ok := m.l3Defs[domains[L3]][classID]
			if !ok || !def.isDefault(allWaysMask(m.caps.L3CA.NumWays)) {
				return false
			}
		case L2:
			def, ok := m.l2Defs[domains[L2]][classID]
			if !ok || !def.isDefault(allWaysMask(m.caps.L2CA.NumWays)) {
				return false
			}
		case MBA:
			def, ok := m.mbaDefs[domains[MBA]][classID]
			if !ok || !def.isDefault(m.caps.MBA.ThrottleMax, m.caps.MBA.CtrlEnabled) {
				return false
			}
		case SMBA:
			def, ok := m.smbaDefs[domains[SMBA]][classID]
			if !ok || !def.isDefault(m.caps.SMBA.ThrottleMax, m.caps.SMBA.CtrlEnabled) {
				return false
			}
		}
	}
	return true
}
