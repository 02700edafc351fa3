package monitor

import (
	"fmt"
	"syscall"

	"github.com/intel/intel-cmt-cat-sub003/pidfd"
	"github.com/intel/intel-cmt-cat-sub003/pidmonitor"
)

// Group is a live monitoring group: a set of monitoring IDs, one per L3
// cluster its members span, bound to cores, tasks, or mmio channels.
// Exactly one of Cores/Tasks/Channels is populated, matching spec.md
// §4.D.3's "a group is core-based, task-based, or channel-based, never
// mixed" rule.
type Group struct {
	mgr *Manager

	eventTypes []string
	perf       bool // also monitor IPC/LLC-miss via perfBE

	clusterID map[int]int // L3 cluster -> allocated rmid

	cores    []int
	tasks    map[uint32]interface{} // pid -> backend task context (resctrl's self-assigned mon_group id)
	channels map[int]int            // channel -> pseudo-cluster id

	state map[int]*clusterPollState // clusterID -> running counters

	// taskState tracks per-(task context, L3 cluster) counter baselines,
	// since a task group's mon_data subtree reports one set of files per
	// cluster regardless of which cluster the task's threads actually
	// ran on, keyed by "ctx:cluster".
	taskState map[string]*clusterPollState

	perfState *clusterPollState // IPC/LLC-miss baselines, group-wide rather than per-cluster
}

type clusterPollState struct {
	lastRaw map[string]uint64
	retries map[string]int
}

// channelClusterID maps an mmio channel to a negative pseudo-cluster id,
// since channels have no L3-sharing relationship the Manager's ID
// vectors are otherwise keyed on; each channel gets its own one-slot
// vector the first time it is used.
func (m *Manager) channelClusterID(channel int) int {
	return -(channel + 1)
}

func (m *Manager) ensureChannelCluster(channel int) int {
	cl := m.channelClusterID(channel)
	if _, ok := m.ids[cl]; !ok {
		m.ids[cl] = make([]IDState, m.mcap.MaxRMID)
	}
	return cl
}

// StartCores creates a core-based monitoring group over lcores, one
// monitoring ID per distinct L3 cluster represented among them, bound
// via BindCore. If any bind fails partway through, every ID allocated
// and every bind already issued for this call is rolled back.
func (m *Manager) StartCores(lcores []int, eventTypes []string, perf bool) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Group{mgr: m, eventTypes: eventTypes, perf: perf, clusterID: map[int]int{}, state: map[int]*clusterPollState{}}

	clusters := map[int][]int{} // cluster -> lcores in this request
	for _, lc := range lcores {
		c, ok := m.topo.CoreByLCore(lc)
		if !ok {
			return nil, fmt.Errorf("monitor: %w: lcore %d", ErrCoreAbsent, lc)
		}
		if owner, bound := m.boundCore[lc]; bound && owner != nil {
			return nil, fmt.Errorf("monitor: lcore %d: %w", lc, ErrCoreInUse)
		}
		clusters[c.L3ID] = append(clusters[c.L3ID], lc)
	}

	var boundCores []int
	rollback := func() {
		for _, lc := range boundCores {
			_ = m.be.BindCore(lc, 0)
			delete(m.boundCore, lc)
		}
		for cl, id := range g.clusterID {
			_ = m.freeLocked(cl, id)
		}
	}

	for cl, lcs := range clusters {
		id, err := m.allocateLocked(cl, eventTypes)
		if err != nil {
			rollback()
			return nil, err
		}
		g.clusterID[cl] = id
		g.state[cl] = &clusterPollState{lastRaw: map[string]uint64{}, retries: map[string]int{}}

		for _, lc := range lcs {
			if err := m.be.BindCore(lc, id); err != nil {
				rollback()
				return nil, fmt.Errorf("monitor: binding lcore %d to rmid %d: %w", lc, id, err)
			}
			m.boundCore[lc] = g
			boundCores = append(boundCores, lc)
		}
	}
	g.cores = append([]int{}, lcores...)

	if perf {
		if _, err := m.perfBE.EnablePerfCounters(lcores, m.reclaimOnInit); err != nil {
			rollback()
			return nil, fmt.Errorf("monitor: enabling perf counters: %w", err)
		}
	}

	m.groups = append(m.groups, g)
	return g, nil
}

// StartTasks creates a task-based monitoring group. Unlike core and
// channel groups, no monitoring ID is allocated from the per-cluster
// vectors here: the filesystem back-end's StartTask self-assigns its
// own mon_groups directory per pid and is the only back-end that
// implements task monitoring at all. pidfd.Open is used as a liveness
// pre-check, so a stale pid is reported before any group directory is
// created rather than surfacing as a later read failure.
func (m *Manager) StartTasks(pids []uint32, eventTypes []string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pid := range pids {
		fd, err := pidfd.Open(int(pid), 0)
		if err != nil {
			return nil, fmt.Errorf("monitor: pid %d not running: %w", pid, err)
		}
		_ = syscall.Close(int(fd))
	}

	g := &Group{
		mgr:        m,
		eventTypes: eventTypes,
		tasks:      map[uint32]interface{}{},
		taskState:  map[string]*clusterPollState{},
	}

	for _, pid := range pids {
		ctx, err := m.be.StartTask(int(pid), 0)
		if err != nil {
			for p, c := range g.tasks {
				_ = m.be.StopTask(c)
				delete(m.pidToTask, p)
			}
			return nil, fmt.Errorf("monitor: starting task monitoring for pid %d: %w", pid, err)
		}
		g.tasks[pid] = ctx
		m.pidToTask[pid] = g
		if m.pidMon != nil {
			_ = m.pidMon.AddEvent([]pidmonitor.PidEvent{{Pid: pid, Event: pidmonitor.Exit}})
		}
	}

	m.groups = append(m.groups, g)
	return g, nil
}

// StartChannels creates a channel-based monitoring group over mmio
// channels, one pseudo-cluster monitoring ID per channel.
func (m *Manager) StartChannels(channels []int, eventTypes []string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Group{
		eventTypes: eventTypes,
		mgr:        m,
		clusterID:  map[int]int{},
		channels:   map[int]int{},
		state:      map[int]*clusterPollState{},
	}

	var started []int
	rollback := func() {
		for _, ch := range started {
			_ = m.be.StopChannel(ch)
		}
		for cl, id := range g.clusterID {
			_ = m.freeLocked(cl, id)
		}
	}

	for _, ch := range channels {
		cl := m.ensureChannelCluster(ch)
		id, err := m.allocateLocked(cl, eventTypes)
		if err != nil {
			rollback()
			return nil, err
		}
		if err := m.be.StartChannel(ch, id); err != nil {
			rollback()
			return nil, fmt.Errorf("monitor: starting channel %d: %w", ch, err)
		}
		g.clusterID[cl] = id
		g.channels[ch] = cl
		g.state[cl] = &clusterPollState{lastRaw: map[string]uint64{}, retries: map[string]int{}}
		started = append(started, ch)
	}

	m.groups = append(m.groups, g)
	return g, nil
}

// Stop tears a group down in the reverse order it was built: unbind
// cores/tasks/channels first, then free every monitoring ID it held.
func (m *Manager) Stop(g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(g)
}

// StopTasks is the task-group-only convenience used by the pidfd
// auto-stop watcher; it forwards to Stop.
func (m *Manager) StopTasks(g *Group) error {
	return m.Stop(g)
}

func (m *Manager) stopLocked(g *Group) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, lc := range g.cores {
		note(m.be.BindCore(lc, 0))
		delete(m.boundCore, lc)
	}
	if g.perf {
		note(m.perfBE.DisablePerfCounters(g.cores))
	}
	for pid, ctx := range g.tasks {
		note(m.be.StopTask(ctx))
		delete(m.pidToTask, pid)
		if m.pidMon != nil {
			_ = m.pidMon.RemoveEvent([]pidmonitor.PidEvent{{Pid: pid, Event: pidmonitor.Exit}})
		}
	}
	for ch := range g.channels {
		note(m.be.StopChannel(ch))
	}
	for cl, id := range g.clusterID {
		note(m.freeLocked(cl, id))
	}

	for i, live := range m.groups {
		if live == g {
			m.groups = append(m.groups[:i], m.groups[i+1:]...)
			break
		}
	}

	return firstErr
}
