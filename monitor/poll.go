package monitor

import (
	"context"
	"fmt"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
)

// maxUnavailableRetries is how many times Poll re-reads a (cluster,
// event) counter that reported Unavailable before giving up on that
// counter for the call and reporting ErrUnavailable for it, per
// spec.md §4.D.5's 3-retry policy.
const maxUnavailableRetries = 3

// Counters is one monitoring group's poll result, aggregated across
// every L3 cluster (or pseudo-cluster) it spans.
type Counters struct {
	LLCOccupancy uint64 // instantaneous, not a delta
	MBMLocal     uint64 // delta since previous poll, bytes
	MBMTotal     uint64 // delta since previous poll, bytes
	MBMRemote    uint64 // derived: max(0, total-local)
	IPC          float64

	LLCMisses      uint64 // raw, cumulative
	LLCMissesDelta uint64
	LLCRefs        uint64 // raw, cumulative
	LLCRefsDelta   uint64

	// PerEvent carries an error per cluster/event pair that failed after
	// retries, instead of aborting the whole poll: spec.md §4.D.5's
	// partial-failure-continues-rest policy. These are read failures
	// (ErrUnavailable, ErrReadFailed), never counter wraps - see
	// Overflowed for that signal.
	Errors []error

	// Overflowed is true if wrapDelta silently unwrapped at least one
	// counter this poll (the raw value went backwards since the last
	// sample), per spec.md §4.D.5's "Overflow if any counter overflow
	// was silently handled" status rule.
	Overflowed bool
}

// wrapDelta implements spec.md §4.D.5's counter-wrap arithmetic:
// MAX = 2^counterBitWidth, defaulting to 2^24 when the back-end didn't
// report a width. The second return reports whether newVal had
// actually wrapped past MAX since oldVal, as opposed to a plain
// monotonic increase.
func wrapDelta(oldVal, newVal uint64, counterBitWidth int) (uint64, bool) {
	if counterBitWidth <= 0 {
		counterBitWidth = 24
	}
	max := uint64(1) << uint(counterBitWidth)
	if newVal >= oldVal {
		return newVal - oldVal, false
	}
	return (max - oldVal) + newVal, true
}

// Poll reads every event this group was started with across all of its
// clusters, returning aggregated, delta-adjusted counters. The first
// Poll after Start establishes a baseline and reports zero deltas.
func (m *Manager) Poll(ctx context.Context, g *Group) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Counters

	readOne := func(st *clusterPollState, rep, cl, id int) {
		for _, ev := range g.eventTypes {
			sample, err := m.readWithRetries(ctx, rep, cl, id, ev, st)
			if err != nil {
				out.Errors = append(out.Errors, err)
				continue
			}

			switch ev {
			case catalog.EventLLCOccupancy:
				out.LLCOccupancy += sample.Value
			case catalog.EventMBMLocal:
				d, wrapped := m.deltaFor(st, ev, sample.Value)
				out.MBMLocal += d
				out.Overflowed = out.Overflowed || wrapped
			case catalog.EventMBMTotal:
				d, wrapped := m.deltaFor(st, ev, sample.Value)
				out.MBMTotal += d
				out.Overflowed = out.Overflowed || wrapped
			}
		}
	}

	for cl, id := range g.clusterID {
		readOne(g.state[cl], m.representativeLCore(cl, g), cl, id)
	}

	for _, taskCtx := range g.tasks {
		groupID, ok := taskCtx.(int)
		if !ok {
			continue
		}
		for _, cl := range m.topo.L3Clusters() {
			key := fmt.Sprintf("%d:%d", groupID, cl)
			st, ok := g.taskState[key]
			if !ok {
				st = &clusterPollState{lastRaw: map[string]uint64{}, retries: map[string]int{}}
				g.taskState[key] = st
			}
			readOne(st, m.representativeLCore(cl, g), cl, groupID)
		}
	}

	if out.MBMTotal > out.MBMLocal {
		out.MBMRemote = out.MBMTotal - out.MBMLocal
	}

	if g.perf {
		retired, unhalted, llcMisses, llcRefs, err := m.perfBE.ReadPerfCounters(g.cores)
		if err != nil {
			out.Errors = append(out.Errors, err)
		} else {
			if g.perfState == nil {
				g.perfState = &clusterPollState{lastRaw: map[string]uint64{}, retries: map[string]int{}}
			}
			out.LLCMisses = llcMisses
			out.LLCRefs = llcRefs
			var wrapped bool
			out.LLCMissesDelta, wrapped = m.deltaFor(g.perfState, "llc_misses", llcMisses)
			out.Overflowed = out.Overflowed || wrapped
			out.LLCRefsDelta, wrapped = m.deltaFor(g.perfState, "llc_refs", llcRefs)
			out.Overflowed = out.Overflowed || wrapped

			unhaltedDelta, wrapped := m.deltaFor(g.perfState, "unhalted", unhalted)
			out.Overflowed = out.Overflowed || wrapped
			retiredDelta, wrapped := m.deltaFor(g.perfState, "retired", retired)
			out.Overflowed = out.Overflowed || wrapped
			if unhaltedDelta > 0 {
				out.IPC = float64(retiredDelta) / float64(unhaltedDelta)
			}
		}
	}

	return out, nil
}

func (m *Manager) representativeLCore(cluster int, g *Group) int {
	if len(g.cores) > 0 {
		for _, lc := range m.topo.CoresInL3Cluster(cluster) {
			for _, gc := range g.cores {
				if gc == lc.LCore {
					return lc.LCore
				}
			}
		}
	}
	cores := m.topo.CoresInL3Cluster(cluster)
	if len(cores) > 0 {
		return cores[0].LCore
	}
	return 0
}

func (m *Manager) readWithRetries(ctx context.Context, lcore, cluster, rmid int, eventType string, st *clusterPollState) (backend.CounterSample, error) {
	pc := backend.PollContext{LCoreRepresentative: lcore, ClusterID: cluster, RMID: rmid}

	var sample backend.CounterSample
	var err error
	for attempt := 0; attempt <= maxUnavailableRetries; attempt++ {
		sample, err = m.be.ReadCounter(ctx, pc, eventType)
		if err != nil {
			return backend.CounterSample{}, err
		}
		if sample.ErrorBit {
			return backend.CounterSample{}, ErrReadFailed
		}
		if !sample.Unavailable {
			st.retries[eventType] = 0
			return sample, nil
		}
		st.retries[eventType]++
	}
	return backend.CounterSample{}, ErrUnavailable
}

func (m *Manager) deltaFor(st *clusterPollState, eventType string, raw uint64) (uint64, bool) {
	old, seen := st.lastRaw[eventType]
	st.lastRaw[eventType] = raw
	if !seen {
		return 0, false
	}
	return wrapDelta(old, raw, counterBitWidth(m.mcap, eventType))
}

// counterBitWidth looks up the event's reported width, defaulting to 0
// (which wrapDelta treats as the 24-bit default) if the event isn't in
// the catalog for some reason.
func counterBitWidth(mcap *catalog.MonitorCap, eventType string) int {
	for _, e := range mcap.Events {
		if e.Type == eventType {
			return e.CounterBitWidth
		}
	}
	return 0
}

// Reset releases every live group, returning every monitoring ID to
// Free except those marked Unavailable at init time.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range append([]*Group{}, m.groups...) {
		if err := m.stopLocked(g); err != nil {
			return err
		}
	}

	for _, vec := range m.ids {
		for id := range vec {
			if vec[id] == Allocated {
				vec[id] = Free
			}
		}
	}
	return nil
}
