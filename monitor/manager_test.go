package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/topology"
)

// fakeBackend is a minimal in-memory backend.MonitorBackend used to
// exercise Manager without any real hardware or filesystem.
type fakeBackend struct {
	bound    map[int]int // lcore -> rmid
	samples  map[string]backend.CounterSample
	perfErr  error
	perfUses map[string]bool

	nextTaskID int
	tasks      map[int]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bound:    map[int]int{},
		samples:  map[string]backend.CounterSample{},
		perfUses: map[string]bool{},
		tasks:    map[int]bool{},
	}
}

func (f *fakeBackend) BindCore(lcore int, rmid int) error {
	f.bound[lcore] = rmid
	return nil
}

func sampleKey(pc backend.PollContext, eventType string) string {
	return eventType
}

func (f *fakeBackend) ReadCounter(ctx context.Context, pc backend.PollContext, eventType string) (backend.CounterSample, error) {
	if s, ok := f.samples[sampleKey(pc, eventType)]; ok {
		return s, nil
	}
	return backend.CounterSample{Value: 0}, nil
}

func (f *fakeBackend) EnablePerfCounters(cores []int, reclaim bool) (bool, error) {
	return false, f.perfErr
}
func (f *fakeBackend) DisablePerfCounters(cores []int) error { return nil }
func (f *fakeBackend) ReadPerfCounters(cores []int) (uint64, uint64, uint64, uint64, error) {
	return 100, 50, 0, 0, nil
}

func (f *fakeBackend) StartTask(pid int, eventMask uint32) (interface{}, error) {
	f.nextTaskID++
	f.tasks[f.nextTaskID] = true
	return f.nextTaskID, nil
}
func (f *fakeBackend) StopTask(taskCtx interface{}) error {
	id, _ := taskCtx.(int)
	delete(f.tasks, id)
	return nil
}

func (f *fakeBackend) StartChannel(channel int, rmid int) error { return nil }
func (f *fakeBackend) StopChannel(channel int) error             { return nil }

func testTopology() *topology.Info {
	return &topology.Info{
		Cores: []topology.LCore{
			{LCore: 0, Socket: 0, L3ID: 0},
			{LCore: 1, Socket: 0, L3ID: 0},
			{LCore: 2, Socket: 1, L3ID: 1},
		},
		MaxLCore: 2,
	}
}

func testMonitorCap() *catalog.MonitorCap {
	return &catalog.MonitorCap{
		MaxRMID: 8,
		Events: []catalog.Event{
			{Type: catalog.EventLLCOccupancy, MaxRMIDForEvent: 8, CounterBitWidth: 24},
			{Type: catalog.EventMBMLocal, MaxRMIDForEvent: 8, CounterBitWidth: 24},
			{Type: catalog.EventMBMTotal, MaxRMIDForEvent: 8, CounterBitWidth: 24},
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeBackend) {
	t.Helper()
	be := newFakeBackend()
	m, err := New(testTopology(), testMonitorCap(), be, be, false, nil)
	require.NoError(t, err)
	return m, be
}

func TestAllocateDescendingFromMax(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Allocate(0, []string{catalog.EventLLCOccupancy})
	require.NoError(t, err)
	require.Equal(t, 7, id)

	id2, err := m.Allocate(0, []string{catalog.EventLLCOccupancy})
	require.NoError(t, err)
	require.Equal(t, 6, id2)
}

func TestAllocateExhaustion(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 7; i++ {
		_, err := m.Allocate(0, []string{catalog.EventLLCOccupancy})
		require.NoError(t, err)
	}
	_, err := m.Allocate(0, []string{catalog.EventLLCOccupancy})
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestFreeThenReallocate(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Allocate(0, []string{catalog.EventLLCOccupancy})
	require.NoError(t, err)
	require.NoError(t, m.Free(0, id))

	id2, err := m.Allocate(0, []string{catalog.EventLLCOccupancy})
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestFreeRejectsNotAllocated(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Free(0, 3)
	require.ErrorIs(t, err, ErrNotAllocated)
}

func TestStartCoresBindsAndAllocates(t *testing.T) {
	m, be := newTestManager(t)
	g, err := m.StartCores([]int{0, 1}, []string{catalog.EventLLCOccupancy}, false)
	require.NoError(t, err)
	require.Contains(t, g.clusterID, 0)
	require.Equal(t, be.bound[0], g.clusterID[0])
	require.Equal(t, be.bound[1], g.clusterID[0])
}

func TestStartCoresRejectsDoubleBind(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartCores([]int{0}, []string{catalog.EventLLCOccupancy}, false)
	require.NoError(t, err)

	_, err = m.StartCores([]int{0}, []string{catalog.EventLLCOccupancy}, false)
	require.ErrorIs(t, err, ErrCoreInUse)
}

func TestStopReleasesCoreAndID(t *testing.T) {
	m, be := newTestManager(t)
	g, err := m.StartCores([]int{0}, []string{catalog.EventLLCOccupancy}, false)
	require.NoError(t, err)
	id := g.clusterID[0]

	require.NoError(t, m.Stop(g))
	require.Equal(t, 0, be.bound[0])

	id2, err := m.Allocate(0, []string{catalog.EventLLCOccupancy})
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestPollFirstCallEstablishesBaseline(t *testing.T) {
	m, _ := newTestManager(t)
	g, err := m.StartCores([]int{0}, []string{catalog.EventMBMLocal}, false)
	require.NoError(t, err)

	counters, err := m.Poll(context.Background(), g)
	require.NoError(t, err)
	require.Equal(t, uint64(0), counters.MBMLocal)
}

func TestWrapDeltaNoWrap(t *testing.T) {
	delta, wrapped := wrapDelta(1000, 1500, 24)
	require.Equal(t, uint64(500), delta)
	require.False(t, wrapped)
}

func TestWrapDeltaWraps(t *testing.T) {
	maxVal := uint64(1) << 24
	delta, wrapped := wrapDelta(maxVal-10, 5, 24)
	require.Equal(t, uint64(15), delta)
	require.True(t, wrapped)
}

func TestStartTasksChecksLiveness(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.StartTasks([]uint32{999999}, []string{catalog.EventLLCOccupancy})
	require.Error(t, err)
}

func TestResetClearsGroups(t *testing.T) {
	m, be := newTestManager(t)
	_, err := m.StartCores([]int{0}, []string{catalog.EventLLCOccupancy}, false)
	require.NoError(t, err)

	require.NoError(t, m.Reset())
	require.Empty(t, m.groups)
	require.Equal(t, 0, be.bound[0])
}
