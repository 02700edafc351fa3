package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/topology"
)

type fakeAllocBackend struct {
	l3Mask     map[[2]int]uint64
	l3CodeData map[[2]int][2]uint64
	l2Mask     map[[2]int]uint64
	l2CodeData map[[2]int][2]uint64
	mba        map[[2]int]uint32

	coreClass    map[int]int
	taskClass    map[int]int
	channelClass map[int]int
}

func newFakeAllocBackend() *fakeAllocBackend {
	return &fakeAllocBackend{
		l3Mask:       map[[2]int]uint64{},
		l3CodeData:   map[[2]int][2]uint64{},
		l2Mask:       map[[2]int]uint64{},
		l2CodeData:   map[[2]int][2]uint64{},
		mba:          map[[2]int]uint32{},
		coreClass:    map[int]int{},
		taskClass:    map[int]int{},
		channelClass: map[int]int{},
	}
}

func (b *fakeAllocBackend) WriteL3Mask(domain, classID int, mask uint64) error {
	b.l3Mask[[2]int{domain, classID}] = mask
	return nil
}
func (b *fakeAllocBackend) WriteL3CodeDataMask(domain, classID int, code, data uint64) error {
	b.l3CodeData[[2]int{domain, classID}] = [2]uint64{code, data}
	return nil
}
func (b *fakeAllocBackend) WriteL2Mask(domain, classID int, mask uint64) error {
	b.l2Mask[[2]int{domain, classID}] = mask
	return nil
}
func (b *fakeAllocBackend) WriteL2CodeDataMask(domain, classID int, code, data uint64) error {
	b.l2CodeData[[2]int{domain, classID}] = [2]uint64{code, data}
	return nil
}
func (b *fakeAllocBackend) WriteMBA(domain, classID int, value uint32, controller bool) (uint32, error) {
	b.mba[[2]int{domain, classID}] = value
	return value, nil
}
func (b *fakeAllocBackend) AssociateCore(lcore, classID int) error {
	b.coreClass[lcore] = classID
	return nil
}
func (b *fakeAllocBackend) AssociateTask(pid, classID int) error {
	b.taskClass[pid] = classID
	return nil
}
func (b *fakeAllocBackend) AssociateChannel(channel, classID int) error {
	b.channelClass[channel] = classID
	return nil
}
func (b *fakeAllocBackend) AssociateDevice(dev string, vc, classID int) error {
	return nil
}

func testAllocTopology() *topology.Info {
	return &topology.Info{
		Cores: []topology.LCore{
			{LCore: 0, Socket: 0, L3ID: 0, L2ID: 0, L3CatID: 0, MbaID: 0, SmbaID: 0},
			{LCore: 1, Socket: 0, L3ID: 0, L2ID: 0, L3CatID: 0, MbaID: 0, SmbaID: 0},
			{LCore: 2, Socket: 1, L3ID: 1, L2ID: 1, L3CatID: 1, MbaID: 1, SmbaID: 1},
			{LCore: 3, Socket: 1, L3ID: 1, L2ID: 1, L3CatID: 1, MbaID: 1, SmbaID: 1},
		},
		MaxLCore: 3,
	}
}

func testCaps() *catalog.Capabilities {
	return &catalog.Capabilities{
		L3CA: &catalog.CATCap{NumClasses: 4, NumWays: 8},
		L2CA: &catalog.CATCap{NumClasses: 4, NumWays: 4},
		MBA:  &catalog.MBACap{NumClasses: 4, ThrottleMax: 100, ThrottleStep: 10},
	}
}

func newTestAllocManager() (*Manager, *fakeAllocBackend) {
	be := newFakeAllocBackend()
	m := New(testAllocTopology(), testCaps(), be)
	return m, be
}

func TestSeedDefaultsAreAllWaysAndUnthrottled(t *testing.T) {
	m, _ := newTestAllocManager()
	require.Equal(t, allWaysMask(8), m.l3Defs[0][0].mask)
	require.Equal(t, uint32(100), m.mbaDefs[0][0].value)
}

func TestSetL3RejectsCDPMismatch(t *testing.T) {
	m, _ := newTestAllocManager()
	m.caps.L3CA.CDPEnabled = true
	err := m.SetL3(0, 1, allWaysMask(8))
	require.ErrorIs(t, err, ErrCDPMismatch)
}

func TestSetL3RejectsNonContiguousMask(t *testing.T) {
	m, _ := newTestAllocManager()
	err := m.SetL3(0, 1, 0b1011)
	require.ErrorIs(t, err, ErrBadMask)
}

func TestSetL3RejectsWayContention(t *testing.T) {
	m, _ := newTestAllocManager()
	m.caps.L3CA.WayContention = 0b00000011
	err := m.SetL3(0, 1, 0b00000011)
	require.ErrorIs(t, err, ErrBadMask)
}

func TestSetL3WritesThroughAndUpdatesDef(t *testing.T) {
	m, be := newTestAllocManager()
	require.NoError(t, m.SetL3(0, 1, 0b00001111))
	require.Equal(t, uint64(0b00001111), be.l3Mask[[2]int{0, 1}])
	require.Equal(t, uint64(0b00001111), m.l3Defs[0][1].mask)
}

func TestSetL3CDPRequiresCDPEnabled(t *testing.T) {
	m, _ := newTestAllocManager()
	err := m.SetL3CDP(0, 1, allWaysMask(8), allWaysMask(8))
	require.ErrorIs(t, err, ErrCDPMismatch)
}

func TestSetMBAClampsToStep(t *testing.T) {
	m, be := newTestAllocManager()
	actual, err := m.SetMBA(0, 1, 55, false)
	require.NoError(t, err)
	require.Equal(t, uint32(50), actual)
	require.Equal(t, uint32(50), be.mba[[2]int{0, 1}])
}

func TestSetL3AllWritesEveryDomain(t *testing.T) {
	m, be := newTestAllocManager()
	written, err := m.SetL3All(2, 0b00000011)
	require.NoError(t, err)
	require.Equal(t, 2, written)
	require.Equal(t, uint64(0b00000011), be.l3Mask[[2]int{0, 2}])
	require.Equal(t, uint64(0b00000011), be.l3Mask[[2]int{1, 2}])
}

func TestAssociateCoreUpdatesBackendAndManager(t *testing.T) {
	m, be := newTestAllocManager()
	require.NoError(t, m.AssociateCore(0, 2))
	require.Equal(t, 2, be.coreClass[0])
	require.Equal(t, 2, m.coreClass[0])
}

func TestAssignPicksHighestFreeDefaultClass(t *testing.T) {
	m, _ := newTestAllocManager()
	classID, err := m.Assign([]Technology{L3}, Entities{Cores: []int{0}})
	require.NoError(t, err)
	require.Equal(t, 3, classID)
	require.Equal(t, 3, m.coreClass[0])
}

func TestAssignSkipsInUseAndNonDefaultClasses(t *testing.T) {
	m, _ := newTestAllocManager()
	require.NoError(t, m.SetL3(0, 3, 0b00000001))
	_, err := m.Assign([]Technology{L3}, Entities{Cores: []int{1}})
	require.NoError(t, err)
	require.Equal(t, 2, m.coreClass[1])
}

func TestAssignRejectsCoresSpanningDomains(t *testing.T) {
	m, _ := newTestAllocManager()
	_, err := m.Assign([]Technology{L3}, Entities{Cores: []int{0, 2}})
	require.Error(t, err)
}

func TestAssignExhaustionReturnsErrNoFreeClass(t *testing.T) {
	m, _ := newTestAllocManager()
	for i := 0; i < m.caps.L3CA.NumClasses; i++ {
		require.NoError(t, m.SetL3(0, i, 0b00000001))
	}
	_, err := m.Assign([]Technology{L3}, Entities{Cores: []int{0}})
	require.ErrorIs(t, err, ErrNoFreeClass)
}

func TestReleaseReassignsToClassZero(t *testing.T) {
	m, be := newTestAllocManager()
	_, err := m.Assign([]Technology{L3}, Entities{Cores: []int{0}})
	require.NoError(t, err)
	require.NoError(t, m.Release(Entities{Cores: []int{0}}))
	require.Equal(t, 0, be.coreClass[0])
	require.Equal(t, 0, m.coreClass[0])
}

func TestResetRestoresDefaultsAndRebindsCoresToClassZero(t *testing.T) {
	m, be := newTestAllocManager()
	require.NoError(t, m.SetL3(0, 1, 0b00000001))
	require.NoError(t, m.AssociateCore(0, 1))

	require.NoError(t, m.Reset(nil))

	require.Equal(t, allWaysMask(8), m.l3Defs[0][1].mask)
	require.Equal(t, 0, be.coreClass[0])
	require.Equal(t, 0, m.coreClass[0])
}

func TestResetInvokesReconfigureBetweenStepsOneAndThree(t *testing.T) {
	m, _ := newTestAllocManager()
	called := false
	err := m.Reset(func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}
