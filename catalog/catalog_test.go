package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intel/intel-cmt-cat-sub003/topology"
)

type fakeProber struct {
	mon             *MonitorCap
	l3, l2          *CATCap
	mba, smba       *MBACap
	cdpStates       map[int]map[int]bool // level -> socket -> enabled
	reconfigureErr  error
	reconfigureCall DiscoverConfig
	reconfigured    bool
}

func (f *fakeProber) ProbeMonitor(topo *topology.Info) (*MonitorCap, error) { return f.mon, nil }

func (f *fakeProber) ProbeCAT(topo *topology.Info, level int) (*CATCap, error) {
	if level == 3 {
		return f.l3, nil
	}
	return f.l2, nil
}

func (f *fakeProber) ProbeMBA(topo *topology.Info, slow bool) (*MBACap, error) {
	if slow {
		return f.smba, nil
	}
	return f.mba, nil
}

func (f *fakeProber) CDPEnabledPerSocket(topo *topology.Info, level int) (map[int]bool, error) {
	return f.cdpStates[level], nil
}

func (f *fakeProber) Reconfigure(topo *topology.Info, req DiscoverConfig) error {
	f.reconfigured = true
	f.reconfigureCall = req
	return f.reconfigureErr
}

func toyTopology() *topology.Info {
	return &topology.Info{
		Cores: []topology.LCore{
			{LCore: 0, Socket: 0, L3ID: 0, L3CatID: 0, MbaID: 0},
			{LCore: 1, Socket: 0, L3ID: 0, L3CatID: 0, MbaID: 0},
			{LCore: 2, Socket: 1, L3ID: 1, L3CatID: 1, MbaID: 1},
			{LCore: 3, Socket: 1, L3ID: 1, L3CatID: 1, MbaID: 1},
		},
		MaxLCore: 3,
	}
}

func TestDiscoverNoCapability(t *testing.T) {
	_, err := Discover(toyTopology(), DiscoverConfig{}, &fakeProber{})
	assert.ErrorIs(t, err, ErrNoCapability)
}

func TestDiscoverInconsistentCDP(t *testing.T) {
	p := &fakeProber{
		l3: &CATCap{NumClasses: 4, NumWays: 16, CDPSupported: true},
		cdpStates: map[int]map[int]bool{
			3: {0: true, 1: false},
		},
	}
	_, err := Discover(toyTopology(), DiscoverConfig{}, p)
	assert.ErrorIs(t, err, ErrInconsistentPlatform)
}

func TestDiscoverEnableCDPAtInit(t *testing.T) {
	p := &fakeProber{
		l3: &CATCap{NumClasses: 4, NumWays: 16, CDPSupported: true, CDPEnabled: false},
		cdpStates: map[int]map[int]bool{
			3: {0: false, 1: false},
		},
	}

	caps, err := Discover(toyTopology(), DiscoverConfig{L3CDP: On}, p)
	require.NoError(t, err)

	assert.True(t, p.reconfigured)
	assert.True(t, caps.L3CA.CDPEnabled)
	assert.Equal(t, 2, caps.L3CA.NumClasses) // halved: 4 hw slots -> 2 visible classes
}

func TestDiscoverNoReconfigureWhenAlreadyMatching(t *testing.T) {
	p := &fakeProber{
		mba: &MBACap{NumClasses: 4, ThrottleMax: 100, ThrottleStep: 10, CtrlEnabled: false},
	}
	_, err := Discover(toyTopology(), DiscoverConfig{MBAController: Off}, p)
	require.NoError(t, err)
	assert.False(t, p.reconfigured)
}

func TestEventMaxRMID(t *testing.T) {
	m := &MonitorCap{
		MaxRMID: 16,
		Events: []Event{
			{Type: EventLLCOccupancy, MaxRMIDForEvent: 16},
			{Type: EventMBMLocal, MaxRMIDForEvent: 8},
		},
	}

	v, err := m.EventMaxRMID([]string{EventLLCOccupancy, EventMBMLocal})
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	_, err = m.EventMaxRMID([]string{"nonexistent"})
	assert.Error(t, err)
}
