package resctrl

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/topology"
)

func newTestBackend(t *testing.T) (*Backend, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/sys/fs/resctrl/info", 0755))
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/schemata", []byte("L3:0=fff;1=fff\nMB:0=100;1=100\n"), 0644))

	b := &Backend{
		fs:   fs,
		root: "/sys/fs/resctrl",
		topo: &topology.Info{Cores: []topology.LCore{{LCore: 0, Socket: 0, L3ID: 0, L3CatID: 0, MbaID: 0}}},
	}
	return b, fs
}

func TestWriteL3MaskUpdatesSchemata(t *testing.T) {
	b, fs := newTestBackend(t)

	require.NoError(t, b.WriteL3Mask(0, 0, 0xff))

	raw, err := afero.ReadFile(fs, "/sys/fs/resctrl/schemata")
	require.NoError(t, err)
	tbl, err := b.readSchemata("/sys/fs/resctrl/schemata")
	require.NoError(t, err)
	require.Equal(t, uint64(0xff), tbl.Masks["L3"][0])
	require.Equal(t, uint64(0xfff), tbl.Masks["L3"][1]) // untouched domain preserved
	require.Contains(t, string(raw), "L3:")
}

func TestWriteL3CodeDataMaskCreatesNewLabels(t *testing.T) {
	b, _ := newTestBackend(t)

	path := b.classDir(1) + "/schemata"
	require.NoError(t, afero.WriteFile(b.fs, path, []byte(""), 0644))

	require.NoError(t, b.WriteL3CodeDataMask(0, 1, 0xf0, 0x0f))

	tbl, err := b.readSchemata(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0xf0), tbl.Masks["L3CODE"][0])
	require.Equal(t, uint64(0x0f), tbl.Masks["L3DATA"][0])
}

func TestAssociateCoreWritesCPUList(t *testing.T) {
	b, fs := newTestBackend(t)

	require.NoError(t, b.AssociateCore(3, 0))
	require.NoError(t, b.AssociateCore(5, 0))

	raw, err := afero.ReadFile(fs, "/sys/fs/resctrl/cpus_list")
	require.NoError(t, err)
	require.Equal(t, "3,5", string(raw))
}

func TestAssociateTaskAppendsToTasksFile(t *testing.T) {
	b, fs := newTestBackend(t)

	require.NoError(t, b.AssociateTask(100, 0))
	require.NoError(t, b.AssociateTask(200, 0))

	raw, err := afero.ReadFile(fs, "/sys/fs/resctrl/tasks")
	require.NoError(t, err)
	require.Equal(t, "100\n200\n", string(raw))
}

func TestBindCoreAndReadCounter(t *testing.T) {
	b, fs := newTestBackend(t)

	require.NoError(t, b.BindCore(2, 7))

	raw, err := afero.ReadFile(fs, "/sys/fs/resctrl/mon_groups/pqos_7/cpus_list")
	require.NoError(t, err)
	require.Equal(t, "2", string(raw))

	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/mon_groups/pqos_7/mon_data/mon_L3_00/llc_occupancy", []byte("1048576\n"), 0644))

	sample, err := b.ReadCounter(context.Background(), backend.PollContext{ClusterID: 0, RMID: 7}, catalog.EventLLCOccupancy)
	require.NoError(t, err)
	require.Equal(t, uint64(1048576), sample.Value)
	require.False(t, sample.Unavailable)
}

func TestReadCounterUnavailable(t *testing.T) {
	b, fs := newTestBackend(t)
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/mon_groups/pqos_1/mon_data/mon_L3_00/mbm_total_bytes", []byte("Unavailable\n"), 0644))

	sample, err := b.ReadCounter(context.Background(), backend.PollContext{ClusterID: 0, RMID: 1}, catalog.EventMBMTotal)
	require.NoError(t, err)
	require.True(t, sample.Unavailable)
}

func TestStartStopTask(t *testing.T) {
	b, fs := newTestBackend(t)

	ctx, err := b.StartTask(1234, 0)
	require.NoError(t, err)

	id := ctx.(int)
	raw, err := afero.ReadFile(fs, b.monGroupDir(id)+"/tasks")
	require.NoError(t, err)
	require.Equal(t, "1234\n", string(raw))

	require.NoError(t, b.StopTask(ctx))
	exists, err := afero.DirExists(fs, b.monGroupDir(id))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPerfCountersUnsupported(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.EnablePerfCounters([]int{0}, false)
	require.ErrorIs(t, err, backend.ErrUnsupported)
	require.ErrorIs(t, b.DisablePerfCounters([]int{0}), backend.ErrUnsupported)
	_, _, _, _, err = b.ReadPerfCounters([]int{0})
	require.ErrorIs(t, err, backend.ErrUnsupported)
}

func TestProbeMonitor(t *testing.T) {
	b, fs := newTestBackend(t)
	require.NoError(t, fs.MkdirAll("/sys/fs/resctrl/info/L3_MON", 0755))
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/info/L3_MON/num_rmids", []byte("256\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/info/L3_MON/mon_features", []byte("llc_occupancy\nmbm_total_bytes\nmbm_local_bytes\n"), 0644))

	mcap, err := b.ProbeMonitor(b.topo)
	require.NoError(t, err)
	require.NotNil(t, mcap)
	require.Equal(t, 256, mcap.MaxRMID)
	require.Len(t, mcap.Events, 3)
}

func TestProbeMonitorAbsent(t *testing.T) {
	b, _ := newTestBackend(t)
	mcap, err := b.ProbeMonitor(b.topo)
	require.NoError(t, err)
	require.Nil(t, mcap)
}

func TestProbeCATWithCDP(t *testing.T) {
	b, fs := newTestBackend(t)
	require.NoError(t, fs.MkdirAll("/sys/fs/resctrl/info/L3", 0755))
	require.NoError(t, fs.MkdirAll("/sys/fs/resctrl/info/L3CODE", 0755))
	require.NoError(t, fs.MkdirAll("/sys/fs/resctrl/info/L3DATA", 0755))
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/info/L3/num_closids", []byte("16\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/info/L3/cbm_mask", []byte("fff\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/info/L3/min_cbm_bits", []byte("2\n"), 0644))

	cat, err := b.ProbeCAT(b.topo, 3)
	require.NoError(t, err)
	require.NotNil(t, cat)
	require.Equal(t, 16, cat.NumClasses)
	require.Equal(t, 12, cat.NumWays)
	require.True(t, cat.CDPSupported)
}

func TestCDPEnabledPerSocketUniform(t *testing.T) {
	b, fs := newTestBackend(t)
	require.NoError(t, afero.WriteFile(fs, "/sys/fs/resctrl/schemata", []byte("L3CODE:0=f0\nL3DATA:0=0f\n"), 0644))

	states, err := b.CDPEnabledPerSocket(b.topo, 3)
	require.NoError(t, err)
	require.Equal(t, map[int]bool{0: true}, states)
}
