package resctrl

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/intel/intel-cmt-cat-sub003/backend/resctrl/schemata"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
	"github.com/intel/intel-cmt-cat-sub003/topology"
)

func (b *Backend) infoDir(name string) string {
	return filepath.Join(b.root, "info", name)
}

func readUintFile(fs afero.Fs, path string, base int) (uint64, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), base, 64)
}

func dirExists(fs afero.Fs, path string) bool {
	ok, err := afero.DirExists(fs, path)
	return err == nil && ok
}

func fileExists(fs afero.Fs, path string) bool {
	ok, err := afero.Exists(fs, path)
	return err == nil && ok
}

// ProbeMonitor reads info/L3_MON/{num_rmids,mon_features}.
func (b *Backend) ProbeMonitor(topo *topology.Info) (*catalog.MonitorCap, error) {
	dir := b.infoDir("L3_MON")
	if !dirExists(b.fs, dir) {
		return nil, nil
	}

	maxRMID, err := readUintFile(b.fs, filepath.Join(dir, "num_rmids"), 10)
	if err != nil {
		return nil, err
	}

	raw, err := afero.ReadFile(b.fs, filepath.Join(dir, "mon_features"))
	if err != nil {
		return nil, err
	}

	var events []catalog.Event
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		switch line {
		case "llc_occupancy":
			events = append(events, catalog.Event{Type: catalog.EventLLCOccupancy, MaxRMIDForEvent: int(maxRMID), CounterBitWidth: 24})
		case "mbm_total_bytes":
			events = append(events, catalog.Event{Type: catalog.EventMBMTotal, MaxRMIDForEvent: int(maxRMID), CounterBitWidth: 24})
		case "mbm_local_bytes":
			events = append(events, catalog.Event{Type: catalog.EventMBMLocal, MaxRMIDForEvent: int(maxRMID), CounterBitWidth: 24})
		}
	}

	return &catalog.MonitorCap{MaxRMID: int(maxRMID), Events: events}, nil
}

// ProbeCAT reads info/L3 or info/L2. CDP support is exposed by the
// kernel as a pair of sibling info directories, <level>CODE and
// <level>DATA, that only appear once resctrl has been (re)mounted with
// the cdp/cdpl2 option; their presence in info/ is the CDPSupported
// signal this back-end uses, since resctrl carries no separate
// capability bit for it.
func (b *Backend) ProbeCAT(topo *topology.Info, level int) (*catalog.CATCap, error) {
	name := fmt.Sprintf("L%d", level)
	dir := b.infoDir(name)
	if !dirExists(b.fs, dir) {
		return nil, nil
	}

	numClosids, err := readUintFile(b.fs, filepath.Join(dir, "num_closids"), 10)
	if err != nil {
		return nil, err
	}
	cbmMask, err := readUintFile(b.fs, filepath.Join(dir, "cbm_mask"), 16)
	if err != nil {
		return nil, err
	}
	shareableBits, _ := readUintFile(b.fs, filepath.Join(dir, "shareable_bits"), 16)

	numWays := popcount64(cbmMask)
	waySize := 0
	if level == 3 {
		waySize = topo.L3Cache.WaySize
	} else {
		waySize = topo.L2Cache.WaySize
	}

	return &catalog.CATCap{
		NumClasses:    int(numClosids),
		NumWays:       numWays,
		WaySize:       waySize,
		WayContention: shareableBits,
		CDPSupported:  dirExists(b.fs, b.infoDir(name+"CODE")) && dirExists(b.fs, b.infoDir(name+"DATA")),
	}, nil
}

// ProbeMBA reads info/MB (or info/SMBA for the soft-controlled variant).
func (b *Backend) ProbeMBA(topo *topology.Info, slow bool) (*catalog.MBACap, error) {
	name := "MB"
	if slow {
		name = "SMBA"
	}
	dir := b.infoDir(name)
	if !dirExists(b.fs, dir) {
		return nil, nil
	}

	numClosids, err := readUintFile(b.fs, filepath.Join(dir, "num_closids"), 10)
	if err != nil {
		return nil, err
	}
	gran, err := readUintFile(b.fs, filepath.Join(dir, "bandwidth_gran"), 10)
	if err != nil {
		return nil, err
	}
	delayLinear, _ := readUintFile(b.fs, filepath.Join(dir, "delay_linear"), 10)

	return &catalog.MBACap{
		NumClasses:    int(numClosids),
		ThrottleMax:   100,
		ThrottleStep:  uint32(gran),
		IsLinear:      delayLinear != 0,
		CtrlSupported: fileExists(b.fs, filepath.Join(dir, "thread_throttle_mode")),
	}, nil
}

// CDPEnabledPerSocket reports the same value for every socket: CDP is a
// mount-wide resctrl setting, not a per-socket one, so this checks
// whether the default group's schemata file currently carries
// <level>CODE/<level>DATA lines (as opposed to a bare <level> line) and
// reports that uniformly.
func (b *Backend) CDPEnabledPerSocket(topo *topology.Info, level int) (map[int]bool, error) {
	label := schemataCodeLabel(level)

	tbl, err := b.readSchemata(filepath.Join(b.root, "schemata"))
	if err != nil {
		return nil, err
	}
	enabled := len(tbl.Masks[label]) > 0

	out := make(map[int]bool)
	for _, socket := range topo.Sockets() {
		out[socket] = enabled
	}
	return out, nil
}

// Reconfigure remounts resctrl with (or without) the cdp/cdpl2 mount
// option. The kernel only allows this while the default group is the
// only group in existence, same restriction callers of the real
// /sys/fs/resctrl filesystem run into.
func (b *Backend) Reconfigure(topo *topology.Info, req catalog.DiscoverConfig) error {
	var opts []string
	if req.L3CDP == catalog.On {
		opts = append(opts, "cdp")
	}
	if req.L2CDP == catalog.On {
		opts = append(opts, "cdpl2")
	}

	if err := unmountFn(b.root); err != nil {
		return err
	}
	if err := mountFn("resctrl", b.root, "resctrl", 0, strings.Join(opts, ",")); err != nil {
		return err
	}
	return nil
}

func popcount64(v uint64) int {
	n := 0
	for v != 0 {
		n += int(v & 1)
		v >>= 1
	}
	return n
}

func schemataCodeLabel(level int) schemata.Label {
	if level == 2 {
		return schemata.LabelL2CODE
	}
	return schemata.LabelL3CODE
}
