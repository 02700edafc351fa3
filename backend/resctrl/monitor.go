package resctrl

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/intel/intel-cmt-cat-sub003/backend"
	"github.com/intel/intel-cmt-cat-sub003/catalog"
)

// eventFile maps a catalog event type to the file resctrl's mon_data
// subtree exposes for it.
func eventFile(eventType string) (string, error) {
	switch eventType {
	case catalog.EventLLCOccupancy:
		return "llc_occupancy", nil
	case catalog.EventMBMTotal:
		return "mbm_total_bytes", nil
	case catalog.EventMBMLocal:
		return "mbm_local_bytes", nil
	default:
		return "", fmt.Errorf("resctrl backend: event %q has no mon_data file", eventType)
	}
}

// BindCore moves lcore into the cpus list of the monitoring group named
// by rmid (an id this back-end assigns itself; it is not a raw hardware
// RMID the way backend/register's is, since resctrl hides that detail
// behind group directories).
func (b *Backend) BindCore(lcore int, rmid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addToCPUList(b.monGroupDir(rmid), lcore)
}

// ReadCounter reads the mon_data file for one event on one cluster of
// the group named by pc.RMID. A file holding the literal string
// "Unavailable" - the kernel's own spelling when a counter hasn't
// stabilised yet - is reported back as the Unavailable bit rather than
// a parse error, matching resctrl's real behaviour.
func (b *Backend) ReadCounter(ctx context.Context, pc backend.PollContext, eventType string) (backend.CounterSample, error) {
	fname, err := eventFile(eventType)
	if err != nil {
		return backend.CounterSample{}, err
	}

	path := filepath.Join(b.monGroupDir(pc.RMID), "mon_data",
		fmt.Sprintf("mon_L3_%02d", pc.ClusterID), fname)

	raw, err := afero.ReadFile(b.fs, path)
	if err != nil {
		return backend.CounterSample{}, fmt.Errorf("resctrl backend: read %s: %w", path, err)
	}

	text := strings.TrimSpace(string(raw))
	if text == "Unavailable" {
		return backend.CounterSample{Unavailable: true}, nil
	}

	val, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return backend.CounterSample{}, fmt.Errorf("resctrl backend: parse %s: %w", path, err)
	}

	return backend.CounterSample{Value: val}, nil
}

// EnablePerfCounters, DisablePerfCounters and ReadPerfCounters are not
// implemented by the filesystem back-end: resctrl's mon_data subtree
// carries no IPC or LLC-miss events, those being raw architectural
// performance-counter state. monitor.Manager routes perf-counter work
// to a dedicated register.Backend regardless of which interface is
// active for CAT/CMT/MBM, per DESIGN.md's resolution of that open
// question.
func (b *Backend) EnablePerfCounters(cores []int, reclaim bool) (bool, error) {
	return false, backend.ErrUnsupported
}

func (b *Backend) DisablePerfCounters(cores []int) error { return backend.ErrUnsupported }

func (b *Backend) ReadPerfCounters(cores []int) (uint64, uint64, uint64, uint64, error) {
	return 0, 0, 0, 0, backend.ErrUnsupported
}

// StartTask allocates a fresh monitoring-group directory and binds pid
// to it via its tasks file. eventMask is accepted for interface
// symmetry with the other back-ends; resctrl turns on every mon_data
// event a cluster supports unconditionally, so there is nothing to
// select here.
func (b *Backend) StartTask(pid int, eventMask uint32) (interface{}, error) {
	b.mu.Lock()
	b.nextGroupID++
	id := b.nextGroupID
	b.mu.Unlock()

	dir := b.monGroupDir(id)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("resctrl backend: mkdir %s: %w", dir, err)
	}

	path := filepath.Join(dir, "tasks")
	f, err := b.fs.OpenFile(path, fileAppendFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("resctrl backend: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(strconv.Itoa(pid) + "\n")); err != nil {
		return nil, fmt.Errorf("resctrl backend: write %s: %w", path, err)
	}

	return id, nil
}

// StopTask removes the monitoring-group directory; the kernel moves its
// task back to the parent's default group as a side effect of the
// rmdir, same as removing any resctrl mon_groups entry.
func (b *Backend) StopTask(taskCtx interface{}) error {
	id, ok := taskCtx.(int)
	if !ok {
		return fmt.Errorf("resctrl backend: invalid task context %v", taskCtx)
	}
	return b.fs.RemoveAll(b.monGroupDir(id))
}

// StartChannel/StopChannel are mmio-only.
func (b *Backend) StartChannel(channel int, rmid int) error { return backend.ErrUnsupported }
func (b *Backend) StopChannel(channel int) error             { return backend.ErrUnsupported }
