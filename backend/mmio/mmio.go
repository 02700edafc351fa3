package mmio

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/intel/intel-cmt-cat-sub003/backend"
)

const maxChannelsPerBlock = 512
const classTableOffset = 0
const rmidTableOffset = maxChannelsPerBlock * 4
const blockMapSize = rmidTableOffset + maxChannelsPerBlock*4 // = 4096, one page

type regAccessor interface {
	readUint32(off uintptr) uint32
	writeUint32(off uintptr, v uint32)
}

// Backend implements the device-channel subset of backend.MonitorBackend
// and backend.AllocBackend; every other method returns
// backend.ErrUnsupported, since core/task monitoring and CAT/MBA class
// definitions are the register or filesystem back-end's job. pqos runs
// it beside whichever of those two is active, with monitor and alloc
// managers of its own built over this back-end.
type Backend struct {
	mu     sync.Mutex
	table  Table
	blocks map[int]regAccessor // domain id -> mapped register block
	devMem *os.File
}

// New reads and parses the ERDT table via fs (so tests can inject an
// afero.MemMapFs), then mmaps every register block it describes over
// /dev/mem.
func New(fs afero.Fs) (*Backend, error) {
	raw, err := afero.ReadFile(fs, ERDTPath)
	if err != nil {
		return nil, errors.Wrap(err, "mmio backend: reading ERDT table")
	}

	table, err := ParseERDT(raw)
	if err != nil {
		return nil, errors.Wrap(err, "mmio backend: parsing ERDT table")
	}

	devMem, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mmio backend: open /dev/mem")
	}

	blocks := make(map[int]regAccessor, len(table.RegisterBlocks))
	for _, rb := range table.RegisterBlocks {
		r, err := mapRegisterBlock(devMem, rb.RegisterBaseAddr, blockMapSize)
		if err != nil {
			devMem.Close()
			return nil, errors.Wrapf(err, "mmio backend: domain %d", rb.DomainID)
		}
		blocks[rb.DomainID] = r
	}

	logrus.WithField("domains", len(blocks)).Info("mmio backend: ERDT register blocks mapped")

	return &Backend{table: table, blocks: blocks, devMem: devMem}, nil
}

// newWithAccessors builds a Backend against injected accessors, letting
// tests exercise the channel/device logic without mmap or /dev/mem.
func newWithAccessors(table Table, blocks map[int]regAccessor) *Backend {
	return &Backend{table: table, blocks: blocks}
}

// Close unmaps every register block and releases /dev/mem.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, blk := range b.blocks {
		if r, ok := blk.(*region); ok {
			r.unmap()
		}
	}
	if b.devMem != nil {
		return b.devMem.Close()
	}
	return nil
}

func (b *Backend) channelDomain(channel int) (int, error) {
	if channel < 0 || channel >= len(b.table.DeviceScopes) {
		return 0, fmt.Errorf("mmio backend: channel %d out of range", channel)
	}
	return b.table.DeviceScopes[channel].DomainID, nil
}

func (b *Backend) blockFor(domain int) (regAccessor, error) {
	blk, ok := b.blocks[domain]
	if !ok {
		return nil, fmt.Errorf("mmio backend: no register block mapped for domain %d", domain)
	}
	return blk, nil
}

// ---- backend.MonitorBackend: channel-based monitoring only ----

func (b *Backend) BindCore(lcore int, rmid int) error { return backend.ErrUnsupported }

func (b *Backend) ReadCounter(ctx context.Context, pc backend.PollContext, eventType string) (backend.CounterSample, error) {
	return backend.CounterSample{}, backend.ErrUnsupported
}

func (b *Backend) EnablePerfCounters(cores []int, reclaim bool) (bool, error) {
	return false, backend.ErrUnsupported
}
func (b *Backend) DisablePerfCounters(cores []int) error { return backend.ErrUnsupported }
func (b *Backend) ReadPerfCounters(cores []int) (uint64, uint64, uint64, uint64, error) {
	return 0, 0, 0, 0, backend.ErrUnsupported
}

func (b *Backend) StartTask(pid int, eventMask uint32) (interface{}, error) {
	return nil, backend.ErrUnsupported
}
func (b *Backend) StopTask(taskCtx interface{}) error { return backend.ErrUnsupported }

// StartChannel writes rmid into the channel's monitoring-ID register.
func (b *Backend) StartChannel(channel int, rmid int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	domain, err := b.channelDomain(channel)
	if err != nil {
		return err
	}
	blk, err := b.blockFor(domain)
	if err != nil {
		return err
	}
	blk.writeUint32(rmidTableOffset+uintptr(channel)*4, uint32(rmid))
	return nil
}

// StopChannel clears the channel's monitoring-ID register.
func (b *Backend) StopChannel(channel int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	domain, err := b.channelDomain(channel)
	if err != nil {
		return err
	}
	blk, err := b.blockFor(domain)
	if err != nil {
		return err
	}
	blk.writeUint32(rmidTableOffset+uintptr(channel)*4, 0)
	return nil
}

// ---- backend.AllocBackend: channel/device association only ----

func (b *Backend) WriteL3Mask(domain int, hwClassID int, mask uint64) error {
	return backend.ErrUnsupported
}
func (b *Backend) WriteL3CodeDataMask(domain int, hwClassID int, code, data uint64) error {
	return backend.ErrUnsupported
}
func (b *Backend) WriteL2Mask(domain int, hwClassID int, mask uint64) error {
	return backend.ErrUnsupported
}
func (b *Backend) WriteL2CodeDataMask(domain int, hwClassID int, code, data uint64) error {
	return backend.ErrUnsupported
}
func (b *Backend) WriteMBA(domain int, hwClassID int, value uint32, controller bool) (uint32, error) {
	return 0, backend.ErrUnsupported
}

func (b *Backend) AssociateCore(lcore int, hwClassID int) error { return backend.ErrUnsupported }
func (b *Backend) AssociateTask(pid int, hwClassID int) error   { return backend.ErrUnsupported }

// AssociateChannel writes hwClassID into the channel's class-of-service
// table entry.
func (b *Backend) AssociateChannel(channel int, hwClassID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	domain, err := b.channelDomain(channel)
	if err != nil {
		return err
	}
	blk, err := b.blockFor(domain)
	if err != nil {
		return err
	}
	blk.writeUint32(classTableOffset+uintptr(channel)*4, uint32(hwClassID))
	return nil
}

// AssociateDevice resolves dev (a "segment:bus:device.function" PCI
// address) plus virtual channel vc to the channel index ERDT's device
// scope table assigned it, then writes the class table entry the same
// way AssociateChannel does.
func (b *Backend) AssociateDevice(dev string, vc int, hwClassID int) error {
	seg, bdf, err := parseBDF(dev)
	if err != nil {
		return err
	}

	for i, ds := range b.table.DeviceScopes {
		if ds.Segment == seg && ds.BDF == bdf && int(ds.VC) == vc {
			return b.AssociateChannel(i, hwClassID)
		}
	}
	return fmt.Errorf("mmio backend: no channel found for device %s vc %d", dev, vc)
}

// Reset clears every channel's class and monitoring-ID register across
// every mapped domain, per spec.md's reset requirement to additionally
// clear channel association registers on the mmio back-end.
func (b *Backend) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, blk := range b.blocks {
		for ch := 0; ch < maxChannelsPerBlock; ch++ {
			blk.writeUint32(classTableOffset+uintptr(ch)*4, 0)
			blk.writeUint32(rmidTableOffset+uintptr(ch)*4, 0)
		}
	}
	return nil
}

// parseBDF parses "0000:3d:00.0"-style PCI addresses into a packed
// segment/bus-device-function pair.
func parseBDF(dev string) (seg uint16, bdf uint16, err error) {
	parts := strings.Split(dev, ":")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("mmio backend: malformed device address %q", dev)
	}
	s, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("mmio backend: bad segment in %q: %w", dev, err)
	}
	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("mmio backend: bad bus in %q: %w", dev, err)
	}
	devFunc := strings.SplitN(parts[2], ".", 2)
	if len(devFunc) != 2 {
		return 0, 0, fmt.Errorf("mmio backend: malformed device.function in %q", dev)
	}
	devNum, err := strconv.ParseUint(devFunc[0], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("mmio backend: bad device in %q: %w", dev, err)
	}
	fn, err := strconv.ParseUint(devFunc[1], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("mmio backend: bad function in %q: %w", dev, err)
	}

	return uint16(s), uint16(bus)<<8 | uint16(devNum)<<3 | uint16(fn&0x7), nil
}
