package mmio

import (
	"fmt"
	"os"
	"reflect"
	"syscall"
	"unsafe"
)

// region is a single mmap'd register block, mapped read-write over
// /dev/mem at the block's physical base address. The raw
// syscall.Syscall6(SYS_MMAP...)/reflect.SliceHeader technique mirrors
// gravwell's ipexist package, which maps arbitrary file regions the
// same way; here the "file" is always /dev/mem and the offset is the
// physical address ACPI handed us.
type region struct {
	mp   []byte
	base uintptr
	sz   uintptr
}

func mapRegisterBlock(devMem *os.File, physAddr uint64, sz uintptr) (*region, error) {
	const (
		protRW    = 0x1 | 0x2
		mapShared = 0x1
	)

	addr, _, errno := syscall.Syscall6(
		syscall.SYS_MMAP, 0, sz, protRW, mapShared, devMem.Fd(), uintptr(physAddr))
	if errno != 0 {
		return nil, fmt.Errorf("mmio: mmap /dev/mem at 0x%x: %w", physAddr, errno)
	}

	r := &region{base: addr, sz: sz}
	dh := (*reflect.SliceHeader)(unsafe.Pointer(&r.mp))
	dh.Data = r.base
	dh.Len = int(sz)
	dh.Cap = int(sz)

	return r, nil
}

func (r *region) unmap() error {
	if r.base == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, r.base, r.sz, 0)
	r.base = 0
	r.mp = nil
	if errno != 0 {
		return fmt.Errorf("mmio: munmap: %w", errno)
	}
	return nil
}

// readUint32/writeUint32 access the little-endian register at byte
// offset off within the mapped block.
func (r *region) readUint32(off uintptr) uint32 {
	p := (*uint32)(unsafe.Pointer(&r.mp[off]))
	return *p
}

func (r *region) writeUint32(off uintptr, v uint32) {
	p := (*uint32)(unsafe.Pointer(&r.mp[off]))
	*p = v
}
