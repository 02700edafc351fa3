//
// Copyright 2024 Intel Corporation.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//

// Package mmio implements the memory-mapped I/O-RDT back-end of
// spec.md §4.C/§6: it parses the firmware-described "ERDT" ACPI table,
// mmaps each register block it names, and exposes device-channel
// association writes. Register/filesystem back-ends never satisfy
// device-channel operations; this one does, additively, per
// backend.Registry.MmioExtra.
package mmio

import (
	"encoding/binary"
	"fmt"
)

// ERDT table path. The firmwaretables directory is the kernel's
// generic ACPI table dump, one file per signature.
const ERDTPath = "/sys/firmware/acpi/tables/ERDT"

const erdtHeaderSize = 4 + 24 // max_clos + reserved

// Sub-structure type codes. The set is closed (0..10); anything outside
// it, or a recognised type this package has no use for, is skipped by
// length rather than rejected, per spec.md's "tolerate unknown types"
// requirement.
const (
	typeRegisterBlock = 0
	typeDeviceScope   = 1
)

// RegisterBlock describes one mmap-able per-domain register region.
type RegisterBlock struct {
	DomainID          int
	RegisterBaseAddr  uint64
	NumClasses        int
}

// DeviceScope associates a PCI device/virtual-channel pair with the
// domain whose register block should carry its class-of-service.
type DeviceScope struct {
	DomainID int
	Segment  uint16
	BDF      uint16 // packed bus:device:function
	VC       uint8
}

// Table is the parsed contents of one ERDT blob.
type Table struct {
	MaxCLOS        int
	RegisterBlocks []RegisterBlock
	DeviceScopes   []DeviceScope
}

// ErrTruncated is returned when a sub-structure's declared length runs
// past the end of the buffer.
type ErrTruncated struct {
	Offset int
	Length int
	Avail  int
}

func (e *ErrTruncated) Error() string {
	return fmt.Sprintf("mmio: sub-structure at offset %d declares length %d but only %d bytes remain",
		e.Offset, e.Length, e.Avail)
}

// ErrMisaligned is returned when a register block's base address is
// not page-aligned, per spec.md's "verify register_base_address is
// page-aligned" requirement.
type ErrMisaligned struct {
	Addr uint64
}

func (e *ErrMisaligned) Error() string {
	return fmt.Sprintf("mmio: register_base_address 0x%x is not page-aligned", e.Addr)
}

const pageSize = 0x1000

// ParseERDT decodes the ERDT table blob.
func ParseERDT(data []byte) (Table, error) {
	if len(data) < erdtHeaderSize {
		return Table{}, &ErrTruncated{Offset: 0, Length: erdtHeaderSize, Avail: len(data)}
	}

	t := Table{
		MaxCLOS: int(binary.LittleEndian.Uint32(data[0:4])),
	}

	off := erdtHeaderSize
	for off < len(data) {
		if off+4 > len(data) {
			return Table{}, &ErrTruncated{Offset: off, Length: 4, Avail: len(data) - off}
		}
		subType := binary.LittleEndian.Uint16(data[off : off+2])
		length := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))

		if length < 4 || off+length > len(data) {
			return Table{}, &ErrTruncated{Offset: off, Length: length, Avail: len(data) - off}
		}
		payload := data[off+4 : off+length]

		switch subType {
		case typeRegisterBlock:
			rb, err := parseRegisterBlock(payload)
			if err != nil {
				return Table{}, err
			}
			t.RegisterBlocks = append(t.RegisterBlocks, rb)
		case typeDeviceScope:
			ds, err := parseDeviceScope(payload)
			if err != nil {
				return Table{}, err
			}
			t.DeviceScopes = append(t.DeviceScopes, ds)
		default:
			// unknown/unused type: tolerated, skipped by length
		}

		off += length
	}

	return t, nil
}

func parseRegisterBlock(p []byte) (RegisterBlock, error) {
	if len(p) < 16 {
		return RegisterBlock{}, fmt.Errorf("mmio: register block sub-structure too short (%d bytes)", len(p))
	}
	domainID := int(binary.LittleEndian.Uint32(p[0:4]))
	addr := binary.LittleEndian.Uint64(p[4:12])
	numClasses := int(binary.LittleEndian.Uint32(p[12:16]))

	if addr%pageSize != 0 {
		return RegisterBlock{}, &ErrMisaligned{Addr: addr}
	}

	return RegisterBlock{DomainID: domainID, RegisterBaseAddr: addr, NumClasses: numClasses}, nil
}

func parseDeviceScope(p []byte) (DeviceScope, error) {
	if len(p) < 8 {
		return DeviceScope{}, fmt.Errorf("mmio: device scope sub-structure too short (%d bytes)", len(p))
	}
	domainID := int(binary.LittleEndian.Uint32(p[0:4]))
	seg := binary.LittleEndian.Uint16(p[4:6])
	bdf := binary.LittleEndian.Uint16(p[6:8])
	var vc uint8
	if len(p) >= 9 {
		vc = p[8]
	}
	return DeviceScope{DomainID: domainID, Segment: seg, BDF: bdf, VC: vc}, nil
}
