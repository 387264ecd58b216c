// Package acpi locates and validates the ACPI root pointer the firmware
// publishes, and builds the description tables the simulated machine
// serves.
package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"gostage/firmware"
)

// Signature opens every root pointer structure, trailing space included.
const Signature = "RSD PTR "

// RSDPSize is the size of a revision 2 root pointer structure.
const RSDPSize = 36

// ErrBadRSDP is returned for root pointer structures that fail signature or
// checksum validation.
var ErrBadRSDP = errors.New("invalid ACPI root pointer structure")

// RSDP is the root system description pointer. Revision 0 covers only the
// first 20 bytes; revision 2 adds the XSDT address and a checksum over the
// whole structure.
//
// https://uefi.org/specs/ACPI/6.5/05_ACPI_Software_Programming_Model.html#root-system-description-pointer-rsdp-structure
type RSDP struct {
	Signature        [8]byte
	Checksum         uint8
	OEMID            [6]byte
	Revision         uint8
	RSDTAddr         uint32
	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8
	_                [3]byte
}

// NewRSDP returns a revision 2 root pointer addressing xsdt.
func NewRSDP(oemID string, xsdt uint64) *RSDP {
	r := &RSDP{Revision: 2, Length: RSDPSize, XSDTAddr: xsdt}
	copy(r.Signature[:], Signature)
	copy(r.OEMID[:], oemID)

	return r
}

// Bytes serializes the structure with both checksum fields set.
func (r *RSDP) Bytes() ([]byte, error) {
	r.Checksum = 0
	r.ExtendedChecksum = 0

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	b := buf.Bytes()
	b[8] = -checksum(b[:20])
	r.Checksum = b[8]
	b[32] = -checksum(b[:RSDPSize])
	r.ExtendedChecksum = b[32]

	return b, nil
}

// ParseRSDP validates a root pointer structure read from physical memory.
// The buffer must cover all RSDPSize bytes even for revision 0 structures.
func ParseRSDP(b []byte) (*RSDP, error) {
	if len(b) < RSDPSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadRSDP, len(b))
	}

	r := &RSDP{}
	if err := binary.Read(bytes.NewReader(b[:RSDPSize]), binary.LittleEndian, r); err != nil {
		return nil, err
	}

	if string(r.Signature[:]) != Signature {
		return nil, fmt.Errorf("%w: signature %q", ErrBadRSDP, r.Signature)
	}

	if s := checksum(b[:20]); s != 0 {
		return nil, fmt.Errorf("%w: checksum residue %#x", ErrBadRSDP, s)
	}

	if r.Revision >= 2 {
		if s := checksum(b[:RSDPSize]); s != 0 {
			return nil, fmt.Errorf("%w: extended checksum residue %#x", ErrBadRSDP, s)
		}
	}

	return r, nil
}

// FindRSDP scans the configuration table for the ACPI root pointer. The
// ACPI 2.0 entry wins over the 1.0 one regardless of table order.
func FindRSDP(entries []firmware.ConfigEntry) (uint64, error) {
	for _, guid := range []firmware.GUID{firmware.ACPI20TableGUID, firmware.ACPITableGUID} {
		for _, e := range entries {
			if e.GUID == guid {
				return e.Addr, nil
			}
		}
	}

	return 0, fmt.Errorf("%w: ACPI root pointer", firmware.ErrNotFound)
}

// checksum sums b modulo 256. Valid tables sum to zero.
func checksum(b []byte) byte {
	var sum byte
	for _, x := range b {
		sum += x
	}

	return sum
}
