package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of the common description table header.
const HeaderSize = 36

// Header is the common header shared by every system description table.
type Header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// ParseHeader reads a table header from physical memory bytes. Checksum
// validation needs the whole table and is left to Checksum.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrBadRSDP, len(b))
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if h.Length < HeaderSize {
		return nil, fmt.Errorf("%w: table length %d", ErrBadRSDP, h.Length)
	}

	return h, nil
}

// Checksum sums a whole table modulo 256. Valid tables sum to zero.
func Checksum(b []byte) byte {
	return checksum(b)
}

// XSDT is the extended system description table: a header followed by
// 64-bit physical pointers to every other table.
type XSDT struct {
	Header
	Entries []uint64
}

// NewXSDT returns an XSDT addressing the given tables.
func NewXSDT(oemID string, entries ...uint64) *XSDT {
	x := &XSDT{Entries: entries}
	copy(x.Signature[:], "XSDT")
	copy(x.OEMID[:], oemID)
	copy(x.OEMTableID[:], "GOSTAGE ")
	copy(x.CreatorID[:], "GOST")
	x.Revision = 1

	return x
}

// Bytes serializes the table with Length and Checksum set.
func (x *XSDT) Bytes() ([]byte, error) {
	x.Length = uint32(HeaderSize + 8*len(x.Entries))
	x.Checksum = 0

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, x.Header); err != nil {
		return nil, err
	}

	for _, e := range x.Entries {
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return nil, err
		}
	}

	b := buf.Bytes()
	b[9] = -checksum(b)
	x.Checksum = b[9]

	return b, nil
}
