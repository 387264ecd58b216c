// Package handoff assembles the info block the kernel receives from the
// loader. The layout is part of the kernel ABI and is byte-stable,
// little-endian, independent of how this code is compiled.
//
// Info block:
//
//	0x00    regions.ptr          u64   physical address of the region array
//	0x08    regions.len          u64   number of entries
//	0x10    kernel_regions.ptr   u64
//	0x18    kernel_regions.len   u64
//	0x20    framebuffer          u64
//	0x28    width                u32
//	0x2c    height               u32
//	0x30    stride               u32   bytes per scan line
//	0x34    (pad)                u32
//
// Region array entry:
//
//	0x00    kind                 u32   0 unknown, 1 available, 2 reserved
//	0x04    (pad)                u32
//	0x08    start                u64
//	0x10    end                  u64
//
// Empty arrays are encoded as a null pointer with length zero.
package handoff

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"gostage/firmware"
	"gostage/graphics"
	"gostage/region"
)

const (
	headerSize = 0x38
	recordSize = 0x18

	// maxRegions bounds decoding, not encoding. A header announcing more
	// is corrupt.
	maxRegions = 4096
)

type infoHeader struct {
	RegionsPtr       uint64
	RegionsLen       uint64
	KernelRegionsPtr uint64
	KernelRegionsLen uint64
	Framebuffer      uint64
	Width            uint32
	Height           uint32
	Stride           uint32
	_                uint32
}

type regionRecord struct {
	Kind  uint32
	_     uint32
	Start uint64
	End   uint64
}

// Info is everything the kernel learns from the loader: the memory it may
// use, the memory the loader placed it in, and the framebuffer.
type Info struct {
	Regions       []region.Region
	KernelRegions []region.Region
	Graphics      graphics.Descriptor
}

// EncodedSize returns the number of bytes Bytes produces for i.
func EncodedSize(i *Info) int {
	return headerSize + recordSize*(len(i.Regions)+len(i.KernelRegions))
}

// Bytes serializes the info block and its region arrays as the kernel will
// read them once the block sits at physical address base.
func (i *Info) Bytes(base uint64) ([]byte, error) {
	hdr := infoHeader{
		Framebuffer: i.Graphics.FramebufferAddr,
		Width:       i.Graphics.Width,
		Height:      i.Graphics.Height,
		Stride:      i.Graphics.StrideBytes,
	}

	off := base + headerSize
	if n := len(i.Regions); n > 0 {
		hdr.RegionsPtr = off
		hdr.RegionsLen = uint64(n)
		off += uint64(n) * recordSize
	}

	if n := len(i.KernelRegions); n > 0 {
		hdr.KernelRegionsPtr = off
		hdr.KernelRegionsLen = uint64(n)
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}

	for _, rs := range [][]region.Region{i.Regions, i.KernelRegions} {
		for _, r := range rs {
			rec := regionRecord{Kind: uint32(r.Kind), Start: r.Start, End: r.End}
			if err := binary.Write(buf, binary.LittleEndian, rec); err != nil {
				return nil, err
			}
		}
	}

	return buf.Bytes(), nil
}

// Read decodes an info block back from physical memory: what a kernel on
// the far side of the transfer would observe at addr.
func Read(mem firmware.PhysMemory, addr uint64) (*Info, error) {
	b := make([]byte, headerSize)
	if _, err := mem.ReadAt(b, int64(addr)); err != nil {
		return nil, fmt.Errorf("read info header at %#x: %w", addr, err)
	}

	var hdr infoHeader
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	info := &Info{
		Graphics: graphics.Descriptor{
			FramebufferAddr: hdr.Framebuffer,
			Width:           hdr.Width,
			Height:          hdr.Height,
			StrideBytes:     hdr.Stride,
		},
	}

	var err error
	if info.Regions, err = readRegions(mem, hdr.RegionsPtr, hdr.RegionsLen); err != nil {
		return nil, err
	}

	if info.KernelRegions, err = readRegions(mem, hdr.KernelRegionsPtr, hdr.KernelRegionsLen); err != nil {
		return nil, err
	}

	return info, nil
}

func readRegions(mem firmware.PhysMemory, ptr, n uint64) ([]region.Region, error) {
	if n == 0 {
		return nil, nil
	}

	if n > maxRegions {
		return nil, fmt.Errorf("region array at %#x announces %d entries", ptr, n)
	}

	b := make([]byte, n*recordSize)
	if _, err := mem.ReadAt(b, int64(ptr)); err != nil {
		return nil, fmt.Errorf("read region array at %#x: %w", ptr, err)
	}

	rd := bytes.NewReader(b)
	out := make([]region.Region, 0, n)

	var rec regionRecord
	for rd.Len() > 0 {
		if err := binary.Read(rd, binary.LittleEndian, &rec); err != nil {
			return nil, err
		}

		out = append(out, region.Region{Kind: region.Kind(rec.Kind), Start: rec.Start, End: rec.End})
	}

	return out, nil
}
