package elfload

import (
	"debug/elf"
	"fmt"
	"log"

	"gostage/firmware"
	"gostage/region"
)

// Loader carries the state of one kernel load: the chosen base address, the
// physical memory to place the image in, and the catalog of ranges claimed
// for its segments.
type Loader struct {
	Base    uint64
	Mem     firmware.PhysMemory
	Claimed *region.List
	Log     *log.Logger
}

// placement is one loadable segment resolved to its physical range.
type placement struct {
	prog  *elf.Prog
	start uint64
	end   uint64
}

// maxPhysAddr bounds segment placement: x86-64 physical addresses are at
// most 52 bits wide.
const maxPhysAddr = 1 << 52

// Load places every loadable segment of img and applies base relocations.
// Claimed gains one reserved range per segment. If the image cannot be
// loaded at all, Load fails before the first byte is copied; a copy or
// relocation failure leaves memory partially written.
func (l *Loader) Load(img *Image) error {
	for _, p := range img.file.Progs {
		if p.Type == elf.PT_TLS {
			return fmt.Errorf("%w: image carries a PT_TLS segment", ErrTLSUnsupported)
		}
	}

	places, err := l.placements(img)
	if err != nil {
		return err
	}

	for _, pl := range places {
		l.logf("segment %v at [%#x, %#x), %#x bytes from file",
			pl.prog.Flags, pl.start, pl.end, pl.prog.Filesz)
		l.Claimed.Reserve(pl.start, pl.end)
	}

	for _, pl := range places {
		if err := l.copySegment(pl); err != nil {
			return err
		}
	}

	return l.relocate(img)
}

// placements validates the program headers and resolves each loadable
// segment to its physical range.
func (l *Loader) placements(img *Image) ([]placement, error) {
	var places []placement

	for _, p := range img.file.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("%w: segment file size %#x exceeds memory size %#x",
				ErrBadImage, p.Filesz, p.Memsz)
		}

		if p.Off > uint64(img.Size()) || p.Filesz > uint64(img.Size())-p.Off {
			return nil, fmt.Errorf("%w: segment at file offset %#x extends past end of file",
				ErrBadImage, p.Off)
		}

		start := l.Base + p.Vaddr
		end := start + p.Memsz
		if start < l.Base || end < start || end > maxPhysAddr {
			return nil, fmt.Errorf("%w: segment [%#x, %#x) outside the physical address space",
				ErrBadImage, start, end)
		}

		places = append(places, placement{prog: p, start: start, end: end})
	}

	if len(places) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrBadImage)
	}

	return places, nil
}

// copySegment clears the whole destination range, then lays the file bytes
// over the prefix.
func (l *Loader) copySegment(pl placement) error {
	if err := l.zeroRange(pl.start, pl.end); err != nil {
		return err
	}

	if pl.prog.Filesz == 0 {
		return nil
	}

	buf := make([]byte, pl.prog.Filesz)
	if _, err := pl.prog.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: truncated segment at file offset %#x: %v",
			ErrBadImage, pl.prog.Off, err)
	}

	if _, err := l.Mem.WriteAt(buf, int64(pl.start)); err != nil {
		return fmt.Errorf("copy segment to [%#x, %#x): %w", pl.start, pl.end, err)
	}

	return nil
}

// zeroRange clears [start, end) through a fixed-size scratch buffer; the
// allocation never scales with the range.
func (l *Loader) zeroRange(start, end uint64) error {
	buf := make([]byte, 64<<10)

	for off := start; off < end; {
		n := uint64(len(buf))
		if end-off < n {
			n = end - off
		}

		if _, err := l.Mem.WriteAt(buf[:n], int64(off)); err != nil {
			return fmt.Errorf("zero segment at [%#x, %#x): %w", off, end, err)
		}

		off += n
	}

	return nil
}

func (l *Loader) logf(format string, v ...any) {
	if l.Log != nil {
		l.Log.Printf(format, v...)
	}
}
