package handoff

import (
	"fmt"

	"gostage/firmware"
	"gostage/region"
)

// Arena is kernel-lifetime memory: firmware pages that are deliberately
// never released. The kernel keeps reading them long after the loader and
// the allocator that produced them are gone, so nothing here has a free
// operation.
type Arena struct {
	mem  firmware.PhysMemory
	base uint64
	size uint64
	used uint64
}

// NewArena allocates enough firmware pages to hold size bytes.
func NewArena(svc firmware.Services, size uint64) (*Arena, error) {
	pages := region.Pages(size)
	if pages == 0 {
		pages = 1
	}

	base, err := svc.AllocatePages(int(pages))
	if err != nil {
		return nil, fmt.Errorf("allocate %d pages for handoff arena: %w", pages, err)
	}

	return &Arena{mem: svc.Memory(), base: base, size: pages * firmware.PageSize}, nil
}

// Base returns the physical address of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Span returns the physical range the arena occupies.
func (a *Arena) Span() (start, end uint64) {
	return a.base, a.base + a.size
}

// Place writes the info block into the arena and returns its physical
// address, the value handed to the kernel entry point.
func (a *Arena) Place(info *Info) (uint64, error) {
	addr := region.Align(a.base+a.used, uint64(8))

	b, err := info.Bytes(addr)
	if err != nil {
		return 0, err
	}

	if addr+uint64(len(b)) > a.base+a.size {
		return 0, fmt.Errorf("info block of %d bytes at %#x overflows arena [%#x, %#x): %w",
			len(b), addr, a.base, a.base+a.size, firmware.ErrOutOfMemory)
	}

	if _, err := a.mem.WriteAt(b, int64(addr)); err != nil {
		return 0, fmt.Errorf("write info block at %#x: %w", addr, err)
	}

	a.used = addr + uint64(len(b)) - a.base

	return addr, nil
}
