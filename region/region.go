// Package region catalogs physical memory: it classifies the firmware memory
// map into available and reserved ranges and tracks the ranges the loader
// claims for kernel segments.
package region

import (
	"fmt"

	"gostage/firmware"
)

// Kind classifies a region. The numeric values are part of the handoff ABI
// and must not be reordered.
type Kind uint32

const (
	Unknown Kind = iota
	Available
	Reserved
)

func (k Kind) String() string {
	switch k {
	case Unknown:
		return "unknown"
	case Available:
		return "available"
	case Reserved:
		return "reserved"
	}

	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Region is a half-open range [Start, End) of physical memory.
type Region struct {
	Kind  Kind
	Start uint64
	End   uint64
}

func (r Region) String() string {
	return fmt.Sprintf("%s [%#x, %#x)", r.Kind, r.Start, r.End)
}

// Size returns the number of bytes the region spans.
func (r Region) Size() uint64 {
	return r.End - r.Start
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

// Overlaps reports whether the region intersects [start, end).
func (r Region) Overlaps(start, end uint64) bool {
	return r.Start < end && start < r.End
}

// List is an ordered catalog of regions.
type List struct {
	regions []Region
}

// Add appends a region. Empty regions are dropped.
func (l *List) Add(r Region) {
	if r.Start >= r.End {
		return
	}

	l.regions = append(l.regions, r)
}

// Reserve appends [start, end) as a reserved region.
func (l *List) Reserve(start, end uint64) {
	l.Add(Region{Kind: Reserved, Start: start, End: end})
}

// Regions returns the catalog in insertion order.
func (l *List) Regions() []Region {
	return l.regions
}

// Len returns the number of regions in the catalog.
func (l *List) Len() int {
	return len(l.regions)
}

// ClassifyMemoryMap folds the firmware memory map into a region catalog.
// Conventional memory becomes available, every other descriptor type is
// reserved as far as the kernel is concerned.
func ClassifyMemoryMap(descs []firmware.MemoryDescriptor) *List {
	l := &List{regions: make([]Region, 0, len(descs))}

	for _, d := range descs {
		kind := Reserved
		if d.Type == firmware.ConventionalMemory {
			kind = Available
		}

		l.Add(Region{
			Kind:  kind,
			Start: d.PhysStart,
			End:   d.PhysStart + d.Bytes(),
		})
	}

	return l
}

// Subtract returns a copy of the catalog with every range of other cut out
// of the available regions. Reserved and unknown regions pass through
// unchanged, so the result never advertises memory from other as free.
func (l *List) Subtract(other *List) *List {
	out := &List{regions: make([]Region, 0, len(l.regions))}

	for _, r := range l.regions {
		if r.Kind != Available {
			out.Add(r)

			continue
		}

		pieces := []Region{r}
		for _, cut := range other.regions {
			pieces = subtract(pieces, cut.Start, cut.End)
		}

		for _, p := range pieces {
			out.Add(p)
		}
	}

	return out
}

// subtract removes [start, end) from every piece, splitting pieces that
// straddle the cut.
func subtract(pieces []Region, start, end uint64) []Region {
	out := make([]Region, 0, len(pieces))

	for _, p := range pieces {
		if !p.Overlaps(start, end) {
			out = append(out, p)

			continue
		}

		if p.Start < start {
			out = append(out, Region{Kind: p.Kind, Start: p.Start, End: start})
		}

		if end < p.End {
			out = append(out, Region{Kind: p.Kind, Start: end, End: p.End})
		}
	}

	return out
}
