package region

import (
	"golang.org/x/exp/constraints"

	"gostage/firmware"
)

// Align rounds v up to the next multiple of align, which must be a power of
// two.
func Align[I constraints.Integer](v, align I) I {
	return (v + align - 1) &^ (align - 1)
}

// Pages returns the number of whole firmware pages needed to hold n bytes.
func Pages(n uint64) uint64 {
	return Align(n, uint64(firmware.PageSize)) / firmware.PageSize
}
