// Package firmware defines the boot-services surface the stage loader runs
// against. A backend owns the physical address space, the boot volume and the
// console until ExitBootServices; after that only raw memory and the
// transfer/halt primitives remain usable.
package firmware

import (
	"errors"
	"io"
)

// PageSize is the allocation granularity of the firmware page allocator.
const PageSize = 0x1000

var (
	// ErrNotFound is returned when a file, table or protocol the loader
	// asked for does not exist on this machine.
	ErrNotFound = errors.New("not found")

	// ErrOutOfMemory is returned when the page allocator cannot satisfy a
	// request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrServicesExited is returned by every boot service once
	// ExitBootServices has succeeded.
	ErrServicesExited = errors.New("boot services exited")
)

// PhysMemory is byte-addressed access to the machine's physical address
// space. Offsets are physical addresses.
type PhysMemory interface {
	io.ReaderAt
	io.WriterAt
}

// ConfigEntry is one entry of the firmware configuration table: a vendor
// identifier and the physical address of the table it announces.
//
// https://uefi.org/specs/UEFI/2.10/04_EFI_System_Table.html#efi-configuration-table
type ConfigEntry struct {
	GUID GUID
	Addr uint64
}

// Services is the boot-time contract between the loader and the firmware.
type Services interface {
	// Memory gives raw access to physical memory. It stays valid after
	// ExitBootServices.
	Memory() PhysMemory

	// MemoryMap returns a snapshot of the current physical memory map.
	MemoryMap() ([]MemoryDescriptor, error)

	// AllocatePages reserves count contiguous pages of boot-services data
	// and returns their physical base address.
	AllocatePages(count int) (uint64, error)

	// ReadFile loads a file from the boot volume. Paths use backslash
	// separators and compare case-insensitively.
	ReadFile(path string) ([]byte, error)

	// ConfigTable returns the firmware configuration table, or nil once
	// boot services have exited.
	ConfigTable() []ConfigEntry

	// GraphicsModeInfo describes the active graphics output mode, or
	// ErrNotFound if the machine has no graphics output.
	GraphicsModeInfo() (GraphicsMode, error)

	// ConsoleOut is the boot console. It must not be written to after
	// ExitBootServices.
	ConsoleOut() io.Writer

	// ExitBootServices tears down the boot-services environment. After it
	// returns nil, every boot service above reports ErrServicesExited.
	ExitBootServices() error

	// EnterKernel transfers control to the loaded kernel with the physical
	// address of the handoff info block as its argument. On hardware it
	// does not return.
	EnterKernel(entry, info uint64) error

	// Halt parks the machine. On hardware it never returns.
	Halt()
}
