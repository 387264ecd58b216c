package firmware

// MemoryType classifies a memory map descriptor, using the UEFI numbering.
//
// https://uefi.org/specs/UEFI/2.10/07_Services_Boot_Services.html#memory-type-usage-before-exitbootservices
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

// MemoryDescriptor is one entry of the firmware memory map. PageCount is in
// units of PageSize.
type MemoryDescriptor struct {
	Type      MemoryType
	PhysStart uint64
	VirtStart uint64
	PageCount uint64
	Attribute uint64
}

// Bytes returns the number of bytes the descriptor spans.
func (d MemoryDescriptor) Bytes() uint64 {
	return d.PageCount * PageSize
}
