// Package machine implements the firmware services against a simulated
// physical machine, so the loader can run and be tested without hardware.
//
// Physical memory layout (default mode, 64 MiB):
//
//	0x0000_0000 +----------------------+
//	            |  conventional        |
//	0x000a_0000 +----------------------+
//	            |  legacy hole         |
//	0x0010_0000 +----------------------+
//	            |  conventional        |
//	            |  (poisoned)          |
//	  pool base +----------------------+
//	            |  boot services data: |
//	            |  XSDT, RSDP, page    |
//	            |  allocator pool      |
//	    fb base +----------------------+
//	            |  framebuffer         |
//	0x0400_0000 +----------------------+
package machine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"gostage/acpi"
	"gostage/firmware"
)

const (
	legacyHoleStart = 0x000a0000
	legacyHoleEnd   = 0x00100000

	poolSize   = 0x00100000
	minMemSize = 16 << 20

	oemID      = "GOSTAG"
	rsdpOffset = 0x80
)

// Poison fills conventional memory above the legacy hole. It decodes as
//
//	0:  b8 be ba fe ca    mov    eax,0xcafebabe
//	5:  90                nop
//	6:  0f 0b             ud2
//
// so a jump into unclaimed memory shows up clearly in dumps and traces.
const Poison = "\xb8\xbe\xba\xfe\xca\x90\x0f\x0b"

// ErrServicesActive is returned when control transfer is attempted while
// boot services are still running.
var ErrServicesActive = errors.New("boot services still active")

// Machine is a simulated physical machine and its firmware state.
type Machine struct {
	mem    []byte
	descs  []firmware.MemoryDescriptor
	volume map[string][]byte
	config []firmware.ConfigEntry

	mode    firmware.GraphicsMode
	hasMode bool

	console io.Writer

	poolNext uint64
	poolEnd  uint64

	exited      bool
	lateConsole bool

	entered bool
	entry   uint64
	info    uint64
	halted  bool
}

// New maps a physical address space of memSize bytes and populates the
// firmware side of it: memory map, ACPI tables, graphics mode and allocator
// pool. memSize must be a multiple of the page size.
func New(memSize int) (*Machine, error) {
	if memSize < minMemSize {
		return nil, fmt.Errorf("memory size %#x below minimum %#x", memSize, minMemSize)
	}

	if memSize%firmware.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x not page aligned", memSize)
	}

	mem, err := unix.Mmap(-1, 0, memSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %#x bytes: %w", memSize, err)
	}

	m := &Machine{
		mem:     mem,
		volume:  map[string][]byte{},
		console: os.Stdout,
		mode: firmware.GraphicsMode{
			Width:             1024,
			Height:            768,
			PixelsPerScanLine: 1024,
			Format:            firmware.PixelBGRX8,
		},
		hasMode: true,
	}

	fbSize := uint64(m.mode.PixelsPerScanLine) * uint64(m.mode.Height) * 4
	fbBase := uint64(memSize) - fbSize
	poolBase := fbBase - poolSize

	m.mode.FrameBufferBase = fbBase
	m.mode.FrameBufferSize = fbSize

	for off := uint64(legacyHoleEnd); off+uint64(len(Poison)) <= poolBase; off += uint64(len(Poison)) {
		copy(m.mem[off:], Poison)
	}

	m.addDesc(firmware.ConventionalMemory, 0, legacyHoleStart)
	m.addDesc(firmware.ReservedMemoryType, legacyHoleStart, legacyHoleEnd)
	m.addDesc(firmware.ConventionalMemory, legacyHoleEnd, poolBase)
	m.addDesc(firmware.BootServicesData, poolBase, fbBase)
	m.addDesc(firmware.MemoryMappedIO, fbBase, uint64(memSize))

	if err := m.placeTables(poolBase); err != nil {
		return nil, err
	}

	m.poolNext = poolBase + firmware.PageSize
	m.poolEnd = fbBase

	return m, nil
}

// Close releases the simulated address space.
func (m *Machine) Close() error {
	return unix.Munmap(m.mem)
}

func (m *Machine) addDesc(t firmware.MemoryType, start, end uint64) {
	m.descs = append(m.descs, firmware.MemoryDescriptor{
		Type:      t,
		PhysStart: start,
		PageCount: (end - start) / firmware.PageSize,
	})
}

// placeTables writes an empty XSDT and the RSDP addressing it into the
// first pool page and publishes both ACPI configuration table entries.
func (m *Machine) placeTables(poolBase uint64) error {
	xsdt, err := acpi.NewXSDT(oemID).Bytes()
	if err != nil {
		return err
	}

	if _, err := m.WriteAt(xsdt, int64(poolBase)); err != nil {
		return err
	}

	rsdpAddr := poolBase + rsdpOffset

	rsdp, err := acpi.NewRSDP(oemID, poolBase).Bytes()
	if err != nil {
		return err
	}

	if _, err := m.WriteAt(rsdp, int64(rsdpAddr)); err != nil {
		return err
	}

	m.config = []firmware.ConfigEntry{
		{GUID: firmware.ACPI20TableGUID, Addr: rsdpAddr},
		{GUID: firmware.ACPITableGUID, Addr: rsdpAddr},
	}

	return nil
}

// Memory gives raw access to the simulated physical address space.
func (m *Machine) Memory() firmware.PhysMemory {
	return m
}

func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.mem)) {
		return 0, io.EOF
	}

	n := copy(p, m.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.mem)) {
		return 0, fmt.Errorf("write [%#x, %#x) outside physical memory",
			off, off+int64(len(p)))
	}

	return copy(m.mem[off:], p), nil
}

func (m *Machine) MemoryMap() ([]firmware.MemoryDescriptor, error) {
	if m.exited {
		return nil, firmware.ErrServicesExited
	}

	return append([]firmware.MemoryDescriptor(nil), m.descs...), nil
}

func (m *Machine) AllocatePages(count int) (uint64, error) {
	if m.exited {
		return 0, firmware.ErrServicesExited
	}

	if count <= 0 {
		return 0, fmt.Errorf("allocate %d pages", count)
	}

	size := uint64(count) * firmware.PageSize
	if size > m.poolEnd-m.poolNext {
		return 0, fmt.Errorf("%d pages: %w", count, firmware.ErrOutOfMemory)
	}

	addr := m.poolNext
	m.poolNext += size

	return addr, nil
}

func (m *Machine) ReadFile(path string) ([]byte, error) {
	if m.exited {
		return nil, firmware.ErrServicesExited
	}

	b, ok := m.volume[normalize(path)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, firmware.ErrNotFound)
	}

	return append([]byte(nil), b...), nil
}

func (m *Machine) ConfigTable() []firmware.ConfigEntry {
	if m.exited {
		return nil
	}

	return append([]firmware.ConfigEntry(nil), m.config...)
}

func (m *Machine) GraphicsModeInfo() (firmware.GraphicsMode, error) {
	if m.exited {
		return firmware.GraphicsMode{}, firmware.ErrServicesExited
	}

	if !m.hasMode {
		return firmware.GraphicsMode{}, fmt.Errorf("graphics output: %w", firmware.ErrNotFound)
	}

	return m.mode, nil
}

func (m *Machine) ConsoleOut() io.Writer {
	return &console{m: m}
}

func (m *Machine) ExitBootServices() error {
	if m.exited {
		return firmware.ErrServicesExited
	}

	m.exited = true

	return nil
}

func (m *Machine) EnterKernel(entry, info uint64) error {
	if !m.exited {
		return ErrServicesActive
	}

	m.entered = true
	m.entry = entry
	m.info = info

	return nil
}

func (m *Machine) Halt() {
	m.halted = true
}

// console swallows writes after ExitBootServices; a real machine would
// fault on them.
type console struct {
	m *Machine
}

func (c *console) Write(p []byte) (int, error) {
	if c.m.exited {
		c.m.lateConsole = true

		return len(p), nil
	}

	return c.m.console.Write(p)
}

// AddFile stores a file on the boot volume.
func (m *Machine) AddFile(path string, blob []byte) {
	m.volume[normalize(path)] = append([]byte(nil), blob...)
}

// SetConsole redirects boot console output, which defaults to stdout.
func (m *Machine) SetConsole(w io.Writer) {
	m.console = w
}

// SetGraphicsMode replaces the active mode. The framebuffer must stay
// inside the window the memory map reserves for it.
func (m *Machine) SetGraphicsMode(mode firmware.GraphicsMode) error {
	if mode.FrameBufferBase < m.poolEnd ||
		mode.FrameBufferBase+mode.FrameBufferSize > uint64(len(m.mem)) {
		return fmt.Errorf("framebuffer [%#x, %#x) outside the framebuffer window",
			mode.FrameBufferBase, mode.FrameBufferBase+mode.FrameBufferSize)
	}

	m.mode = mode
	m.hasMode = true

	return nil
}

// DisableGraphics removes the graphics output, as on a headless machine.
func (m *Machine) DisableGraphics() {
	m.hasMode = false
}

// ClearConfigTable empties the configuration table, hiding the ACPI root
// pointer.
func (m *Machine) ClearConfigTable() {
	m.config = nil
}

// Exited reports whether boot services were torn down.
func (m *Machine) Exited() bool {
	return m.exited
}

// Entered reports whether control was transferred, and with what entry
// point and info block address.
func (m *Machine) Entered() (entry, info uint64, ok bool) {
	return m.entry, m.info, m.entered
}

// Halted reports whether the machine was parked.
func (m *Machine) Halted() bool {
	return m.halted
}

// ConsoleWroteAfterExit reports whether anything wrote to the console after
// ExitBootServices.
func (m *Machine) ConsoleWroteAfterExit() bool {
	return m.lateConsole
}

func normalize(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, "/", `\`))
}
