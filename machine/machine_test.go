package machine_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"gostage/acpi"
	"gostage/firmware"
	"gostage/machine"
)

func newMachine(t *testing.T) *machine.Machine {
	t.Helper()

	m, err := machine.New(64 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = m.Close() })

	return m
}

func TestNewRejectsBadSizes(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1 << 20, 16<<20 + 5} {
		if _, err := machine.New(size); err == nil {
			t.Errorf("New(%#x) succeeded, want error", size)
		}
	}
}

func TestMemoryMapCoversWholeSpace(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	descs, err := m.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}

	var next uint64

	seen := map[firmware.MemoryType]bool{}

	for _, d := range descs {
		if d.PhysStart != next {
			t.Fatalf("descriptor at %#x, want contiguous start %#x", d.PhysStart, next)
		}

		next = d.PhysStart + d.Bytes()
		seen[d.Type] = true
	}

	if next != 64<<20 {
		t.Errorf("map ends at %#x, want %#x", next, 64<<20)
	}

	for _, want := range []firmware.MemoryType{
		firmware.ConventionalMemory,
		firmware.BootServicesData,
		firmware.MemoryMappedIO,
	} {
		if !seen[want] {
			t.Errorf("memory map has no %d descriptor", want)
		}
	}

	mode, err := m.GraphicsModeInfo()
	if err != nil {
		t.Fatalf("GraphicsModeInfo: %v", err)
	}

	found := false

	for _, d := range descs {
		if d.Type == firmware.MemoryMappedIO &&
			d.PhysStart <= mode.FrameBufferBase &&
			mode.FrameBufferBase+mode.FrameBufferSize <= d.PhysStart+d.Bytes() {
			found = true
		}
	}

	if !found {
		t.Error("framebuffer not covered by a memory-mapped IO descriptor")
	}
}

func TestPoisonPattern(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	got := make([]byte, 8)
	if _, err := m.ReadAt(got, 0x200000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if string(got) != machine.Poison {
		t.Errorf("high conventional memory = %#02x, want poison pattern", got)
	}

	if _, err := m.ReadAt(got, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, make([]byte, 8)) {
		t.Errorf("low conventional memory = %#02x, want zeros", got)
	}
}

func TestReadWriteAt(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	want := []byte("stage loader")
	if _, err := m.WriteAt(want, 0x5000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := m.ReadAt(got, 0x5000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("read back %q, want %q", got, want)
	}

	if _, err := m.WriteAt([]byte{1}, 64<<20); err == nil {
		t.Error("WriteAt past the end succeeded")
	}

	if _, err := m.ReadAt(got, 64<<20); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt past the end = %v, want io.EOF", err)
	}

	n, err := m.ReadAt(make([]byte, 16), 64<<20-8)
	if n != 8 || !errors.Is(err, io.EOF) {
		t.Errorf("short read = (%d, %v), want (8, io.EOF)", n, err)
	}
}

func TestVolumePaths(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	m.AddFile(`efi\boot\kernel`, []byte("elf bytes"))

	for _, path := range []string{
		`efi\boot\kernel`,
		`EFI\BOOT\KERNEL`,
		"efi/boot/kernel",
		"EFI/Boot/Kernel",
	} {
		b, err := m.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(%q): %v", path, err)
		}

		if string(b) != "elf bytes" {
			t.Errorf("ReadFile(%q) = %q", path, b)
		}
	}

	if _, err := m.ReadFile(`efi\boot\other`); !errors.Is(err, firmware.ErrNotFound) {
		t.Errorf("ReadFile missing = %v, want ErrNotFound", err)
	}

	b, _ := m.ReadFile(`efi\boot\kernel`)
	b[0] = 'E'

	b, _ = m.ReadFile(`efi\boot\kernel`)
	if string(b) != "elf bytes" {
		t.Error("ReadFile does not copy volume contents")
	}
}

func TestAllocatePages(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	first, err := m.AllocatePages(2)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}

	second, err := m.AllocatePages(1)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}

	if first%firmware.PageSize != 0 || second%firmware.PageSize != 0 {
		t.Errorf("allocations %#x, %#x not page aligned", first, second)
	}

	if second != first+2*firmware.PageSize {
		t.Errorf("second allocation at %#x, want %#x", second, first+2*firmware.PageSize)
	}

	descs, err := m.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}

	inPool := false

	for _, d := range descs {
		if d.Type == firmware.BootServicesData &&
			d.PhysStart <= first && second+firmware.PageSize <= d.PhysStart+d.Bytes() {
			inPool = true
		}
	}

	if !inPool {
		t.Error("allocations outside the boot services pool")
	}

	if _, err := m.AllocatePages(0); err == nil {
		t.Error("AllocatePages(0) succeeded")
	}

	if _, err := m.AllocatePages(1 << 20); !errors.Is(err, firmware.ErrOutOfMemory) {
		t.Errorf("huge allocation = %v, want ErrOutOfMemory", err)
	}
}

func TestConfigTablePointsAtValidACPI(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	addr, err := acpi.FindRSDP(m.ConfigTable())
	if err != nil {
		t.Fatalf("FindRSDP: %v", err)
	}

	raw := make([]byte, acpi.RSDPSize)
	if _, err := m.ReadAt(raw, int64(addr)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	rsdp, err := acpi.ParseRSDP(raw)
	if err != nil {
		t.Fatalf("ParseRSDP: %v", err)
	}

	if rsdp.Revision != 2 || rsdp.XSDTAddr == 0 {
		t.Fatalf("rsdp revision %d xsdt %#x", rsdp.Revision, rsdp.XSDTAddr)
	}

	hdrRaw := make([]byte, acpi.HeaderSize)
	if _, err := m.ReadAt(hdrRaw, int64(rsdp.XSDTAddr)); err != nil {
		t.Fatalf("ReadAt xsdt: %v", err)
	}

	hdr, err := acpi.ParseHeader(hdrRaw)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}

	if string(hdr.Signature[:]) != "XSDT" {
		t.Fatalf("signature %q, want XSDT", hdr.Signature)
	}

	table := make([]byte, hdr.Length)
	if _, err := m.ReadAt(table, int64(rsdp.XSDTAddr)); err != nil {
		t.Fatalf("ReadAt full table: %v", err)
	}

	if acpi.Checksum(table) != 0 {
		t.Error("XSDT checksum residue is nonzero")
	}
}

func TestExitBootServicesLatch(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if err := m.EnterKernel(0x1000, 0x2000); !errors.Is(err, machine.ErrServicesActive) {
		t.Fatalf("EnterKernel before exit = %v, want ErrServicesActive", err)
	}

	if err := m.ExitBootServices(); err != nil {
		t.Fatalf("ExitBootServices: %v", err)
	}

	if !m.Exited() {
		t.Fatal("Exited = false after ExitBootServices")
	}

	if _, err := m.MemoryMap(); !errors.Is(err, firmware.ErrServicesExited) {
		t.Errorf("MemoryMap after exit = %v", err)
	}

	if _, err := m.AllocatePages(1); !errors.Is(err, firmware.ErrServicesExited) {
		t.Errorf("AllocatePages after exit = %v", err)
	}

	if _, err := m.ReadFile("anything"); !errors.Is(err, firmware.ErrServicesExited) {
		t.Errorf("ReadFile after exit = %v", err)
	}

	if _, err := m.GraphicsModeInfo(); !errors.Is(err, firmware.ErrServicesExited) {
		t.Errorf("GraphicsModeInfo after exit = %v", err)
	}

	if entries := m.ConfigTable(); entries != nil {
		t.Errorf("ConfigTable after exit = %v, want nil", entries)
	}

	if err := m.ExitBootServices(); !errors.Is(err, firmware.ErrServicesExited) {
		t.Errorf("second ExitBootServices = %v", err)
	}

	// Raw memory stays usable for the kernel image itself.
	if _, err := m.WriteAt([]byte{1}, 0x1000); err != nil {
		t.Errorf("WriteAt after exit: %v", err)
	}

	if err := m.EnterKernel(0x1000, 0x2000); err != nil {
		t.Fatalf("EnterKernel: %v", err)
	}

	entry, info, ok := m.Entered()
	if !ok || entry != 0x1000 || info != 0x2000 {
		t.Errorf("Entered = (%#x, %#x, %v), want (0x1000, 0x2000, true)", entry, info, ok)
	}

	m.Halt()

	if !m.Halted() {
		t.Error("Halted = false after Halt")
	}
}

func TestConsoleSwallowsWritesAfterExit(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	var buf bytes.Buffer

	m.SetConsole(&buf)

	w := m.ConsoleOut()
	if _, err := w.Write([]byte("loading\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := m.ExitBootServices(); err != nil {
		t.Fatalf("ExitBootServices: %v", err)
	}

	if _, err := w.Write([]byte("too late\n")); err != nil {
		t.Fatalf("Write after exit: %v", err)
	}

	if got := buf.String(); got != "loading\n" {
		t.Errorf("console transcript = %q, want %q", got, "loading\n")
	}

	if !m.ConsoleWroteAfterExit() {
		t.Error("ConsoleWroteAfterExit = false after a late write")
	}
}

func TestGraphicsMode(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	mode, err := m.GraphicsModeInfo()
	if err != nil {
		t.Fatalf("GraphicsModeInfo: %v", err)
	}

	if mode.Width != 1024 || mode.Height != 768 || mode.Format != firmware.PixelBGRX8 {
		t.Errorf("default mode %+v", mode)
	}

	if mode.FrameBufferBase+mode.FrameBufferSize != 64<<20 {
		t.Errorf("framebuffer [%#x, %#x) does not end at top of memory",
			mode.FrameBufferBase, mode.FrameBufferBase+mode.FrameBufferSize)
	}

	padded := mode
	padded.Width = 800
	padded.Height = 600
	padded.PixelsPerScanLine = 1024
	padded.FrameBufferSize = 1024 * 600 * 4

	if err := m.SetGraphicsMode(padded); err != nil {
		t.Fatalf("SetGraphicsMode: %v", err)
	}

	got, err := m.GraphicsModeInfo()
	if err != nil {
		t.Fatalf("GraphicsModeInfo: %v", err)
	}

	if got != padded {
		t.Errorf("mode = %+v, want %+v", got, padded)
	}

	bad := padded
	bad.FrameBufferBase = 0x1000

	if err := m.SetGraphicsMode(bad); err == nil {
		t.Error("SetGraphicsMode accepted a framebuffer outside its window")
	}

	m.DisableGraphics()

	if _, err := m.GraphicsModeInfo(); !errors.Is(err, firmware.ErrNotFound) {
		t.Errorf("GraphicsModeInfo headless = %v, want ErrNotFound", err)
	}
}
