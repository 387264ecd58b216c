// Package loader sequences a boot: locate the system description tables,
// snapshot the memory map, load and relocate the kernel image, probe the
// framebuffer, assemble the handoff block, leave boot services and jump to
// the kernel entry point. The sequence is strictly linear. Any failure
// before boot services are disabled prints a diagnostic and halts; after
// that point the console is gone and a failure halts silently.
package loader

import (
	"fmt"
	"log"

	"gostage/acpi"
	"gostage/elfload"
	"gostage/firmware"
	"gostage/graphics"
	"gostage/handoff"
	"gostage/region"
)

// DefaultKernelPath is the well-known boot volume location of the kernel
// image.
const DefaultKernelPath = `efi\boot\kernel`

type Config struct {
	// KernelPath overrides DefaultKernelPath on the boot volume.
	KernelPath string

	// LoadBase is added to every segment address of a position-independent
	// kernel image. Fixed-address images ignore it.
	LoadBase uint64

	// Splash paints the framebuffer before the jump.
	Splash bool
}

// Loader drives one boot attempt over a set of firmware services.
type Loader struct {
	svc firmware.Services
	cfg Config
	log *log.Logger

	exited   bool
	entry    uint64
	infoAddr uint64
	info     *handoff.Info
}

func New(svc firmware.Services, cfg Config) *Loader {
	if cfg.KernelPath == "" {
		cfg.KernelPath = DefaultKernelPath
	}

	return &Loader{svc: svc, cfg: cfg}
}

// Boot runs the sequence to completion. It returns only if the kernel
// entry point returned control or a stage failed; either way the machine
// is halted. The error is for harnesses and tests watching from outside;
// on real firmware nobody is left to read it.
func (l *Loader) Boot() error {
	err := l.run()
	if err != nil && !l.exited {
		l.log.Printf("boot failed: %v", err)
	}

	l.svc.Halt()

	return err
}

func (l *Loader) run() error {
	l.log = log.New(l.svc.ConsoleOut(), "", 0)
	l.log.Printf("stage loader starting")

	if err := l.locateDescription(); err != nil {
		return err
	}

	regions, err := l.snapshotMemory()
	if err != nil {
		return err
	}

	kernel, err := l.loadKernel()
	if err != nil {
		return err
	}

	desc, err := l.probeGraphics()
	if err != nil {
		return err
	}

	if err := l.finalize(regions, kernel, desc); err != nil {
		return err
	}

	if l.cfg.Splash {
		if err := graphics.DrawSplash(l.svc.Memory(), desc); err != nil {
			l.log.Printf("splash: %v", err)
		}
	}

	l.log.Printf("leaving boot services, entry %#x, info %#x", l.entry, l.infoAddr)

	if err := l.svc.ExitBootServices(); err != nil {
		return fmt.Errorf("exit boot services: %w", err)
	}

	l.exited = true

	if err := l.svc.EnterKernel(l.entry, l.infoAddr); err != nil {
		return fmt.Errorf("enter kernel: %w", err)
	}

	return nil
}

// locateDescription finds the ACPI root pointer in the firmware
// configuration table. A machine without one cannot be described to the
// kernel, so absence is fatal. A pointer that does not validate is only
// worth a diagnostic; the kernel rechecks it anyway.
func (l *Loader) locateDescription() error {
	addr, err := acpi.FindRSDP(l.svc.ConfigTable())
	if err != nil {
		return fmt.Errorf("system description: %w", err)
	}

	raw := make([]byte, acpi.RSDPSize)
	if _, err := l.svc.Memory().ReadAt(raw, int64(addr)); err != nil {
		l.log.Printf("rsdp at %#x unreadable: %v", addr, err)

		return nil
	}

	rsdp, err := acpi.ParseRSDP(raw)
	if err != nil {
		l.log.Printf("rsdp at %#x: %v", addr, err)

		return nil
	}

	l.log.Printf("acpi revision %d, oem %q, xsdt %#x",
		rsdp.Revision, rsdp.OEMID[:], rsdp.XSDTAddr)

	return nil
}

func (l *Loader) snapshotMemory() (*region.List, error) {
	descs, err := l.svc.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("memory map: %w", err)
	}

	regions := region.ClassifyMemoryMap(descs)
	l.log.Printf("memory map: %d descriptors, %d regions", len(descs), regions.Len())

	return regions, nil
}

func (l *Loader) loadKernel() (*region.List, error) {
	blob, err := l.svc.ReadFile(l.cfg.KernelPath)
	if err != nil {
		return nil, fmt.Errorf("kernel image %q: %w", l.cfg.KernelPath, err)
	}

	img, err := elfload.New(blob)
	if err != nil {
		return nil, fmt.Errorf("kernel image %q: %w", l.cfg.KernelPath, err)
	}

	kernel := &region.List{}

	ld := elfload.Loader{
		Base:    l.cfg.LoadBase,
		Mem:     l.svc.Memory(),
		Claimed: kernel,
		Log:     l.log,
	}
	if err := ld.Load(img); err != nil {
		return nil, fmt.Errorf("loading kernel: %w", err)
	}

	l.entry = img.Entry(l.cfg.LoadBase)
	l.log.Printf("kernel loaded, %d segments, entry %#x", kernel.Len(), l.entry)

	return kernel, nil
}

func (l *Loader) probeGraphics() (graphics.Descriptor, error) {
	mode, err := l.svc.GraphicsModeInfo()
	if err != nil {
		return graphics.Descriptor{}, fmt.Errorf("graphics output: %w", err)
	}

	if mode.Format != firmware.PixelRGBX8 && mode.Format != firmware.PixelBGRX8 {
		l.log.Printf("pixel format %v: assuming 4 bytes per pixel", mode.Format)
	}

	d := graphics.FromMode(mode)
	l.log.Printf("framebuffer %#x, %dx%d, stride %d bytes",
		d.FramebufferAddr, d.Width, d.Height, d.StrideBytes)

	return d, nil
}

// finalize carves the kernel's claimed ranges out of the available memory,
// assembles the info block and writes it into freshly allocated pages. The
// pages are never released: the kernel reads them long after every loader
// structure is gone.
func (l *Loader) finalize(regions, kernel *region.List, desc graphics.Descriptor) error {
	info := &handoff.Info{
		Regions:       regions.Subtract(kernel).Regions(),
		KernelRegions: kernel.Regions(),
		Graphics:      desc,
	}

	arena, err := handoff.NewArena(l.svc, uint64(handoff.EncodedSize(info)))
	if err != nil {
		return err
	}

	addr, err := arena.Place(info)
	if err != nil {
		return err
	}

	l.info = info
	l.infoAddr = addr

	return nil
}

// Entry returns the kernel entry address once LoadKernel has run.
func (l *Loader) Entry() uint64 {
	return l.entry
}

// InfoAddr returns the physical address of the placed info block.
func (l *Loader) InfoAddr() uint64 {
	return l.infoAddr
}

// Handoff returns the assembled info block, nil before finalize.
func (l *Loader) Handoff() *handoff.Info {
	return l.info
}
