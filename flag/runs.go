package flag

import (
	"debug/elf"
	"fmt"
	"image/png"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"gostage/elfload"
	"gostage/graphics"
	"gostage/handoff"
	"gostage/loader"
	"gostage/machine"
)

type CLI struct {
	Boot    BootCMD    `cmd:"" help:"Boot a kernel image on the simulated machine."`
	Inspect InspectCMD `cmd:"" help:"Describe a kernel image without booting it."`
}

type BootCMD struct {
	Kernel     string `help:"Kernel image path." short:"k" required:"" type:"existingfile"`
	MemSize    string `help:"Physical memory size as number[gGmMkK]." short:"m" default:"64M"`
	Base       string `help:"Load base address for position independent images." short:"b" default:"0"`
	Splash     bool   `help:"Paint the boot splash before the jump."`
	Trace      int    `help:"Disassemble this many instructions at the entry point after boot." short:"T"`
	FbDump     string `help:"Write the framebuffer as a PNG to this path after boot." type:"path"`
	CPUProfile bool   `help:"Write a CPU profile of the boot."`
}

type InspectCMD struct {
	Kernel string `help:"Kernel image path." short:"k" required:"" type:"existingfile"`
	Trace  int    `help:"Disassemble this many instructions at the entry point." short:"T" default:"8"`
}

func Parse() error {
	c := CLI{}

	programName := "gostage"
	programDesc := "gostage is a pre-kernel stage loader which boots an ELF kernel on a simulated firmware machine"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (s *BootCMD) Run() error {
	if s.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return err
	}

	base, err := ParseAddr(s.Base)
	if err != nil {
		return err
	}

	blob, err := os.ReadFile(s.Kernel)
	if err != nil {
		return err
	}

	m, err := machine.New(memSize)
	if err != nil {
		return err
	}

	defer func() { _ = m.Close() }()

	m.AddFile(loader.DefaultKernelPath, blob)

	ld := loader.New(m, loader.Config{LoadBase: base, Splash: s.Splash})
	if err := ld.Boot(); err != nil {
		return err
	}

	if err := report(m); err != nil {
		return err
	}

	if s.Trace > 0 {
		entry, _, _ := m.Entered()
		printTrace(m, entry, s.Trace)
	}

	if len(s.FbDump) > 0 {
		if err := dumpFramebuffer(m, ld.Handoff().Graphics, s.FbDump); err != nil {
			return err
		}
	}

	return nil
}

// report decodes the handoff block back out of machine memory, the same
// way the kernel on the far side would.
func report(m *machine.Machine) error {
	entry, infoAddr, ok := m.Entered()
	if !ok {
		return fmt.Errorf("kernel never entered")
	}

	info, err := handoff.Read(m, infoAddr)
	if err != nil {
		return err
	}

	fmt.Printf("entry point %#x, info block %#x\n", entry, infoAddr)

	g := info.Graphics
	fmt.Printf("graphics %dx%d, stride %d bytes, framebuffer %#x\n",
		g.Width, g.Height, g.StrideBytes, g.FramebufferAddr)

	fmt.Printf("memory map:\n")

	for _, r := range info.Regions {
		fmt.Printf("  %s\n", r)
	}

	fmt.Printf("kernel image:\n")

	for _, r := range info.KernelRegions {
		fmt.Printf("  %s\n", r)
	}

	return nil
}

func printTrace(mem io.ReaderAt, pc uint64, n int) {
	lines, err := machine.Trace(mem, pc, n)

	for _, l := range lines {
		fmt.Println(l)
	}

	if err != nil {
		fmt.Printf("trace stopped: %v\n", err)
	}
}

func dumpFramebuffer(m *machine.Machine, d graphics.Descriptor, path string) error {
	img, err := graphics.Snapshot(m, d)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if err := png.Encode(f, img); err != nil {
		return err
	}

	fmt.Printf("framebuffer written to %s\n", path)

	return nil
}

func (i *InspectCMD) Run() error {
	blob, err := os.ReadFile(i.Kernel)
	if err != nil {
		return err
	}

	img, err := elfload.New(blob)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d bytes, position independent %v\n",
		i.Kernel, img.Size(), img.PositionIndependent())
	fmt.Printf("entry point %#x\n", img.Entry(0))

	for _, p := range img.File().Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		fmt.Printf("segment at %#x: %#x file bytes, %#x in memory\n",
			p.Vaddr, p.Filesz, p.Memsz)
	}

	var relas uint64

	for _, sec := range img.File().Sections {
		if sec.Type == elf.SHT_RELA {
			relas += sec.Size / 24
		}
	}

	fmt.Printf("%d relocation entries\n", relas)

	if i.Trace > 0 {
		printTrace(imageView{img: img}, img.Entry(0), i.Trace)
	}

	return nil
}

// imageView exposes the image's virtual address space to the disassembler.
// Reads go byte by byte so a window hanging past the last segment still
// yields its mapped prefix.
type imageView struct {
	img *elfload.Image
}

func (v imageView) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		if err := v.img.ReadVirtual(uint64(off)+uint64(i), p[i:i+1]); err != nil {
			return i, io.EOF
		}
	}

	return len(p), nil
}
