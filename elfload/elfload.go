// Package elfload places a kernel ELF image into physical memory: it
// validates the image, copies every loadable segment to its load address and
// applies base relocations for position-independent kernels.
package elfload

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

var (
	// ErrBadImage is returned for images that are not valid ELF64 LSB
	// x86-64 executables, or whose headers contradict their contents.
	ErrBadImage = errors.New("malformed kernel image")

	// ErrTLSUnsupported is returned for images that carry a thread-local
	// storage segment. Nothing is copied when this is reported.
	ErrTLSUnsupported = errors.New("thread-local storage segments not supported")

	// ErrUnsupportedRelocation is returned for relocation entries the
	// loader would have to apply but cannot.
	ErrUnsupportedRelocation = errors.New("unsupported relocation entry")
)

// Image is a parsed kernel ELF image, still backed by the raw file bytes.
type Image struct {
	blob []byte
	file *elf.File
}

// New parses blob as a kernel image.
func New(blob []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: want ELF64 LSB x86-64, got %v %v %v",
			ErrBadImage, f.Class, f.Data, f.Machine)
	}

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: not an executable (%v)", ErrBadImage, f.Type)
	}

	return &Image{blob: blob, file: f}, nil
}

// File exposes the parsed ELF structure.
func (img *Image) File() *elf.File {
	return img.file
}

// Size returns the size of the raw image in bytes.
func (img *Image) Size() int {
	return len(img.blob)
}

// PositionIndependent reports whether the image must be rebased to its load
// address.
func (img *Image) PositionIndependent() bool {
	return img.file.Type == elf.ET_DYN
}

// Entry returns the entry point of the image once placed at base. Fixed
// executables keep their linked entry address.
func (img *Image) Entry(base uint64) uint64 {
	if img.PositionIndependent() {
		return base + img.file.Entry
	}

	return img.file.Entry
}

// ReadVirtual copies bytes from the image as they would appear in memory at
// virtual address addr, before relocation. Bytes past a segment's file size
// read as zero. It fails if addr falls outside every loadable segment.
func (img *Image) ReadVirtual(addr uint64, b []byte) error {
	for _, p := range img.file.Progs {
		if p.Type != elf.PT_LOAD || addr < p.Vaddr || addr >= p.Vaddr+p.Memsz {
			continue
		}

		for i := range b {
			b[i] = 0
		}

		off := addr - p.Vaddr
		if off >= p.Filesz {
			return nil
		}

		n := uint64(len(b))
		if off+n > p.Filesz {
			n = p.Filesz - off
		}

		if _, err := p.ReadAt(b[:n], int64(off)); err != nil {
			return fmt.Errorf("%w: segment at %#x: %v", ErrBadImage, p.Off, err)
		}

		return nil
	}

	return fmt.Errorf("address %#x outside every loadable segment", addr)
}
