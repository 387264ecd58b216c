package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	relaSize = 24 // Elf64_Rela
	relSize  = 16 // Elf64_Rel
)

// relocate walks every relocation section of the image. Base-relative
// entries are applied against the load address; entries of any other kind
// are counted and skipped. REL sections carry no addend, so a base-relative
// entry found there cannot be applied and fails the load.
//
// https://refspecs.linuxbase.org/elf/x86_64-abi-0.99.pdf
func (l *Loader) relocate(img *Image) error {
	skipped := map[elf.R_X86_64]int{}
	applied := 0

	for _, s := range img.file.Sections {
		switch s.Type {
		case elf.SHT_RELA:
			n, err := l.applyRela(s, skipped)
			if err != nil {
				return err
			}

			applied += n
		case elf.SHT_REL:
			if err := l.checkRel(s, skipped); err != nil {
				return err
			}
		}
	}

	if applied > 0 {
		l.logf("relocations: %d base-relative entries applied", applied)
	}

	for typ, n := range skipped {
		l.logf("relocations: skipped %d %v entries", n, typ)
	}

	return nil
}

func (l *Loader) applyRela(s *elf.Section, skipped map[elf.R_X86_64]int) (int, error) {
	data, err := s.Data()
	if err != nil {
		return 0, fmt.Errorf("%w: read section %q: %v", ErrBadImage, s.Name, err)
	}

	if len(data)%relaSize != 0 {
		return 0, fmt.Errorf("%w: section %q size %d is not a multiple of %d",
			ErrBadImage, s.Name, len(data), relaSize)
	}

	applied := 0
	rd := bytes.NewReader(data)

	var rela elf.Rela64
	for rd.Len() > 0 {
		if err := binary.Read(rd, binary.LittleEndian, &rela); err != nil {
			return applied, fmt.Errorf("%w: section %q: %v", ErrBadImage, s.Name, err)
		}

		typ := elf.R_X86_64(elf.R_TYPE64(rela.Info))
		if typ != elf.R_X86_64_RELATIVE {
			skipped[typ]++

			continue
		}

		if err := l.applyRelative(rela.Off, rela.Addend); err != nil {
			return applied, err
		}

		applied++
	}

	return applied, nil
}

// applyRelative stores base+addend at base+off, the whole effect of an
// R_X86_64_RELATIVE entry.
func (l *Loader) applyRelative(off uint64, addend int64) error {
	var word [8]byte

	binary.LittleEndian.PutUint64(word[:], l.Base+uint64(addend))

	if _, err := l.Mem.WriteAt(word[:], int64(l.Base+off)); err != nil {
		return fmt.Errorf("apply relocation at %#x: %w", l.Base+off, err)
	}

	return nil
}

func (l *Loader) checkRel(s *elf.Section, skipped map[elf.R_X86_64]int) error {
	data, err := s.Data()
	if err != nil {
		return fmt.Errorf("%w: read section %q: %v", ErrBadImage, s.Name, err)
	}

	if len(data)%relSize != 0 {
		return fmt.Errorf("%w: section %q size %d is not a multiple of %d",
			ErrBadImage, s.Name, len(data), relSize)
	}

	rd := bytes.NewReader(data)

	var rel elf.Rel64
	for rd.Len() > 0 {
		if err := binary.Read(rd, binary.LittleEndian, &rel); err != nil {
			return fmt.Errorf("%w: section %q: %v", ErrBadImage, s.Name, err)
		}

		typ := elf.R_X86_64(elf.R_TYPE64(rel.Info))
		if typ == elf.R_X86_64_RELATIVE {
			return fmt.Errorf("%w: base-relative entry at %#x has no addend",
				ErrUnsupportedRelocation, rel.Off)
		}

		skipped[typ]++
	}

	return nil
}
