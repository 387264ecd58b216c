package machine

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// Inst decodes the instruction at pc in physical memory and returns it
// together with its GNU syntax form.
func Inst(mem io.ReaderAt, pc uint64) (*x86asm.Inst, string, error) {
	insn := make([]byte, 16)
	if _, err := mem.ReadAt(insn, int64(pc)); err != nil && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("reading %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, x86asm.GNUSyntax(d, pc, nil), nil
}

// Trace disassembles up to n instructions starting at pc, stopping at the
// first one it cannot decode.
func Trace(mem io.ReaderAt, pc uint64, n int) ([]string, error) {
	lines := make([]string, 0, n)

	for i := 0; i < n; i++ {
		d, asm, err := Inst(mem, pc)
		if err != nil {
			return lines, err
		}

		lines = append(lines, fmt.Sprintf("%#08x: %s", pc, asm))
		pc += uint64(d.Len)
	}

	return lines, nil
}
