package machine_test

import (
	"strings"
	"testing"

	"gostage/machine"
)

func TestTraceDecodesCode(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	// nop; mov $0xcafebabe, %eax; hlt; jmp to self.
	code := []byte{0x90, 0xb8, 0xbe, 0xba, 0xfe, 0xca, 0xf4, 0xeb, 0xfe}
	if _, err := m.WriteAt(code, 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	lines, err := machine.Trace(m, 0x1000, 4)
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}

	wants := []struct {
		prefix   string
		mnemonic string
	}{
		{"0x001000: ", "nop"},
		{"0x001001: ", "mov"},
		{"0x001006: ", "hlt"},
		{"0x001007: ", "jmp"},
	}

	if len(lines) != len(wants) {
		t.Fatalf("Trace returned %d lines, want %d: %q", len(lines), len(wants), lines)
	}

	for i, want := range wants {
		if !strings.HasPrefix(lines[i], want.prefix) || !strings.Contains(lines[i], want.mnemonic) {
			t.Errorf("line %d = %q, want prefix %q and mnemonic %q",
				i, lines[i], want.prefix, want.mnemonic)
		}
	}
}

func TestTraceDecodesPoison(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	lines, err := machine.Trace(m, 0x200000, 3)
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}

	for i, mnemonic := range []string{"mov", "nop", "ud2"} {
		if !strings.Contains(lines[i], mnemonic) {
			t.Errorf("line %d = %q, want %q", i, lines[i], mnemonic)
		}
	}
}

func TestTraceStopsAtUndecodable(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	// 0x06 is push %es, which does not exist in 64-bit mode.
	if _, err := m.WriteAt([]byte{0x90, 0x06}, 0x3000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	lines, err := machine.Trace(m, 0x3000, 4)
	if err == nil {
		t.Fatal("Trace decoded an invalid opcode")
	}

	if len(lines) != 1 || !strings.Contains(lines[0], "nop") {
		t.Errorf("partial trace = %q, want the single nop", lines)
	}
}

func TestInstImmediate(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	inst, asm, err := machine.Inst(m, 0x200000)
	if err != nil {
		t.Fatalf("Inst: %v", err)
	}

	if inst.Len != 5 {
		t.Errorf("instruction length %d, want 5", inst.Len)
	}

	if !strings.Contains(asm, "0xcafebabe") {
		t.Errorf("asm = %q, want the poison immediate", asm)
	}
}
