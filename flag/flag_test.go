package flag_test

import (
	"testing"

	"gostage/flag"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    string
		unit string
		want int
	}{
		{"64", "m", 64 << 20},
		{"64M", "", 64 << 20},
		{"1g", "", 1 << 30},
		{"2G", "m", 2 << 30},
		{"512K", "", 512 << 10},
		{"0x10", "", 16},
		{"4096", "", 4096},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.s, func(t *testing.T) {
			t.Parallel()

			got, err := flag.ParseSize(tc.s, tc.unit)
			if err != nil {
				t.Fatalf("ParseSize(%q, %q): %v", tc.s, tc.unit, err)
			}

			if got != tc.want {
				t.Errorf("ParseSize(%q, %q) = %#x, want %#x", tc.s, tc.unit, got, tc.want)
			}
		})
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "M", "12Q", "x64"} {
		if _, err := flag.ParseSize(s, ""); err == nil {
			t.Errorf("ParseSize(%q) succeeded", s)
		}
	}
}

func TestParseAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    string
		want uint64
	}{
		{"0", 0},
		{"0x200000", 0x200000},
		{"2M", 0x200000},
		{"0x3c00000", 0x3c00000},
	}

	for _, tc := range tests {
		tc := tc

		t.Run(tc.s, func(t *testing.T) {
			t.Parallel()

			got, err := flag.ParseAddr(tc.s)
			if err != nil {
				t.Fatalf("ParseAddr(%q): %v", tc.s, err)
			}

			if got != tc.want {
				t.Errorf("ParseAddr(%q) = %#x, want %#x", tc.s, got, tc.want)
			}
		})
	}
}
