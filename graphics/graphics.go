// Package graphics captures the framebuffer geometry the kernel inherits
// from the firmware graphics output.
package graphics

import (
	"gostage/firmware"
)

const bytesPerPixel = 4

// Descriptor pins down the linear framebuffer for the handoff: where it
// lives and how its scan lines are laid out. StrideBytes is the byte
// distance between vertically adjacent pixels and can exceed Width*4 when
// the mode pads its scan lines.
type Descriptor struct {
	FramebufferAddr uint64
	Width           uint32
	Height          uint32
	StrideBytes     uint32
}

// FromMode converts the firmware mode description, scaling the mode's
// pixels-per-scan-line to a byte stride.
func FromMode(mode firmware.GraphicsMode) Descriptor {
	return Descriptor{
		FramebufferAddr: mode.FrameBufferBase,
		Width:           mode.Width,
		Height:          mode.Height,
		StrideBytes:     mode.PixelsPerScanLine * bytesPerPixel,
	}
}
