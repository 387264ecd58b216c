package firmware

// PixelFormat is the layout of a framebuffer pixel, using the UEFI graphics
// output protocol numbering.
type PixelFormat uint32

const (
	PixelRGBX8 PixelFormat = iota
	PixelBGRX8
	PixelBitMask
	PixelBltOnly
)

func (f PixelFormat) String() string {
	switch f {
	case PixelRGBX8:
		return "RGBX-8888"
	case PixelBGRX8:
		return "BGRX-8888"
	case PixelBitMask:
		return "bit-mask"
	case PixelBltOnly:
		return "blt-only"
	}

	return "unknown"
}

// GraphicsMode describes the active graphics output mode.
//
// PixelsPerScanLine can exceed Width; the difference is padding at the end of
// each scan line that is mapped but never displayed.
type GraphicsMode struct {
	Width             uint32
	Height            uint32
	PixelsPerScanLine uint32
	Format            PixelFormat
	FrameBufferBase   uint64
	FrameBufferSize   uint64
}
