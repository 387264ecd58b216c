package graphics

import (
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"

	"gostage/firmware"
)

// DrawSplash paints the boot splash into the framebuffer: a dark field with
// three rings. Scan lines are blitted one at a time so the stride padding
// past Width is never touched. Pixels are written in BGRX order.
func DrawSplash(mem firmware.PhysMemory, d Descriptor) error {
	if d.Width == 0 || d.Height == 0 {
		return nil
	}

	dc := gg.NewContext(int(d.Width), int(d.Height))
	dc.SetRGB(0.05, 0.07, 0.12)
	dc.Clear()

	cx := float64(d.Width) / 2
	cy := float64(d.Height) / 2
	r := math.Min(cx, cy) / 2
	dc.SetLineWidth(6)

	for i, c := range []struct{ r, g, b float64 }{
		{0.91, 0.34, 0.22},
		{0.95, 0.77, 0.06},
		{0.33, 0.67, 0.86},
	} {
		dc.DrawCircle(cx, cy, r+float64(i)*18)
		dc.SetRGB(c.r, c.g, c.b)
		dc.Stroke()
	}

	im, ok := dc.Image().(*image.RGBA)
	if !ok {
		return fmt.Errorf("unexpected splash image type %T", dc.Image())
	}

	row := make([]byte, int(d.Width)*bytesPerPixel)

	for y := 0; y < int(d.Height); y++ {
		src := im.Pix[y*im.Stride:]
		for x := 0; x < int(d.Width); x++ {
			row[x*4+0] = src[x*4+2]
			row[x*4+1] = src[x*4+1]
			row[x*4+2] = src[x*4+0]
			row[x*4+3] = 0
		}

		addr := d.FramebufferAddr + uint64(y)*uint64(d.StrideBytes)
		if _, err := mem.WriteAt(row, int64(addr)); err != nil {
			return fmt.Errorf("blit scan line %d: %w", y, err)
		}
	}

	return nil
}

// Snapshot reads the visible framebuffer contents back into an RGBA image,
// undoing the BGRX pixel order.
func Snapshot(mem firmware.PhysMemory, d Descriptor) (*image.RGBA, error) {
	im := image.NewRGBA(image.Rect(0, 0, int(d.Width), int(d.Height)))
	row := make([]byte, int(d.Width)*bytesPerPixel)

	for y := 0; y < int(d.Height); y++ {
		addr := d.FramebufferAddr + uint64(y)*uint64(d.StrideBytes)
		if _, err := mem.ReadAt(row, int64(addr)); err != nil {
			return nil, fmt.Errorf("read scan line %d: %w", y, err)
		}

		dst := im.Pix[y*im.Stride:]
		for x := 0; x < int(d.Width); x++ {
			dst[x*4+0] = row[x*4+2]
			dst[x*4+1] = row[x*4+1]
			dst[x*4+2] = row[x*4+0]
			dst[x*4+3] = 0xff
		}
	}

	return im, nil
}
