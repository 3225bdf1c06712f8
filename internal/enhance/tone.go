package enhance

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

const (
	contrastFactor   = 1.15
	saturationFactor = 1.15
)

// luma is the 8-bit ITU-R 601 gray of one pixel, rounded in fixed point.
func luma(r, g, b uint8) uint8 {
	return uint8((uint32(r)*19595 + uint32(g)*38470 + uint32(b)*7471 + 0x8000) >> 16)
}

// blend extrapolates v away from base by factor and truncates into a byte.
func blend(base, v uint8, factor float64) uint8 {
	t := int(float64(base) + factor*(float64(v)-float64(base)))
	return uint8(clampInt(t, 0, 255))
}

// adjustContrast scales every channel around the rounded mean gray of the
// whole image. A uniform image is returned unchanged.
func adjustContrast(img *image.NRGBA, factor float64) *image.NRGBA {
	w, h := rows(img)
	if w == 0 || h == 0 {
		return img
	}
	var sum uint64
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < len(row); x += 4 {
			sum += uint64(luma(row[x], row[x+1], row[x+2]))
		}
	}
	n := uint64(w * h)
	mean := uint8((2*sum + n) / (2 * n))

	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.R = blend(mean, c.R, factor)
		c.G = blend(mean, c.G, factor)
		c.B = blend(mean, c.B, factor)
		return c
	})
}

// adjustSaturation pushes each pixel away from its own gray.
func adjustSaturation(img *image.NRGBA, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		l := luma(c.R, c.G, c.B)
		c.R = blend(l, c.R, factor)
		c.G = blend(l, c.G, factor)
		c.B = blend(l, c.B, factor)
		return c
	})
}
