// Package enhance implements the deterministic portrait touch-up applied after
// cropping. Only color channels are modified; opacity passes through.
package enhance

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/facecraft/internal/raster"
)

var sharpenKernel = [9]float64{
	0, -1, 0,
	-1, 5, -1,
	0, -1, 0,
}

// Portrait runs exposure correction, edge-preserving smoothing, white
// balance, sharpening and a contrast/saturation trim, in that order. The
// result has the same size and channel count as img.
func Portrait(img raster.Image) raster.Image {
	if img.Empty() {
		return img.Clone()
	}

	rgb, alpha := img.SplitAlpha()

	pix := rgb.NRGBA()
	pix = correctExposure(pix)
	pix = bilateral(pix, bilateralDiameter, bilateralSigmaColor, bilateralSigmaSpace)
	pix = whiteBalance(pix)
	pix = imaging.Convolve3x3(pix, sharpenKernel, nil)
	pix = adjustContrast(pix, contrastFactor)
	pix = adjustSaturation(pix, saturationFactor)

	out := raster.Wrap(pix, raster.RGB)
	if alpha == nil {
		return out
	}
	withAlpha, err := out.WithAlpha(alpha)
	if err != nil {
		return img.Clone()
	}
	return withAlpha
}

func rows(img *image.NRGBA) (int, int) {
	return img.Rect.Dx(), img.Rect.Dy()
}
