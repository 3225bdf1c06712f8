// Package composite places a processed portrait on its final canvas.
package composite

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/facecraft/internal/raster"
)

const (
	// OvalAxisRatio is the ellipse semi-axis as a fraction of the frame size.
	OvalAxisRatio = 0.48
	// DefaultFeather is the blur kernel size used to soften the mask edge.
	DefaultFeather = 21
)

// ApplyOvalMask multiplies the image opacity by a feathered elliptical mask
// centered in the frame. The result always has four channels and the frame
// corners are fully transparent.
func ApplyOvalMask(img raster.Image, feather int) raster.Image {
	out := img.ToRGBA()
	w, h := out.Width(), out.Height()
	if w == 0 || h == 0 {
		return out
	}

	mask := OvalMask(w, h, feather)
	pix := out.NRGBA()
	for y := 0; y < h; y++ {
		row := pix.Pix[y*pix.Stride : y*pix.Stride+w*4]
		m := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		for x := 0; x < w; x++ {
			a := float64(row[x*4+3]) * float64(m[x]) / 255
			row[x*4+3] = uint8(a)
		}
	}
	return out
}

// OvalMask renders the feathered ellipse as an 8-bit mask.
func OvalMask(w, h, feather int) *image.Gray {
	cx, cy := w/2, h/2
	ax := int(float64(w) * OvalAxisRatio)
	ay := int(float64(h) * OvalAxisRatio)

	hard := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := hard.Pix[y*hard.Stride : y*hard.Stride+w*4]
		for x := 0; x < w; x++ {
			v := uint8(0)
			if insideEllipse(x, y, cx, cy, ax, ay) {
				v = 0xff
			}
			row[x*4], row[x*4+1], row[x*4+2], row[x*4+3] = v, v, v, 0xff
		}
	}

	soft := hard
	if sigma := featherSigma(feather, w, h, cx, cy, ax, ay); sigma > 0 {
		soft = imaging.Blur(hard, sigma)
	}

	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := soft.Pix[y*soft.Stride : y*soft.Stride+w*4]
		dst := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		for x := range dst {
			dst[x] = src[x*4]
		}
	}
	return mask
}

func insideEllipse(x, y, cx, cy, ax, ay int) bool {
	if ax <= 0 || ay <= 0 {
		return x == cx && y == cy
	}
	dx := float64(x-cx) / float64(ax)
	dy := float64(y-cy) / float64(ay)
	return dx*dx+dy*dy <= 1
}

// featherSigma converts a kernel size to a Gaussian sigma and shrinks it when
// the blur footprint at any corner would reach the ellipse.
func featherSigma(feather, w, h, cx, cy, ax, ay int) float64 {
	if feather <= 1 {
		return 0
	}
	sigma := float64(feather-1) / 2
	radius := int(math.Ceil(sigma * 3))
	for radius > 0 && cornerReaches(radius, w, h, cx, cy, ax, ay) {
		radius--
	}
	if limit := (float64(radius) - 0.01) / 3; sigma > limit {
		sigma = limit
	}
	return sigma
}

func cornerReaches(radius, w, h, cx, cy, ax, ay int) bool {
	left, top := radius, radius
	right, bottom := w-1-radius, h-1-radius
	return insideEllipse(left, top, cx, cy, ax, ay) ||
		insideEllipse(right, top, cx, cy, ax, ay) ||
		insideEllipse(left, bottom, cx, cy, ax, ay) ||
		insideEllipse(right, bottom, cx, cy, ax, ay)
}
