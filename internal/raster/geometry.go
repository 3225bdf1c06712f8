package raster

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Crop returns the part of the image inside r, clamped to the image bounds.
func (im Image) Crop(r image.Rectangle) Image {
	r = r.Intersect(im.Bounds())
	if r.Empty() {
		return Image{pix: image.NewNRGBA(image.Rectangle{}), channels: im.channels}
	}
	return Image{pix: imaging.Crop(im.pix, r), channels: im.channels}
}

// RotationMatrix returns the source-to-destination affine transform that
// rotates by angleDeg (counter-clockwise on screen) about center with unit
// scale.
func RotationMatrix(angleDeg float64, center Point) f64.Aff3 {
	theta := angleDeg * math.Pi / 180
	a := math.Cos(theta)
	b := math.Sin(theta)
	return f64.Aff3{
		a, b, (1-a)*center.X - b*center.Y,
		-b, a, b*center.X + (1-a)*center.Y,
	}
}

// Rotate rotates about center using bicubic sampling. The output keeps the
// input size; uncovered pixels are transparent for RGBA input and black for
// RGB input.
func (im Image) Rotate(angleDeg float64, center Point) Image {
	if im.Empty() || angleDeg == 0 {
		return im.Clone()
	}
	return im.Warp(RotationMatrix(angleDeg, center), im.Width(), im.Height())
}

// Warp applies a source-to-destination affine transform into a canvas of the
// given size.
func (im Image) Warp(s2d f64.Aff3, width, height int) Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Transform(dst, s2d, im.pix, im.pix.Rect, draw.Src, nil)
	return Wrap(imaging.Clone(dst), im.channels)
}

// Invert returns the inverse of an affine transform. A singular transform
// yields the identity.
func Invert(m f64.Aff3) f64.Aff3 {
	det := m[0]*m[4] - m[1]*m[3]
	if det == 0 {
		return f64.Aff3{1, 0, 0, 0, 1, 0}
	}
	inv := 1 / det
	return f64.Aff3{
		m[4] * inv, -m[1] * inv, (m[1]*m[5] - m[4]*m[2]) * inv,
		-m[3] * inv, m[0] * inv, (m[3]*m[2] - m[0]*m[5]) * inv,
	}
}

// Apply maps a point through an affine transform.
func Apply(m f64.Aff3, p Point) Point {
	return Point{
		X: m[0]*p.X + m[1]*p.Y + m[2],
		Y: m[3]*p.X + m[4]*p.Y + m[5],
	}
}
