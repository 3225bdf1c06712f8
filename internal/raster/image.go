// Package raster holds the in-memory image representation shared by every
// processing stage. Images carry an explicit channel count so that a stage
// boundary never has to guess whether opacity is present.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
)

const (
	RGB  = 3
	RGBA = 4
)

// Image is an 8-bit raster stored as non-premultiplied NRGBA. A 3-channel
// image keeps every alpha sample at 0xff.
type Image struct {
	pix      *image.NRGBA
	channels int
}

// Point is a sub-pixel position in image coordinates.
type Point struct {
	X, Y float64
}

// New returns a zeroed image. RGB images start opaque black, RGBA images start
// fully transparent.
func New(width, height, channels int) Image {
	pix := image.NewNRGBA(image.Rect(0, 0, width, height))
	if channels == RGB {
		fillAlpha(pix, 0xff)
	}
	return Image{pix: pix, channels: normalizeChannels(channels)}
}

// FromImage copies src into a new raster with the requested layout. Requesting
// RGB discards source opacity, which is the decode-time contract.
func FromImage(src image.Image, channels int) Image {
	pix := imaging.Clone(src)
	channels = normalizeChannels(channels)
	if channels == RGB {
		fillAlpha(pix, 0xff)
	}
	return Image{pix: pix, channels: channels}
}

// Wrap adopts an NRGBA buffer without copying when its origin is (0,0).
func Wrap(pix *image.NRGBA, channels int) Image {
	if pix.Rect.Min != (image.Point{}) {
		pix = imaging.Clone(pix)
	}
	channels = normalizeChannels(channels)
	if channels == RGB {
		fillAlpha(pix, 0xff)
	}
	return Image{pix: pix, channels: channels}
}

func (im Image) Width() int {
	if im.pix == nil {
		return 0
	}
	return im.pix.Rect.Dx()
}

func (im Image) Height() int {
	if im.pix == nil {
		return 0
	}
	return im.pix.Rect.Dy()
}

func (im Image) Channels() int { return im.channels }

func (im Image) HasAlpha() bool { return im.channels == RGBA }

func (im Image) Empty() bool { return im.pix == nil || im.pix.Rect.Empty() }

func (im Image) Bounds() image.Rectangle {
	if im.pix == nil {
		return image.Rectangle{}
	}
	return im.pix.Rect
}

// NRGBA exposes the backing buffer. Callers must not mutate it unless they own
// the image.
func (im Image) NRGBA() *image.NRGBA { return im.pix }

func (im Image) String() string {
	return fmt.Sprintf("%dx%dx%d", im.Width(), im.Height(), im.channels)
}

func (im Image) Clone() Image {
	if im.pix == nil {
		return Image{channels: im.channels}
	}
	return Image{pix: imaging.Clone(im.pix), channels: im.channels}
}

// ToRGBA returns a 4-channel copy. Existing opacity is preserved; an RGB
// source becomes fully opaque.
func (im Image) ToRGBA() Image {
	out := im.Clone()
	out.channels = RGBA
	return out
}

// Flatten alpha-composites the image onto a solid background and returns a
// 3-channel result. RGB inputs are copied unchanged.
func (im Image) Flatten(bg color.RGBA) Image {
	if !im.HasAlpha() {
		return im.Clone()
	}
	bg.A = 0xff
	canvas := imaging.New(im.Width(), im.Height(), bg)
	draw.Draw(canvas, canvas.Bounds(), im.pix, im.pix.Rect.Min, draw.Over)
	return Wrap(canvas, RGB)
}

// Alpha returns the opacity plane. RGB images report a fully opaque plane.
func (im Image) Alpha() *image.Gray {
	w, h := im.Width(), im.Height()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := im.pix.Pix[y*im.pix.Stride : y*im.pix.Stride+w*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+w]
		for x := range dst {
			dst[x] = src[x*4+3]
		}
	}
	return out
}

// SplitAlpha separates the color channels from the opacity plane. The opacity
// plane is nil for RGB images.
func (im Image) SplitAlpha() (Image, *image.Gray) {
	if !im.HasAlpha() {
		return im.Clone(), nil
	}
	alpha := im.Alpha()
	rgb := im.Clone()
	fillAlpha(rgb.pix, 0xff)
	rgb.channels = RGB
	return rgb, alpha
}

// WithAlpha attaches an opacity plane of identical size and returns an RGBA
// image. The color channels are copied from im.
func (im Image) WithAlpha(alpha *image.Gray) (Image, error) {
	if alpha == nil {
		return Image{}, fmt.Errorf("alpha plane is required")
	}
	if alpha.Rect.Dx() != im.Width() || alpha.Rect.Dy() != im.Height() {
		return Image{}, fmt.Errorf("alpha plane %dx%d does not match image %s", alpha.Rect.Dx(), alpha.Rect.Dy(), im)
	}
	out := im.Clone()
	out.channels = RGBA
	w, h := out.Width(), out.Height()
	for y := 0; y < h; y++ {
		row := out.pix.Pix[y*out.pix.Stride : y*out.pix.Stride+w*4]
		a := alpha.Pix[y*alpha.Stride : y*alpha.Stride+w]
		for x := 0; x < w; x++ {
			row[x*4+3] = a[x]
		}
	}
	return out, nil
}

func fillAlpha(pix *image.NRGBA, value uint8) {
	w, h := pix.Rect.Dx(), pix.Rect.Dy()
	for y := 0; y < h; y++ {
		row := pix.Pix[y*pix.Stride : y*pix.Stride+w*4]
		for x := 3; x < len(row); x += 4 {
			row[x] = value
		}
	}
}

func normalizeChannels(channels int) int {
	if channels == RGBA {
		return RGBA
	}
	return RGB
}
