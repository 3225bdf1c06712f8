package composite

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/facecraft/internal/raster"
)

// Placement describes where the scaled source landed on the canvas.
type Placement struct {
	Scale  float64
	Offset image.Point
	Size   image.Point
}

// ResizeToCanvas scales img uniformly to fit width x height without cropping
// and centers it. A transparent canvas yields an RGBA image; an opaque canvas
// yields RGB with any source opacity composited onto bg.
func ResizeToCanvas(img raster.Image, width, height int, bg color.RGBA, transparent bool) raster.Image {
	out, _ := ResizeToCanvasWithPlacement(img, width, height, bg, transparent)
	return out
}

func ResizeToCanvasWithPlacement(img raster.Image, width, height int, bg color.RGBA, transparent bool) (raster.Image, Placement) {
	width = max(1, width)
	height = max(1, height)

	srcW, srcH := img.Width(), img.Height()
	if srcW == 0 || srcH == 0 {
		return emptyCanvas(width, height, bg, transparent), Placement{}
	}

	scale := math.Min(float64(width)/float64(srcW), float64(height)/float64(srcH))
	newW := clamp(int(float64(srcW)*scale), 1, width)
	newH := clamp(int(float64(srcH)*scale), 1, height)

	var scaled *image.NRGBA
	if newW == srcW && newH == srcH {
		scaled = img.NRGBA()
	} else {
		scaled = imaging.Resize(img.NRGBA(), newW, newH, imaging.Lanczos)
	}

	offset := image.Pt((width-newW)/2, (height-newH)/2)
	placement := Placement{Scale: scale, Offset: offset, Size: image.Pt(newW, newH)}
	dstRect := image.Rectangle{Min: offset, Max: offset.Add(image.Pt(newW, newH))}

	if transparent {
		canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.Draw(canvas, dstRect, scaled, scaled.Rect.Min, draw.Src)
		return raster.Wrap(canvas, raster.RGBA), placement
	}

	bg.A = 0xff
	canvas := imaging.New(width, height, bg)
	op := draw.Src
	if img.HasAlpha() {
		op = draw.Over
	}
	draw.Draw(canvas, dstRect, scaled, scaled.Rect.Min, op)
	return raster.Wrap(canvas, raster.RGB), placement
}

func emptyCanvas(width, height int, bg color.RGBA, transparent bool) raster.Image {
	if transparent {
		return raster.New(width, height, raster.RGBA)
	}
	bg.A = 0xff
	return raster.Wrap(imaging.New(width, height, bg), raster.RGB)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
