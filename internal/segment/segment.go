// Package segment separates the subject from the background and returns the
// result as an RGBA image with a soft matte.
package segment

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/facecraft/internal/raster"
)

// Segmenter returns an image with the same size as its input whose alpha is
// near 0 for background and near 255 for foreground.
type Segmenter interface {
	Segment(ctx context.Context, img raster.Image) (raster.Image, error)
}

// MatteFromScores min-max normalizes a w×h score plane into an 8-bit matte.
// A flat plane yields a fully transparent matte.
func MatteFromScores(scores []float32, w, h int) (*image.Gray, error) {
	if w <= 0 || h <= 0 || len(scores) < w*h {
		return nil, fmt.Errorf("score plane has %d values, want %dx%d", len(scores), w, h)
	}
	plane := scores[:w*h]
	lo, hi := plane[0], plane[0]
	for _, v := range plane {
		lo = min(lo, v)
		hi = max(hi, v)
	}

	matte := image.NewGray(image.Rect(0, 0, w, h))
	span := hi - lo
	if span <= 0 {
		return matte, nil
	}
	for i, v := range plane {
		matte.Pix[i] = uint8((v - lo) / span * 255)
	}
	return matte, nil
}

// ApplyMatte resizes matte to img with Lanczos sampling and attaches it as
// the alpha channel.
func ApplyMatte(img raster.Image, matte *image.Gray) (raster.Image, error) {
	if matte.Rect.Dx() != img.Width() || matte.Rect.Dy() != img.Height() {
		resized := imaging.Resize(matte, img.Width(), img.Height(), imaging.Lanczos)
		gray := image.NewGray(resized.Rect)
		for i := range gray.Pix {
			gray.Pix[i] = resized.Pix[i*4]
		}
		matte = gray
	}
	rgb, _ := img.SplitAlpha()
	return rgb.WithAlpha(matte)
}
