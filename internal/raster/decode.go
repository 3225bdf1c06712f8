package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrEmptyInput = errors.New("empty image input")

// Decode reads any registered raster format, applies EXIF orientation and
// returns a 3-channel image with the detected format name.
func Decode(data []byte) (Image, string, error) {
	if len(data) == 0 {
		return Image{}, "", ErrEmptyInput
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, "", fmt.Errorf("decode image config: %w", err)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, format, fmt.Errorf("decode %s image: %w", format, err)
	}
	if src.Bounds().Empty() {
		return Image{}, format, fmt.Errorf("decode %s image: zero dimensions", format)
	}

	return FromImage(src, RGB), format, nil
}
