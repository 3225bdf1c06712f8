//go:build govips && cgo

package encode

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/facecraft/internal/raster"
)

type govipsCodec struct{}

func (govipsCodec) Name() string { return "govips" }

func (c govipsCodec) PNG(img raster.Image) ([]byte, error) {
	ref, err := c.load(img)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	params := vips.NewPngExportParams()
	params.Compression = 9
	data, _, err := ref.ExportPng(params)
	if err != nil {
		return nil, fmt.Errorf("export png: %w", err)
	}
	return data, nil
}

func (c govipsCodec) JPEG(img raster.Image, quality int) ([]byte, error) {
	ref, err := c.load(img)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	params := vips.NewJpegExportParams()
	if quality > 0 && quality <= 100 {
		params.Quality = quality
	}
	data, _, err := ref.ExportJpeg(params)
	if err != nil {
		return nil, fmt.Errorf("export jpeg: %w", err)
	}
	return data, nil
}

// load hands libvips an uncompressed PNG so the alpha band survives the copy.
func (govipsCodec) load(img raster.Image) (*vips.ImageRef, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, img.NRGBA()); err != nil {
		return nil, fmt.Errorf("stage raster for vips: %w", err)
	}
	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load raster into vips: %w", err)
	}
	if !img.HasAlpha() && ref.HasAlpha() {
		if err := ref.Flatten(&vips.Color{R: 0, G: 0, B: 0}); err != nil {
			ref.Close()
			return nil, fmt.Errorf("drop alpha band: %w", err)
		}
	}
	return ref, nil
}
