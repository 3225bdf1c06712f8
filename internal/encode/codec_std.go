package encode

import (
	"bytes"
	"image/png"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/facecraft/internal/raster"
)

type stdlibCodec struct{}

func (stdlibCodec) Name() string { return "imaging" }

func (stdlibCodec) PNG(img raster.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img.NRGBA(), imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (stdlibCodec) JPEG(img raster.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img.NRGBA(), imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
