// Package encode produces the lossless and size-bounded lossy portrait files.
package encode

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/dunamismax/facecraft/internal/raster"
)

const (
	StartQuality = 90
	QualityStep  = 3
	QualityFloor = 50
)

var ErrEmptyImage = errors.New("cannot encode empty image")

// Codec turns rasters into encoded bytes. The default codec is pure Go; the
// govips build swaps in libvips.
type Codec interface {
	Name() string
	PNG(img raster.Image) ([]byte, error)
	JPEG(img raster.Image, quality int) ([]byte, error)
}

// Lossy is the outcome of a size-bounded encode.
type Lossy struct {
	Data    []byte
	Quality int
	// WithinBudget is false when the floor quality still exceeded the budget.
	WithinBudget bool
}

type Encoder struct {
	codec Codec
}

func New() (*Encoder, error) {
	codec, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("build codec: %w", err)
	}
	return &Encoder{codec: codec}, nil
}

func NewWithCodec(codec Codec) *Encoder {
	return &Encoder{codec: codec}
}

func (e *Encoder) CodecName() string {
	return e.codec.Name()
}

// Lossless encodes the image as PNG, keeping opacity when present.
func (e *Encoder) Lossless(img raster.Image) ([]byte, error) {
	if img.Empty() {
		return nil, ErrEmptyImage
	}
	data, err := e.codec.PNG(img)
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return data, nil
}

// Lossy flattens any opacity onto bg and encodes JPEG. With maxBytes > 0 the
// quality steps down from StartQuality until the output fits or the floor is
// reached; the floor result is returned even when it is still too large.
func (e *Encoder) Lossy(img raster.Image, bg color.RGBA, maxBytes int) (Lossy, error) {
	if img.Empty() {
		return Lossy{}, ErrEmptyImage
	}
	flat := img.Flatten(bg)

	quality := StartQuality
	data, err := e.codec.JPEG(flat, quality)
	if err != nil {
		return Lossy{}, fmt.Errorf("encode jpeg quality=%d: %w", quality, err)
	}

	for maxBytes > 0 && len(data) > maxBytes && quality > QualityFloor {
		quality = max(quality-QualityStep, QualityFloor)
		data, err = e.codec.JPEG(flat, quality)
		if err != nil {
			return Lossy{}, fmt.Errorf("encode jpeg quality=%d: %w", quality, err)
		}
	}

	return Lossy{
		Data:         data,
		Quality:      quality,
		WithinBudget: maxBytes <= 0 || len(data) <= maxBytes,
	}, nil
}
