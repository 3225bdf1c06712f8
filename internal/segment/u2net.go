package segment

import (
	"context"
	"fmt"
	"log"

	"github.com/disintegration/imaging"

	"github.com/dunamismax/facecraft/internal/inference"
	"github.com/dunamismax/facecraft/internal/raster"
)

const u2netInputSize = 320

type U2NetConfig struct {
	ModelPath  string
	InputName  string
	OutputName string
	Device     inference.Device
}

// U2Net runs a U²-Net salient object model exported to ONNX.
type U2Net struct {
	session *inference.Session
}

func NewU2Net(cfg U2NetConfig, logger *log.Logger) (*U2Net, error) {
	if cfg.InputName == "" {
		cfg.InputName = "input.1"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "1959"
	}
	session, err := inference.NewSession(cfg.ModelPath, []string{cfg.InputName}, []string{cfg.OutputName}, cfg.Device, logger)
	if err != nil {
		return nil, fmt.Errorf("load u2net: %w", err)
	}
	return &U2Net{session: session}, nil
}

func (u *U2Net) Close() error { return u.session.Close() }

func (u *U2Net) Segment(ctx context.Context, img raster.Image) (raster.Image, error) {
	if err := ctx.Err(); err != nil {
		return raster.Image{}, err
	}
	if img.Empty() {
		return raster.Image{}, fmt.Errorf("segment empty image")
	}

	small := imaging.Resize(img.NRGBA(), u2netInputSize, u2netInputSize, imaging.Lanczos)
	outputs, err := u.session.RunFloat([]inference.Input{{
		Shape: []int64{1, 3, u2netInputSize, u2netInputSize},
		Data:  inference.NCHW(small, maxPixelNormalization(small.Pix)),
	}})
	if err != nil {
		return raster.Image{}, fmt.Errorf("u2net inference: %w", err)
	}
	if len(outputs) == 0 {
		return raster.Image{}, fmt.Errorf("u2net returned no outputs")
	}

	matte, err := MatteFromScores(outputs[0].Data, u2netInputSize, u2netInputSize)
	if err != nil {
		return raster.Image{}, fmt.Errorf("u2net matte: %w", err)
	}
	return ApplyMatte(img, matte)
}

// maxPixelNormalization scales by the brightest color sample before applying
// the ImageNet statistics.
func maxPixelNormalization(pix []uint8) inference.Normalization {
	var peak uint8
	for i, v := range pix {
		if i%4 != 3 && v > peak {
			peak = v
		}
	}
	norm := inference.ImageNet
	norm.Scale = max(float32(peak), 1e-6)
	return norm
}
