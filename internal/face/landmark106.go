package face

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/image/math/f64"

	"github.com/dunamismax/facecraft/internal/inference"
	"github.com/dunamismax/facecraft/internal/raster"
)

const (
	landmark106Input  = 192
	landmark106Points = 106
	landmark106Pad    = 1.5
)

// Landmark106 runs the insightface 2d106det model on a padded crop around a
// face box.
type Landmark106 struct {
	session *inference.Session
}

func NewLandmark106(modelPath string, device inference.Device, logger *log.Logger) (*Landmark106, error) {
	session, err := inference.NewSession(modelPath, []string{"data"}, []string{"fc1"}, device, logger)
	if err != nil {
		return nil, fmt.Errorf("load landmark106: %w", err)
	}
	return &Landmark106{session: session}, nil
}

func (m *Landmark106) Close() error { return m.session.Close() }

func (m *Landmark106) Landmarks(ctx context.Context, img raster.Image, region Region) (*LandmarkSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if region.Empty() {
		return nil, nil
	}

	s2d := landmarkCropTransform(region)
	crop := img.Warp(s2d, landmark106Input, landmark106Input)

	outputs, err := m.session.RunFloat([]inference.Input{{
		Shape: []int64{1, 3, landmark106Input, landmark106Input},
		Data:  inference.NCHW(crop.NRGBA(), inference.Insightface),
	}})
	if err != nil {
		return nil, fmt.Errorf("landmark106 inference: %w", err)
	}
	if len(outputs) == 0 || len(outputs[0].Data) < landmark106Points*2 {
		return nil, nil
	}
	return decodeLandmark106(outputs[0].Data, s2d), nil
}

// landmarkCropTransform centers the face in the model input with 1.5x padding
// around its longest side.
func landmarkCropTransform(region Region) f64.Aff3 {
	c := region.Center()
	scale := float64(landmark106Input) / (float64(max(region.Width, region.Height)) * landmark106Pad)
	half := float64(landmark106Input) / 2
	return f64.Aff3{
		scale, 0, half - c.X*scale,
		0, scale, half - c.Y*scale,
	}
}

// decodeLandmark106 maps the [-1,1] model output back to source coordinates.
func decodeLandmark106(raw []float32, s2d f64.Aff3) *LandmarkSet {
	d2s := raster.Invert(s2d)
	half := float64(landmark106Input) / 2
	points := make([]raster.Point, landmark106Points)
	for i := range points {
		crop := raster.Point{
			X: (float64(raw[i*2]) + 1) * half,
			Y: (float64(raw[i*2+1]) + 1) * half,
		}
		points[i] = raster.Apply(d2s, crop)
	}
	return &LandmarkSet{Scheme: Scheme106, Points: points}
}
