package face

import (
	"context"
	"fmt"
	"os"

	pigo "github.com/esimov/pigo/core"

	"github.com/dunamismax/facecraft/internal/raster"
)

// PigoConfig tunes the pixel-intensity-comparison cascade.
type PigoConfig struct {
	MinSize      int
	MaxSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64
	MinScore     float32
}

func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		MinSize:      40,
		MaxSize:      2000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinScore:     5,
	}
}

// PigoDetector is the pure Go face detector. It needs the "facefinder"
// cascade file shipped with pigo.
type PigoDetector struct {
	classifier *pigo.Pigo
	cfg        PigoConfig
}

func LoadPigoDetector(path string, cfg PigoConfig) (*PigoDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pigo cascade %s: %w", path, err)
	}
	return NewPigoDetector(data, cfg)
}

func NewPigoDetector(cascade []byte, cfg PigoConfig) (*PigoDetector, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack pigo cascade: %w", err)
	}
	return &PigoDetector{classifier: classifier, cfg: cfg}, nil
}

func (d *PigoDetector) Detect(ctx context.Context, img raster.Image) ([]Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := imageParams(img)
	maxSize := d.cfg.MaxSize
	if longest := max(img.Width(), img.Height()); maxSize <= 0 || maxSize > longest {
		maxSize = longest
	}

	dets := d.classifier.RunCascade(pigo.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: d.cfg.ScaleFactor,
		ImageParams: params,
	}, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.cfg.IoUThreshold)

	regions := make([]Region, 0, len(dets))
	for _, det := range dets {
		if det.Q < d.cfg.MinScore {
			continue
		}
		half := det.Scale / 2
		regions = append(regions, Region{
			Left:   det.Col - half,
			Top:    det.Row - half,
			Width:  det.Scale,
			Height: det.Scale,
		})
	}
	return regions, nil
}

// PigoLandmarks localizes both pupils inside a face box.
type PigoLandmarks struct {
	cascade  *pigo.PuplocCascade
	perturbs int
}

func LoadPigoLandmarks(path string) (*PigoLandmarks, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read puploc cascade %s: %w", path, err)
	}
	return NewPigoLandmarks(data)
}

func NewPigoLandmarks(cascade []byte) (*PigoLandmarks, error) {
	plc, err := pigo.NewPuplocCascade().UnpackCascade(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack puploc cascade: %w", err)
	}
	return &PigoLandmarks{cascade: plc, perturbs: 63}, nil
}

func (p *PigoLandmarks) Landmarks(ctx context.Context, img raster.Image, region Region) (*LandmarkSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := imageParams(img)
	scale := float32(max(region.Width, region.Height))
	row := region.Top + region.Height/2
	col := region.Left + region.Width/2

	left := p.cascade.RunDetector(pigo.Puploc{
		Row:      row - int(0.075*scale),
		Col:      col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: p.perturbs,
	}, params, 0.0, false)
	right := p.cascade.RunDetector(pigo.Puploc{
		Row:      row - int(0.075*scale),
		Col:      col + int(0.185*scale),
		Scale:    scale * 0.25,
		Perturbs: p.perturbs,
	}, params, 0.0, false)

	if !pupilFound(left) || !pupilFound(right) {
		return nil, nil
	}
	return &LandmarkSet{
		Scheme: SchemePupils,
		Points: []raster.Point{
			{X: float64(left.Col), Y: float64(left.Row)},
			{X: float64(right.Col), Y: float64(right.Row)},
		},
	}, nil
}

func pupilFound(p *pigo.Puploc) bool {
	return p != nil && p.Row > 0 && p.Col > 0
}

func imageParams(img raster.Image) pigo.ImageParams {
	return pigo.ImageParams{
		Pixels: pigo.RgbToGrayscale(img.NRGBA()),
		Rows:   img.Height(),
		Cols:   img.Width(),
		Dim:    img.Width(),
	}
}
