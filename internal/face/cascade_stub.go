//go:build !gocv

package face

import (
	"context"
	"fmt"

	"github.com/dunamismax/facecraft/internal/raster"
)

type CascadeDetector struct{}

func LoadCascadeDetector(path string, _ int) (*CascadeDetector, error) {
	return nil, fmt.Errorf("%w: haar cascade %s needs -tags gocv", ErrBackendUnavailable, path)
}

func (*CascadeDetector) Detect(context.Context, raster.Image) ([]Region, error) {
	return nil, ErrBackendUnavailable
}

func (*CascadeDetector) Close() error { return nil }
