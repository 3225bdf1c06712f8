package face

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/dunamismax/facecraft/internal/raster"
)

// Locator orders detector output and fronts the optional landmark model.
type Locator struct {
	detector  Detector
	landmarks LandmarkDetector
}

func NewLocator(detector Detector, landmarks LandmarkDetector) *Locator {
	return &Locator{detector: detector, landmarks: landmarks}
}

func (l *Locator) HasDetector() bool { return l != nil && l.detector != nil }

func (l *Locator) HasLandmarks() bool { return l != nil && l.landmarks != nil }

// LocateFaces returns the detected regions clamped to the image, largest area
// first. Equal areas keep the detector's enumeration order.
func (l *Locator) LocateFaces(ctx context.Context, img raster.Image) ([]Region, error) {
	if !l.HasDetector() {
		return nil, fmt.Errorf("%w: no face detector configured", ErrBackendUnavailable)
	}
	found, err := l.detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	bounds := img.Bounds()
	regions := make([]Region, 0, len(found))
	for _, r := range found {
		clamped := RegionFromRect(r.Rect().Intersect(bounds))
		if clamped.Empty() {
			continue
		}
		regions = append(regions, clamped)
	}

	slices.SortStableFunc(regions, func(a, b Region) int {
		return cmp.Compare(b.Area(), a.Area())
	})
	return regions, nil
}

// Primary returns the largest face, or false when none was found.
func (l *Locator) Primary(ctx context.Context, img raster.Image) (Region, bool, error) {
	regions, err := l.LocateFaces(ctx, img)
	if err != nil {
		return Region{}, false, err
	}
	if len(regions) == 0 {
		return Region{}, false, nil
	}
	return regions[0], true, nil
}

// LocateLandmarks returns nil without error when no landmark model is
// configured.
func (l *Locator) LocateLandmarks(ctx context.Context, img raster.Image, region Region) (*LandmarkSet, error) {
	if !l.HasLandmarks() {
		return nil, nil
	}
	set, err := l.landmarks.Landmarks(ctx, img, region)
	if err != nil {
		return nil, fmt.Errorf("detect landmarks: %w", err)
	}
	return set, nil
}
