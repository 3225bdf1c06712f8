// Package face locates faces and facial landmarks and derives the rotation
// that levels the eyes.
package face

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/dunamismax/facecraft/internal/raster"
)

var (
	ErrBackendUnavailable = errors.New("face backend not compiled into this build")
	ErrUnknownScheme      = errors.New("unknown landmark scheme")
)

// Region is an axis-aligned face box in the coordinates of the image it was
// detected on. It is never valid against a transformed version of that image.
type Region struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Region) Area() int { return r.Width * r.Height }

func (r Region) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

func (r Region) Center() raster.Point {
	return raster.Point{
		X: float64(r.Left) + float64(r.Width)/2,
		Y: float64(r.Top) + float64(r.Height)/2,
	}
}

func RegionFromRect(rect image.Rectangle) Region {
	rect = rect.Canon()
	return Region{Left: rect.Min.X, Top: rect.Min.Y, Width: rect.Dx(), Height: rect.Dy()}
}

// Scheme names the anatomical indexing of a landmark set.
type Scheme string

const (
	// Scheme68 is the iBUG 300-W layout.
	Scheme68 Scheme = "ibug68"
	// Scheme106 is the insightface 2d106det layout.
	Scheme106 Scheme = "insight106"
	// Scheme5 is the SCRFD/RetinaFace five point layout.
	Scheme5 Scheme = "five_point"
	// SchemePupils holds exactly two pupil centers.
	SchemePupils Scheme = "pupils"
)

type eyeClusters struct {
	size        int
	left, right []int
}

var schemes = map[Scheme]eyeClusters{
	Scheme68:     {size: 68, left: indexRange(36, 41), right: indexRange(42, 47)},
	Scheme106:    {size: 106, left: indexRange(33, 42), right: indexRange(87, 96)},
	Scheme5:      {size: 5, left: []int{0}, right: []int{1}},
	SchemePupils: {size: 2, left: []int{0}, right: []int{1}},
}

func indexRange(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

// LandmarkSet is an ordered set of facial points. "Left" and "right" refer to
// image-space sides.
type LandmarkSet struct {
	Scheme Scheme
	Points []raster.Point
}

// EyeCenters returns the mean of the left and right eye clusters.
func (s LandmarkSet) EyeCenters() (raster.Point, raster.Point, error) {
	clusters, ok := schemes[s.Scheme]
	if !ok {
		return raster.Point{}, raster.Point{}, fmt.Errorf("%w: %q", ErrUnknownScheme, s.Scheme)
	}
	if len(s.Points) < clusters.size {
		return raster.Point{}, raster.Point{}, fmt.Errorf("scheme %s needs %d points, got %d", s.Scheme, clusters.size, len(s.Points))
	}
	return s.mean(clusters.left), s.mean(clusters.right), nil
}

func (s LandmarkSet) mean(indices []int) raster.Point {
	var p raster.Point
	for _, i := range indices {
		p.X += s.Points[i].X
		p.Y += s.Points[i].Y
	}
	n := float64(len(indices))
	return raster.Point{X: p.X / n, Y: p.Y / n}
}

// Alignment is the rotation that levels the eye line.
type Alignment struct {
	AngleDegrees float64
	Center       raster.Point
}

// DeriveAlignment computes the angle of the vector from the left eye center to
// the right eye center and the midpoint between them.
func DeriveAlignment(set LandmarkSet) (Alignment, error) {
	left, right, err := set.EyeCenters()
	if err != nil {
		return Alignment{}, err
	}
	dx := right.X - left.X
	dy := right.Y - left.Y
	return Alignment{
		AngleDegrees: math.Atan2(dy, dx) * 180 / math.Pi,
		Center: raster.Point{
			X: (left.X + right.X) / 2,
			Y: (left.Y + right.Y) / 2,
		},
	}, nil
}

// Detector finds face boxes. Implementations must be safe for concurrent use.
type Detector interface {
	Detect(ctx context.Context, img raster.Image) ([]Region, error)
}

// LandmarkDetector predicts landmarks for one face. A nil set with a nil
// error means the model found nothing usable.
type LandmarkDetector interface {
	Landmarks(ctx context.Context, img raster.Image, region Region) (*LandmarkSet, error)
}
