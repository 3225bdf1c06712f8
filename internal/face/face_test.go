package face

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/facecraft/internal/raster"
)

type stubDetector struct {
	regions []Region
	err     error
}

func (s stubDetector) Detect(context.Context, raster.Image) ([]Region, error) {
	return s.regions, s.err
}

func fill(points []raster.Point, indices []int, p raster.Point) {
	for _, i := range indices {
		points[i] = p
	}
}

func TestDeriveAlignment68(t *testing.T) {
	points := make([]raster.Point, 68)
	fill(points, indexRange(36, 41), raster.Point{X: 10, Y: 20})
	fill(points, indexRange(42, 47), raster.Point{X: 30, Y: 40})

	al, err := DeriveAlignment(LandmarkSet{Scheme: Scheme68, Points: points})
	require.NoError(t, err)
	assert.InDelta(t, 45, al.AngleDegrees, 1e-9)
	assert.Equal(t, raster.Point{X: 20, Y: 30}, al.Center)
}

func TestDeriveAlignment106UsesImageSides(t *testing.T) {
	points := make([]raster.Point, 106)
	fill(points, indexRange(33, 42), raster.Point{X: 40, Y: 50})
	fill(points, indexRange(87, 96), raster.Point{X: 80, Y: 50})

	al, err := DeriveAlignment(LandmarkSet{Scheme: Scheme106, Points: points})
	require.NoError(t, err)
	assert.InDelta(t, 0, al.AngleDegrees, 1e-9)
	assert.Equal(t, raster.Point{X: 60, Y: 50}, al.Center)
}

func TestDeriveAlignmentPupils(t *testing.T) {
	al, err := DeriveAlignment(LandmarkSet{
		Scheme: SchemePupils,
		Points: []raster.Point{{X: 0, Y: 10}, {X: 10, Y: 0}},
	})
	require.NoError(t, err)
	assert.InDelta(t, -45, al.AngleDegrees, 1e-9)
}

func TestDeriveAlignmentRejectsBadSets(t *testing.T) {
	_, err := DeriveAlignment(LandmarkSet{Scheme: "mystery", Points: make([]raster.Point, 68)})
	assert.ErrorIs(t, err, ErrUnknownScheme)

	_, err = DeriveAlignment(LandmarkSet{Scheme: Scheme68, Points: make([]raster.Point, 5)})
	assert.Error(t, err)
}

func TestLocateFacesOrdersByAreaStably(t *testing.T) {
	img := raster.New(200, 200, raster.RGB)
	loc := NewLocator(stubDetector{regions: []Region{
		{Left: 0, Top: 0, Width: 10, Height: 10},
		{Left: 50, Top: 50, Width: 40, Height: 40},
		{Left: 100, Top: 100, Width: 10, Height: 10},
	}}, nil)

	regions, err := loc.LocateFaces(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, regions, 3)
	assert.Equal(t, 50, regions[0].Left)
	assert.Equal(t, 0, regions[1].Left)
	assert.Equal(t, 100, regions[2].Left)
}

func TestLocateFacesClampsToImage(t *testing.T) {
	img := raster.New(100, 80, raster.RGB)
	loc := NewLocator(stubDetector{regions: []Region{
		{Left: -10, Top: 60, Width: 40, Height: 40},
		{Left: 300, Top: 300, Width: 20, Height: 20},
	}}, nil)

	regions, err := loc.LocateFaces(context.Background(), img)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, Region{Left: 0, Top: 60, Width: 30, Height: 20}, regions[0])
}

func TestPrimary(t *testing.T) {
	img := raster.New(50, 50, raster.RGB)

	_, ok, err := NewLocator(stubDetector{}, nil).Primary(context.Background(), img)
	require.NoError(t, err)
	assert.False(t, ok)

	boom := errors.New("boom")
	_, _, err = NewLocator(stubDetector{err: boom}, nil).Primary(context.Background(), img)
	assert.ErrorIs(t, err, boom)
}

func TestLocatorWithoutModels(t *testing.T) {
	var loc *Locator
	assert.False(t, loc.HasDetector())

	loc = NewLocator(nil, nil)
	_, err := loc.LocateFaces(context.Background(), raster.New(4, 4, raster.RGB))
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	set, err := loc.LocateLandmarks(context.Background(), raster.New(4, 4, raster.RGB), Region{Width: 2, Height: 2})
	require.NoError(t, err)
	assert.Nil(t, set)
}

func TestDecodeSCRFD(t *testing.T) {
	// 32px input: strides 8/16/32 give 4x4, 2x2 and 1x1 grids.
	scores := make([]float32, 32)
	boxes := make([]float32, 32*4)
	kps := make([]float32, 32*10)

	idx := (1*4 + 2) * 2 // y=1, x=2, first anchor
	scores[idx] = 3 // logit
	copy(boxes[idx*4:], []float32{1, 1, 1, 1})
	copy(kps[idx*10:], []float32{-0.5, 0, 0.5, 0, 0, 0.25, -0.25, 0.5, 0.25, 0.5})

	dets := decodeSCRFD([]scrfdLevel{{scores: scores, boxes: boxes, kps: kps}, {}, {}}, 32, 0.5, 0.5, 100, 100)
	require.Len(t, dets, 1)

	d := dets[0]
	assert.InDelta(t, 1/(1+math.Exp(-3)), float64(d.Score), 1e-5)
	assert.Equal(t, [4]float32{16, 0, 48, 32}, d.Box)
	assert.Equal(t, raster.Point{X: 24, Y: 16}, d.Keypoints[0])
	assert.Equal(t, raster.Point{X: 40, Y: 16}, d.Keypoints[1])
	assert.Equal(t, Region{Left: 16, Top: 0, Width: 32, Height: 32}, d.Region())
	assert.Equal(t, Scheme5, d.Landmarks().Scheme)
}

func TestNMSKeepsBestOfOverlaps(t *testing.T) {
	dets := []Detection{
		{Box: [4]float32{0, 0, 10, 10}, Score: 0.6},
		{Box: [4]float32{1, 1, 11, 11}, Score: 0.9},
		{Box: [4]float32{50, 50, 60, 60}, Score: 0.7},
	}

	kept := nms(dets, 0.4)
	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].Score)
	assert.Equal(t, float32(0.7), kept[1].Score)
}

func TestIoU(t *testing.T) {
	assert.InDelta(t, 1.0, float64(iou([4]float32{0, 0, 2, 2}, [4]float32{0, 0, 2, 2})), 1e-6)
	assert.InDelta(t, 1.0/7, float64(iou([4]float32{0, 0, 2, 2}, [4]float32{1, 1, 3, 3})), 1e-6)
	assert.Zero(t, iou([4]float32{0, 0, 1, 1}, [4]float32{2, 2, 3, 3}))
}

func TestLandmark106CropRoundTrip(t *testing.T) {
	region := Region{Left: 50, Top: 50, Width: 100, Height: 100}
	s2d := landmarkCropTransform(region)

	raw := make([]float32, 212)
	raw[2], raw[3] = -1, -1
	set := decodeLandmark106(raw, s2d)

	require.Len(t, set.Points, 106)
	assert.Equal(t, Scheme106, set.Scheme)
	assert.InDelta(t, 100, set.Points[0].X, 1e-9)
	assert.InDelta(t, 100, set.Points[0].Y, 1e-9)
	assert.InDelta(t, 25, set.Points[1].X, 1e-9)
	assert.InDelta(t, 25, set.Points[1].Y, 1e-9)
}

func TestLetterboxPadsBottomRight(t *testing.T) {
	img := raster.New(200, 100, raster.RGB)
	for i := 0; i < len(img.NRGBA().Pix); i += 4 {
		img.NRGBA().Pix[i] = 255
	}

	canvas, scale := letterbox(img, 64)
	assert.InDelta(t, 0.32, float64(scale), 1e-6)
	assert.Equal(t, uint8(255), canvas.NRGBAAt(10, 10).R)
	assert.Equal(t, uint8(0), canvas.NRGBAAt(10, 40).R)
}

func TestLoadPigoDetectorMissingFile(t *testing.T) {
	_, err := LoadPigoDetector(filepath.Join(t.TempDir(), "facefinder"), DefaultPigoConfig())
	assert.Error(t, err)

	_, err = LoadPigoLandmarks(filepath.Join(t.TempDir(), "puploc.bin"))
	assert.Error(t, err)
}
