//go:build gocv

package face

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/dunamismax/facecraft/internal/raster"
)

// CascadeDetector wraps an OpenCV Haar cascade such as
// haarcascade_frontalface_default.xml.
type CascadeDetector struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	minSize    int
}

func LoadCascadeDetector(path string, minSize int) (*CascadeDetector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("load haar cascade %s", path)
	}
	return &CascadeDetector{classifier: classifier, minSize: minSize}, nil
}

func (d *CascadeDetector) Detect(ctx context.Context, img raster.Image) ([]Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rgb, err := gocv.ImageToMatRGB(img.NRGBA())
	if err != nil {
		return nil, fmt.Errorf("convert image to mat: %w", err)
	}
	defer rgb.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	d.mu.Lock()
	rects := d.classifier.DetectMultiScaleWithParams(
		gray, 1.1, 5, 0,
		image.Pt(d.minSize, d.minSize), image.Pt(0, 0),
	)
	d.mu.Unlock()

	regions := make([]Region, 0, len(rects))
	for _, r := range rects {
		regions = append(regions, RegionFromRect(r))
	}
	return regions, nil
}

func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
