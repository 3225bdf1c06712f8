package face

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"log"
	"sort"

	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"

	"github.com/dunamismax/facecraft/internal/inference"
	"github.com/dunamismax/facecraft/internal/raster"
)

var scrfdOutputs = []string{
	"score_8", "score_16", "score_32",
	"bbox_8", "bbox_16", "bbox_32",
	"kps_8", "kps_16", "kps_32",
}

var scrfdStrides = []int{8, 16, 32}

const scrfdAnchors = 2

// Detection is one SCRFD hit with its five keypoints in source coordinates.
type Detection struct {
	Box       [4]float32
	Keypoints [5]raster.Point
	Score     float32
}

func (d Detection) Region() Region {
	return RegionFromRect(image.Rect(
		int(d.Box[0]), int(d.Box[1]),
		int(math32.Ceil(d.Box[2])), int(math32.Ceil(d.Box[3])),
	))
}

func (d Detection) Landmarks() LandmarkSet {
	return LandmarkSet{Scheme: Scheme5, Points: append([]raster.Point(nil), d.Keypoints[:]...)}
}

type SCRFDConfig struct {
	ModelPath     string
	InputSize     int
	ConfThreshold float32
	NMSThreshold  float32
	Device        inference.Device
}

// SCRFD runs the insightface SCRFD detector through ONNX Runtime.
type SCRFD struct {
	session *inference.Session
	cfg     SCRFDConfig
}

func NewSCRFD(cfg SCRFDConfig, logger *log.Logger) (*SCRFD, error) {
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = 0.5
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = 0.4
	}
	session, err := inference.NewSession(cfg.ModelPath, []string{"input.1"}, scrfdOutputs, cfg.Device, logger)
	if err != nil {
		return nil, fmt.Errorf("load scrfd: %w", err)
	}
	return &SCRFD{session: session, cfg: cfg}, nil
}

func (s *SCRFD) Close() error { return s.session.Close() }

func (s *SCRFD) Detect(ctx context.Context, img raster.Image) ([]Region, error) {
	dets, err := s.DetectWithKeypoints(ctx, img)
	if err != nil {
		return nil, err
	}
	regions := make([]Region, 0, len(dets))
	for _, d := range dets {
		regions = append(regions, d.Region())
	}
	return regions, nil
}

// DetectWithKeypoints returns detections sorted by score after NMS.
func (s *SCRFD) DetectWithKeypoints(ctx context.Context, img raster.Image) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, scale := letterbox(img, s.cfg.InputSize)
	size := int64(s.cfg.InputSize)

	outputs, err := s.session.RunFloat([]inference.Input{{
		Shape: []int64{1, 3, size, size},
		Data:  inference.NCHW(blob, inference.Insightface),
	}})
	if err != nil {
		return nil, fmt.Errorf("scrfd inference: %w", err)
	}
	if len(outputs) != len(scrfdOutputs) {
		return nil, fmt.Errorf("scrfd returned %d outputs, want %d", len(outputs), len(scrfdOutputs))
	}

	levels := make([]scrfdLevel, len(scrfdStrides))
	for i := range scrfdStrides {
		levels[i] = scrfdLevel{
			scores: outputs[i].Data,
			boxes:  outputs[i+3].Data,
			kps:    outputs[i+6].Data,
		}
	}
	dets := decodeSCRFD(levels, s.cfg.InputSize, scale, s.cfg.ConfThreshold, img.Width(), img.Height())
	return nms(dets, s.cfg.NMSThreshold), nil
}

// letterbox scales the longest side to size and pads right/bottom with black.
func letterbox(img raster.Image, size int) (*image.NRGBA, float32) {
	scale := float32(size) / float32(max(img.Width(), img.Height()))
	newW := max(1, int(float32(img.Width())*scale))
	newH := max(1, int(float32(img.Height())*scale))

	resized := imaging.Resize(img.NRGBA(), newW, newH, imaging.Linear)
	canvas := imaging.New(size, size, image.Black)
	draw.Draw(canvas, resized.Rect, resized, image.Point{}, draw.Src)
	return canvas, scale
}

type scrfdLevel struct {
	scores, boxes, kps []float32
}

// decodeSCRFD turns anchor-relative distances into boxes and keypoints in
// source coordinates.
func decodeSCRFD(levels []scrfdLevel, inputSize int, scale, threshold float32, srcW, srcH int) []Detection {
	var dets []Detection
	for li, level := range levels {
		stride := float32(scrfdStrides[li])
		fm := inputSize / scrfdStrides[li]
		anchor := 0
		for y := 0; y < fm; y++ {
			for x := 0; x < fm; x++ {
				for a := 0; a < scrfdAnchors; a++ {
					idx := anchor
					anchor++
					if idx >= len(level.scores) || (idx+1)*4 > len(level.boxes) || (idx+1)*10 > len(level.kps) {
						continue
					}
					score := level.scores[idx]
					if score < 0 || score > 1 {
						score = sigmoid(score)
					}
					if score <= threshold {
						continue
					}

					cx := float32(x) * stride
					cy := float32(y) * stride
					b := level.boxes[idx*4 : idx*4+4]
					det := Detection{
						Box: [4]float32{
							clampf((cx-b[0]*stride)/scale, 0, float32(srcW)),
							clampf((cy-b[1]*stride)/scale, 0, float32(srcH)),
							clampf((cx+b[2]*stride)/scale, 0, float32(srcW)),
							clampf((cy+b[3]*stride)/scale, 0, float32(srcH)),
						},
						Score: score,
					}
					k := level.kps[idx*10 : idx*10+10]
					for p := 0; p < 5; p++ {
						det.Keypoints[p] = raster.Point{
							X: float64((cx + k[p*2]*stride) / scale),
							Y: float64((cy + k[p*2+1]*stride) / scale),
						}
					}
					dets = append(dets, det)
				}
			}
		}
	}
	return dets
}

func nms(dets []Detection, threshold float32) []Detection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })

	keep := make([]Detection, 0, len(dets))
	suppressed := make([]bool, len(dets))
	for i := range dets {
		if suppressed[i] {
			continue
		}
		keep = append(keep, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if !suppressed[j] && iou(dets[i].Box, dets[j].Box) > threshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

func iou(a, b [4]float32) float32 {
	x1 := math32.Max(a[0], b[0])
	y1 := math32.Max(a[1], b[1])
	x2 := math32.Min(a[2], b[2])
	y2 := math32.Min(a[3], b[3])
	if x1 >= x2 || y1 >= y2 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

func clampf(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
