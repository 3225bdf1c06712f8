package restore

import (
	"context"
	"fmt"
	"log"

	"github.com/dunamismax/facecraft/internal/face"
	"github.com/dunamismax/facecraft/internal/inference"
	"github.com/dunamismax/facecraft/internal/raster"
)

// FaceFinder yields faces with five keypoints. *face.SCRFD implements it.
type FaceFinder interface {
	DetectWithKeypoints(ctx context.Context, img raster.Image) ([]face.Detection, error)
}

type runner interface {
	RunFloat(inputs []inference.Input) ([]inference.Output, error)
}

type CodeFormerConfig struct {
	ModelPath string
	Device    inference.Device
}

// CodeFormer restores every face it finds with its own detector, working on
// 512×512 FFHQ-aligned crops.
type CodeFormer struct {
	net    runner
	finder FaceFinder
	layout codeFormerLayout
	logger *log.Logger
	close  func() error
}

// codeFormerLayout is the tensor signature of one CodeFormer export. fidelity
// is empty when the export has no fidelity weight input.
type codeFormerLayout struct {
	image        string
	fidelity     string
	fidelityType inference.ElementType
	output       string
}

// layoutFromModel takes the fidelity weight from the input named "w" and the
// image from the first other input.
func layoutFromModel(inputs, outputs []inference.TensorInfo) (codeFormerLayout, error) {
	layout := codeFormerLayout{output: "output"}
	for _, in := range inputs {
		if in.Name == "w" {
			layout.fidelity, layout.fidelityType = in.Name, in.Element
			continue
		}
		if layout.image == "" {
			layout.image = in.Name
		}
	}
	if layout.image == "" {
		return codeFormerLayout{}, fmt.Errorf("codeformer model declares no image input")
	}
	if layout.fidelity != "" && layout.fidelityType != inference.ElementFloat32 && layout.fidelityType != inference.ElementFloat64 {
		return codeFormerLayout{}, fmt.Errorf("codeformer fidelity input has unsupported type %s", layout.fidelityType)
	}
	if len(outputs) > 0 {
		layout.output = outputs[0].Name
	}
	return layout, nil
}

func (l codeFormerLayout) inputNames() []string {
	if l.fidelity == "" {
		return []string{l.image}
	}
	return []string{l.image, l.fidelity}
}

// NewCodeFormer reads the model signature and opens a session over the
// inputs it declares.
func NewCodeFormer(cfg CodeFormerConfig, finder FaceFinder, logger *log.Logger) (*CodeFormer, error) {
	inputs, outputs, err := inference.InspectModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load codeformer: %w", err)
	}
	layout, err := layoutFromModel(inputs, outputs)
	if err != nil {
		return nil, fmt.Errorf("load codeformer: %w", err)
	}
	session, err := inference.NewSession(cfg.ModelPath, layout.inputNames(), []string{layout.output}, cfg.Device, logger)
	if err != nil {
		return nil, fmt.Errorf("load codeformer: %w", err)
	}
	if logger != nil {
		logger.Printf("codeformer inputs=%v fidelity_type=%s", layout.inputNames(), layout.fidelityType)
	}
	cf := newCodeFormer(session, finder, layout, logger)
	cf.close = session.Close
	return cf, nil
}

func newCodeFormer(net runner, finder FaceFinder, layout codeFormerLayout, logger *log.Logger) *CodeFormer {
	return &CodeFormer{net: net, finder: finder, layout: layout, logger: logger}
}

func (c *CodeFormer) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func (c *CodeFormer) Restore(ctx context.Context, img raster.Image, fidelity float64) (raster.Image, error) {
	if c.finder == nil {
		return raster.Image{}, fmt.Errorf("codeformer has no face detector")
	}
	rgb, alpha := img.SplitAlpha()

	dets, err := c.finder.DetectWithKeypoints(ctx, rgb)
	if err != nil {
		return raster.Image{}, fmt.Errorf("detect faces for restoration: %w", err)
	}
	if len(dets) == 0 {
		return img.Clone(), nil
	}

	out := rgb
	for i, det := range dets {
		if err := ctx.Err(); err != nil {
			return raster.Image{}, err
		}
		aligned, s2d, err := alignFace(out, det.Keypoints[:])
		if err != nil {
			return raster.Image{}, fmt.Errorf("align face %d: %w", i, err)
		}
		restored, err := c.restoreAligned(aligned, fidelity)
		if err != nil {
			return raster.Image{}, fmt.Errorf("restore face %d: %w", i, err)
		}
		out = pasteBack(out, restored, s2d)
	}
	if c.logger != nil {
		c.logger.Printf("restored faces=%d fidelity=%.2f", len(dets), fidelity)
	}

	if alpha != nil {
		return out.WithAlpha(alpha)
	}
	return out, nil
}

func (c *CodeFormer) restoreAligned(aligned raster.Image, fidelity float64) (raster.Image, error) {
	inputs := []inference.Input{{
		Shape: []int64{1, 3, faceSize, faceSize},
		Data:  inference.NCHW(aligned.NRGBA(), inference.Symmetric),
	}}
	if c.layout.fidelity != "" {
		w := inference.Input{Shape: []int64{1}}
		if c.layout.fidelityType == inference.ElementFloat64 {
			w.Float64 = []float64{fidelity}
		} else {
			w.Data = []float32{float32(fidelity)}
		}
		inputs = append(inputs, w)
	}

	outputs, err := c.net.RunFloat(inputs)
	if err != nil {
		return raster.Image{}, err
	}
	if len(outputs) == 0 || len(outputs[0].Data) < 3*faceSize*faceSize {
		return raster.Image{}, fmt.Errorf("codeformer output too small")
	}
	return raster.Wrap(inference.FromNCHW(outputs[0].Data, faceSize, faceSize, inference.Symmetric), raster.RGB), nil
}
