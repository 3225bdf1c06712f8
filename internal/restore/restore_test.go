package restore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/math/f64"

	"github.com/dunamismax/facecraft/internal/face"
	"github.com/dunamismax/facecraft/internal/inference"
	"github.com/dunamismax/facecraft/internal/raster"
)

var quiet = log.New(io.Discard, "", 0)

type restorerFunc func(ctx context.Context, img raster.Image, fidelity float64) (raster.Image, error)

func (f restorerFunc) Restore(ctx context.Context, img raster.Image, fidelity float64) (raster.Image, error) {
	return f(ctx, img, fidelity)
}

type fixedFinder []face.Detection

func (f fixedFinder) DetectWithKeypoints(context.Context, raster.Image) ([]face.Detection, error) {
	return f, nil
}

type fakeNet struct {
	inputs [][]inference.Input
	value  float32
}

func (n *fakeNet) RunFloat(inputs []inference.Input) ([]inference.Output, error) {
	n.inputs = append(n.inputs, inputs)
	data := make([]float32, 3*faceSize*faceSize)
	for i := range data {
		data[i] = n.value
	}
	return []inference.Output{{Name: "output", Data: data}}, nil
}

var float32Layout = codeFormerLayout{image: "x", fidelity: "w", fidelityType: inference.ElementFloat32, output: "output"}

// signatureNet rejects runs that do not match a declared input signature,
// the way the runtime does.
type signatureNet struct {
	fakeNet
	want []inference.ElementType
}

func (n *signatureNet) RunFloat(inputs []inference.Input) ([]inference.Output, error) {
	if len(inputs) != len(n.want) {
		return nil, fmt.Errorf("expected %d inputs, got %d", len(n.want), len(inputs))
	}
	for i, in := range inputs {
		got := inference.ElementFloat32
		if in.Float64 != nil {
			got = inference.ElementFloat64
		}
		if got != n.want[i] {
			return nil, fmt.Errorf("input %d: expected %s, got %s", i, n.want[i], got)
		}
	}
	return n.fakeNet.RunFloat(inputs)
}

func solid(w, h int, r, g, b uint8) raster.Image {
	img := raster.New(w, h, raster.RGB)
	pix := img.NRGBA().Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2] = r, g, b
	}
	return img
}

func TestGuardedWithoutRestorerPassesThrough(t *testing.T) {
	img := solid(8, 8, 1, 2, 3)
	out, restored := NewGuarded(nil, quiet).Restore(context.Background(), img, 0.7)
	assert.False(t, restored)
	assert.Equal(t, img, out)
}

func TestGuardedKeepsOriginalOnFailure(t *testing.T) {
	img := solid(8, 8, 1, 2, 3)
	cases := map[string]Restorer{
		"error": restorerFunc(func(context.Context, raster.Image, float64) (raster.Image, error) {
			return raster.Image{}, errors.New("model exploded")
		}),
		"panic": restorerFunc(func(context.Context, raster.Image, float64) (raster.Image, error) {
			panic("index out of range")
		}),
		"wrong size": restorerFunc(func(context.Context, raster.Image, float64) (raster.Image, error) {
			return solid(4, 4, 9, 9, 9), nil
		}),
		"wrong channels": restorerFunc(func(_ context.Context, img raster.Image, _ float64) (raster.Image, error) {
			return img.ToRGBA(), nil
		}),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			out, restored := NewGuarded(r, quiet).Restore(context.Background(), img, 0.5)
			assert.False(t, restored)
			assert.Equal(t, img, out)
		})
	}
}

func TestGuardedClampsFidelity(t *testing.T) {
	var got float64
	r := restorerFunc(func(_ context.Context, img raster.Image, fidelity float64) (raster.Image, error) {
		got = fidelity
		return solid(img.Width(), img.Height(), 7, 7, 7), nil
	})

	out, restored := NewGuarded(r, quiet).Restore(context.Background(), solid(8, 8, 0, 0, 0), 3)
	assert.True(t, restored)
	assert.Equal(t, 1.0, got)
	assert.Equal(t, uint8(7), out.NRGBA().Pix[0])
}

func TestEstimateSimilarityRecoversTransform(t *testing.T) {
	want := f64.Aff3{
		0.8, -0.3, 12,
		0.3, 0.8, -7,
	}
	src := []raster.Point{{X: 10, Y: 20}, {X: 90, Y: 25}, {X: 50, Y: 60}, {X: 20, Y: 100}, {X: 80, Y: 95}}
	dst := make([]raster.Point, len(src))
	for i, p := range src {
		dst[i] = raster.Apply(want, p)
	}

	got, err := estimateSimilarity(src, dst)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9)
	}
}

func TestEstimateSimilarityNeedsPairs(t *testing.T) {
	_, err := estimateSimilarity([]raster.Point{{X: 1}}, []raster.Point{{X: 2}})
	assert.Error(t, err)
}

func TestCodeFormerWithoutFacesReturnsOriginal(t *testing.T) {
	net := &fakeNet{}
	cf := newCodeFormer(net, fixedFinder(nil), codeFormerLayout{image: "x", output: "output"}, quiet)
	img := solid(64, 64, 10, 20, 30)

	out, err := cf.Restore(context.Background(), img, 0.7)
	require.NoError(t, err)
	assert.Equal(t, img.NRGBA().Pix, out.NRGBA().Pix)
	assert.Empty(t, net.inputs)
}

func TestCodeFormerPastesRestoredFace(t *testing.T) {
	net := &fakeNet{value: 0}
	det := face.Detection{Score: 0.9}
	copy(det.Keypoints[:], ffhqTemplate[:])
	cf := newCodeFormer(net, fixedFinder{det}, float32Layout, quiet)

	img := solid(faceSize, faceSize, 255, 0, 0)
	out, err := cf.Restore(context.Background(), img, 0.25)
	require.NoError(t, err)
	assert.Equal(t, faceSize, out.Width())
	assert.Equal(t, raster.RGB, out.Channels())

	center := out.NRGBA().NRGBAAt(256, 300)
	assert.InDelta(t, 128, int(center.R), 1)
	assert.InDelta(t, 128, int(center.G), 1)
	corner := out.NRGBA().NRGBAAt(1, 1)
	assert.InDelta(t, 255, int(corner.R), 2)

	require.Len(t, net.inputs, 1)
	require.Len(t, net.inputs[0], 2)
	assert.Equal(t, []float32{0.25}, net.inputs[0][1].Data)
}

func TestLayoutFromModel(t *testing.T) {
	img := inference.TensorInfo{Name: "x", Shape: []int64{1, 3, 512, 512}, Element: inference.ElementFloat32}
	out := []inference.TensorInfo{{Name: "y", Element: inference.ElementFloat32}}

	layout, err := layoutFromModel([]inference.TensorInfo{img}, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, layout.inputNames())
	assert.Equal(t, "y", layout.output)

	w := inference.TensorInfo{Name: "w", Shape: []int64{1}, Element: inference.ElementFloat64}
	layout, err = layoutFromModel([]inference.TensorInfo{w, img}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "w"}, layout.inputNames())
	assert.Equal(t, inference.ElementFloat64, layout.fidelityType)
	assert.Equal(t, "output", layout.output)

	_, err = layoutFromModel([]inference.TensorInfo{w}, out)
	assert.Error(t, err)

	w.Element = inference.ElementOther
	_, err = layoutFromModel([]inference.TensorInfo{img, w}, out)
	assert.Error(t, err)
}

func TestCodeFormerFeedsDoubleFidelity(t *testing.T) {
	net := &signatureNet{want: []inference.ElementType{inference.ElementFloat32, inference.ElementFloat64}}
	det := face.Detection{Score: 0.9}
	copy(det.Keypoints[:], ffhqTemplate[:])
	layout := codeFormerLayout{image: "x", fidelity: "w", fidelityType: inference.ElementFloat64, output: "output"}
	guarded := NewGuarded(newCodeFormer(net, fixedFinder{det}, layout, quiet), quiet)

	img := solid(faceSize, faceSize, 255, 0, 0)
	out, restored := guarded.Restore(context.Background(), img, 0.7)
	require.True(t, restored)
	assert.InDelta(t, 128, int(out.NRGBA().NRGBAAt(256, 300).R), 1)

	require.Len(t, net.inputs, 1)
	assert.Equal(t, []float64{0.7}, net.inputs[0][1].Float64)
	assert.Nil(t, net.inputs[0][1].Data)
}

func TestCodeFormerMissingFidelityInputFails(t *testing.T) {
	net := &signatureNet{want: []inference.ElementType{inference.ElementFloat32, inference.ElementFloat32}}
	det := face.Detection{Score: 0.9}
	copy(det.Keypoints[:], ffhqTemplate[:])
	cf := newCodeFormer(net, fixedFinder{det}, codeFormerLayout{image: "x", output: "output"}, quiet)

	_, err := cf.Restore(context.Background(), solid(faceSize, faceSize, 255, 0, 0), 0.7)
	assert.ErrorContains(t, err, "expected 2 inputs")
}

func TestPasteBackOutsideMaskKeepsPixels(t *testing.T) {
	dst := solid(100, 100, 50, 60, 70)
	restored := solid(faceSize, faceSize, 200, 200, 200)
	// The aligned frame lands on the top-left 10x10 corner.
	s2d := f64.Aff3{faceSize / 10.0, 0, 0, 0, faceSize / 10.0, 0}

	out := pasteBack(dst, restored, s2d)
	assert.Equal(t, dst.NRGBA().NRGBAAt(50, 50), out.NRGBA().NRGBAAt(50, 50))
	assert.Equal(t, image.Rect(0, 0, 100, 100), out.Bounds())
}
