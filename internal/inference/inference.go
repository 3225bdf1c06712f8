// Package inference wraps ONNX Runtime sessions and the tensor layout helpers
// shared by the model adapters. Session support is compiled in with the
// "onnx" build tag.
package inference

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

var ErrUnavailable = errors.New("onnx runtime not compiled into this build (build with -tags onnx)")

// Device selects the execution provider for new sessions.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

func ParseDevice(raw string) (Device, error) {
	switch Device(strings.ToLower(strings.TrimSpace(raw))) {
	case "", DeviceAuto:
		return DeviceAuto, nil
	case DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA, "gpu":
		return DeviceCUDA, nil
	default:
		return "", fmt.Errorf("unsupported device %q (want auto, cpu or cuda)", raw)
	}
}

// Input is one tensor fed to a session. Float64, when set, is fed as a
// double tensor in place of Data.
type Input struct {
	Shape   []int64
	Data    []float32
	Float64 []float64
}

type ElementType int

const (
	ElementOther ElementType = iota
	ElementFloat32
	ElementFloat64
)

func (e ElementType) String() string {
	switch e {
	case ElementFloat32:
		return "float32"
	case ElementFloat64:
		return "float64"
	default:
		return "other"
	}
}

// TensorInfo is one input or output as declared by the model file.
type TensorInfo struct {
	Name    string
	Shape   []int64
	Element ElementType
}

// Output is a copied model output.
type Output struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Normalization maps an 8-bit sample v to (v/Scale - Mean) / Std per channel.
type Normalization struct {
	Scale float32
	Mean  [3]float32
	Std   [3]float32
}

var (
	// Symmetric maps [0,255] to [-1,1].
	Symmetric = Normalization{Scale: 1, Mean: [3]float32{127.5, 127.5, 127.5}, Std: [3]float32{127.5, 127.5, 127.5}}
	// Insightface is the (v-127.5)/128 convention of the detection models.
	Insightface = Normalization{Scale: 1, Mean: [3]float32{127.5, 127.5, 127.5}, Std: [3]float32{128, 128, 128}}
	// ImageNet uses the torchvision channel statistics on [0,1] input.
	ImageNet = Normalization{Scale: 255, Mean: [3]float32{0.485, 0.456, 0.406}, Std: [3]float32{0.229, 0.224, 0.225}}
)

// NCHW lays out the RGB channels of img as a planar float tensor.
func NCHW(img *image.NRGBA, norm Normalization) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / norm.Scale
				out[c*plane+i] = (v - norm.Mean[c]) / norm.Std[c]
			}
		}
	}
	return out
}

// FromNCHW converts a planar RGB tensor back to an opaque image, applying the
// inverse of norm and clamping to [0,255].
func FromNCHW(data []float32, w, h int, norm Normalization) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	plane := w * h
	for y := 0; y < h; y++ {
		row := out.Pix[y*out.Stride : y*out.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			for c := 0; c < 3; c++ {
				v := (data[c*plane+i]*norm.Std[c] + norm.Mean[c]) * norm.Scale
				row[x*4+c] = clamp8(v)
			}
			row[x*4+3] = 0xff
		}
	}
	return out
}

func clamp8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
