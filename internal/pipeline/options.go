package pipeline

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/domain"
)

const (
	MinCanvas = 64
	MaxCanvas = 4096
)

// Options configures one Process call. It is a value and is never mutated by
// the pipeline.
type Options struct {
	Width           int
	Height          int
	Background      color.RGBA
	FaceMargin      float64
	OvalMask        bool
	RestoreFace     bool
	RestoreFidelity float64
	EnhancePhoto    bool
	// MaxJPEGSizeKB bounds the lossy output; 0 disables the quality search.
	MaxJPEGSizeKB int
}

func DefaultOptions() Options {
	return Options{
		Width:           648,
		Height:          648,
		Background:      color.RGBA{R: 240, G: 240, B: 240, A: 255},
		FaceMargin:      0.3,
		OvalMask:        true,
		RestoreFace:     true,
		RestoreFidelity: 0.7,
		EnhancePhoto:    true,
		MaxJPEGSizeKB:   99,
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.Width < MinCanvas || o.Width > MaxCanvas {
		errs = append(errs, fmt.Errorf("width must be between %d and %d, got %d", MinCanvas, MaxCanvas, o.Width))
	}
	if o.Height < MinCanvas || o.Height > MaxCanvas {
		errs = append(errs, fmt.Errorf("height must be between %d and %d, got %d", MinCanvas, MaxCanvas, o.Height))
	}
	if o.FaceMargin < 0 || o.FaceMargin > 1 {
		errs = append(errs, fmt.Errorf("face margin must be between 0 and 1, got %g", o.FaceMargin))
	}
	if o.RestoreFidelity < 0 || o.RestoreFidelity > 1 {
		errs = append(errs, fmt.Errorf("restore fidelity must be between 0 and 1, got %g", o.RestoreFidelity))
	}
	if o.MaxJPEGSizeKB < 0 {
		errs = append(errs, fmt.Errorf("max jpeg size must not be negative, got %d", o.MaxJPEGSizeKB))
	}
	return errors.Join(errs...)
}

func (o Options) maxJPEGBytes() int {
	return o.MaxJPEGSizeKB * 1024
}

// OptionsFromDomain overlays the set fields of a job's options on base.
func OptionsFromDomain(base Options, in domain.PortraitOptions) Options {
	out := base
	if in.Width > 0 {
		out.Width = in.Width
	}
	if in.Height > 0 {
		out.Height = in.Height
	}
	if len(in.Background) == 3 {
		out.Background = color.RGBA{R: uint8(in.Background[0]), G: uint8(in.Background[1]), B: uint8(in.Background[2]), A: 255}
	}
	if in.FaceMargin != nil {
		out.FaceMargin = *in.FaceMargin
	}
	if in.OvalMask != nil {
		out.OvalMask = *in.OvalMask
	}
	if in.RestoreFace != nil {
		out.RestoreFace = *in.RestoreFace
	}
	if in.RestoreFidelity != nil {
		out.RestoreFidelity = *in.RestoreFidelity
	}
	if in.EnhancePhoto != nil {
		out.EnhancePhoto = *in.EnhancePhoto
	}
	if in.MaxSizeKB != nil {
		out.MaxJPEGSizeKB = *in.MaxSizeKB
	}
	return out
}

// OptionsFromConfig builds the service defaults from the environment
// configuration.
func OptionsFromConfig(cfg config.ProcessingConfig) Options {
	return Options{
		Width:           cfg.Width,
		Height:          cfg.Height,
		Background:      cfg.Background,
		FaceMargin:      cfg.FaceMargin,
		OvalMask:        cfg.OvalMask,
		RestoreFace:     cfg.RestoreFace,
		RestoreFidelity: cfg.RestoreFidelity,
		EnhancePhoto:    cfg.EnhancePhoto,
		MaxJPEGSizeKB:   cfg.MaxJPEGSizeKB,
	}
}
