package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/facecraft/internal/composite"
	"github.com/dunamismax/facecraft/internal/encode"
	"github.com/dunamismax/facecraft/internal/enhance"
	"github.com/dunamismax/facecraft/internal/face"
	"github.com/dunamismax/facecraft/internal/raster"
	"github.com/dunamismax/facecraft/internal/restore"
	"github.com/dunamismax/facecraft/internal/segment"
)

// topMarginFactor widens the margin above the face to keep forehead and hair.
const topMarginFactor = 1.5

type Processor struct {
	caps      Capabilities
	locator   *face.Locator
	segmenter segment.Segmenter
	restorer  *restore.Guarded
	encoder   *encode.Encoder
	stats     *Stats
	logger    *log.Logger
	tracer    trace.Tracer
	metrics   *metrics
}

type Option func(*processorConfig)

type processorConfig struct {
	logger     *log.Logger
	stats      *Stats
	encoder    *encode.Encoder
	registerer prometheus.Registerer
}

func WithLogger(logger *log.Logger) Option {
	return func(c *processorConfig) { c.logger = logger }
}

// WithStats shares a statistics sink between processors.
func WithStats(stats *Stats) Option {
	return func(c *processorConfig) { c.stats = stats }
}

func WithEncoder(encoder *encode.Encoder) Option {
	return func(c *processorConfig) { c.encoder = encoder }
}

// WithRegisterer registers the pipeline metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *processorConfig) { c.registerer = r }
}

func NewProcessor(caps Capabilities, opts ...Option) (*Processor, error) {
	cfg := processorConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.New(io.Discard, "", 0)
	}
	if cfg.stats == nil {
		cfg.stats = NewStats()
	}
	if cfg.encoder == nil {
		enc, err := encode.New()
		if err != nil {
			return nil, fmt.Errorf("build encoder: %w", err)
		}
		cfg.encoder = enc
	}

	return &Processor{
		caps:      caps,
		locator:   face.NewLocator(caps.Detector, caps.Landmarks),
		segmenter: caps.Segmenter,
		restorer:  restore.NewGuarded(caps.Restorer, cfg.logger),
		encoder:   cfg.encoder,
		stats:     cfg.stats,
		logger:    cfg.logger,
		tracer:    otel.Tracer("facecraft/pipeline"),
		metrics:   newMetrics(cfg.registerer),
	}, nil
}

func (p *Processor) Stats() *Stats { return p.stats }

func (p *Processor) Capabilities() CapabilityReport { return p.caps.Report() }

func (p *Processor) Encoder() *encode.Encoder { return p.encoder }

// Process turns an encoded photo into a portrait. It never returns an error:
// failures are reported in the Result and counted in Stats.
func (p *Processor) Process(ctx context.Context, input []byte, opts Options) (result Result) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.Int("input.bytes", len(input)),
		attribute.Int("output.width", opts.Width),
		attribute.Int("output.height", opts.Height),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			result = internalFailure(fmt.Errorf("panic: %v", r))
		}
		result.Duration = time.Since(start)

		outcome := outcomeOf(result)
		p.stats.record(outcome, result.Duration)
		p.metrics.resultsTotal.WithLabelValues(outcome).Inc()
		if result.Success {
			span.SetStatus(codes.Ok, "processed")
		} else {
			span.SetStatus(codes.Error, result.ErrorCode)
			p.logger.Printf("portrait failed code=%s err=%s duration=%s", result.ErrorCode, result.ErrorMessage, result.Duration)
		}
	}()

	if err := opts.Validate(); err != nil {
		return Result{ErrorCode: CodeInvalidOptions, ErrorMessage: err.Error()}
	}

	res, err := p.run(ctx, input, opts)
	switch {
	case err == nil:
		return res
	case errors.Is(err, ErrLoad):
		return Result{ErrorCode: CodeLoadError, ErrorMessage: err.Error()}
	case errors.Is(err, ErrNoFace):
		return Result{ErrorCode: CodeNoFaceDetected, ErrorMessage: err.Error()}
	default:
		span.RecordError(err)
		return internalFailure(err)
	}
}

func (p *Processor) run(ctx context.Context, input []byte, opts Options) (Result, error) {
	var (
		img     raster.Image
		res     Result
		primary face.Region
	)

	// Loaded
	err := p.stage(ctx, "decode", func(context.Context) error {
		decoded, _, err := raster.Decode(input)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoad, err)
		}
		img = decoded
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	// Restored
	if opts.RestoreFace && p.restorer.Available() {
		_ = p.stage(ctx, "restore", func(ctx context.Context) error {
			img, res.Restored = p.restorer.Restore(ctx, img, opts.RestoreFidelity)
			return nil
		})
	}

	// FaceLocated
	err = p.stage(ctx, "locate", func(ctx context.Context) error {
		region, found, err := p.locator.Primary(ctx, img)
		if errors.Is(err, face.ErrBackendUnavailable) {
			return fmt.Errorf("%w: %v", ErrNoFace, err)
		}
		if err != nil {
			return err
		}
		if !found {
			return ErrNoFace
		}
		primary = region
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	position := primary
	res.FaceDetected = true
	res.FaceCount = 1
	res.FacePosition = &position

	// Segmented
	subject := img
	if p.segmenter != nil {
		err = p.stage(ctx, "segment", func(ctx context.Context) error {
			matted, err := p.segmenter.Segment(ctx, img)
			if err != nil {
				return fmt.Errorf("segment background: %w", err)
			}
			if matted.Width() != img.Width() || matted.Height() != img.Height() {
				return fmt.Errorf("segmenter returned %s for %s input", matted, img)
			}
			subject = matted.ToRGBA()
			return nil
		})
		if err != nil {
			return Result{}, err
		}
		res.BackgroundRemoved = true
	}

	// Aligned
	region := primary
	if p.locator.HasLandmarks() {
		err = p.stage(ctx, "align", func(ctx context.Context) error {
			rotated, relocated, aligned, err := p.align(ctx, img, subject, primary)
			if err != nil {
				return err
			}
			subject, region, res.Aligned = rotated, relocated, aligned
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	// Cropped
	subject = subject.Crop(cropRect(region, opts.FaceMargin, subject.Bounds()))
	if subject.Empty() {
		return Result{}, fmt.Errorf("crop around %+v is empty", region)
	}

	// Enhanced
	if opts.EnhancePhoto {
		_ = p.stage(ctx, "enhance", func(context.Context) error {
			subject = enhance.Portrait(subject)
			return nil
		})
	}

	// Masked
	if opts.OvalMask {
		subject = composite.ApplyOvalMask(subject, composite.DefaultFeather)
	}

	// Resized
	canvas := composite.ResizeToCanvas(subject, opts.Width, opts.Height, opts.Background, opts.OvalMask)
	res.OutputWidth, res.OutputHeight = canvas.Width(), canvas.Height()

	// Encoded
	err = p.stage(ctx, "encode", func(context.Context) error {
		if opts.OvalMask {
			data, err := p.encoder.Lossless(canvas)
			if err != nil {
				return fmt.Errorf("encode png: %w", err)
			}
			res.PNG = data
		}
		lossy, err := p.encoder.Lossy(canvas, opts.Background, opts.maxJPEGBytes())
		if err != nil {
			return fmt.Errorf("encode jpeg: %w", err)
		}
		res.JPEG = lossy.Data
		res.JPEGQuality = lossy.Quality
		p.metrics.jpegQuality.Observe(float64(lossy.Quality))
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.OutputBytes = len(res.JPEG)
	if opts.OvalMask {
		res.OutputBytes = len(res.PNG)
	}
	res.Success = true
	return res, nil
}

// align levels the eye line of subject. Landmarks are read from src, the
// image the face was located on. The face is located again on the rotated
// image; when that fails the pre-rotation region is kept.
func (p *Processor) align(ctx context.Context, src, subject raster.Image, region face.Region) (raster.Image, face.Region, bool, error) {
	set, err := p.locator.LocateLandmarks(ctx, src, region)
	if err != nil {
		return raster.Image{}, face.Region{}, false, err
	}
	if set == nil {
		return subject, region, false, nil
	}
	alignment, err := face.DeriveAlignment(*set)
	if err != nil {
		return raster.Image{}, face.Region{}, false, fmt.Errorf("derive alignment: %w", err)
	}

	rotated := subject.Rotate(alignment.AngleDegrees, alignment.Center)
	relocated, found, err := p.locator.Primary(ctx, rotated)
	if err != nil || !found {
		if err != nil {
			p.logger.Printf("relocate after rotation failed err=%v, keeping original region", err)
		}
		relocated = region
	}
	return rotated, relocated, true, nil
}

func (p *Processor) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.observeStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

// cropRect pads region by margin of its size on the left, right and bottom
// and by 1.5 times that above, clamped to bounds.
func cropRect(region face.Region, margin float64, bounds image.Rectangle) image.Rectangle {
	marginW := int(float64(region.Width) * margin)
	marginH := int(float64(region.Height) * margin)
	rect := image.Rect(
		region.Left-marginW,
		region.Top-int(float64(marginH)*topMarginFactor),
		region.Left+region.Width+marginW,
		region.Top+region.Height+marginH,
	)
	return rect.Intersect(bounds)
}

func internalFailure(err error) Result {
	return Result{ErrorCode: err.Error(), ErrorMessage: err.Error()}
}

func outcomeOf(r Result) string {
	switch {
	case r.Success:
		return outcomeSuccess
	case r.ErrorCode == CodeNoFaceDetected:
		return outcomeNoFace
	case r.ErrorCode == CodeLoadError:
		return outcomeLoad
	default:
		return outcomeError
	}
}
