package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/facecraft/internal/domain"
)

const (
	SourceTypeLocalFile = domain.SourceTypeLocalFile

	// OutputName is the base file name of every emitted artifact.
	OutputName = "portrait"
)

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Options    Options
}

type Output struct {
	Format string
	Path   string
	Bytes  int
	Width  int
	Height int
}

// JobResult pairs the processing result with where its artifacts went.
type JobResult struct {
	Result  Result
	Outputs []Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error)
}

// Runner moves one job through fetch, Process and emit.
type Runner struct {
	fetcher   Fetcher
	processor *Processor
	emitter   Emitter
}

func NewRunner(fetcher Fetcher, processor *Processor, emitter Emitter) *Runner {
	return &Runner{fetcher: fetcher, processor: processor, emitter: emitter}
}

func NewLocalRunner(processor *Processor, outputDir string) *Runner {
	return NewRunner(LocalFileFetcher{}, processor, LocalFileEmitter{OutputDir: outputDir})
}

// Run returns the processing result even when it failed; the error then wraps
// ErrNoFace, ErrLoad or the internal failure.
func (r *Runner) Run(ctx context.Context, req Request) (JobResult, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return JobResult{}, errors.New("job_id is required")
	}

	source, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return JobResult{}, fmt.Errorf("fetch stage: %w", err)
	}

	res := r.processor.Process(ctx, source, req.Options)
	out := JobResult{Result: res}
	if !res.Success {
		return out, fmt.Errorf("process stage: %w", res.Err())
	}

	return r.Emit(ctx, req, res)
}

// Emit writes the artifacts of a successful result.
func (r *Runner) Emit(ctx context.Context, req Request, res Result) (JobResult, error) {
	out := JobResult{Result: res}
	artifacts := []struct {
		format string
		data   []byte
	}{
		{domain.FormatPNG, res.PNG},
		{domain.FormatJPEG, res.JPEG},
	}
	for _, a := range artifacts {
		if len(a.data) == 0 {
			continue
		}
		written, err := r.emitter.Emit(ctx, req, a.data, a.format, res.OutputWidth, res.OutputHeight)
		if err != nil {
			return out, fmt.Errorf("emit stage format=%s: %w", a.format, err)
		}
		out.Outputs = append(out.Outputs, written)
	}
	return out, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

// LocalFileEmitter writes <OutputDir>/<job>/portrait.<ext>.
type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, SanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	format = normalizeOutputFormat(format)
	fullPath := filepath.Join(jobDir, OutputFileName(format))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		Format: format,
		Path:   fullPath,
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

// OutputFileName is the artifact name for a format: portrait.png or
// portrait.jpg.
func OutputFileName(format string) string {
	ext := "png"
	if normalizeOutputFormat(format) == domain.FormatJPEG {
		ext = "jpg"
	}
	return OutputName + "." + ext
}

func normalizeOutputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg":
		return domain.FormatJPEG
	default:
		return domain.FormatPNG
	}
}

// SanitizePathToken keeps [A-Za-z0-9_-] and replaces everything else with
// an underscore.
func SanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
