package pipeline

import (
	"context"
	"testing"

	"github.com/dunamismax/facecraft/internal/face"
)

func BenchmarkProcessPortrait(b *testing.B) {
	source := gradientPNG(b, 1920, 1080)
	detector := &scriptedDetector{answers: [][]face.Region{{{Left: 760, Top: 300, Width: 400, Height: 400}}}}
	processor, err := NewProcessor(Capabilities{Detector: detector, Segmenter: &opaqueSegmenter{}}, WithLogger(quietLogger()))
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := processor.Process(context.Background(), source, DefaultOptions()); !res.Success {
			b.Fatalf("process: %s", res.ErrorCode)
		}
	}
}

func BenchmarkProcessPortraitNoEnhance(b *testing.B) {
	source := gradientPNG(b, 1920, 1080)
	detector := &scriptedDetector{answers: [][]face.Region{{{Left: 760, Top: 300, Width: 400, Height: 400}}}}
	processor, err := NewProcessor(Capabilities{Detector: detector, Segmenter: &opaqueSegmenter{}}, WithLogger(quietLogger()))
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}
	opts := DefaultOptions()
	opts.EnhancePhoto = false

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if res := processor.Process(context.Background(), source, opts); !res.Success {
			b.Fatalf("process: %s", res.ErrorCode)
		}
	}
}
