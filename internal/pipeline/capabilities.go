package pipeline

import (
	"github.com/dunamismax/facecraft/internal/face"
	"github.com/dunamismax/facecraft/internal/restore"
	"github.com/dunamismax/facecraft/internal/segment"
)

// Capabilities are the model-backed providers. Any of them may be nil; the
// processor degrades as described on each field.
type Capabilities struct {
	// Detector is required. Without it every call ends in no_face_detected.
	Detector face.Detector
	// Landmarks enables eye-line alignment.
	Landmarks face.LandmarkDetector
	// Segmenter enables background removal.
	Segmenter segment.Segmenter
	// Restorer enables face restoration.
	Restorer restore.Restorer
}

type CapabilityReport struct {
	FaceDetection     bool `json:"face_detection"`
	Alignment         bool `json:"alignment"`
	BackgroundRemoval bool `json:"background_removal"`
	Restoration       bool `json:"restoration"`
}

// Ready reports whether the processor can produce a segmented portrait.
func (r CapabilityReport) Ready() bool {
	return r.FaceDetection && r.BackgroundRemoval
}

func (c Capabilities) Report() CapabilityReport {
	return CapabilityReport{
		FaceDetection:     c.Detector != nil,
		Alignment:         c.Landmarks != nil,
		BackgroundRemoval: c.Segmenter != nil,
		Restoration:       c.Restorer != nil,
	}
}
