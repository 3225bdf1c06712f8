package pipeline

import (
	"errors"
	"time"

	"github.com/dunamismax/facecraft/internal/face"
)

const (
	CodeLoadError      = "load_error"
	CodeNoFaceDetected = "no_face_detected"
	CodeInvalidOptions = "invalid_options"
)

var (
	ErrLoad   = errors.New("image could not be decoded")
	ErrNoFace = errors.New("no face detected")
)

// Result describes one Process call. PNG is only set when the oval mask was
// applied.
type Result struct {
	Success           bool          `json:"success"`
	FaceDetected      bool          `json:"face_detected"`
	FaceCount         int           `json:"face_count"`
	FacePosition      *face.Region  `json:"face_position,omitempty"`
	PNG               []byte        `json:"-"`
	JPEG              []byte        `json:"-"`
	OutputWidth       int           `json:"output_width,omitempty"`
	OutputHeight      int           `json:"output_height,omitempty"`
	OutputBytes       int           `json:"output_size_bytes,omitempty"`
	JPEGQuality       int           `json:"jpeg_quality,omitempty"`
	BackgroundRemoved bool          `json:"background_removed"`
	Aligned           bool          `json:"aligned"`
	Restored          bool          `json:"restored"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	Duration          time.Duration `json:"-"`
}

// Err maps an unsuccessful result back to its sentinel.
func (r Result) Err() error {
	switch {
	case r.Success:
		return nil
	case r.ErrorCode == CodeNoFaceDetected:
		return ErrNoFace
	case r.ErrorCode == CodeLoadError:
		return ErrLoad
	default:
		return errors.New(r.ErrorMessage)
	}
}
