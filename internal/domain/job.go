package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

type CreateJobRequest struct {
	SourceType string          `json:"source_type"`
	WebhookURL string          `json:"webhook_url,omitempty"`
	ObjectKey  string          `json:"object_key,omitempty"`
	Options    PortraitOptions `json:"options"`
}

// PortraitOptions is the wire form of the processing options. Unset fields
// take the service defaults.
type PortraitOptions struct {
	Width           int      `json:"width,omitempty"`
	Height          int      `json:"height,omitempty"`
	Background      []int    `json:"background,omitempty"`
	FaceMargin      *float64 `json:"face_margin,omitempty"`
	OvalMask        *bool    `json:"use_oval_mask,omitempty"`
	RestoreFace     *bool    `json:"enhance_face,omitempty"`
	RestoreFidelity *float64 `json:"enhance_fidelity,omitempty"`
	EnhancePhoto    *bool    `json:"enhance_photo,omitempty"`
	MaxSizeKB       *int     `json:"max_size_kb,omitempty"`
}

type JobOutput struct {
	Format string `json:"format"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// JobResult is what a finished run records on its job.
type JobResult struct {
	Status       string
	FaceDetected bool
	Outputs      []JobOutput
	ErrorCode    string
	Error        string
}

type Job struct {
	ID           string
	Status       string
	SourceType   string
	WebhookURL   string
	ObjectKey    string
	Options      PortraitOptions
	FaceDetected bool
	Outputs      []JobOutput
	ErrorCode    string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	return r.Options.Validate()
}

func (o PortraitOptions) Validate() error {
	if o.Width != 0 && (o.Width < 64 || o.Width > 4096) {
		return fmt.Errorf("options.width must be between 64 and 4096, got %d", o.Width)
	}
	if o.Height != 0 && (o.Height < 64 || o.Height > 4096) {
		return fmt.Errorf("options.height must be between 64 and 4096, got %d", o.Height)
	}
	if o.Background != nil {
		if len(o.Background) != 3 {
			return fmt.Errorf("options.background must have 3 components, got %d", len(o.Background))
		}
		for i, c := range o.Background {
			if c < 0 || c > 255 {
				return fmt.Errorf("options.background[%d] must be between 0 and 255, got %d", i, c)
			}
		}
	}
	if o.FaceMargin != nil && (*o.FaceMargin < 0 || *o.FaceMargin > 1) {
		return fmt.Errorf("options.face_margin must be between 0 and 1, got %g", *o.FaceMargin)
	}
	if o.RestoreFidelity != nil && (*o.RestoreFidelity < 0 || *o.RestoreFidelity > 1) {
		return fmt.Errorf("options.enhance_fidelity must be between 0 and 1, got %g", *o.RestoreFidelity)
	}
	if o.MaxSizeKB != nil && (*o.MaxSizeKB < 10 || *o.MaxSizeKB > 1000) {
		return fmt.Errorf("options.max_size_kb must be between 10 and 1000, got %d", *o.MaxSizeKB)
	}
	return nil
}
