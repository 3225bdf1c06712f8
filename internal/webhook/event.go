package webhook

import (
	"time"

	"github.com/dunamismax/facecraft/internal/domain"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the body posted when a job reaches a terminal status.
type JobEvent struct {
	JobID        string             `json:"job_id"`
	Status       string             `json:"status"`
	FaceDetected bool               `json:"face_detected"`
	Outputs      []domain.JobOutput `json:"outputs,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	Error        string             `json:"error,omitempty"`
	OccurredAt   time.Time          `json:"occurred_at"`
}

// NewJobEvent returns the event name and body for a finished job.
func NewJobEvent(job domain.Job) (string, JobEvent) {
	name := EventJobFailed
	if job.Status == domain.JobStatusSucceeded {
		name = EventJobCompleted
	}
	occurred := job.UpdatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return name, JobEvent{
		JobID:        job.ID,
		Status:       job.Status,
		FaceDetected: job.FaceDetected,
		Outputs:      job.Outputs,
		ErrorCode:    job.ErrorCode,
		Error:        job.Error,
		OccurredAt:   occurred.UTC(),
	}
}
