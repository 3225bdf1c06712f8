package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/facecraft/internal/domain"
	"github.com/dunamismax/facecraft/internal/id"
	"github.com/dunamismax/facecraft/internal/pipeline"
	"github.com/dunamismax/facecraft/internal/queue"
	"github.com/dunamismax/facecraft/internal/storage"
	"github.com/dunamismax/facecraft/internal/store"
)

type jobOutputView struct {
	domain.JobOutput
	DownloadURL string `json:"download_url"`
}

type jobView struct {
	JobID        string                 `json:"job_id"`
	Status       string                 `json:"status"`
	SourceType   string                 `json:"source_type"`
	ObjectKey    string                 `json:"object_key,omitempty"`
	WebhookURL   string                 `json:"webhook_url,omitempty"`
	Options      domain.PortraitOptions `json:"options"`
	FaceDetected bool                   `json:"face_detected"`
	Outputs      []jobOutputView        `json:"outputs"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func newJobView(job domain.Job) jobView {
	view := jobView{
		JobID:        job.ID,
		Status:       job.Status,
		SourceType:   job.SourceType,
		ObjectKey:    job.ObjectKey,
		WebhookURL:   job.WebhookURL,
		Options:      job.Options,
		FaceDetected: job.FaceDetected,
		Outputs:      make([]jobOutputView, 0, len(job.Outputs)),
		ErrorCode:    job.ErrorCode,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	for _, o := range job.Outputs {
		view.Outputs = append(view.Outputs, jobOutputView{JobOutput: o, DownloadURL: downloadURL(job.ID, o.Format)})
	}
	return view
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	jobID := id.New()
	sourceType := strings.ToLower(strings.TrimSpace(req.SourceType))
	objectKey := strings.TrimSpace(req.ObjectKey)
	uploadState := "not_required"
	presignedPutURL := ""

	switch sourceType {
	case domain.SourceTypeS3Presigned:
		objectKey = storage.SourceKey(jobID)
		url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.cfg.PresignExpiry)
		if err != nil {
			s.logger.Printf("generate presigned url failed job=%s err=%v", jobID, err)
			writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
			return
		}
		presignedPutURL = url
		uploadState = "ready"
	case domain.SourceTypeLocalFile:
		resolved, err := localSourcePath(s.cfg.UploadDir, objectKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		objectKey = resolved
	}

	job := domain.Job{
		ID:         jobID,
		Status:     domain.JobStatusCreated,
		SourceType: sourceType,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		ObjectKey:  objectKey,
		Options:    req.Options,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
		"upload": map[string]string{
			"object_key":          job.ObjectKey,
			"presigned_put_url":   presignedPutURL,
			"presigned_url_state": uploadState,
		},
		"start_url": fmt.Sprintf("/v1/jobs/%s/start", job.ID),
	})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeError(w, http.StatusServiceUnavailable, "job queue is unavailable")
		return
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusCreated {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, only created jobs can be started", job.Status))
		return
	}

	if err := s.verifySourceExists(r.Context(), job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	taskInfo, err := s.queueClient.EnqueuePortrait(r.Context(), queue.ProcessPortraitPayload{
		JobID:       job.ID,
		RequestedAt: time.Now().UTC(),
	})
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		writeError(w, http.StatusConflict, "job is already queued")
		return
	}
	if err != nil {
		s.logger.Printf("enqueue failed job=%s err=%v", job.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.enqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job=%s err=%v", job.ID, err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"state":       taskInfo.State.String(),
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

// handleDeleteJob removes a job's local outputs, its stored outputs and its
// record. Synchronous jobs only have local outputs.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	removed := false

	dir := filepath.Join(s.cfg.OutputDir, pipeline.SanitizePathToken(jobID))
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Printf("remove outputs failed job=%s err=%v", jobID, err)
			writeError(w, http.StatusInternalServerError, "failed to delete job outputs")
			return
		}
		removed = true
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if ok {
		if job.SourceType == domain.SourceTypeS3Presigned && len(job.Outputs) > 0 {
			prefix := pipeline.OutputPrefix(s.outputPrefix, job.ID)
			if n, err := s.storage.DeleteObjects(r.Context(), prefix); err != nil {
				s.logger.Printf("delete stored outputs failed job=%s prefix=%s err=%v", jobID, prefix, err)
			} else {
				s.logger.Printf("deleted stored outputs job=%s objects=%d", jobID, n)
			}
		}
		if err := s.jobStore.Delete(r.Context(), jobID); err != nil && !errors.Is(err, store.ErrJobNotFound) {
			s.logger.Printf("delete job failed job=%s err=%v", jobID, err)
			writeError(w, http.StatusInternalServerError, "failed to delete job")
			return
		}
		removed = true
	}

	if !removed {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("job %s deleted", jobID)})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := r.PathValue("job_id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job=%s err=%v", jobID, err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}

func (s *Server) verifySourceExists(ctx context.Context, job domain.Job) error {
	switch job.SourceType {
	case domain.SourceTypeLocalFile:
		if _, err := os.Stat(job.ObjectKey); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("source object is missing: %s", job.ObjectKey)
			}
			return fmt.Errorf("source object check failed: %w", err)
		}
		return nil
	default:
		exists, err := s.storage.ObjectExists(ctx, job.ObjectKey)
		if err != nil {
			return fmt.Errorf("source object check failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("source object is missing: %s", job.ObjectKey)
		}
		return nil
	}
}

// localSourcePath confines a local_file object key to the upload directory.
func localSourcePath(uploadDir, key string) (string, error) {
	if strings.TrimSpace(uploadDir) == "" {
		return "", errors.New("local_file sources are disabled: no upload directory configured")
	}
	cleaned := filepath.Clean(string(filepath.Separator) + filepath.FromSlash(key))
	if cleaned == string(filepath.Separator) {
		return "", errors.New("object_key must name a file")
	}
	return filepath.Join(uploadDir, cleaned), nil
}
