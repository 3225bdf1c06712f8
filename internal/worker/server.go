package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/domain"
	"github.com/dunamismax/facecraft/internal/pipeline"
	"github.com/dunamismax/facecraft/internal/queue"
	"github.com/dunamismax/facecraft/internal/storage"
	"github.com/dunamismax/facecraft/internal/store"
	"github.com/dunamismax/facecraft/internal/webhook"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	defaults      pipeline.Options
	localRunner   *pipeline.Runner
	objectRunner  *pipeline.Runner
	webhookClient webhookSender
	jobStore      store.JobStore
	metrics       *metrics
	tracer        trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Dependencies are the collaborators of a worker. Storage and Webhook are
// optional; without Storage only local_file jobs can run.
type Dependencies struct {
	Processor    *pipeline.Processor
	Defaults     pipeline.Options
	JobStore     store.JobStore
	Storage      *storage.Client
	OutputPrefix string
	Webhook      webhookSender
	Registry     *prometheus.Registry
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Dependencies) (*Server, error) {
	s, err := newServer(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: max(1, workerCfg.Concurrency),
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
			}),
		},
	)
	return s, nil
}

func newServer(logger *log.Logger, workerCfg config.WorkerConfig, deps Dependencies) (*Server, error) {
	if deps.Processor == nil {
		return nil, errors.New("pipeline processor is required")
	}
	if deps.JobStore == nil {
		return nil, errors.New("job store is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		defaults:      deps.Defaults,
		localRunner:   pipeline.NewLocalRunner(deps.Processor, workerCfg.LocalOutputDir),
		webhookClient: deps.Webhook,
		jobStore:      deps.JobStore,
		metrics:       newMetrics(deps.Registry),
		tracer:        otel.Tracer("facecraft/worker"),
	}
	if deps.Storage != nil {
		s.objectRunner = pipeline.NewRunner(
			pipeline.SourceFetcher{Objects: deps.Storage},
			deps.Processor,
			pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: deps.OutputPrefix},
		)
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessPortrait, s.handleProcessPortrait)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessPortrait(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParseProcessPortraitPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	job, ok, err := s.jobStore.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", payload.JobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s not found: %w", payload.JobID, asynq.SkipRetry)
	}
	if job.Terminal() {
		s.logger.Printf("skip finished job_id=%s status=%s", job.ID, job.Status)
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "worker.process_portrait", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.source_type", job.SourceType),
	)
	defer span.End()

	outcome := "retry"
	defer func() {
		s.metrics.jobDuration.WithLabelValues(job.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(job.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf("processing job_id=%s source_type=%s object_key=%s", job.ID, job.SourceType, job.ObjectKey)
	s.updateJobStatus(ctx, job.ID, domain.JobStatusProcessing)

	runner, err := s.runnerFor(job.SourceType)
	if err != nil {
		outcome = domain.JobStatusFailed
		s.finish(ctx, job, domain.JobResult{Status: domain.JobStatusFailed, ErrorCode: "unsupported_source", Error: err.Error()})
		span.SetStatus(codes.Error, "unsupported source")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	out, err := runner.Run(ctx, pipeline.Request{
		JobID:      job.ID,
		SourceType: job.SourceType,
		ObjectKey:  job.ObjectKey,
		Options:    pipeline.OptionsFromDomain(s.defaults, job.Options),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")

		if !permanent(out.Result, err) && !finalAttempt(ctx) {
			s.logger.Printf("job will be retried job_id=%s err=%v", job.ID, err)
			s.updateJobStatus(ctx, job.ID, domain.JobStatusQueued)
			return fmt.Errorf("run pipeline: %w", err)
		}

		outcome = domain.JobStatusFailed
		code := out.Result.ErrorCode
		if code == "" {
			code = "processing_error"
		}
		s.finish(ctx, job, domain.JobResult{
			Status:       domain.JobStatusFailed,
			FaceDetected: out.Result.FaceDetected,
			ErrorCode:    code,
			Error:        err.Error(),
		})
		return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
	}

	outputs := make([]domain.JobOutput, 0, len(out.Outputs))
	var written int
	for _, o := range out.Outputs {
		outputs = append(outputs, domain.JobOutput{Format: o.Format, Path: o.Path, Bytes: o.Bytes, Width: o.Width, Height: o.Height})
		written += o.Bytes
	}
	s.metrics.outputsTotal.Add(float64(len(outputs)))
	s.metrics.outputBytesTotal.Add(float64(written))

	outcome = domain.JobStatusSucceeded
	s.finish(ctx, job, domain.JobResult{
		Status:       domain.JobStatusSucceeded,
		FaceDetected: out.Result.FaceDetected,
		Outputs:      outputs,
	})
	s.logger.Printf("processed job_id=%s outputs=%d duration=%s", job.ID, len(outputs), time.Since(startedAt).Round(time.Millisecond))
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) runnerFor(sourceType string) (*pipeline.Runner, error) {
	switch sourceType {
	case domain.SourceTypeLocalFile:
		return s.localRunner, nil
	case domain.SourceTypeS3Presigned:
		if s.objectRunner == nil {
			return nil, fmt.Errorf("%w: %s needs object storage", pipeline.ErrUnsupportedSourceType, sourceType)
		}
		return s.objectRunner, nil
	default:
		return nil, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, sourceType)
	}
}

// finish records the terminal result and notifies the job's webhook. A failed
// delivery is logged and counted; it does not fail the job.
func (s *Server) finish(ctx context.Context, job domain.Job, result domain.JobResult) {
	updated, err := s.jobStore.SetResult(ctx, job.ID, result)
	if err != nil {
		s.logger.Printf("job result update failed job_id=%s status=%s err=%v", job.ID, result.Status, err)
		updated = job
		updated.Status = result.Status
		updated.FaceDetected = result.FaceDetected
		updated.Outputs = result.Outputs
		updated.ErrorCode = result.ErrorCode
		updated.Error = result.Error
	}

	if updated.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	event, body := webhook.NewJobEvent(updated)
	if err := s.webhookClient.Send(ctx, updated.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
	}
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

// permanent reports failures a retry cannot fix: the photo itself was
// rejected, or its source is gone.
func permanent(res pipeline.Result, err error) bool {
	switch res.ErrorCode {
	case pipeline.CodeNoFaceDetected, pipeline.CodeLoadError, pipeline.CodeInvalidOptions:
		return true
	}
	return errors.Is(err, pipeline.ErrUnsupportedSourceType) || errors.Is(err, fs.ErrNotExist)
}

// finalAttempt is true when asynq will not retry the task again. Outside a
// queue handler there are no retries.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}
