package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/models"
	"github.com/dunamismax/facecraft/internal/pipeline"
	"github.com/dunamismax/facecraft/internal/queue"
	"github.com/dunamismax/facecraft/internal/store"
)

// Version is reported by /status.
var Version = "dev"

type Server struct {
	logger       *log.Logger
	cfg          config.APIConfig
	defaults     pipeline.Options
	processor    *pipeline.Processor
	runner       *pipeline.Runner
	queueClient  queueEnqueuer
	jobStore     store.JobStore
	storage      objectStorage
	outputPrefix string
	rateLimiter  RateLimiter
	models       map[string]models.Status
	device       string
	slots        chan struct{}
	startedAt    time.Time
	metrics      *metrics
	tracer       trace.Tracer
	mux          *http.ServeMux
}

type queueEnqueuer interface {
	EnqueuePortrait(ctx context.Context, payload queue.ProcessPortraitPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	DeleteObjects(ctx context.Context, prefix string) (int, error)
}

// Dependencies are the collaborators of a Server. Queue, Storage and
// RateLimiter are optional.
type Dependencies struct {
	Logger      *log.Logger
	Processor   *pipeline.Processor
	Defaults    pipeline.Options
	JobStore    store.JobStore
	Queue       queueEnqueuer
	Storage     objectStorage
	RateLimiter RateLimiter
	Models      map[string]models.Status
	Device      string

	// OutputPrefix is the bucket prefix asynchronous jobs write under.
	OutputPrefix string

	// Registry receives the API collectors. The pipeline registers its own
	// collectors on the same registry so /metrics serves both.
	Registry *prometheus.Registry
}

func NewServer(cfg config.APIConfig, deps Dependencies) *Server {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Storage == nil {
		deps.Storage = unavailableObjectStorage{}
	}
	if deps.JobStore == nil {
		deps.JobStore = store.NewMemoryJobStore()
	}

	s := &Server{
		logger:       deps.Logger,
		cfg:          cfg,
		defaults:     deps.Defaults,
		processor:    deps.Processor,
		runner:       pipeline.NewLocalRunner(deps.Processor, cfg.OutputDir),
		queueClient:  deps.Queue,
		jobStore:     deps.JobStore,
		storage:      deps.Storage,
		outputPrefix: deps.OutputPrefix,
		rateLimiter:  deps.RateLimiter,
		models:       deps.Models,
		device:       deps.Device,
		slots:        make(chan struct{}, cfg.MaxConcurrentJobs),
		startedAt:    time.Now(),
		metrics:      newMetrics(deps.Registry),
		tracer:       otel.Tracer("facecraft/api"),
		mux:          http.NewServeMux(),
	}
	if deps.Processor != nil {
		s.metrics.registerPipeline(deps.Processor.Stats())
	}
	s.routes()
	return s
}

type unavailableObjectStorage struct{}

var errStorageUnavailable = errors.New("object storage is unavailable")

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (unavailableObjectStorage) DeleteObjects(context.Context, string) (int, error) {
	return 0, errStorageUnavailable
}

// Handler returns the routes behind CORS, instrumentation, rate limiting
// and the API key check, outermost first.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.withAPIKey(h)
	h = s.withRateLimit(h)
	h = s.withInstrumentation(h)
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerAPIKey},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.Handle("GET /metrics", s.metrics.handler())

	s.mux.HandleFunc("POST /v1/process", s.handleProcess)
	s.mux.HandleFunc("POST /v1/process/quick", s.handleProcessQuick)
	s.mux.HandleFunc("POST /v1/process/batch", s.handleProcessBatch)
	s.mux.HandleFunc("GET /v1/download/{job_id}/{format}", s.handleDownload)

	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{job_id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{job_id}/start", s.handleStartJob)
	s.mux.HandleFunc("DELETE /v1/jobs/{job_id}", s.handleDeleteJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.processor != nil && s.processor.Capabilities().Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{
		"ready":         ready,
		"models_loaded": ready,
	})
}

type statusResponse struct {
	Status        string                    `json:"status"`
	Version       string                    `json:"version"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Device        string                    `json:"device"`
	Capabilities  pipeline.CapabilityReport `json:"capabilities"`
	Models        map[string]models.Status  `json:"models"`
	Statistics    pipeline.StatsSnapshot    `json:"statistics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:        "operational",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Device:        s.device,
		Models:        s.models,
	}
	if s.processor != nil {
		resp.Capabilities = s.processor.Capabilities()
		resp.Statistics = s.processor.Stats().Snapshot()
	}
	if resp.Models == nil {
		resp.Models = map[string]models.Status{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// acquire takes a processing slot or gives up when the request goes away.
func (s *Server) acquire(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
