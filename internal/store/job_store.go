package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	SetResult(ctx context.Context, id string, result domain.JobResult) (domain.Job, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *log.Logger) (JobStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryJobStore(), nil
	case "sqlite":
		return NewSQLiteJobStore(cfg.SQLitePath, logger)
	case "postgres":
		return NewPostgresJobStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported job store driver: %s", cfg.Driver)
	}
}

// applyResult copies a finished run onto job.
func applyResult(job *domain.Job, result domain.JobResult) {
	job.Status = result.Status
	job.FaceDetected = result.FaceDetected
	job.Outputs = append([]domain.JobOutput(nil), result.Outputs...)
	job.ErrorCode = result.ErrorCode
	job.Error = result.Error
}
