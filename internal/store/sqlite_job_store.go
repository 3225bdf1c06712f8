package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dunamismax/facecraft/internal/domain"
)

// jobRecord is the sqlite row. Options and outputs are stored as JSON text.
type jobRecord struct {
	ID           string                 `gorm:"primaryKey"`
	Status       string                 `gorm:"not null;index"`
	SourceType   string                 `gorm:"not null"`
	WebhookURL   string                 `gorm:"not null;default:''"`
	ObjectKey    string                 `gorm:"not null;default:''"`
	Options      domain.PortraitOptions `gorm:"serializer:json"`
	FaceDetected bool                   `gorm:"not null;default:false"`
	Outputs      []domain.JobOutput     `gorm:"serializer:json"`
	ErrorCode    string                 `gorm:"not null;default:''"`
	Error        string                 `gorm:"not null;default:''"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (jobRecord) TableName() string { return "jobs" }

func recordFromJob(job domain.Job) jobRecord {
	return jobRecord{
		ID:           job.ID,
		Status:       job.Status,
		SourceType:   job.SourceType,
		WebhookURL:   job.WebhookURL,
		ObjectKey:    job.ObjectKey,
		Options:      job.Options,
		FaceDetected: job.FaceDetected,
		Outputs:      job.Outputs,
		ErrorCode:    job.ErrorCode,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func (r jobRecord) job() domain.Job {
	return domain.Job{
		ID:           r.ID,
		Status:       r.Status,
		SourceType:   r.SourceType,
		WebhookURL:   r.WebhookURL,
		ObjectKey:    r.ObjectKey,
		Options:      r.Options,
		FaceDetected: r.FaceDetected,
		Outputs:      r.Outputs,
		ErrorCode:    r.ErrorCode,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

// SQLiteJobStore keeps jobs in a single sqlite file for one-node deployments.
type SQLiteJobStore struct {
	db *gorm.DB
}

func NewSQLiteJobStore(path string, l *log.Logger) (*SQLiteJobStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	if l == nil {
		l = log.New(io.Discard, "", 0)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(l, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite job store %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sqlite handle: %w", err)
	}
	// sqlite serializes writers; one connection avoids "database is locked".
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate jobs table: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

func (s *SQLiteJobStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteJobStore) Create(ctx context.Context, job domain.Job) error {
	record := recordFromJob(job)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	var record jobRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return record.job(), true, nil
}

func (s *SQLiteJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.update(ctx, id, map[string]any{"status": status})
}

func (s *SQLiteJobStore) SetResult(ctx context.Context, id string, result domain.JobResult) (domain.Job, error) {
	// Map updates skip field serializers, so outputs are encoded here.
	outputs, err := json.Marshal(result.Outputs)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job outputs: %w", err)
	}
	return s.update(ctx, id, map[string]any{
		"status":        result.Status,
		"face_detected": result.FaceDetected,
		"outputs":       string(outputs),
		"error_code":    result.ErrorCode,
		"error":         result.Error,
	})
}

func (s *SQLiteJobStore) update(ctx context.Context, id string, fields map[string]any) (domain.Job, error) {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobRecord{ID: id}).Updates(fields)
	if res.Error != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *SQLiteJobStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&jobRecord{ID: id})
	if res.Error != nil {
		return fmt.Errorf("delete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}
