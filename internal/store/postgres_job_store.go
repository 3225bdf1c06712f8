package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"

	"github.com/dunamismax/facecraft/internal/config"
	"github.com/dunamismax/facecraft/internal/domain"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		status        TEXT NOT NULL,
		source_type   TEXT NOT NULL,
		webhook_url   TEXT NOT NULL DEFAULT '',
		object_key    TEXT NOT NULL DEFAULT '',
		options       JSONB NOT NULL,
		face_detected BOOLEAN NOT NULL DEFAULT FALSE,
		outputs       JSONB NOT NULL DEFAULT '[]',
		error_code    TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at)`,
}

var (
	psql       = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	jobColumns = []string{
		"id", "status", "source_type", "webhook_url", "object_key", "options",
		"face_detected", "outputs", "error_code", "error", "created_at", "updated_at",
	}
)

// PostgresJobStore keeps jobs in one table; options and outputs are JSONB.
type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &PostgresJobStore{db: db, now: time.Now}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate jobs schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	options, err := jsonColumn(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}
	outputs, err := outputsColumn(job.Outputs)
	if err != nil {
		return err
	}

	query, args, err := psql.Insert("jobs").SetMap(sq.Eq{
		"id":            job.ID,
		"status":        job.Status,
		"source_type":   job.SourceType,
		"webhook_url":   job.WebhookURL,
		"object_key":    job.ObjectKey,
		"options":       options,
		"face_detected": job.FaceDetected,
		"outputs":       outputs,
		"error_code":    job.ErrorCode,
		"error":         job.Error,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}).ToSql()
	if err != nil {
		return fmt.Errorf("build insert job: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	query, args, err := psql.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("build select job: %w", err)
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.update(ctx, id, sq.Eq{"status": status})
}

func (s *PostgresJobStore) SetResult(ctx context.Context, id string, result domain.JobResult) (domain.Job, error) {
	outputs, err := outputsColumn(result.Outputs)
	if err != nil {
		return domain.Job{}, err
	}
	return s.update(ctx, id, sq.Eq{
		"status":        result.Status,
		"face_detected": result.FaceDetected,
		"outputs":       outputs,
		"error_code":    result.ErrorCode,
		"error":         result.Error,
	})
}

// update applies fields and reads the row back in the same statement.
func (s *PostgresJobStore) update(ctx context.Context, id string, fields sq.Eq) (domain.Job, error) {
	fields["updated_at"] = s.now().UTC()
	query, args, err := psql.Update("jobs").
		SetMap(fields).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING " + strings.Join(jobColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.Job{}, fmt.Errorf("build update job: %w", err)
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	query, args, err := psql.Delete("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete job: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one row in jobColumns order. sql.ErrNoRows passes through
// unwrapped.
func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job              domain.Job
		options, outputs []byte
	)
	err := row.Scan(
		&job.ID, &job.Status, &job.SourceType, &job.WebhookURL, &job.ObjectKey, &options,
		&job.FaceDetected, &outputs, &job.ErrorCode, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, err
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(options, &job.Options); err != nil {
		return domain.Job{}, fmt.Errorf("decode job options: %w", err)
	}
	if err := json.Unmarshal(outputs, &job.Outputs); err != nil {
		return domain.Job{}, fmt.Errorf("decode job outputs: %w", err)
	}
	return job, nil
}

// jsonColumn encodes a JSONB parameter as a string; lib/pq sends []byte as
// bytea.
func jsonColumn(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func outputsColumn(outputs []domain.JobOutput) (string, error) {
	if outputs == nil {
		outputs = []domain.JobOutput{}
	}
	encoded, err := jsonColumn(outputs)
	if err != nil {
		return "", fmt.Errorf("encode job outputs: %w", err)
	}
	return encoded, nil
}
