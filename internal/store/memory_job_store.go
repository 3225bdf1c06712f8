package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/facecraft/internal/domain"
)

// MemoryJobStore keeps jobs in process. Records are copied on the way in and
// out so callers never share an Outputs slice with the store.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: map[string]domain.Job{}, now: time.Now}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	s.jobs[job.ID] = cloneJob(job)
	s.mu.Unlock()
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return cloneJob(job), ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) { job.Status = status })
}

func (s *MemoryJobStore) SetResult(_ context.Context, id string, result domain.JobResult) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) { applyResult(job, result) })
}

func (s *MemoryJobStore) update(id string, apply func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	apply(&job)
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return cloneJob(job), nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryJobStore) Close() error { return nil }

func cloneJob(job domain.Job) domain.Job {
	job.Outputs = slices.Clone(job.Outputs)
	return job
}
