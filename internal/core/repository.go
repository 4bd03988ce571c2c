package core

import (
	"context"
	"sort"
	"sync"
)

// JobRepository is the persistence boundary of the job store. The SQLite
// implementation lives in internal/db; MemoryRepository backs tests and
// diskless deployments.
type JobRepository interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	List(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	// ResetSubmitting returns jobs stuck mid-attempt by a crash to pending
	// so startup recovery can requeue them.
	ResetSubmitting(ctx context.Context) (int64, error)
}

type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]*Job)}
}

func (r *MemoryRepository) Insert(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if status != "" && job.Status != status {
			continue
		}
		c := job.Clone()
		c.Document = nil
		jobs = append(jobs, c)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *MemoryRepository) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[JobStatus]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) ResetSubmitting(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, job := range r.jobs {
		if job.Status == JobStatusSubmitting {
			job.Status = JobStatusPending
			n++
		}
	}
	return n, nil
}
