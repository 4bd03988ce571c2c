package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStore is the single source of truth for job records. All status changes
// go through UpdateStatus, which validates the lifecycle DAG and serializes
// updates per job so no two goroutines ever race a transition.
type JobStore struct {
	repo            JobRepository
	maxDocumentSize int64
	logger          *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewJobStore(repo JobRepository, maxDocumentSize int64, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{
		repo:            repo,
		maxDocumentSize: maxDocumentSize,
		logger:          logger,
		locks:           make(map[string]*sync.Mutex),
	}
}

func (s *JobStore) jobLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *JobStore) dropLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
}

// Create validates and persists a new job in pending state. On validation
// failure no record is written.
func (s *JobStore) Create(ctx context.Context, printerName, documentName string, document []byte, copies int, options map[string]string) (*Job, error) {
	if copies < 1 {
		return nil, &ValidationError{Reason: fmt.Sprintf("copies must be at least 1, got %d", copies)}
	}
	if len(document) == 0 {
		return nil, &ValidationError{Reason: "document is empty"}
	}
	if s.maxDocumentSize > 0 && int64(len(document)) > s.maxDocumentSize {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("document size %d exceeds limit %d", len(document), s.maxDocumentSize),
		}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:           uuid.NewString(),
		PrinterName:  printerName,
		DocumentName: documentName,
		Document:     document,
		Copies:       copies,
		Options:      options,
		Status:       JobStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Info("job created",
		"job_id", job.ID,
		"printer", job.PrinterName,
		"document", job.DocumentName,
		"copies", job.Copies,
		"size", len(job.Document),
	)

	return job.Clone(), nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return job, nil
}

func (s *JobStore) List(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.List(ctx, status, limit)
}

// UpdateStatus atomically moves a job along the lifecycle DAG and returns the
// updated record. A transition into submitting counts one more attempt; a
// terminal transition stamps completed_at and releases the document payload.
func (s *JobStore) UpdateStatus(ctx context.Context, id string, newStatus JobStatus, reason string) (*Job, error) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	if !CanTransition(job.Status, newStatus) {
		return nil, &InvalidTransitionError{JobID: id, From: job.Status, To: newStatus}
	}

	oldStatus := job.Status
	job.Status = newStatus
	job.UpdatedAt = time.Now().UTC()

	switch newStatus {
	case JobStatusSubmitting:
		job.Attempts++
		job.LastError = ""
	case JobStatusRetrying, JobStatusFailed:
		job.LastError = reason
	default:
		job.LastError = ""
	}

	if newStatus.Terminal() {
		t := job.UpdatedAt
		job.CompletedAt = &t
		job.Document = nil
	}

	if err := s.repo.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}

	s.logger.Info("job status changed",
		"job_id", id,
		"old_status", oldStatus,
		"new_status", newStatus,
		"attempts", job.Attempts,
		"reason", reason,
	)

	if newStatus.Terminal() {
		s.dropLock(id)
	}

	return job.Clone(), nil
}

// SetBackendID records the printing subsystem's own id for a submitted job.
func (s *JobStore) SetBackendID(ctx context.Context, id, backendID string) error {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to load job %s: %w", id, err)
	}
	job.BackendID = backendID
	job.UpdatedAt = time.Now().UTC()
	return s.repo.Update(ctx, job)
}

// ForceFail pushes a job to failed regardless of its current status. It is
// the escape hatch for invariant violations: the bug is logged loudly and the
// job is parked so it cannot wedge a lane.
func (s *JobStore) ForceFail(ctx context.Context, id, reason string) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Error("force-fail: job lookup failed", "job_id", id, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	oldStatus := job.Status
	now := time.Now().UTC()
	job.Status = JobStatusFailed
	job.LastError = reason
	job.UpdatedAt = now
	job.CompletedAt = &now
	job.Document = nil

	if err := s.repo.Update(ctx, job); err != nil {
		s.logger.Error("force-fail: update failed", "job_id", id, "error", err)
		return
	}

	s.logger.Error("job force-failed",
		"job_id", id,
		"old_status", oldStatus,
		"new_status", JobStatusFailed,
		"reason", reason,
	)

	s.dropLock(id)
}

func (s *JobStore) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// RecoverDangling prepares the store after a restart: jobs caught mid-attempt
// are reset to pending, and everything dispatchable (pending or retrying) is
// returned for requeueing.
func (s *JobStore) RecoverDangling(ctx context.Context) ([]*Job, error) {
	reset, err := s.repo.ResetSubmitting(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset dangling submissions: %w", err)
	}
	if reset > 0 {
		s.logger.Info("reset dangling submissions", "count", reset)
	}

	pending, err := s.repo.List(ctx, JobStatusPending, 0)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	retrying, err := s.repo.List(ctx, JobStatusRetrying, 0)
	if err != nil {
		return nil, fmt.Errorf("list retrying jobs: %w", err)
	}

	return append(pending, retrying...), nil
}
