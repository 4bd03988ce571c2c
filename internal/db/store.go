package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/printbridge/internal/core"
)

// ErrNotFound is returned when a webhook subscription or option preset id
// does not exist.
var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

// Store persists print jobs. It implements core.JobRepository.
type Store struct {
	db *sql.DB
}

func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB}
}

func (s *Store) Insert(ctx context.Context, job *core.Job) error {
	options, err := marshalOptions(job.Options)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, InsertJob,
		job.ID, job.PrinterName, job.DocumentName, job.Document, job.Copies, options,
		string(job.Status), job.Attempts, job.LastError, job.BackendID,
		job.CreatedAt, job.UpdatedAt, nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, GetJobByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Store) Update(ctx context.Context, job *core.Job) error {
	options, err := marshalOptions(job.Options)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, UpdateJob,
		job.PrinterName, job.DocumentName, job.Document, job.Copies, options,
		string(job.Status), job.Attempts, job.LastError, job.BackendID,
		job.UpdatedAt, nullTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if affected == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// List returns job summaries, newest first. The document payload is not
// loaded; fetch a single job for that. limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = -1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, ListJobs, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, ListJobsByStatus, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJobSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, CountJobsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[core.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) ResetSubmitting(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, ResetSubmittingJobs, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted jobs: %w", err)
	}
	return result.RowsAffected()
}

// TerminalJobsBefore returns completed and failed jobs whose terminal time
// is older than cutoff, oldest first. Used by the archiver before purging.
func (s *Store) TerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, ListTerminalJobsBefore, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJobSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PurgeTerminalBefore deletes completed and failed jobs older than cutoff
// and reports how many rows went away.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, PurgeTerminalJobs, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return result.RowsAffected()
}

func scanJob(r rowScanner) (*core.Job, error) {
	var (
		job       core.Job
		document  []byte
		options   string
		status    string
		completed sql.NullTime
	)
	err := r.Scan(
		&job.ID, &job.PrinterName, &job.DocumentName, &document, &job.Copies, &options,
		&status, &job.Attempts, &job.LastError, &job.BackendID,
		&job.CreatedAt, &job.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	job.Document = document
	return finishJob(&job, options, status, completed)
}

func scanJobSummary(r rowScanner) (*core.Job, error) {
	var (
		job       core.Job
		options   string
		status    string
		completed sql.NullTime
	)
	err := r.Scan(
		&job.ID, &job.PrinterName, &job.DocumentName, &job.Copies, &options,
		&status, &job.Attempts, &job.LastError, &job.BackendID,
		&job.CreatedAt, &job.UpdatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}
	return finishJob(&job, options, status, completed)
}

func finishJob(job *core.Job, options, status string, completed sql.NullTime) (*core.Job, error) {
	job.Status = core.JobStatus(status)
	if err := unmarshalOptions(options, &job.Options); err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// WebhookStore persists webhook subscriptions.
type WebhookStore struct {
	db *sql.DB
}

func NewWebhookStore(sqlDB *sql.DB) *WebhookStore {
	return &WebhookStore{db: sqlDB}
}

func (s *WebhookStore) Create(ctx context.Context, w *WebhookSubscription) error {
	events, err := marshalEvents(w.Events)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, InsertWebhook, w.Name, w.URL, w.Secret, events, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

func (s *WebhookStore) Get(ctx context.Context, id int64) (*WebhookSubscription, error) {
	w, err := scanWebhook(s.db.QueryRowContext(ctx, GetWebhookByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (s *WebhookStore) List(ctx context.Context) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, ListWebhooks)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

// ListForEvent returns enabled subscriptions matching the event, including
// catch-all subscriptions with an empty event list.
func (s *WebhookStore) ListForEvent(ctx context.Context, event string) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, ListWebhooksForEvent, `%"`+event+`"%`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks for event: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (s *WebhookStore) Update(ctx context.Context, w *WebhookSubscription) error {
	events, err := marshalEvents(w.Events)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, UpdateWebhook, w.Name, w.URL, w.Secret, events, w.Enabled, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *WebhookStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func collectWebhooks(rows *sql.Rows) ([]*WebhookSubscription, error) {
	var hooks []*WebhookSubscription
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	return hooks, rows.Err()
}

func scanWebhook(r rowScanner) (*WebhookSubscription, error) {
	var (
		w      WebhookSubscription
		events string
	)
	err := r.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &events, &w.Enabled, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, fmt.Errorf("failed to decode webhook events: %w", err)
	}
	return &w, nil
}

// PresetStore persists named print option presets.
type PresetStore struct {
	db *sql.DB
}

func NewPresetStore(sqlDB *sql.DB) *PresetStore {
	return &PresetStore{db: sqlDB}
}

func (s *PresetStore) Create(ctx context.Context, p *OptionPreset) error {
	options, err := marshalOptions(p.Options)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, InsertPreset, p.Name, p.Description, p.PrinterName, options)
	if err != nil {
		return fmt.Errorf("failed to create preset: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get preset id: %w", err)
	}
	p.ID = id
	return nil
}

func (s *PresetStore) Get(ctx context.Context, id int64) (*OptionPreset, error) {
	p, err := scanPreset(s.db.QueryRowContext(ctx, GetPresetByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return p, nil
}

func (s *PresetStore) GetByName(ctx context.Context, name string) (*OptionPreset, error) {
	p, err := scanPreset(s.db.QueryRowContext(ctx, GetPresetByName, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset by name: %w", err)
	}
	return p, nil
}

func (s *PresetStore) List(ctx context.Context) ([]*OptionPreset, error) {
	rows, err := s.db.QueryContext(ctx, ListPresets)
	if err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}
	defer rows.Close()

	var presets []*OptionPreset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan preset: %w", err)
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

func (s *PresetStore) Update(ctx context.Context, p *OptionPreset) error {
	options, err := marshalOptions(p.Options)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, UpdatePreset, p.Name, p.Description, p.PrinterName, options, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update preset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update preset: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PresetStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, DeletePreset, id)
	if err != nil {
		return fmt.Errorf("failed to delete preset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete preset: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPreset(r rowScanner) (*OptionPreset, error) {
	var (
		p       OptionPreset
		options string
	)
	err := r.Scan(&p.ID, &p.Name, &p.Description, &p.PrinterName, &options, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalOptions(options, &p.Options); err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalOptions(options map[string]string) (string, error) {
	if len(options) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to encode options: %w", err)
	}
	return string(data), nil
}

func unmarshalOptions(data string, out *map[string]string) error {
	if data == "" || data == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}
	return nil
}

func marshalEvents(events []string) (string, error) {
	if len(events) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("failed to encode events: %w", err)
	}
	return string(data), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
