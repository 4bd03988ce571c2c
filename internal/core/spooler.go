package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/orrn/printbridge/internal/config"
)

// Spooler is the assembled print pipeline: job store, dispatch queue, retry
// scheduling and printer discovery behind one surface. It is built once at
// startup and handed to every inbound boundary (HTTP, remote poller).
type Spooler struct {
	store    *JobStore
	disp     *Dispatcher
	printers *PrinterManager
	backend  Backend
	sender   EventSender
	logger   *slog.Logger

	startedAt time.Time
}

type SubmitRequest struct {
	PrinterName  string
	DocumentName string
	Document     []byte
	Copies       int
	Options      map[string]string
}

func NewSpooler(repo JobRepository, backend Backend, sender EventSender, queueCfg *config.QueueConfig, printingCfg *config.PrintingConfig, logger *slog.Logger) *Spooler {
	if queueCfg == nil {
		queueCfg = &config.QueueConfig{
			WorkerCount:           2,
			PerPrinterConcurrency: 1,
			MaxRetries:            3,
			BaseDelay:             config.Duration(5 * time.Second),
			MaxDelay:              config.Duration(5 * time.Minute),
		}
	}
	if printingCfg == nil {
		printingCfg = &config.PrintingConfig{
			DiscoveryInterval: config.Duration(30 * time.Second),
			SubmitTimeout:     config.Duration(30 * time.Second),
			MaxDocumentSize:   52428800,
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	store := NewJobStore(repo, printingCfg.MaxDocumentSize, logger)

	policy := RetryPolicy{
		MaxRetries: queueCfg.MaxRetries,
		BaseDelay:  queueCfg.BaseDelay.Std(),
		MaxDelay:   queueCfg.MaxDelay.Std(),
	}

	disp := NewDispatcher(store, backend, policy, sender, logger, DispatcherOptions{
		Workers:               queueCfg.WorkerCount,
		PerPrinterConcurrency: queueCfg.PerPrinterConcurrency,
		SubmitTimeout:         printingCfg.SubmitTimeout.Std(),
	})

	printers := NewPrinterManager(backend, printingCfg.DiscoveryInterval.Std(), printingCfg.DefaultPrinter, sender, logger)

	return &Spooler{
		store:    store,
		disp:     disp,
		printers: printers,
		backend:  backend,
		sender:   sender,
		logger:   logger,
	}
}

// Start brings up discovery, requeues jobs left over from a previous run and
// releases the workers.
func (s *Spooler) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	s.printers.Start()

	recovered, err := s.store.RecoverDangling(ctx)
	if err != nil {
		return fmt.Errorf("job recovery: %w", err)
	}

	sort.Slice(recovered, func(i, j int) bool {
		return recovered[i].CreatedAt.Before(recovered[j].CreatedAt)
	})

	s.disp.Start()

	for _, job := range recovered {
		if err := s.disp.Enqueue(job.ID, job.PrinterName); err != nil {
			s.logger.Warn("failed to requeue recovered job", "job_id", job.ID, "error", err)
		}
	}
	if len(recovered) > 0 {
		s.logger.Info("requeued recovered jobs", "count", len(recovered))
	}

	return nil
}

func (s *Spooler) Stop() {
	s.disp.Stop()
	s.printers.Stop()
}

// SubmitJob validates, records and queues a print job. A job aimed at a
// printer the backend has never reported is recorded and immediately failed
// rather than queued.
func (s *Spooler) SubmitJob(ctx context.Context, req SubmitRequest) (*Job, error) {
	printer := req.PrinterName
	if printer == "" {
		printer = s.printers.Default()
	}
	if printer == "" {
		return nil, &ValidationError{Reason: "printer_name is required and no default printer is configured"}
	}

	documentName := req.DocumentName
	if documentName == "" {
		documentName = "document.pdf"
	}

	job, err := s.store.Create(ctx, printer, documentName, req.Document, req.Copies, req.Options)
	if err != nil {
		return nil, err
	}

	if s.printers.Discovered() && !s.printers.Known(printer) {
		failed, ferr := s.store.UpdateStatus(ctx, job.ID, JobStatusFailed, fmt.Sprintf("unknown printer: %s", printer))
		if ferr != nil {
			s.logger.Error("failed to reject job for unknown printer", "job_id", job.ID, "error", ferr)
			return job, nil
		}
		if s.sender != nil {
			s.sender.SendJobEvent("job_failed", failed)
		}
		return failed, nil
	}

	if err := s.disp.Enqueue(job.ID, printer); err != nil {
		// Shutdown race: the record stays pending and is recovered on the
		// next start.
		s.logger.Warn("job not queued", "job_id", job.ID, "error", err)
	}

	return job, nil
}

func (s *Spooler) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Spooler) ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	return s.store.List(ctx, status, limit)
}

func (s *Spooler) CancelJob(ctx context.Context, id string) error {
	return s.disp.Cancel(ctx, id)
}

// VerifyJob asks the backend for its live view of a handed-off job. Spool
// protocols keep reporting progress after submission, so this can show a
// completed job still printing, or stuck.
func (s *Spooler) VerifyJob(ctx context.Context, id string) (BackendJobState, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return BackendJobUnknown, err
	}
	if job.BackendID == "" {
		return BackendJobUnknown, nil
	}
	return s.backend.QueryStatus(ctx, job.BackendID)
}

func (s *Spooler) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	stats := &Stats{
		Pending:     counts[JobStatusPending],
		Submitting:  counts[JobStatusSubmitting],
		Retrying:    counts[JobStatusRetrying],
		Completed:   counts[JobStatusCompleted],
		Failed:      counts[JobStatusFailed],
		QueueDepths: s.disp.QueueDepths(),
		Scheduled:   s.disp.ScheduledRetries(),
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

func (s *Spooler) Printers() []*Printer {
	return s.printers.List()
}

func (s *Spooler) Printer(name string) (*Printer, error) {
	return s.printers.Get(name)
}

func (s *Spooler) RefreshPrinters(ctx context.Context) error {
	return s.printers.Refresh(ctx)
}

func (s *Spooler) PausePrinter(name string) error {
	if s.printers.Discovered() && !s.printers.Known(name) {
		return fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
	}
	s.disp.PausePrinter(name)
	s.logger.Info("printer paused", "printer", name)
	return nil
}

func (s *Spooler) ResumePrinter(name string) error {
	if !s.disp.IsPrinterPaused(name) {
		return fmt.Errorf("printer %s is not paused", name)
	}
	s.disp.ResumePrinter(name)
	s.logger.Info("printer resumed", "printer", name)
	return nil
}

func (s *Spooler) PausedPrinters() []string {
	return s.disp.PausedPrinters()
}

func (s *Spooler) StartedAt() time.Time {
	return s.startedAt
}
