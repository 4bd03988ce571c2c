package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const cancelReason = "cancelled"

type lane struct {
	jobs []string
}

// DispatcherOptions bound the worker pool and per-printer parallelism.
type DispatcherOptions struct {
	Workers               int
	PerPrinterConcurrency int
	SubmitTimeout         time.Duration
}

// Dispatcher sequences pending jobs into per-printer FIFO lanes and drives a
// bounded worker pool over them. Workers pick lanes round-robin so one
// printer's backlog cannot starve the others, and a printer only ever has as
// many jobs in flight as it has concurrency slots.
type Dispatcher struct {
	store   *JobStore
	backend Backend
	policy  RetryPolicy
	sched   *RetryScheduler
	sender  EventSender
	logger  *slog.Logger
	opts    DispatcherOptions

	mu              sync.Mutex
	cond            *sync.Cond
	lanes           map[string]*lane
	laneOrder       []string
	rr              int
	inflight        map[string]int
	queued          map[string]string
	cancelRequested map[string]bool
	paused          map[string]bool
	stopped         bool
	running         bool

	wg sync.WaitGroup
}

func NewDispatcher(store *JobStore, backend Backend, policy RetryPolicy, sender EventSender, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.PerPrinterConcurrency < 1 {
		opts.PerPrinterConcurrency = 1
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		store:           store,
		backend:         backend,
		policy:          policy,
		sender:          sender,
		logger:          logger,
		opts:            opts,
		lanes:           make(map[string]*lane),
		inflight:        make(map[string]int),
		queued:          make(map[string]string),
		cancelRequested: make(map[string]bool),
		paused:          make(map[string]bool),
	}
	d.cond = sync.NewCond(&d.mu)
	d.sched = NewRetryScheduler(d.redeliver, logger)
	return d
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopped = false
	d.mu.Unlock()

	d.sched.Start()

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop drains nothing: queued jobs stay queued (and recoverable), in-flight
// attempts run to completion before workers exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.sched.Stop()
	d.wg.Wait()
}

// Enqueue appends a job to the tail of its printer's lane. Enqueueing a job
// that is already queued is a no-op.
func (d *Dispatcher) Enqueue(jobID, printer string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return ErrQueueStopped
	}
	if _, ok := d.queued[jobID]; ok {
		return nil
	}

	ln, ok := d.lanes[printer]
	if !ok {
		ln = &lane{}
		d.lanes[printer] = ln
		d.laneOrder = append(d.laneOrder, printer)
	}
	ln.jobs = append(ln.jobs, jobID)
	d.queued[jobID] = printer

	d.cond.Broadcast()
	return nil
}

// redeliver is the scheduler callback: a retrying job whose backoff elapsed
// rejoins the tail of its lane.
func (d *Dispatcher) redeliver(jobID, printer string) {
	if err := d.Enqueue(jobID, printer); err != nil {
		d.logger.Debug("redelivery skipped", "job_id", jobID, "error", err)
	}
}

// next blocks until an eligible job exists, claims its printer slot and
// returns it. ok is false once the dispatcher stops.
func (d *Dispatcher) next() (jobID, printer string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if d.stopped {
			return "", "", false
		}

		n := len(d.laneOrder)
		for i := 0; i < n; i++ {
			idx := (d.rr + i) % n
			name := d.laneOrder[idx]
			ln := d.lanes[name]
			if d.paused[name] || len(ln.jobs) == 0 || d.inflight[name] >= d.opts.PerPrinterConcurrency {
				continue
			}

			id := ln.jobs[0]
			ln.jobs = ln.jobs[1:]
			delete(d.queued, id)
			d.inflight[name]++
			d.rr = (idx + 1) % n
			return id, name, true
		}

		d.cond.Wait()
	}
}

func (d *Dispatcher) release(printer string) {
	d.mu.Lock()
	if d.inflight[printer] > 0 {
		d.inflight[printer]--
	}
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		jobID, printer, ok := d.next()
		if !ok {
			return
		}
		d.process(jobID, printer)
	}
}

func (d *Dispatcher) process(jobID, printer string) {
	defer d.release(printer)

	ctx := context.Background()

	job, err := d.store.UpdateStatus(ctx, jobID, JobStatusSubmitting, "")
	if err != nil {
		var invalid *InvalidTransitionError
		if errors.As(err, &invalid) {
			// Cancelled or otherwise resolved while queued; nothing to do.
			d.logger.Debug("skipping job no longer dispatchable", "job_id", jobID, "error", err)
			return
		}
		d.logger.Warn("failed to claim job", "job_id", jobID, "error", err)
		return
	}

	if d.sender != nil {
		d.sender.SendJobEvent("job_started", job)
	}

	submitCtx, cancel := context.WithTimeout(ctx, d.opts.SubmitTimeout)
	backendID, submitErr := d.backend.Submit(submitCtx, job)
	cancel()

	if submitErr == nil {
		if backendID != "" {
			if err := d.store.SetBackendID(ctx, jobID, backendID); err != nil {
				d.logger.Warn("failed to record backend job id", "job_id", jobID, "error", err)
			}
		}
		d.resolve(ctx, jobID, JobStatusCompleted, "")
		return
	}

	decision := d.policy.Decide(job.Attempts, submitErr)
	if !decision.Retry {
		d.resolve(ctx, jobID, JobStatusFailed, decision.Reason)
		return
	}

	if d.takeCancelRequest(jobID) {
		// Deferred cancellation lands here: the attempt resolved and the
		// next state would have been retrying.
		d.resolve(ctx, jobID, JobStatusFailed, cancelReason)
		return
	}

	if _, err := d.store.UpdateStatus(ctx, jobID, JobStatusRetrying, decision.Reason); err != nil {
		d.logger.Error("retry transition failed", "job_id", jobID, "error", err)
		d.store.ForceFail(ctx, jobID, fmt.Sprintf("internal error: %v", err))
		return
	}
	d.sched.Schedule(jobID, printer, decision.Delay)
}

// resolve finishes the current attempt with a terminal-for-this-attempt
// outcome and clears any deferred cancel flag.
func (d *Dispatcher) resolve(ctx context.Context, jobID string, status JobStatus, reason string) {
	d.takeCancelRequest(jobID)

	job, err := d.store.UpdateStatus(ctx, jobID, status, reason)
	if err != nil {
		d.logger.Error("status transition failed", "job_id", jobID, "target", status, "error", err)
		d.store.ForceFail(ctx, jobID, fmt.Sprintf("internal error: %v", err))
		return
	}

	if d.sender != nil {
		switch status {
		case JobStatusCompleted:
			d.sender.SendJobEvent("job_completed", job)
		case JobStatusFailed:
			d.sender.SendJobEvent("job_failed", job)
		}
	}
}

func (d *Dispatcher) takeCancelRequest(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	requested := d.cancelRequested[jobID]
	delete(d.cancelRequested, jobID)
	return requested
}

// Cancel stops a job as early as its state allows. Queued jobs leave their
// lane immediately; a job mid-submission is flagged and the cancellation is
// honored when the attempt resolves, if it would otherwise retry; terminal
// jobs are not cancellable.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	if printer, ok := d.queued[jobID]; ok {
		ln := d.lanes[printer]
		for i, id := range ln.jobs {
			if id == jobID {
				ln.jobs = append(ln.jobs[:i], ln.jobs[i+1:]...)
				break
			}
		}
		delete(d.queued, jobID)
		d.mu.Unlock()
		return d.cancelNow(ctx, jobID)
	}
	d.mu.Unlock()

	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case JobStatusPending:
		return d.cancelNow(ctx, jobID)
	case JobStatusSubmitting:
		d.mu.Lock()
		d.cancelRequested[jobID] = true
		d.mu.Unlock()
		return nil
	case JobStatusRetrying:
		d.sched.Cancel(jobID)
		return d.cancelNow(ctx, jobID)
	default:
		return ErrNotCancellable
	}
}

func (d *Dispatcher) cancelNow(ctx context.Context, jobID string) error {
	job, err := d.store.UpdateStatus(ctx, jobID, JobStatusFailed, cancelReason)
	if err != nil {
		return err
	}
	if d.sender != nil {
		d.sender.SendJobEvent("job_failed", job)
	}
	return nil
}

func (d *Dispatcher) PausePrinter(name string) {
	d.mu.Lock()
	d.paused[name] = true
	d.mu.Unlock()
}

func (d *Dispatcher) ResumePrinter(name string) {
	d.mu.Lock()
	delete(d.paused, name)
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Dispatcher) IsPrinterPaused(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[name]
}

func (d *Dispatcher) PausedPrinters() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	printers := make([]string, 0, len(d.paused))
	for name := range d.paused {
		printers = append(printers, name)
	}
	return printers
}

// QueueDepths reports how many jobs are waiting per lane.
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	depths := make(map[string]int, len(d.lanes))
	for name, ln := range d.lanes {
		if len(ln.jobs) > 0 {
			depths[name] = len(ln.jobs)
		}
	}
	return depths
}

func (d *Dispatcher) ScheduledRetries() int {
	return d.sched.Len()
}
