package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend scripts submission outcomes per attempt and records how many
// submissions ran concurrently per printer.
type fakeBackend struct {
	mu          sync.Mutex
	printers    []Printer
	script      func(job *Job, attempt int) error
	attempts    map[string]int
	inflight    map[string]int
	maxInflight map[string]int
	delay       time.Duration
}

func newFakeBackend(printerNames ...string) *fakeBackend {
	b := &fakeBackend{
		attempts:    make(map[string]int),
		inflight:    make(map[string]int),
		maxInflight: make(map[string]int),
	}
	for _, name := range printerNames {
		b.printers = append(b.printers, Printer{Name: name, State: PrinterStateIdle, Available: true})
	}
	return b
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) DiscoverPrinters(ctx context.Context) ([]Printer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Printer, len(b.printers))
	copy(out, b.printers)
	return out, nil
}

func (b *fakeBackend) Submit(ctx context.Context, job *Job) (string, error) {
	b.mu.Lock()
	b.attempts[job.ID]++
	attempt := b.attempts[job.ID]
	b.inflight[job.PrinterName]++
	if b.inflight[job.PrinterName] > b.maxInflight[job.PrinterName] {
		b.maxInflight[job.PrinterName] = b.inflight[job.PrinterName]
	}
	script := b.script
	delay := b.delay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	var err error
	if script != nil {
		err = script(job, attempt)
	}

	b.mu.Lock()
	b.inflight[job.PrinterName]--
	b.mu.Unlock()

	if err != nil {
		return "", err
	}
	return fmt.Sprintf("fake-%s-%d", job.ID, attempt), nil
}

func (b *fakeBackend) QueryStatus(ctx context.Context, backendID string) (BackendJobState, error) {
	return BackendJobCompleted, nil
}

func (b *fakeBackend) submitCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[jobID]
}

func (b *fakeBackend) maxConcurrent(printer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInflight[printer]
}

type recordingSender struct {
	mu        sync.Mutex
	jobEvents []string
}

func (r *recordingSender) SendJobEvent(event string, job *Job) {
	r.mu.Lock()
	r.jobEvents = append(r.jobEvents, event)
	r.mu.Unlock()
}

func (r *recordingSender) SendPrinterStatusChange(name string, available bool) {}

func (r *recordingSender) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.jobEvents))
	copy(out, r.jobEvents)
	return out
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
	}
}

func waitForStatus(t *testing.T, store *JobStore, jobID string, want JobStatus) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		job, err := store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job never reached %s", want)
	return got
}

func TestDispatchSuccessFirstAttempt(t *testing.T) {
	backend := newFakeBackend("HP1")
	sender := &recordingSender{}
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), sender, testLogger(), DispatcherOptions{Workers: 2})

	job, err := store.Create(context.Background(), "HP1", "report.pdf", []byte("%PDF-1.4"), 2, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	done := waitForStatus(t, store, job.ID, JobStatusCompleted)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, 1, backend.submitCount(job.ID))
	assert.Equal(t, []string{"job_started", "job_completed"}, sender.events())
}

func TestDispatchRetriesOfflineThenSucceeds(t *testing.T) {
	backend := newFakeBackend("HP1")
	backend.script = func(job *Job, attempt int) error {
		if attempt <= 2 {
			return &PrinterOfflineError{Printer: job.PrinterName}
		}
		return nil
	}
	sender := &recordingSender{}
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), sender, testLogger(), DispatcherOptions{Workers: 2})

	job, err := store.Create(context.Background(), "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	done := waitForStatus(t, store, job.ID, JobStatusCompleted)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, 3, backend.submitCount(job.ID))

	started := 0
	for _, e := range sender.events() {
		if e == "job_started" {
			started++
		}
	}
	assert.Equal(t, 3, started)
	assert.Equal(t, "job_completed", sender.events()[len(sender.events())-1])
}

func TestDispatchDocumentRejectedFailsImmediately(t *testing.T) {
	backend := newFakeBackend("HP1")
	backend.script = func(job *Job, attempt int) error {
		return &DocumentRejectedError{Reason: "unsupported format"}
	}
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), nil, testLogger(), DispatcherOptions{Workers: 1})

	job, err := store.Create(context.Background(), "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	done := waitForStatus(t, store, job.ID, JobStatusFailed)
	assert.Equal(t, 1, done.Attempts, "terminal rejection is never retried")
	assert.Equal(t, 1, backend.submitCount(job.ID))
	assert.Contains(t, done.LastError, "document rejected")
	assert.Equal(t, 0, d.ScheduledRetries())
}

func TestDispatchExhaustsRetries(t *testing.T) {
	backend := newFakeBackend("HP1")
	backend.script = func(job *Job, attempt int) error {
		return &BackendUnavailableError{Backend: "fake", Cause: fmt.Errorf("attempt %d down", attempt)}
	}
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(2), nil, testLogger(), DispatcherOptions{Workers: 1})

	job, err := store.Create(context.Background(), "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	done := waitForStatus(t, store, job.ID, JobStatusFailed)
	assert.Equal(t, 2, done.Attempts, "attempts stay within max retries")
	assert.Contains(t, done.LastError, "max retries exceeded")
}

func TestEnqueueIsIdempotent(t *testing.T) {
	backend := newFakeBackend("HP1")
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), nil, testLogger(), DispatcherOptions{Workers: 1})

	job, err := store.Create(context.Background(), "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(job.ID, "HP1"))
	require.NoError(t, d.Enqueue(job.ID, "HP1"))
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	assert.Equal(t, map[string]int{"HP1": 1}, d.QueueDepths())
}

func TestPerPrinterConcurrencyNeverExceeded(t *testing.T) {
	backend := newFakeBackend("HP1", "HP2")
	backend.delay = 2 * time.Millisecond
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), nil, testLogger(), DispatcherOptions{
		Workers:               8,
		PerPrinterConcurrency: 1,
	})

	ctx := context.Background()
	var ids []string
	for i := 0; i < 20; i++ {
		printer := "HP1"
		if i%3 == 0 {
			printer = "HP2"
		}
		job, err := store.Create(ctx, printer, "doc.pdf", []byte("x"), 1, nil)
		require.NoError(t, err)
		require.NoError(t, d.Enqueue(job.ID, printer))
		ids = append(ids, job.ID)
	}

	d.Start()
	defer d.Stop()

	for _, id := range ids {
		waitForStatus(t, store, id, JobStatusCompleted)
	}

	assert.Equal(t, 1, backend.maxConcurrent("HP1"), "HP1 slot never shared")
	assert.Equal(t, 1, backend.maxConcurrent("HP2"), "HP2 slot never shared")
}

func TestCancelQueuedJob(t *testing.T) {
	backend := newFakeBackend("HP1")
	sender := &recordingSender{}
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), sender, testLogger(), DispatcherOptions{Workers: 1})

	ctx := context.Background()
	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	require.NoError(t, d.Cancel(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "cancelled", got.LastError)
	assert.Empty(t, d.QueueDepths())
	assert.Equal(t, 0, backend.submitCount(job.ID), "cancelled before any submission")

	require.ErrorIs(t, d.Cancel(ctx, job.ID), ErrNotCancellable)
}

// gatedBackend parks every submission until the test releases it.
type gatedBackend struct {
	entered chan string
	release chan error
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		entered: make(chan string),
		release: make(chan error),
	}
}

func (b *gatedBackend) Name() string { return "gated" }

func (b *gatedBackend) DiscoverPrinters(ctx context.Context) ([]Printer, error) {
	return []Printer{{Name: "HP1", State: PrinterStateIdle, Available: true}}, nil
}

func (b *gatedBackend) Submit(ctx context.Context, job *Job) (string, error) {
	b.entered <- job.ID
	if err := <-b.release; err != nil {
		return "", err
	}
	return "gated-1", nil
}

func (b *gatedBackend) QueryStatus(ctx context.Context, backendID string) (BackendJobState, error) {
	return BackendJobCompleted, nil
}

func TestCancelDuringSubmissionHonoredBeforeRetry(t *testing.T) {
	backend := newGatedBackend()
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), nil, testLogger(), DispatcherOptions{Workers: 1})

	ctx := context.Background()
	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	<-backend.entered

	// Mid-flight: cancellation is deferred, not applied.
	require.NoError(t, d.Cancel(ctx, job.ID))
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSubmitting, got.Status)

	// Attempt resolves as transient failure; the deferred cancel wins over
	// the retry.
	backend.release <- &PrinterOfflineError{Printer: "HP1"}

	done := waitForStatus(t, store, job.ID, JobStatusFailed)
	assert.Equal(t, "cancelled", done.LastError)
	assert.Equal(t, 0, d.ScheduledRetries())
}

func TestCancelDuringSubmissionIgnoredOnSuccess(t *testing.T) {
	backend := newGatedBackend()
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), nil, testLogger(), DispatcherOptions{Workers: 1})

	ctx := context.Background()
	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	<-backend.entered
	require.NoError(t, d.Cancel(ctx, job.ID))
	backend.release <- nil

	done := waitForStatus(t, store, job.ID, JobStatusCompleted)
	assert.Equal(t, 1, done.Attempts)
}

func TestCancelRetryingJob(t *testing.T) {
	backend := newFakeBackend("HP1")
	backend.script = func(job *Job, attempt int) error {
		return &PrinterOfflineError{Printer: job.PrinterName}
	}
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	// Backoff far beyond the test so the job sits in retrying.
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, MaxDelay: 2 * time.Hour}
	d := NewDispatcher(store, backend, policy, nil, testLogger(), DispatcherOptions{Workers: 1})

	ctx := context.Background()
	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	waitForStatus(t, store, job.ID, JobStatusRetrying)
	require.Eventually(t, func() bool { return d.ScheduledRetries() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Cancel(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "cancelled", got.LastError)
	assert.Equal(t, 0, d.ScheduledRetries())
}

func TestStaleLaneEntryIsSkipped(t *testing.T) {
	backend := newFakeBackend("HP1")
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), nil, testLogger(), DispatcherOptions{Workers: 1})

	ctx := context.Background()
	stale, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, stale.ID, JobStatusFailed, "cancelled")
	require.NoError(t, err)

	live, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(stale.ID, "HP1"))
	require.NoError(t, d.Enqueue(live.ID, "HP1"))

	d.Start()
	defer d.Stop()

	waitForStatus(t, store, live.ID, JobStatusCompleted)

	got, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, 0, backend.submitCount(stale.ID), "stale entry never submitted")
}

func TestPauseAndResumePrinter(t *testing.T) {
	backend := newFakeBackend("HP1")
	store := NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
	d := NewDispatcher(store, backend, fastPolicy(3), nil, testLogger(), DispatcherOptions{Workers: 2})

	ctx := context.Background()
	d.PausePrinter("HP1")

	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	require.NoError(t, d.Enqueue(job.ID, "HP1"))

	d.Start()
	defer d.Stop()

	time.Sleep(50 * time.Millisecond)
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status, "paused lane is never drained")

	d.ResumePrinter("HP1")
	waitForStatus(t, store, job.ID, JobStatusCompleted)
}
