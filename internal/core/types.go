package core

import (
	"context"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusSubmitting JobStatus = "submitting"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// validTransitions is the job lifecycle DAG. pending -> failed covers
// unknown-printer rejection and cancellation before dispatch; retrying ->
// failed covers honored cancellation and retry exhaustion.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusSubmitting: true,
		JobStatusFailed:     true,
	},
	JobStatusSubmitting: {
		JobStatusCompleted: true,
		JobStatusRetrying:  true,
		JobStatusFailed:    true,
	},
	JobStatusRetrying: {
		JobStatusSubmitting: true,
		JobStatusFailed:     true,
	},
}

func CanTransition(from, to JobStatus) bool {
	return validTransitions[from][to]
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusSubmitting, JobStatusCompleted, JobStatusFailed, JobStatusRetrying:
		return true
	}
	return false
}

type Job struct {
	ID           string
	PrinterName  string
	DocumentName string
	Document     []byte
	Copies       int
	Options      map[string]string
	Status       JobStatus
	Attempts     int
	LastError    string
	BackendID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Clone returns an independent copy so callers can never mutate stored state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Document != nil {
		c.Document = make([]byte, len(j.Document))
		copy(c.Document, j.Document)
	}
	if j.Options != nil {
		c.Options = make(map[string]string, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

type Printer struct {
	Name         string
	Description  string
	Location     string
	State        string
	Available    bool
	Capabilities map[string][]string
	LastSeen     time.Time
}

const (
	PrinterStateIdle     = "idle"
	PrinterStatePrinting = "printing"
	PrinterStateStopped  = "stopped"
	PrinterStateOffline  = "offline"
)

func (p *Printer) Clone() *Printer {
	c := *p
	if p.Capabilities != nil {
		c.Capabilities = make(map[string][]string, len(p.Capabilities))
		for k, v := range p.Capabilities {
			vals := make([]string, len(v))
			copy(vals, v)
			c.Capabilities[k] = vals
		}
	}
	return &c
}

// BackendJobState is the printing subsystem's view of a submitted job.
type BackendJobState string

const (
	BackendJobPending    BackendJobState = "pending"
	BackendJobProcessing BackendJobState = "processing"
	BackendJobCompleted  BackendJobState = "completed"
	BackendJobCanceled   BackendJobState = "canceled"
	BackendJobAborted    BackendJobState = "aborted"
	BackendJobUnknown    BackendJobState = "unknown"
)

// Backend abstracts the local printing subsystem. Implementations live in
// internal/printing; the core never branches on platform.
type Backend interface {
	Name() string
	DiscoverPrinters(ctx context.Context) ([]Printer, error)
	Submit(ctx context.Context, job *Job) (string, error)
	QueryStatus(ctx context.Context, backendID string) (BackendJobState, error)
}

// EventSender receives job and printer lifecycle notifications. Implemented
// by the webhook sender; components treat a nil sender as "notifications off".
type EventSender interface {
	SendJobEvent(event string, job *Job)
	SendPrinterStatusChange(name string, available bool)
}

type Stats struct {
	Pending     int            `json:"pending"`
	Submitting  int            `json:"submitting"`
	Retrying    int            `json:"retrying"`
	Completed   int            `json:"completed"`
	Failed      int            `json:"failed"`
	Total       int            `json:"total"`
	QueueDepths map[string]int `json:"queue_depths"`
	Scheduled   int            `json:"scheduled_retries"`
}
