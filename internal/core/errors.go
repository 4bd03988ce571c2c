package core

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrPrinterNotFound = errors.New("printer not found")
	ErrNotCancellable  = errors.New("job cannot be cancelled in its current state")
	ErrQueueStopped    = errors.New("dispatch queue is stopped")
)

// ValidationError rejects a malformed submission before any record exists.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// InvalidTransitionError marks an attempted status change outside the job
// lifecycle DAG. It always indicates a bug in the caller.
type InvalidTransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// BackendUnavailableError reports that the printing subsystem could not be
// reached at all. Eligible for retry.
type BackendUnavailableError struct {
	Backend string
	Cause   error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("printing backend %s unavailable: %v", e.Backend, e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Cause
}

// PrinterOfflineError reports that a specific printer is not accepting jobs.
// Eligible for retry with a longer backoff.
type PrinterOfflineError struct {
	Printer string
	Cause   error
}

func (e *PrinterOfflineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("printer %s offline: %v", e.Printer, e.Cause)
	}
	return fmt.Sprintf("printer %s offline", e.Printer)
}

func (e *PrinterOfflineError) Unwrap() error {
	return e.Cause
}

// DocumentRejectedError reports a document the backend will never accept.
// Never retried.
type DocumentRejectedError struct {
	Reason string
}

func (e *DocumentRejectedError) Error() string {
	return "document rejected: " + e.Reason
}

// IsTerminalFailure reports whether err should fail the job without retry.
func IsTerminalFailure(err error) bool {
	var rejected *DocumentRejectedError
	return errors.As(err, &rejected)
}

// IsOffline reports whether err is a printer-offline failure, which backs
// off twice as long as other transient failures.
func IsOffline(err error) bool {
	var offline *PrinterOfflineError
	return errors.As(err, &offline)
}
