package printing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	ipp "github.com/phin1x/go-ipp"

	"github.com/orrn/printbridge/internal/core"
)

// IPP enums and status codes, RFC 8011.
const (
	ippPrinterIdle       = 3
	ippPrinterProcessing = 4
	ippPrinterStopped    = 5

	ippJobPending    = 3
	ippJobHeld       = 4
	ippJobProcessing = 5
	ippJobStopped    = 6
	ippJobCanceled   = 7
	ippJobAborted    = 8
	ippJobCompleted  = 9

	ippStatusNotFound            = 0x0406
	ippStatusDocumentUnsupported = 0x040a
)

var discoveryAttributes = []string{
	"printer-name",
	"printer-state",
	"printer-location",
	"printer-info",
	"printer-is-accepting-jobs",
	"document-format-supported",
	"media-supported",
	"sides-supported",
	"print-color-mode-supported",
}

var capabilityAttributes = []string{
	"document-format-supported",
	"media-supported",
	"sides-supported",
	"print-color-mode-supported",
}

// IPPBackend drives a CUPS server. One instance is shared by discovery and
// all submit workers; the underlying client is stateless per request.
type IPPBackend struct {
	client *ipp.CUPSClient
	addr   string
	logger *slog.Logger
}

func NewIPPBackend(host string, port int, logger *slog.Logger) *IPPBackend {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 631
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IPPBackend{
		client: ipp.NewCUPSClient(host, port, "", "", false),
		addr:   fmt.Sprintf("%s:%d", host, port),
		logger: logger,
	}
}

func (b *IPPBackend) Name() string { return "ipp" }

// await runs a blocking client call and honors context cancellation. The
// go-ipp client has no context plumbing of its own.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func (b *IPPBackend) DiscoverPrinters(ctx context.Context) ([]core.Printer, error) {
	found, err := await(ctx, func() (map[string]ipp.Attributes, error) {
		return b.client.GetPrinters(discoveryAttributes)
	})
	if err != nil {
		return nil, &core.BackendUnavailableError{Backend: "ipp", Cause: err}
	}

	printers := make([]core.Printer, 0, len(found))
	for name, attrs := range found {
		printers = append(printers, printerFromAttributes(name, attrs))
	}
	return printers, nil
}

func (b *IPPBackend) Submit(ctx context.Context, job *core.Job) (string, error) {
	doc := ipp.Document{
		Document: bytes.NewReader(job.Document),
		Size:     len(job.Document),
		Name:     job.DocumentName,
		MimeType: "application/octet-stream",
	}

	jobID, err := await(ctx, func() (int, error) {
		return b.client.PrintJob(doc, job.PrinterName, ippJobOptions(job.Copies, job.Options))
	})
	if err != nil {
		return "", b.classify(job.PrinterName, err)
	}
	return strconv.Itoa(jobID), nil
}

func (b *IPPBackend) QueryStatus(ctx context.Context, backendID string) (core.BackendJobState, error) {
	jobID, err := strconv.Atoi(backendID)
	if err != nil {
		return core.BackendJobUnknown, fmt.Errorf("malformed ipp job id %q", backendID)
	}

	attrs, err := await(ctx, func() (ipp.Attributes, error) {
		return b.client.GetJobAttributes(jobID, []string{"job-state"})
	})
	if err != nil {
		return core.BackendJobUnknown, b.classify("", err)
	}

	state, ok := attrInt(attrs, "job-state")
	if !ok {
		return core.BackendJobUnknown, nil
	}
	return jobStateFromIPP(state), nil
}

func (b *IPPBackend) classify(printer string, err error) error {
	var ippErr ipp.IPPError
	if errors.As(err, &ippErr) {
		switch int(ippErr.Status) {
		case ippStatusDocumentUnsupported:
			return &core.DocumentRejectedError{Reason: err.Error()}
		case ippStatusNotFound:
			return &core.PrinterOfflineError{Printer: printer, Cause: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &core.BackendUnavailableError{Backend: "ipp", Cause: err}
	}
	return err
}

func printerFromAttributes(name string, attrs ipp.Attributes) core.Printer {
	p := core.Printer{
		Name:         name,
		State:        core.PrinterStateIdle,
		Available:    true,
		Capabilities: make(map[string][]string),
	}

	if state, ok := attrInt(attrs, "printer-state"); ok {
		switch state {
		case ippPrinterIdle:
			p.State = core.PrinterStateIdle
		case ippPrinterProcessing:
			p.State = core.PrinterStatePrinting
		case ippPrinterStopped:
			p.State = core.PrinterStateStopped
			p.Available = false
		}
	}
	if accepting, ok := attrBool(attrs, "printer-is-accepting-jobs"); ok && !accepting {
		p.Available = false
	}

	p.Location = attrString(attrs, "printer-location")
	p.Description = attrString(attrs, "printer-info")

	for _, name := range capabilityAttributes {
		if values := attrStrings(attrs, name); len(values) > 0 {
			p.Capabilities[name] = values
		}
	}
	return p
}

func jobStateFromIPP(state int) core.BackendJobState {
	switch state {
	case ippJobPending, ippJobHeld:
		return core.BackendJobPending
	case ippJobProcessing, ippJobStopped:
		return core.BackendJobProcessing
	case ippJobCanceled:
		return core.BackendJobCanceled
	case ippJobAborted:
		return core.BackendJobAborted
	case ippJobCompleted:
		return core.BackendJobCompleted
	}
	return core.BackendJobUnknown
}

// Job options the IPP encoder understands. Anything else is dropped rather
// than failing the whole submission on an unknown attribute name.
var (
	ippIntOptions = map[string]bool{
		"print-quality":         true,
		"orientation-requested": true,
		"number-up":             true,
		"job-priority":          true,
		"finishings":            true,
	}
	ippStringOptions = map[string]bool{
		"media":            true,
		"sides":            true,
		"print-color-mode": true,
		"output-bin":       true,
		"job-hold-until":   true,
	}
)

func ippJobOptions(copies int, options map[string]string) map[string]interface{} {
	attrs := make(map[string]interface{})
	if copies > 1 {
		attrs["copies"] = copies
	}
	for key, value := range options {
		switch {
		case ippIntOptions[key]:
			if n, err := strconv.Atoi(value); err == nil {
				attrs[key] = n
			}
		case ippStringOptions[key]:
			attrs[key] = value
		}
	}
	return attrs
}

func attrValue(attrs ipp.Attributes, name string) (interface{}, bool) {
	values, ok := attrs[name]
	if !ok || len(values) == 0 {
		return nil, false
	}
	return values[0].Value, true
}

func attrInt(attrs ipp.Attributes, name string) (int, bool) {
	v, ok := attrValue(attrs, name)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	}
	return 0, false
}

func attrBool(attrs ipp.Attributes, name string) (bool, bool) {
	v, ok := attrValue(attrs, name)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func attrString(attrs ipp.Attributes, name string) string {
	v, ok := attrValue(attrs, name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func attrStrings(attrs ipp.Attributes, name string) []string {
	values, ok := attrs[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.Value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
