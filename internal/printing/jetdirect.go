package printing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
)

const (
	jetdirectDefaultPort = "9100"
	jetdirectStatusQuery = "\x1b!?"
	statusProbeTimeout   = 500 * time.Millisecond
)

// First status byte of the TSPL-style "\x1b!?" reply. Devices that answer at
// all tend to be label or receipt printers speaking this dialect.
var jetdirectStates = map[byte]string{
	'@': core.PrinterStateIdle,
	'I': core.PrinterStateIdle,
	'S': core.PrinterStateIdle,
	'F': core.PrinterStatePrinting,
	'L': core.PrinterStatePrinting,
	'P': core.PrinterStateStopped,
	'E': core.PrinterStateStopped,
	'H': core.PrinterStateStopped,
}

// JetDirectBackend streams documents to statically configured raw TCP
// printers. There is no job handle on a raw socket: a submission is complete
// once the payload is written.
type JetDirectBackend struct {
	printers map[string]string
	order    []string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewJetDirectBackend(printers []config.JetDirectPrinter, timeout time.Duration, logger *slog.Logger) (*JetDirectBackend, error) {
	if len(printers) == 0 {
		return nil, errors.New("jetdirect backend requires at least one configured printer")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &JetDirectBackend{
		printers: make(map[string]string, len(printers)),
		timeout:  timeout,
		logger:   logger,
	}
	for _, p := range printers {
		if p.Name == "" || p.Addr == "" {
			return nil, fmt.Errorf("jetdirect printer needs both name and addr, got name=%q addr=%q", p.Name, p.Addr)
		}
		addr := p.Addr
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, jetdirectDefaultPort)
		}
		if _, dup := b.printers[p.Name]; dup {
			return nil, fmt.Errorf("duplicate jetdirect printer %q", p.Name)
		}
		b.printers[p.Name] = addr
		b.order = append(b.order, p.Name)
	}
	return b, nil
}

func (b *JetDirectBackend) Name() string { return "jetdirect" }

func (b *JetDirectBackend) DiscoverPrinters(ctx context.Context) ([]core.Printer, error) {
	printers := make([]core.Printer, 0, len(b.order))
	for _, name := range b.order {
		addr := b.printers[name]
		state, available := b.probe(ctx, addr)
		printers = append(printers, core.Printer{
			Name:        name,
			Description: fmt.Sprintf("raw printer at %s", addr),
			State:       state,
			Available:   available,
		})
	}
	return printers, nil
}

// probe dials the device and, when it answers the status query, refines the
// reported state. Most JetDirect devices accept jobs without implementing
// the query, so a silent but reachable device counts as idle.
func (b *JetDirectBackend) probe(ctx context.Context, addr string) (string, bool) {
	dialer := net.Dialer{Timeout: b.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return core.PrinterStateOffline, false
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(statusProbeTimeout))
	if _, err := conn.Write([]byte(jetdirectStatusQuery)); err != nil {
		return core.PrinterStateOffline, false
	}

	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return core.PrinterStateIdle, true
	}
	state, ok := jetdirectStates[buf[0]]
	if !ok {
		return core.PrinterStateIdle, true
	}
	return state, state != core.PrinterStateStopped
}

func (b *JetDirectBackend) Submit(ctx context.Context, job *core.Job) (string, error) {
	addr, ok := b.printers[job.PrinterName]
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrPrinterNotFound, job.PrinterName)
	}

	dialer := net.Dialer{Timeout: b.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", &core.PrinterOfflineError{Printer: job.PrinterName, Cause: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	copies := job.Copies
	if copies < 1 {
		copies = 1
	}
	for i := 0; i < copies; i++ {
		if _, err := conn.Write(job.Document); err != nil {
			return "", &core.PrinterOfflineError{Printer: job.PrinterName, Cause: err}
		}
	}

	b.logger.Debug("raw document written", "printer", job.PrinterName, "addr", addr, "bytes", len(job.Document), "copies", copies)
	return "", nil
}

func (b *JetDirectBackend) QueryStatus(ctx context.Context, backendID string) (core.BackendJobState, error) {
	return core.BackendJobUnknown, nil
}
