package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PrinterManager keeps the current snapshot of printers known to the backend
// and refreshes it on an interval. Reads hand out copies; a failed discovery
// never clobbers the previous snapshot.
type PrinterManager struct {
	backend        Backend
	interval       time.Duration
	defaultPrinter string
	sender         EventSender
	logger         *slog.Logger

	mu         sync.RWMutex
	printers   map[string]*Printer
	discovered bool
	running    bool

	stopCh chan struct{}
	done   chan struct{}
}

func NewPrinterManager(backend Backend, interval time.Duration, defaultPrinter string, sender EventSender, logger *slog.Logger) *PrinterManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrinterManager{
		backend:        backend,
		interval:       interval,
		defaultPrinter: defaultPrinter,
		sender:         sender,
		logger:         logger,
		printers:       make(map[string]*Printer),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (m *PrinterManager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	if err := m.Refresh(context.Background()); err != nil {
		m.logger.Warn("initial printer discovery failed", "error", err)
	}

	go m.discoveryLoop()
}

func (m *PrinterManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.done
}

func (m *PrinterManager) discoveryLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.Refresh(context.Background()); err != nil {
				m.logger.Warn("printer discovery failed", "error", err)
			}
		}
	}
}

// Refresh queries the backend and swaps in a fresh snapshot. Availability
// flips are reported to the event sender.
func (m *PrinterManager) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	discovered, err := m.backend.DiscoverPrinters(ctx)
	if err != nil {
		return fmt.Errorf("discover printers: %w", err)
	}

	now := time.Now().UTC()
	fresh := make(map[string]*Printer, len(discovered))
	for i := range discovered {
		p := discovered[i].Clone()
		p.LastSeen = now
		fresh[p.Name] = p
	}

	type statusFlip struct {
		name      string
		available bool
	}
	var flips []statusFlip

	m.mu.Lock()
	for name, p := range fresh {
		if prev, ok := m.printers[name]; ok && prev.Available != p.Available {
			flips = append(flips, statusFlip{name, p.Available})
		}
	}
	for name := range m.printers {
		if _, ok := fresh[name]; !ok {
			flips = append(flips, statusFlip{name, false})
		}
	}
	m.printers = fresh
	m.discovered = true
	m.mu.Unlock()

	for _, f := range flips {
		m.logger.Info("printer availability changed", "printer", f.name, "available", f.available)
		if m.sender != nil {
			m.sender.SendPrinterStatusChange(f.name, f.available)
		}
	}

	m.logger.Debug("printer discovery complete", "count", len(fresh))
	return nil
}

func (m *PrinterManager) Get(name string) (*Printer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.printers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
	}
	return p.Clone(), nil
}

func (m *PrinterManager) List() []*Printer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	printers := make([]*Printer, 0, len(m.printers))
	for _, p := range m.printers {
		printers = append(printers, p.Clone())
	}
	sort.Slice(printers, func(i, j int) bool { return printers[i].Name < printers[j].Name })
	return printers
}

func (m *PrinterManager) Known(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.printers[name]
	return ok
}

// Discovered reports whether at least one discovery pass has succeeded.
// Until then the printer set is unknown rather than empty, and submissions
// are accepted optimistically.
func (m *PrinterManager) Discovered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discovered
}

func (m *PrinterManager) Default() string {
	return m.defaultPrinter
}
