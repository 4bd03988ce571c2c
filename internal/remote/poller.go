// Package remote pulls print jobs from an upstream queue (typically an ERP)
// and feeds them into the local pipeline. Polling lets the bridge run behind
// NAT without any inbound connectivity.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
)

const (
	pendingPath  = "/api/v1/print/jobs/pending"
	updatePath   = "/api/v1/print/jobs/update"
	registerPath = "/api/v1/print/server/register"
	pingPath     = "/api/v1/print/ping"
)

// PendingJob is one job offered by the upstream queue. Content arrives either
// inline as base64 or behind a download URL.
type PendingJob struct {
	ID           int64             `json:"id"`
	PrinterName  string            `json:"printer_name"`
	DocumentName string            `json:"document_name"`
	ContentType  string            `json:"content_type"`
	Content      string            `json:"content,omitempty"`
	ContentURL   string            `json:"content_url,omitempty"`
	Copies       int               `json:"copies,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
}

type pendingResponse struct {
	Jobs []PendingJob `json:"jobs"`
}

type statusUpdate struct {
	JobID        int64  `json:"job_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type registerRequest struct {
	Name     string            `json:"name"`
	Printers []registerPrinter `json:"printers"`
	Version  string            `json:"version"`
}

type registerPrinter struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Available bool   `json:"available"`
}

type registerResponse struct {
	Success  bool  `json:"success"`
	ServerID int64 `json:"server_id"`
}

type pingResponse struct {
	Version string `json:"version"`
}

// Poller polls the upstream on an interval, submits offered jobs locally and
// pushes terminal outcomes back. It keeps working through upstream outages: a
// failed call is logged and retried on the next tick, and jobs already handed
// to the pipeline are never submitted twice.
type Poller struct {
	spooler  *core.Spooler
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	apiKey   string
	name     string
	version  string
	interval time.Duration
	timeout  time.Duration

	mu         sync.Mutex
	serverID   int64
	registered bool
	tracked    map[int64]string
	running    bool

	stopCh chan struct{}
	done   chan struct{}
}

func NewPoller(spooler *core.Spooler, cfg *config.RemoteConfig, version string, logger *slog.Logger) (*Poller, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("remote api key is required")
	}

	interval := cfg.PollInterval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}

	name := cfg.ServerName
	if name == "" {
		name, _ = os.Hostname()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		spooler:  spooler,
		client:   &http.Client{},
		logger:   logger,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		apiKey:   cfg.APIKey,
		name:     name,
		version:  version,
		interval: interval,
		timeout:  30 * time.Second,
		tracked:  make(map[int64]string),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("remote polling started", "url", p.baseURL, "interval", p.interval)
	go p.loop()
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.done
}

func (p *Poller) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(context.Background())

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(context.Background())
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.isRegistered() {
		if err := p.register(ctx); err != nil {
			p.logger.Warn("upstream registration failed", "error", err)
		}
	}

	p.reportTracked(ctx)

	if err := p.fetchPending(ctx); err != nil {
		p.logger.Warn("failed to fetch pending jobs", "error", err)
	}
}

func (p *Poller) register(ctx context.Context) error {
	printers := p.spooler.Printers()
	regs := make([]registerPrinter, 0, len(printers))
	for _, pr := range printers {
		regs = append(regs, registerPrinter{Name: pr.Name, State: pr.State, Available: pr.Available})
	}

	var resp registerResponse
	req := &registerRequest{Name: p.name, Printers: regs, Version: p.version}
	if err := p.post(ctx, registerPath, req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("upstream refused registration")
	}

	p.mu.Lock()
	p.serverID = resp.ServerID
	p.registered = true
	p.mu.Unlock()

	p.logger.Info("registered with upstream", "server_id", resp.ServerID, "printers", len(regs))
	return nil
}

// Ping checks upstream connectivity and returns the upstream version string.
func (p *Poller) Ping(ctx context.Context) (string, error) {
	var resp pingResponse
	if err := p.get(ctx, pingPath, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (p *Poller) fetchPending(ctx context.Context) error {
	path := pendingPath
	if id := p.serverIDSnapshot(); id != 0 {
		path += "?server_id=" + strconv.FormatInt(id, 10)
	}

	var resp pendingResponse
	if err := p.get(ctx, path, &resp); err != nil {
		return err
	}
	if len(resp.Jobs) == 0 {
		return nil
	}

	p.logger.Info("upstream jobs offered", "count", len(resp.Jobs))
	for i := range resp.Jobs {
		p.processJob(ctx, &resp.Jobs[i])
	}
	return nil
}

func (p *Poller) processJob(ctx context.Context, rj *PendingJob) {
	if p.isTracked(rj.ID) {
		return
	}

	p.logger.Info("accepting upstream job", "remote_id", rj.ID, "printer", rj.PrinterName)

	content, err := p.jobContent(ctx, rj)
	if err != nil {
		p.logger.Error("failed to fetch job content", "remote_id", rj.ID, "error", err)
		if uerr := p.updateStatus(ctx, rj.ID, "failed", err.Error()); uerr != nil {
			p.logger.Warn("failed to report job failure", "remote_id", rj.ID, "error", uerr)
		}
		return
	}

	copies := rj.Copies
	if copies < 1 {
		copies = 1
	}

	job, err := p.spooler.SubmitJob(ctx, core.SubmitRequest{
		PrinterName:  rj.PrinterName,
		DocumentName: p.documentName(rj),
		Document:     content,
		Copies:       copies,
		Options:      rj.Options,
	})
	if err != nil {
		if uerr := p.updateStatus(ctx, rj.ID, "failed", err.Error()); uerr != nil {
			p.logger.Warn("failed to report job failure", "remote_id", rj.ID, "error", uerr)
		}
		return
	}

	p.track(rj.ID, job.ID)

	// Submission can reject synchronously, for example for an unknown printer.
	if job.Status.Terminal() {
		p.reportOutcome(ctx, rj.ID, job)
		return
	}

	if err := p.updateStatus(ctx, rj.ID, "processing", ""); err != nil {
		p.logger.Warn("failed to report job acceptance", "remote_id", rj.ID, "error", err)
	}
}

// reportTracked pushes outcomes for jobs that reached a terminal state since
// the last tick. A failed report keeps the job tracked for the next tick.
func (p *Poller) reportTracked(ctx context.Context) {
	for remoteID, localID := range p.trackedSnapshot() {
		job, err := p.spooler.GetJob(ctx, localID)
		if err != nil {
			p.logger.Error("tracked job vanished", "remote_id", remoteID, "job_id", localID, "error", err)
			if uerr := p.updateStatus(ctx, remoteID, "failed", "job record lost"); uerr == nil {
				p.untrack(remoteID)
			}
			continue
		}
		if !job.Status.Terminal() {
			continue
		}
		p.reportOutcome(ctx, remoteID, job)
	}
}

func (p *Poller) reportOutcome(ctx context.Context, remoteID int64, job *core.Job) {
	status := "completed"
	message := ""
	if job.Status == core.JobStatusFailed {
		status = "failed"
		message = job.LastError
	}

	if err := p.updateStatus(ctx, remoteID, status, message); err != nil {
		p.logger.Warn("failed to report job outcome", "remote_id", remoteID, "error", err)
		return
	}
	p.untrack(remoteID)

	p.logger.Info("reported job outcome", "remote_id", remoteID, "job_id", job.ID, "status", status)
}

func (p *Poller) jobContent(ctx context.Context, rj *PendingJob) ([]byte, error) {
	if rj.ContentURL != "" {
		return p.download(ctx, rj.ContentURL)
	}
	if rj.Content == "" {
		return nil, fmt.Errorf("job has neither content nor content_url")
	}
	data, err := base64.StdEncoding.DecodeString(rj.Content)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return data, nil
}

func (p *Poller) documentName(rj *PendingJob) string {
	if rj.DocumentName != "" {
		return rj.DocumentName
	}
	name := fmt.Sprintf("remote-%d", rj.ID)
	switch rj.ContentType {
	case "", "pdf":
		return name + ".pdf"
	case "raw":
		return name + ".raw"
	}
	return name
}

func (p *Poller) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if strings.HasPrefix(url, p.baseURL) {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download content: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *Poller) updateStatus(ctx context.Context, remoteID int64, status, message string) error {
	return p.post(ctx, updatePath, &statusUpdate{JobID: remoteID, Status: status, ErrorMessage: message}, nil)
}

func (p *Poller) get(ctx context.Context, path string, out interface{}) error {
	return p.request(ctx, http.MethodGet, path, nil, out)
}

func (p *Poller) post(ctx context.Context, path string, in, out interface{}) error {
	return p.request(ctx, http.MethodPost, path, in, out)
}

func (p *Poller) request(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("upstream rejected credentials (status %d)", resp.StatusCode)
	default:
		return fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (p *Poller) isRegistered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered
}

func (p *Poller) serverIDSnapshot() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverID
}

func (p *Poller) isTracked(remoteID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracked[remoteID]
	return ok
}

func (p *Poller) track(remoteID int64, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked[remoteID] = jobID
}

func (p *Poller) untrack(remoteID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, remoteID)
}

func (p *Poller) trackedSnapshot() map[int64]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make(map[int64]string, len(p.tracked))
	for k, v := range p.tracked {
		snapshot[k] = v
	}
	return snapshot
}
