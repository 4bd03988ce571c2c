// Package webhook delivers job and printer lifecycle events to subscribed
// HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/db"
)

const (
	EventJobStarted           = "job_started"
	EventJobCompleted         = "job_completed"
	EventJobFailed            = "job_failed"
	EventPrinterStatusChanged = "printer_status_changed"
)

// Events lists every event name a subscription can ask for.
var Events = []string{
	EventJobStarted,
	EventJobCompleted,
	EventJobFailed,
	EventPrinterStatusChanged,
}

type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type JobEventData struct {
	JobID        string     `json:"job_id"`
	PrinterName  string     `json:"printer_name"`
	DocumentName string     `json:"document_name"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
	BackendID    string     `json:"backend_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type PrinterStatusData struct {
	PrinterName string    `json:"printer_name"`
	Available   bool      `json:"available"`
	Timestamp   time.Time `json:"timestamp"`
}

type task struct {
	sub     *db.WebhookSubscription
	event   string
	body    []byte
	attempt int
}

// Sender fans events out to subscriptions from a small worker pool. Delivery
// is best effort: a full queue drops the event rather than stalling the
// dispatch pipeline.
type Sender struct {
	store      *db.WebhookStore
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
	workers    int
	queue      chan *task
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

var _ core.EventSender = (*Sender)(nil)

func NewSender(store *db.WebhookStore, cfg *config.WebhookConfig, logger *slog.Logger) *Sender {
	workers := 3
	timeout := 10 * time.Second
	maxRetries := 3
	if cfg != nil {
		if cfg.Workers > 0 {
			workers = cfg.Workers
		}
		if cfg.Timeout.Std() > 0 {
			timeout = cfg.Timeout.Std()
		}
		if cfg.MaxRetries > 0 {
			maxRetries = cfg.MaxRetries
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: 5 * time.Second,
		workers:    workers,
		queue:      make(chan *task, 100),
		stopCh:     make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sender) SendJobEvent(event string, job *core.Job) {
	data := &JobEventData{
		JobID:        job.ID,
		PrinterName:  job.PrinterName,
		DocumentName: job.DocumentName,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		Error:        job.LastError,
		BackendID:    job.BackendID,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
	s.enqueue(event, data)
}

func (s *Sender) SendPrinterStatusChange(name string, available bool) {
	s.enqueue(EventPrinterStatusChanged, &PrinterStatusData{
		PrinterName: name,
		Available:   available,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Sender) enqueue(event string, data interface{}) {
	subs, err := s.store.ListForEvent(context.Background(), event)
	if err != nil {
		s.logger.Error("failed to load webhook subscriptions", "event", event, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(&Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		s.logger.Error("failed to encode webhook payload", "event", event, "error", err)
		return
	}

	for _, sub := range subs {
		t := &task{sub: sub, event: event, body: body}
		select {
		case s.queue <- t:
		default:
			s.logger.Warn("webhook queue full, dropping event", "event", event, "webhook", sub.Name)
		}
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.deliver(t); err != nil {
				s.logger.Warn("webhook delivery failed",
					"webhook", t.sub.Name, "event", t.event, "attempts", t.attempt, "error", err)
			}
		}
	}
}

func (s *Sender) deliver(t *task) error {
	var lastErr error
	for t.attempt < s.maxRetries {
		t.attempt++

		err := s.send(t.sub, t.event, t.body)
		if err == nil {
			return nil
		}
		lastErr = err

		// 4xx means the receiver rejected the payload; retrying cannot help.
		var status *statusError
		if errors.As(err, &status) && status.code >= 400 && status.code < 500 {
			return err
		}

		if t.attempt < s.maxRetries {
			backoff := s.retryDelay * time.Duration(1<<uint(t.attempt-1))
			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func (s *Sender) send(sub *db.WebhookSubscription, event string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bridge-Event", event)
	if sub.Secret != "" {
		req.Header.Set("X-Bridge-Signature", Sign(body, sub.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of the delivery body. Receivers verify
// it against the X-Bridge-Signature header.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
