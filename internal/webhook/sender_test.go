package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/db"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type delivery struct {
	event     string
	signature string
	body      []byte
}

// captureServer records every delivery and answers with the status codes in
// statuses, repeating the last one once the list is exhausted.
type captureServer struct {
	mu         sync.Mutex
	deliveries []delivery
	statuses   []int
}

func (c *captureServer) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	c.mu.Lock()
	c.deliveries = append(c.deliveries, delivery{
		event:     r.Header.Get("X-Bridge-Event"),
		signature: r.Header.Get("X-Bridge-Signature"),
		body:      body,
	})
	status := http.StatusOK
	if len(c.statuses) > 0 {
		status = c.statuses[0]
		if len(c.statuses) > 1 {
			c.statuses = c.statuses[1:]
		}
	}
	c.mu.Unlock()

	w.WriteHeader(status)
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func (c *captureServer) delivery(i int) delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries[i]
}

func newTestSender(t *testing.T) (*Sender, *db.WebhookStore) {
	t.Helper()

	conn, err := db.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := db.NewWebhookStore(conn)
	cfg := &config.WebhookConfig{
		Workers:    2,
		Timeout:    config.Duration(2 * time.Second),
		MaxRetries: 3,
	}
	sender := NewSender(store, cfg, testLogger())
	sender.retryDelay = 5 * time.Millisecond
	sender.Start()
	t.Cleanup(sender.Stop)

	return sender, store
}

func subscribe(t *testing.T, store *db.WebhookStore, url, secret string, events ...string) {
	t.Helper()
	err := store.Create(context.Background(), &db.WebhookSubscription{
		Name:    "test-hook",
		URL:     url,
		Secret:  secret,
		Events:  events,
		Enabled: true,
	})
	require.NoError(t, err)
}

func sampleJob() *core.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &core.Job{
		ID:           "job-1",
		PrinterName:  "Front Desk",
		DocumentName: "invoice.pdf",
		Status:       core.JobStatusCompleted,
		Attempts:     2,
		BackendID:    "42",
		CreatedAt:    now.Add(-time.Minute),
		CompletedAt:  &now,
	}
}

func TestSenderDeliversSignedJobEvent(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	sender, store := newTestSender(t)
	subscribe(t, store, server.URL, "s3cret", EventJobCompleted)

	job := sampleJob()
	sender.SendJobEvent(EventJobCompleted, job)

	require.Eventually(t, func() bool { return capture.count() == 1 }, 3*time.Second, 10*time.Millisecond)

	got := capture.delivery(0)
	assert.Equal(t, EventJobCompleted, got.event)
	assert.Equal(t, Sign(got.body, "s3cret"), got.signature)

	var payload Payload
	require.NoError(t, json.Unmarshal(got.body, &payload))
	assert.Equal(t, EventJobCompleted, payload.Event)
	assert.False(t, payload.Timestamp.IsZero())

	data, ok := payload.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "job-1", data["job_id"])
	assert.Equal(t, "Front Desk", data["printer_name"])
	assert.Equal(t, "invoice.pdf", data["document_name"])
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, float64(2), data["attempts"])
	assert.Equal(t, "42", data["backend_id"])
	assert.NotContains(t, data, "error")
}

func TestSenderOmitsSignatureWithoutSecret(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	sender, store := newTestSender(t)
	subscribe(t, store, server.URL, "", EventPrinterStatusChanged)

	sender.SendPrinterStatusChange("Warehouse", false)

	require.Eventually(t, func() bool { return capture.count() == 1 }, 3*time.Second, 10*time.Millisecond)

	got := capture.delivery(0)
	assert.Empty(t, got.signature)

	var payload Payload
	require.NoError(t, json.Unmarshal(got.body, &payload))
	data, ok := payload.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Warehouse", data["printer_name"])
	assert.Equal(t, false, data["available"])
}

func TestSenderRetriesOnServerError(t *testing.T) {
	capture := &captureServer{statuses: []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK}}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	sender, store := newTestSender(t)
	subscribe(t, store, server.URL, "s3cret", EventJobFailed)

	job := sampleJob()
	job.Status = core.JobStatusFailed
	job.LastError = "printer offline"
	sender.SendJobEvent(EventJobFailed, job)

	require.Eventually(t, func() bool { return capture.count() == 3 }, 3*time.Second, 10*time.Millisecond)

	var payload Payload
	require.NoError(t, json.Unmarshal(capture.delivery(2).body, &payload))
	data, ok := payload.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "printer offline", data["error"])
}

func TestSenderDoesNotRetryClientErrors(t *testing.T) {
	capture := &captureServer{statuses: []int{http.StatusBadRequest}}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	sender, store := newTestSender(t)
	subscribe(t, store, server.URL, "s3cret", EventJobStarted)

	sender.SendJobEvent(EventJobStarted, sampleJob())

	require.Eventually(t, func() bool { return capture.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, capture.count())
}

func TestSenderHonorsEventFilter(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	sender, store := newTestSender(t)
	subscribe(t, store, server.URL, "s3cret", EventJobCompleted)

	sender.SendJobEvent(EventJobStarted, sampleJob())
	sender.SendJobEvent(EventJobCompleted, sampleJob())

	require.Eventually(t, func() bool { return capture.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, EventJobCompleted, capture.delivery(0).event)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, capture.count())
}

func TestSenderCatchAllSubscription(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	sender, store := newTestSender(t)
	subscribe(t, store, server.URL, "s3cret")

	sender.SendJobEvent(EventJobStarted, sampleJob())
	sender.SendPrinterStatusChange("Front Desk", true)

	require.Eventually(t, func() bool { return capture.count() == 2 }, 3*time.Second, 10*time.Millisecond)

	events := map[string]bool{}
	for i := 0; i < 2; i++ {
		events[capture.delivery(i).event] = true
	}
	assert.True(t, events[EventJobStarted])
	assert.True(t, events[EventPrinterStatusChanged])
}

func TestSenderIgnoresDisabledSubscriptions(t *testing.T) {
	capture := &captureServer{}
	server := httptest.NewServer(http.HandlerFunc(capture.handler))
	defer server.Close()

	sender, store := newTestSender(t)
	err := store.Create(context.Background(), &db.WebhookSubscription{
		Name:    "disabled-hook",
		URL:     server.URL,
		Events:  []string{EventJobCompleted},
		Enabled: false,
	})
	require.NoError(t, err)

	sender.SendJobEvent(EventJobCompleted, sampleJob())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, capture.count())
}
