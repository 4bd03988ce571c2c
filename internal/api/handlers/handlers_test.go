package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printbridge/internal/archive"
	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu        sync.Mutex
	submitted []*core.Job
	submitErr error
	state     core.BackendJobState
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) DiscoverPrinters(ctx context.Context) ([]core.Printer, error) {
	return []core.Printer{
		{Name: "Front Desk", Description: "Reception laser", State: core.PrinterStateIdle, Available: true},
		{Name: "Warehouse", State: core.PrinterStateStopped, Available: false},
	}, nil
}

func (b *fakeBackend) Submit(ctx context.Context, job *core.Job) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.submitted = append(b.submitted, job.Clone())
	return "701", nil
}

func (b *fakeBackend) QueryStatus(ctx context.Context, backendID string) (core.BackendJobState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == "" {
		return core.BackendJobProcessing, nil
	}
	return b.state, nil
}

func (b *fakeBackend) submissions() []*core.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*core.Job, len(b.submitted))
	copy(out, b.submitted)
	return out
}

// testAPI wires every handler against a real SQLite store and a running
// spooler, the same composition the server uses.
type testAPI struct {
	router   *gin.Engine
	backend  *fakeBackend
	spooler  *core.Spooler
	jobStore *db.Store
	webhooks *db.WebhookStore
	presets  *db.PresetStore
	archiver *archive.Archiver
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	jobStore := db.NewStore(sqlDB)
	webhooks := db.NewWebhookStore(sqlDB)
	presets := db.NewPresetStore(sqlDB)

	backend := &fakeBackend{}

	queueCfg := &config.QueueConfig{
		WorkerCount:           2,
		PerPrinterConcurrency: 1,
		MaxRetries:            2,
		BaseDelay:             config.Duration(5 * time.Millisecond),
		MaxDelay:              config.Duration(50 * time.Millisecond),
	}
	printingCfg := &config.PrintingConfig{
		DiscoveryInterval: config.Duration(time.Hour),
		SubmitTimeout:     config.Duration(time.Second),
		MaxDocumentSize:   1 << 20,
	}

	spooler := core.NewSpooler(jobStore, backend, nil, queueCfg, printingCfg, testLogger())
	require.NoError(t, spooler.Start(context.Background()))
	t.Cleanup(spooler.Stop)

	archiveCfg := &config.ArchiveConfig{
		Directory:     t.TempDir(),
		RetentionDays: 1,
		EncryptionKey: "handler-test-key",
	}
	archiver, err := archive.NewArchiver(jobStore, archiveCfg, testLogger())
	require.NoError(t, err)

	cfg := &config.Config{
		Server:   config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Database: config.DatabaseConfig{Path: "test.db"},
		Queue:    *queueCfg,
		Printing: *printingCfg,
		Security: config.SecurityConfig{JWTSecret: "config-test-secret"},
		Logging:  config.LoggingConfig{Level: "info", Format: "json"},
		Archive:  *archiveCfg,
	}

	router := gin.New()
	v1 := router.Group("/api/v1")

	NewJobHandler(spooler, presets).RegisterRoutes(v1)
	NewPrinterHandler(spooler, "bridge-test", backend.Name()).RegisterRoutes(v1)
	NewWebhookHandler(webhooks).RegisterRoutes(v1)
	NewPresetHandler(presets).RegisterRoutes(v1)
	NewArchiveHandler(archiver).RegisterRoutes(v1)

	sys := NewSystemHandler(spooler, cfg, backend.Name(), "1.2.3")
	router.GET("/health", sys.Health)
	v1.GET("/stats", sys.Stats)
	v1.GET("/config", sys.Config)

	return &testAPI{
		router:   router,
		backend:  backend,
		spooler:  spooler,
		jobStore: jobStore,
		webhooks: webhooks,
		presets:  presets,
		archiver: archiver,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
}

func (a *testAPI) waitForJobStatus(t *testing.T, id string, want core.JobStatus) *core.Job {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := a.spooler.GetJob(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}
