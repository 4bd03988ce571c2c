package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
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

func testStore(t *testing.T) *db.Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return db.NewStore(conn)
}

func testConfig(t *testing.T, key string) *config.ArchiveConfig {
	t.Helper()
	return &config.ArchiveConfig{
		Enabled:       true,
		Directory:     filepath.Join(t.TempDir(), "archives"),
		RetentionDays: 7,
		Interval:      config.Duration(24 * time.Hour),
		EncryptionKey: key,
	}
}

func insertJob(t *testing.T, store *db.Store, id string, status core.JobStatus, completedAt *time.Time) {
	t.Helper()
	now := time.Now().UTC()
	job := &core.Job{
		ID:           id,
		PrinterName:  "Front Desk",
		DocumentName: "invoice.pdf",
		Copies:       1,
		Status:       status,
		CreatedAt:    now.Add(-30 * 24 * time.Hour),
		UpdatedAt:    now,
		CompletedAt:  completedAt,
	}
	if status == core.JobStatusPending {
		job.Document = []byte("payload")
	}
	if status == core.JobStatusFailed {
		job.LastError = "printer offline"
	}
	require.NoError(t, store.Insert(context.Background(), job))
}

func TestRunExportsAndPurges(t *testing.T) {
	store := testStore(t)
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	recent := time.Now().UTC()

	insertJob(t, store, "old-1", core.JobStatusCompleted, &old)
	insertJob(t, store, "old-2", core.JobStatusCompleted, &old)
	insertJob(t, store, "old-3", core.JobStatusFailed, &old)
	insertJob(t, store, "fresh", core.JobStatusCompleted, &recent)
	insertJob(t, store, "queued", core.JobStatusPending, nil)

	archiver, err := NewArchiver(store, testConfig(t, "passphrase"), testLogger())
	require.NoError(t, err)

	result, err := archiver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.JobCount)
	assert.Equal(t, int64(3), result.Purged)
	require.NotEmpty(t, result.Filename)

	// Ciphertext on disk, not plain JSON.
	raw, err := os.ReadFile(filepath.Join(archiver.Directory(), result.Filename))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "printer_name")

	export, err := archiver.Read(result.Filename)
	require.NoError(t, err)
	require.Len(t, export.Jobs, 3)

	ids := map[string]*ExportedJob{}
	for _, job := range export.Jobs {
		ids[job.ID] = job
	}
	require.Contains(t, ids, "old-1")
	require.Contains(t, ids, "old-3")
	assert.Equal(t, "failed", ids["old-3"].Status)
	assert.Equal(t, "printer offline", ids["old-3"].LastError)

	// Purged rows are gone, everything inside the window survives.
	_, err = store.Get(context.Background(), "old-1")
	require.ErrorIs(t, err, core.ErrJobNotFound)
	_, err = store.Get(context.Background(), "fresh")
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "queued")
	require.NoError(t, err)

	files, err := archiver.List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, result.Filename, files[0].Filename)
	assert.Greater(t, files[0].Size, int64(0))
}

func TestRunWithNothingToArchive(t *testing.T) {
	store := testStore(t)
	archiver, err := NewArchiver(store, testConfig(t, "passphrase"), testLogger())
	require.NoError(t, err)

	result, err := archiver.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.JobCount)
	assert.Empty(t, result.Filename)

	files, err := archiver.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunRequiresEncryptionKey(t *testing.T) {
	store := testStore(t)
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	insertJob(t, store, "old-1", core.JobStatusCompleted, &old)

	archiver, err := NewArchiver(store, testConfig(t, ""), testLogger())
	require.NoError(t, err)
	assert.False(t, archiver.Encrypted())

	_, err = archiver.Run(context.Background())
	require.Error(t, err)

	// Nothing was deleted without an export.
	_, err = store.Get(context.Background(), "old-1")
	require.NoError(t, err)
}

func TestReadRejectsWrongKey(t *testing.T) {
	store := testStore(t)
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	insertJob(t, store, "old-1", core.JobStatusCompleted, &old)

	cfg := testConfig(t, "right-key")
	archiver, err := NewArchiver(store, cfg, testLogger())
	require.NoError(t, err)

	result, err := archiver.Run(context.Background())
	require.NoError(t, err)

	cfg.EncryptionKey = "wrong-key"
	other, err := NewArchiver(store, cfg, testLogger())
	require.NoError(t, err)

	_, err = other.Read(result.Filename)
	require.Error(t, err)
}

func TestDeleteArchive(t *testing.T) {
	store := testStore(t)
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	insertJob(t, store, "old-1", core.JobStatusCompleted, &old)

	archiver, err := NewArchiver(store, testConfig(t, "passphrase"), testLogger())
	require.NoError(t, err)

	result, err := archiver.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, archiver.Delete(result.Filename))

	files, err := archiver.List()
	require.NoError(t, err)
	assert.Empty(t, files)

	require.ErrorIs(t, archiver.Delete(result.Filename), ErrArchiveNotFound)
	require.Error(t, archiver.Delete("../escape"+fileSuffix))
}
