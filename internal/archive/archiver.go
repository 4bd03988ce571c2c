// Package archive exports terminal jobs past their retention window to
// encrypted files and purges them from the live database.
package archive

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/db"
)

const fileSuffix = ".json.enc"

var ErrArchiveNotFound = errors.New("archive not found")

// Export is the decrypted content of one archive file.
type Export struct {
	ArchivedAt time.Time      `json:"archived_at"`
	Cutoff     time.Time      `json:"cutoff"`
	Jobs       []*ExportedJob `json:"jobs"`
}

type ExportedJob struct {
	ID           string            `json:"id"`
	PrinterName  string            `json:"printer_name"`
	DocumentName string            `json:"document_name"`
	Copies       int               `json:"copies"`
	Options      map[string]string `json:"options,omitempty"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	BackendID    string            `json:"backend_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// ArchiveFile describes one encrypted export on disk.
type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// RunResult summarizes one archive pass.
type RunResult struct {
	Filename string `json:"filename,omitempty"`
	JobCount int    `json:"job_count"`
	Purged   int64  `json:"purged"`
}

// Archiver moves jobs that finished before the retention cutoff out of the
// database. Jobs are only purged after the encrypted export is safely on
// disk; without an encryption key a run refuses to delete anything.
type Archiver struct {
	store     *db.Store
	logger    *slog.Logger
	directory string
	retention time.Duration
	interval  time.Duration
	aead      cipher.AEAD

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewArchiver(store *db.Store, cfg *config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	directory := "./data/archives"
	retentionDays := 7
	interval := 24 * time.Hour
	key := ""
	if cfg != nil {
		if cfg.Directory != "" {
			directory = cfg.Directory
		}
		if cfg.RetentionDays > 0 {
			retentionDays = cfg.RetentionDays
		}
		if cfg.Interval.Std() > 0 {
			interval = cfg.Interval.Std()
		}
		key = cfg.EncryptionKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	a := &Archiver{
		store:     store,
		logger:    logger,
		directory: directory,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	if key != "" {
		sum := sha256.Sum256([]byte(key))
		aead, err := chacha20poly1305.NewX(sum[:])
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive cipher: %w", err)
		}
		a.aead = aead
	}

	return a, nil
}

func (a *Archiver) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	go a.loop()
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	close(a.stopCh)
	<-a.done
}

func (a *Archiver) loop() {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if _, err := a.Run(context.Background()); err != nil {
				a.logger.Error("scheduled archive run failed", "error", err)
			}
		}
	}
}

// Run exports every job that reached a terminal state before the retention
// cutoff and purges the exported rows. With nothing to archive it returns an
// empty result and touches neither disk nor database.
func (a *Archiver) Run(ctx context.Context) (*RunResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.aead == nil {
		return nil, fmt.Errorf("archive encryption key not set")
	}

	now := time.Now().UTC()
	cutoff := now.Add(-a.retention)

	jobs, err := a.store.TerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to collect jobs: %w", err)
	}
	if len(jobs) == 0 {
		return &RunResult{}, nil
	}

	export := &Export{
		ArchivedAt: now,
		Cutoff:     cutoff,
		Jobs:       make([]*ExportedJob, 0, len(jobs)),
	}
	for _, job := range jobs {
		export.Jobs = append(export.Jobs, exportedJob(job))
	}

	plain, err := json.Marshal(export)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}

	sealed, err := a.seal(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt export: %w", err)
	}

	filename := fmt.Sprintf("archive_%s%s", now.Format("20060102_150405"), fileSuffix)
	path := filepath.Join(a.directory, filename)
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write archive file: %w", err)
	}

	purged, err := a.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge archived jobs: %w", err)
	}

	a.logger.Info("archive run complete",
		"file", filename,
		"jobs", len(jobs),
		"purged", purged,
		"cutoff", cutoff,
	)

	return &RunResult{Filename: filename, JobCount: len(jobs), Purged: purged}, nil
}

// List returns the archive files on disk, newest first.
func (a *Archiver) List() ([]*ArchiveFile, error) {
	entries, err := os.ReadDir(a.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveFile{
			Filename:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename > archives[j].Filename })
	return archives, nil
}

// Read decrypts an archive file and returns its content.
func (a *Archiver) Read(filename string) (*Export, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.aead == nil {
		return nil, fmt.Errorf("archive encryption key not set")
	}

	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive file: %w", err)
	}

	plain, err := a.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt archive: %w", err)
	}

	var export Export
	if err := json.Unmarshal(plain, &export); err != nil {
		return nil, fmt.Errorf("failed to decode archive: %w", err)
	}
	return &export, nil
}

func (a *Archiver) Delete(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

func (a *Archiver) Directory() string {
	return a.directory
}

func (a *Archiver) Encrypted() bool {
	return a.aead != nil
}

// resolve rejects path traversal and missing files.
func (a *Archiver) resolve(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || !strings.HasSuffix(filename, fileSuffix) {
		return "", fmt.Errorf("invalid archive filename: %q", filename)
	}
	path := filepath.Join(a.directory, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrArchiveNotFound
		}
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	return path, nil
}

func (a *Archiver) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return a.aead.Seal(nonce, nonce, plain, nil), nil
}

func (a *Archiver) open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("archive file truncated")
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return a.aead.Open(nil, nonce, ciphertext, nil)
}

func exportedJob(job *core.Job) *ExportedJob {
	return &ExportedJob{
		ID:           job.ID,
		PrinterName:  job.PrinterName,
		DocumentName: job.DocumentName,
		Copies:       job.Copies,
		Options:      job.Options,
		Status:       string(job.Status),
		Attempts:     job.Attempts,
		LastError:    job.LastError,
		BackendID:    job.BackendID,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}
