package core

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *JobStore {
	t.Helper()
	return NewJobStore(NewMemoryRepository(), 1<<20, testLogger())
}

func TestCreateValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc := []byte("%PDF-1.4 test")

	tests := []struct {
		name     string
		document []byte
		copies   int
	}{
		{"zero copies", doc, 0},
		{"negative copies", doc, -1},
		{"empty document", nil, 1},
		{"oversized document", make([]byte, (1<<20)+1), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Create(ctx, "HP1", "doc.pdf", tt.document, tt.copies, nil)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	// Nothing was recorded for any rejected submission.
	jobs, err := store.List(ctx, "", 50)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "HP1", "invoice.pdf", []byte("%PDF-1.4"), 2, map[string]string{"sides": "two-sided-long-edge"})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 2, job.Copies)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "invoice.pdf", got.DocumentName)
	assert.Equal(t, []byte("%PDF-1.4"), got.Document)

	_, err = store.Get(ctx, "no-such-job")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestUpdateStatusFollowsDAG(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)

	// pending -> submitting -> retrying -> submitting -> completed
	updated, err := store.UpdateStatus(ctx, job.ID, JobStatusSubmitting, "")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attempts)

	updated, err = store.UpdateStatus(ctx, job.ID, JobStatusRetrying, "printer HP1 offline")
	require.NoError(t, err)
	assert.Equal(t, "printer HP1 offline", updated.LastError)

	updated, err = store.UpdateStatus(ctx, job.ID, JobStatusSubmitting, "")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Attempts)
	assert.Empty(t, updated.LastError)

	updated, err = store.UpdateStatus(ctx, job.ID, JobStatusCompleted, "")
	require.NoError(t, err)
	require.NotNil(t, updated.CompletedAt)
	assert.Nil(t, updated.Document, "terminal jobs release their payload")
}

func TestUpdateStatusRejectsInvalidTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)

	// pending -> completed skips submitting.
	_, err = store.UpdateStatus(ctx, job.ID, JobStatusCompleted, "")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, JobStatusPending, invalid.From)
	assert.Equal(t, JobStatusCompleted, invalid.To)

	_, err = store.UpdateStatus(ctx, job.ID, JobStatusSubmitting, "")
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, job.ID, JobStatusCompleted, "")
	require.NoError(t, err)

	// Terminal states never transition again.
	_, err = store.UpdateStatus(ctx, job.ID, JobStatusRetrying, "nope")
	require.ErrorAs(t, err, &invalid)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
}

func TestUpdateStatusConcurrentSerialization(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)

	// Many goroutines race the same pending -> submitting edge; exactly one
	// may win.
	const racers = 16
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := store.UpdateStatus(ctx, job.ID, JobStatusSubmitting, "")
			results <- err
		}()
	}

	var wins, losses int
	for i := 0; i < racers; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			var invalid *InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			losses++
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, losses)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts, "attempts counts the single successful claim")
}

func TestForceFail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)

	store.ForceFail(ctx, job.ID, "internal error: wedged")

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "internal error: wedged", got.LastError)
	require.NotNil(t, got.CompletedAt)

	// Idempotent on terminal jobs.
	store.ForceFail(ctx, job.ID, "again")
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "internal error: wedged", got.LastError)
}

func TestListOrderAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	_, err := store.UpdateStatus(ctx, ids[0], JobStatusSubmitting, "")
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, ids[0], JobStatusCompleted, "")
	require.NoError(t, err)

	all, err := store.List(ctx, "", 50)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].CreatedAt.Before(all[i].CreatedAt), "most recent first")
	}
	for _, j := range all {
		assert.Nil(t, j.Document, "listings never carry payloads")
	}

	completed, err := store.List(ctx, JobStatusCompleted, 50)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].ID)

	limited, err := store.List(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecoverDangling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stuck, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, stuck.ID, JobStatusSubmitting, "")
	require.NoError(t, err)

	waiting, err := store.Create(ctx, "HP2", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)

	done, err := store.Create(ctx, "HP1", "doc.pdf", []byte("x"), 1, nil)
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, done.ID, JobStatusSubmitting, "")
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, done.ID, JobStatusCompleted, "")
	require.NoError(t, err)

	recovered, err := store.RecoverDangling(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, j := range recovered {
		ids[j.ID] = true
	}
	assert.True(t, ids[stuck.ID], "dangling submission is requeued")
	assert.True(t, ids[waiting.ID], "pending job is requeued")
	assert.False(t, ids[done.ID], "terminal job is left alone")

	got, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, got.Status)
}
