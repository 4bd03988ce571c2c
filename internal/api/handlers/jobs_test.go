package handlers

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printbridge/internal/core"
)

func submitBody(printer, document string) map[string]any {
	return map[string]any{
		"printer_name": printer,
		"document":     base64.StdEncoding.EncodeToString([]byte(document)),
	}
}

func TestSubmitJobPrintsDocument(t *testing.T) {
	api := newTestAPI(t)

	body := submitBody("Front Desk", "%PDF-1.4 invoice")
	body["document_name"] = "invoice.pdf"
	body["copies"] = 2

	w := api.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created JobResponse
	api.decode(t, w, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Front Desk", created.PrinterName)
	assert.Equal(t, "invoice.pdf", created.DocumentName)
	assert.Equal(t, 2, created.Copies)

	api.waitForJobStatus(t, created.ID, core.JobStatusCompleted)

	subs := api.backend.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, []byte("%PDF-1.4 invoice"), subs[0].Document)
	assert.Equal(t, 2, subs[0].Copies)

	w = api.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var fetched JobResponse
	api.decode(t, w, &fetched)
	assert.Equal(t, string(core.JobStatusCompleted), fetched.Status)
	assert.Equal(t, "701", fetched.BackendID)
	assert.Equal(t, 1, fetched.Attempts)
	require.NotNil(t, fetched.CompletedAt)
	require.NotNil(t, fetched.DurationMS)
}

func TestSubmitJobValidation(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{"printer_name": "Front Desk"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"printer_name": "Front Desk",
		"document":     "not base64!!",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	api.decode(t, w, &resp)
	assert.Equal(t, "invalid_document", resp.Error)

	body := submitBody("Front Desk", "data")
	body["copies"] = -1
	w = api.do(t, http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	api.decode(t, w, &resp)
	assert.Equal(t, "validation_error", resp.Error)
}

func TestSubmitJobUnknownPrinterRecordsFailure(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/jobs", submitBody("Ghost", "data"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created JobResponse
	api.decode(t, w, &created)
	assert.Equal(t, string(core.JobStatusFailed), created.Status)
	assert.Contains(t, created.LastError, "unknown printer")
	assert.Empty(t, api.backend.submissions())
}

func TestSubmitJobAppliesPreset(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/presets", map[string]any{
		"name":         "shipping-labels",
		"printer_name": "Front Desk",
		"options": map[string]string{
			"media":       "a6",
			"fit-to-page": "true",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := map[string]any{
		"document": base64.StdEncoding.EncodeToString([]byte("label data")),
		"preset":   "shipping-labels",
		"options":  map[string]string{"media": "letter"},
	}
	w = api.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created JobResponse
	api.decode(t, w, &created)
	assert.Equal(t, "Front Desk", created.PrinterName)

	api.waitForJobStatus(t, created.ID, core.JobStatusCompleted)

	subs := api.backend.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "letter", subs[0].Options["media"], "request options win over the preset")
	assert.Equal(t, "true", subs[0].Options["fit-to-page"])

	body["preset"] = "no-such-preset"
	w = api.do(t, http.MethodPost, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	api.decode(t, w, &resp)
	assert.Equal(t, "unknown_preset", resp.Error)
}

func TestListJobsFilterAndLimit(t *testing.T) {
	api := newTestAPI(t)

	var ids []string
	for i := 0; i < 2; i++ {
		w := api.do(t, http.MethodPost, "/api/v1/jobs", submitBody("Front Desk", "doc"))
		require.Equal(t, http.StatusCreated, w.Code)
		var created JobResponse
		api.decode(t, w, &created)
		ids = append(ids, created.ID)
	}
	w := api.do(t, http.MethodPost, "/api/v1/jobs", submitBody("Ghost", "doc"))
	require.Equal(t, http.StatusCreated, w.Code)

	for _, id := range ids {
		api.waitForJobStatus(t, id, core.JobStatusCompleted)
	}

	w = api.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list JobListResponse
	api.decode(t, w, &list)
	assert.Equal(t, 3, list.Count)

	w = api.do(t, http.MethodGet, "/api/v1/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	api.decode(t, w, &list)
	require.Equal(t, 1, list.Count)
	assert.Contains(t, list.Jobs[0].LastError, "unknown printer")

	w = api.do(t, http.MethodGet, "/api/v1/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	api.decode(t, w, &list)
	assert.Equal(t, 2, list.Count)

	w = api.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodGet, "/api/v1/jobs?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobNotFound(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/api/v1/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob(t *testing.T) {
	api := newTestAPI(t)

	// Pausing the lane holds the job in pending where cancel is immediate.
	w := api.do(t, http.MethodPost, "/api/v1/printers/Front%20Desk/pause", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/v1/jobs", submitBody("Front Desk", "doc"))
	require.Equal(t, http.StatusCreated, w.Code)

	var created JobResponse
	api.decode(t, w, &created)

	w = api.do(t, http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	job := api.waitForJobStatus(t, created.ID, core.JobStatusFailed)
	assert.Equal(t, "cancelled", job.LastError)

	// Terminal jobs cannot be cancelled again.
	w = api.do(t, http.MethodPost, "/api/v1/jobs/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/api/v1/jobs/no-such-job/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerifyJob(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/jobs", submitBody("Front Desk", "doc"))
	require.Equal(t, http.StatusCreated, w.Code)

	var created JobResponse
	api.decode(t, w, &created)
	api.waitForJobStatus(t, created.ID, core.JobStatusCompleted)

	w = api.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var verify map[string]string
	api.decode(t, w, &verify)
	assert.Equal(t, string(core.BackendJobProcessing), verify["backend_state"])

	// A job that never reached the backend has no state to report.
	w = api.do(t, http.MethodPost, "/api/v1/jobs", submitBody("Ghost", "doc"))
	require.Equal(t, http.StatusCreated, w.Code)
	api.decode(t, w, &created)

	w = api.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	api.decode(t, w, &verify)
	assert.Equal(t, string(core.BackendJobUnknown), verify["backend_state"])

	w = api.do(t, http.MethodGet, "/api/v1/jobs/no-such-job/verify", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
