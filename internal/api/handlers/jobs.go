package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SubmitJobRequest struct {
	PrinterName  string            `json:"printer_name"`
	DocumentName string            `json:"document_name"`
	Document     string            `json:"document" binding:"required"`
	Copies       int               `json:"copies"`
	Preset       string            `json:"preset"`
	Options      map[string]string `json:"options"`
}

type JobResponse struct {
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
	UpdatedAt    time.Time         `json:"updated_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMS   *int64            `json:"duration_ms,omitempty"`
}

type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

type JobHandler struct {
	spooler *core.Spooler
	presets *db.PresetStore
}

func NewJobHandler(spooler *core.Spooler, presets *db.PresetStore) *JobHandler {
	return &JobHandler{
		spooler: spooler,
		presets: presets,
	}
}

func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	document, err := base64.StdEncoding.DecodeString(req.Document)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_document",
			Message: "Document must be base64 encoded",
		})
		return
	}

	options := req.Options
	if req.Preset != "" {
		if h.presets == nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "preset_error",
				Message: "Option presets are not available",
			})
			return
		}
		preset, err := h.presets.GetByName(c.Request.Context(), req.Preset)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				c.JSON(http.StatusBadRequest, ErrorResponse{
					Error:   "unknown_preset",
					Message: "No preset named " + req.Preset,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "database_error",
				Message: "Failed to load preset",
			})
			return
		}
		// Explicit request options win over preset values.
		merged := make(map[string]string, len(preset.Options)+len(req.Options))
		for k, v := range preset.Options {
			merged[k] = v
		}
		for k, v := range req.Options {
			merged[k] = v
		}
		options = merged
		if req.PrinterName == "" {
			req.PrinterName = preset.PrinterName
		}
	}

	copies := req.Copies
	if copies == 0 {
		copies = 1
	}

	job, err := h.spooler.SubmitJob(c.Request.Context(), core.SubmitRequest{
		PrinterName:  req.PrinterName,
		DocumentName: req.DocumentName,
		Document:     document,
		Copies:       copies,
		Options:      options,
	})
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: verr.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "submit_error",
			Message: "Failed to submit job",
		})
		return
	}

	c.JSON(http.StatusCreated, jobToResponse(job))
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var status core.JobStatus
	if raw := c.Query("status"); raw != "" {
		status = core.JobStatus(raw)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_status",
				Message: "Unknown job status: " + raw,
			})
			return
		}
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "Limit must be a positive integer",
			})
			return
		}
		limit = parsed
	}
	if limit > 100 {
		limit = 100
	}

	jobs, err := h.spooler.ListJobs(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve jobs",
		})
		return
	}

	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, jobToResponse(job))
	}

	c.JSON(http.StatusOK, JobListResponse{
		Jobs:  responses,
		Count: len(responses),
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.spooler.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve job",
		})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	err := h.spooler.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Job not found",
			})
			return
		}
		if errors.Is(err, core.ErrNotCancellable) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "not_cancellable",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "cancel_error",
			Message: "Failed to cancel job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Job cancelled",
	})
}

// VerifyJob reports what the backend itself says about a handed-off job.
// Submission hand-off and physical printing are separate events; this is the
// way to tell them apart.
func (h *JobHandler) VerifyJob(c *gin.Context) {
	id := c.Param("id")

	state, err := h.spooler.VerifyJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Job not found",
			})
			return
		}
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "backend_error",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":        id,
		"backend_state": string(state),
	})
}

func jobToResponse(job *core.Job) JobResponse {
	resp := JobResponse{
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
		UpdatedAt:    job.UpdatedAt,
		CompletedAt:  job.CompletedAt,
	}
	if job.CompletedAt != nil {
		ms := job.CompletedAt.Sub(job.CreatedAt).Milliseconds()
		resp.DurationMS = &ms
	}
	return resp
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/jobs/:id/verify", h.VerifyJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
}
