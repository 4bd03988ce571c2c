package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbridge/internal/db"
)

type CreatePresetRequest struct {
	Name        string            `json:"name" binding:"required"`
	Description string            `json:"description"`
	PrinterName string            `json:"printer_name"`
	Options     map[string]string `json:"options" binding:"required"`
}

type UpdatePresetRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PrinterName string            `json:"printer_name"`
	Options     map[string]string `json:"options"`
}

type PresetListResponse struct {
	Presets []*db.OptionPreset `json:"presets"`
	Count   int                `json:"count"`
}

// PresetHandler manages named option bundles that submit requests can
// reference instead of spelling out raw printer options.
type PresetHandler struct {
	store *db.PresetStore
}

func NewPresetHandler(store *db.PresetStore) *PresetHandler {
	return &PresetHandler{store: store}
}

func (h *PresetHandler) ListPresets(c *gin.Context) {
	presets, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve presets",
		})
		return
	}
	if presets == nil {
		presets = []*db.OptionPreset{}
	}

	c.JSON(http.StatusOK, PresetListResponse{
		Presets: presets,
		Count:   len(presets),
	})
}

func (h *PresetHandler) CreatePreset(c *gin.Context) {
	var req CreatePresetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if _, err := h.store.GetByName(c.Request.Context(), req.Name); err == nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "duplicate_name",
			Message: "Preset with this name already exists",
		})
		return
	}

	preset := &db.OptionPreset{
		Name:        req.Name,
		Description: req.Description,
		PrinterName: req.PrinterName,
		Options:     req.Options,
	}

	if err := h.store.Create(c.Request.Context(), preset); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create preset",
		})
		return
	}

	created, err := h.store.Get(c.Request.Context(), preset.ID)
	if err != nil {
		c.JSON(http.StatusCreated, preset)
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *PresetHandler) GetPreset(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid preset ID",
		})
		return
	}

	preset, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Preset not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve preset",
		})
		return
	}

	c.JSON(http.StatusOK, preset)
}

func (h *PresetHandler) UpdatePreset(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid preset ID",
		})
		return
	}

	preset, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Preset not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve preset",
		})
		return
	}

	var req UpdatePresetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if req.Name != "" && req.Name != preset.Name {
		if existing, err := h.store.GetByName(c.Request.Context(), req.Name); err == nil && existing.ID != id {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "duplicate_name",
				Message: "Preset with this name already exists",
			})
			return
		}
		preset.Name = req.Name
	}
	if req.Description != "" {
		preset.Description = req.Description
	}
	if req.PrinterName != "" {
		preset.PrinterName = req.PrinterName
	}
	if req.Options != nil {
		preset.Options = req.Options
	}

	if err := h.store.Update(c.Request.Context(), preset); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update preset",
		})
		return
	}

	updated, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusOK, preset)
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (h *PresetHandler) DeletePreset(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid preset ID",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Preset not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to delete preset",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *PresetHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/presets", h.ListPresets)
	r.POST("/presets", h.CreatePreset)
	r.GET("/presets/:id", h.GetPreset)
	r.PUT("/presets/:id", h.UpdatePreset)
	r.DELETE("/presets/:id", h.DeletePreset)
}
