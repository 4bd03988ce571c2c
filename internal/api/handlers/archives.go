package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbridge/internal/archive"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives  []*archive.ArchiveFile `json:"archives"`
	Count     int                    `json:"count"`
	Encrypted bool                   `json:"encrypted"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archives"})
		return
	}
	if archives == nil {
		archives = []*archive.ArchiveFile{}
	}

	c.JSON(http.StatusOK, ArchiveListResponse{
		Archives:  archives,
		Count:     len(archives),
		Encrypted: h.archiver.Encrypted(),
	})
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	if !h.archiver.Encrypted() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "encryption key not configured"})
		return
	}

	result, err := h.archiver.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"message": "archive run failed",
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *ArchiveHandler) ReadArchive(c *gin.Context) {
	export, err := h.archiver.Read(c.Param("filename"))
	if err != nil {
		if errors.Is(err, archive.ErrArchiveNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "archive not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, export)
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	if err := h.archiver.Delete(c.Param("filename")); err != nil {
		if errors.Is(err, archive.ErrArchiveNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "archive not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "archive deleted"})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.POST("/archives/run", h.TriggerArchive)
	r.GET("/archives/:filename", h.ReadArchive)
	r.DELETE("/archives/:filename", h.DeleteArchive)
}
