package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/printing"
)

type PrinterResponse struct {
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	Location     string              `json:"location,omitempty"`
	State        string              `json:"state"`
	Available    bool                `json:"available"`
	Paused       bool                `json:"paused"`
	Capabilities map[string][]string `json:"capabilities,omitempty"`
	LastSeen     time.Time           `json:"last_seen"`
}

type PrinterListResponse struct {
	Printers []PrinterResponse `json:"printers"`
	Count    int               `json:"count"`
}

type PrinterHandler struct {
	spooler     *core.Spooler
	serverName  string
	backendName string
}

func NewPrinterHandler(spooler *core.Spooler, serverName, backendName string) *PrinterHandler {
	return &PrinterHandler{
		spooler:     spooler,
		serverName:  serverName,
		backendName: backendName,
	}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	paused := h.pausedSet()

	printers := h.spooler.Printers()
	responses := make([]PrinterResponse, 0, len(printers))
	for _, p := range printers {
		responses = append(responses, printerToResponse(p, paused[p.Name]))
	}

	c.JSON(http.StatusOK, PrinterListResponse{
		Printers: responses,
		Count:    len(responses),
	})
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	name := c.Param("name")

	printer, err := h.spooler.Printer(name)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Printer not found",
		})
		return
	}

	c.JSON(http.StatusOK, printerToResponse(printer, h.pausedSet()[name]))
}

func (h *PrinterHandler) RefreshPrinters(c *gin.Context) {
	if err := h.spooler.RefreshPrinters(c.Request.Context()); err != nil {
		var unavailable *core.BackendUnavailableError
		if errors.As(err, &unavailable) {
			c.JSON(http.StatusBadGateway, ErrorResponse{
				Error:   "backend_unavailable",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "discovery_error",
			Message: "Printer discovery failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(h.spooler.Printers()),
	})
}

func (h *PrinterHandler) PausePrinter(c *gin.Context) {
	if err := h.spooler.PausePrinter(c.Param("name")); err != nil {
		if errors.Is(err, core.ErrPrinterNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Printer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "pause_error",
			Message: "Failed to pause printer",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Printer paused",
	})
}

func (h *PrinterHandler) ResumePrinter(c *gin.Context) {
	if err := h.spooler.ResumePrinter(c.Param("name")); err != nil {
		if errors.Is(err, core.ErrPrinterNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Printer not found",
			})
			return
		}
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "not_paused",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Printer resumed",
	})
}

// TestPage queues a small plain-text page so an operator can confirm a
// printer actually produces output.
func (h *PrinterHandler) TestPage(c *gin.Context) {
	name := c.Param("name")

	if _, err := h.spooler.Printer(name); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Printer not found",
		})
		return
	}

	page := printing.BuildTestPage(name, h.serverName, h.backendName, time.Now())

	job, err := h.spooler.SubmitJob(c.Request.Context(), core.SubmitRequest{
		PrinterName:  name,
		DocumentName: "test-page.txt",
		Document:     page,
		Copies:       1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "submit_error",
			Message: "Failed to queue test page",
		})
		return
	}

	c.JSON(http.StatusCreated, jobToResponse(job))
}

func (h *PrinterHandler) pausedSet() map[string]bool {
	paused := make(map[string]bool)
	for _, name := range h.spooler.PausedPrinters() {
		paused[name] = true
	}
	return paused
}

func printerToResponse(p *core.Printer, paused bool) PrinterResponse {
	return PrinterResponse{
		Name:         p.Name,
		Description:  p.Description,
		Location:     p.Location,
		State:        p.State,
		Available:    p.Available,
		Paused:       paused,
		Capabilities: p.Capabilities,
		LastSeen:     p.LastSeen,
	}
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.POST("/printers/refresh", h.RefreshPrinters)
	r.GET("/printers/:name", h.GetPrinter)
	r.POST("/printers/:name/pause", h.PausePrinter)
	r.POST("/printers/:name/resume", h.ResumePrinter)
	r.POST("/printers/:name/test-page", h.TestPage)
}
