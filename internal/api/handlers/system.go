package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Backend   string    `json:"backend"`
	Printers  int       `json:"printers"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

type SystemHandler struct {
	spooler     *core.Spooler
	cfg         *config.Config
	backendName string
	version     string
}

func NewSystemHandler(spooler *core.Spooler, cfg *config.Config, backendName, version string) *SystemHandler {
	return &SystemHandler{
		spooler:     spooler,
		cfg:         cfg,
		backendName: backendName,
		version:     version,
	}
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Backend:   h.backendName,
		Printers:  len(h.spooler.Printers()),
		Uptime:    formatUptime(time.Since(h.spooler.StartedAt())),
		Timestamp: time.Now().UTC(),
	})
}

func (h *SystemHandler) Stats(c *gin.Context) {
	stats, err := h.spooler.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to collect stats",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// Config reports the effective configuration minus every credential.
func (h *SystemHandler) Config(c *gin.Context) {
	cfg := h.cfg

	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"host":          cfg.Server.Host,
			"port":          cfg.Server.Port,
			"read_timeout":  cfg.Server.ReadTimeout.Std().String(),
			"write_timeout": cfg.Server.WriteTimeout.Std().String(),
		},
		"database": gin.H{
			"path": cfg.Database.Path,
		},
		"queue": gin.H{
			"worker_count":            cfg.Queue.WorkerCount,
			"per_printer_concurrency": cfg.Queue.PerPrinterConcurrency,
			"max_retries":             cfg.Queue.MaxRetries,
			"base_delay":              cfg.Queue.BaseDelay.Std().String(),
			"max_delay":               cfg.Queue.MaxDelay.Std().String(),
		},
		"printing": gin.H{
			"backend":            h.backendName,
			"default_printer":    cfg.Printing.DefaultPrinter,
			"discovery_interval": cfg.Printing.DiscoveryInterval.Std().String(),
			"submit_timeout":     cfg.Printing.SubmitTimeout.Std().String(),
			"max_document_size":  cfg.Printing.MaxDocumentSize,
		},
		"security": gin.H{
			"auth_enabled": len(cfg.Security.APIKeys) > 0 || cfg.Security.JWTSecret != "",
			"token_ttl":    cfg.Security.TokenTTL.Std().String(),
		},
		"logging": gin.H{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"remote": gin.H{
			"enabled":       cfg.Remote.Enabled,
			"url":           cfg.Remote.URL,
			"poll_interval": cfg.Remote.PollInterval.Std().String(),
			"server_name":   cfg.Remote.ServerName,
		},
		"webhook": gin.H{
			"enabled":     cfg.Webhook.Enabled,
			"workers":     cfg.Webhook.Workers,
			"timeout":     cfg.Webhook.Timeout.Std().String(),
			"max_retries": cfg.Webhook.MaxRetries,
		},
		"archive": gin.H{
			"enabled":        cfg.Archive.Enabled,
			"directory":      cfg.Archive.Directory,
			"retention_days": cfg.Archive.RetentionDays,
			"interval":       cfg.Archive.Interval.Std().String(),
			"encrypted":      cfg.Archive.EncryptionKey != "",
		},
	})
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}
