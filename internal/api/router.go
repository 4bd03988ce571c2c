package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbridge/internal/api/handlers"
	"github.com/orrn/printbridge/internal/api/middleware"
	"github.com/orrn/printbridge/internal/archive"
	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/db"
)

// Deps collects everything the HTTP surface is built from. All fields are
// required; components that can be disabled by config still get constructed
// so their routes answer deliberately instead of 404ing.
type Deps struct {
	Spooler     *core.Spooler
	Webhooks    *db.WebhookStore
	Presets     *db.PresetStore
	Archiver    *archive.Archiver
	Auth        *middleware.Auth
	Config      *config.Config
	ServerName  string
	BackendName string
	Version     string
}

// NewRouter assembles the HTTP surface: health and login stay public, job
// and printer routes take any configured credential, and the administrative
// routes demand a login token. Run mode is the caller's problem, so tests
// can keep gin quiet.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.RateLimit(300, time.Minute))

	system := handlers.NewSystemHandler(deps.Spooler, deps.Config, deps.BackendName, deps.Version)
	router.GET("/health", system.Health)

	// Login gets a much tighter window than the rest of the API.
	auth := router.Group("/api/v1/auth")
	auth.Use(middleware.RateLimit(10, time.Minute))
	auth.POST("/login", deps.Auth.LoginHandler)

	v1 := router.Group("/api/v1")
	v1.Use(deps.Auth.RequireAuth())

	handlers.NewJobHandler(deps.Spooler, deps.Presets).RegisterRoutes(v1)
	handlers.NewPrinterHandler(deps.Spooler, deps.ServerName, deps.BackendName).RegisterRoutes(v1)
	v1.GET("/stats", system.Stats)

	admin := v1.Group("")
	admin.Use(deps.Auth.RequireAdmin())

	handlers.NewWebhookHandler(deps.Webhooks).RegisterRoutes(admin)
	handlers.NewPresetHandler(deps.Presets).RegisterRoutes(admin)
	handlers.NewArchiveHandler(deps.Archiver).RegisterRoutes(admin)
	admin.GET("/config", system.Config)

	return router
}
