package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/printbridge/internal/api"
	"github.com/orrn/printbridge/internal/api/middleware"
	"github.com/orrn/printbridge/internal/archive"
	"github.com/orrn/printbridge/internal/config"
	"github.com/orrn/printbridge/internal/core"
	"github.com/orrn/printbridge/internal/db"
	"github.com/orrn/printbridge/internal/logging"
	"github.com/orrn/printbridge/internal/printing"
	"github.com/orrn/printbridge/internal/remote"
	"github.com/orrn/printbridge/internal/webhook"
)

// version is overridden at build time via -ldflags.
var version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    "printbridged",
		Usage:   "bridge between business systems and office printers",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the bridge daemon",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to the YAML config file",
						Value: "config.yaml",
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "path to an optional .env file",
						Value: ".env",
					},
				},
				Action: serveAction,
			},
			{
				Name:  "check-config",
				Usage: "load and validate a config file, then exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to the YAML config file",
						Value: "config.yaml",
					},
					&cli.StringFlag{
						Name:  "env",
						Usage: "path to an optional .env file",
						Value: ".env",
					},
				},
				Action: checkConfigAction,
			},
			{
				Name:  "hash-password",
				Usage: "generate a bcrypt hash for security.admin_password_hash",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "password",
						Usage: "password to hash (read from stdin when omitted)",
					},
				},
				Action: hashPasswordAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	// The .env file is optional; a missing file is not an error.
	if envFile := cmd.String("env"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting printbridge", "version", version)

	gin.SetMode(gin.ReleaseMode)

	sqlDB, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlDB.Close()

	jobStore := db.NewStore(sqlDB)
	webhookStore := db.NewWebhookStore(sqlDB)
	presetStore := db.NewPresetStore(sqlDB)

	backend, err := printing.New(&cfg.Printing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize printing backend: %w", err)
	}
	logger.Info("printing backend ready", "backend", backend.Name())

	// A disabled webhook sender stays a nil interface so the spooler
	// skips event delivery entirely.
	var events core.EventSender
	if cfg.Webhook.Enabled {
		sender := webhook.NewSender(webhookStore, &cfg.Webhook, logger)
		sender.Start()
		defer sender.Stop()
		events = sender
	}

	spooler := core.NewSpooler(jobStore, backend, events, &cfg.Queue, &cfg.Printing, logger)
	if err := spooler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start spooler: %w", err)
	}
	defer spooler.Stop()

	// The archiver is always constructed so the API can answer archive
	// requests; the background sweep only runs when enabled.
	archiver, err := archive.NewArchiver(jobStore, &cfg.Archive, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize archiver: %w", err)
	}
	if cfg.Archive.Enabled {
		archiver.Start()
		defer archiver.Stop()
	}

	serverName := cfg.Remote.ServerName
	if serverName == "" {
		if hostname, herr := os.Hostname(); herr == nil {
			serverName = hostname
		} else {
			serverName = "printbridge"
		}
	}

	if cfg.Remote.Enabled {
		poller, perr := remote.NewPoller(spooler, &cfg.Remote, version, logger)
		if perr != nil {
			return fmt.Errorf("failed to configure remote polling: %w", perr)
		}
		if upstream, pingErr := poller.Ping(ctx); pingErr != nil {
			logger.Warn("upstream not reachable yet", "url", cfg.Remote.URL, "error", pingErr)
		} else {
			logger.Info("upstream reachable", "url", cfg.Remote.URL, "upstream_version", upstream)
		}
		poller.Start()
		defer poller.Stop()
	}

	router := api.NewRouter(api.Deps{
		Spooler:     spooler,
		Webhooks:    webhookStore,
		Presets:     presetStore,
		Archiver:    archiver,
		Auth:        middleware.NewAuth(&cfg.Security, logger),
		Config:      cfg,
		ServerName:  serverName,
		BackendName: backend.Name(),
		Version:     version,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return err
	}

	logger.Info("server exited gracefully")
	return nil
}

func checkConfigAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("configuration ok: listening on %s:%d, database %s\n",
		cfg.Server.Host, cfg.Server.Port, cfg.Database.Path)
	return nil
}

func hashPasswordAction(ctx context.Context, cmd *cli.Command) error {
	password := cmd.String("password")
	if password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimSpace(line)
	}

	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	fmt.Println(string(hash))
	return nil
}
