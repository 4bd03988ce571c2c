package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals either a Go duration string ("30s", "5m") or a bare
// integer number of seconds, which is what older config files carry.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Printing PrintingConfig `yaml:"printing"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`
	Remote   RemoteConfig   `yaml:"remote"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type QueueConfig struct {
	WorkerCount           int      `yaml:"worker_count"`
	PerPrinterConcurrency int      `yaml:"per_printer_concurrency"`
	MaxRetries            int      `yaml:"max_retries"`
	BaseDelay             Duration `yaml:"base_delay"`
	MaxDelay              Duration `yaml:"max_delay"`
}

type PrintingConfig struct {
	// Backend selects the printing subsystem: "auto", "ipp", "winspool"
	// or "jetdirect". "auto" picks by platform at startup.
	Backend           string             `yaml:"backend"`
	DefaultPrinter    string             `yaml:"default_printer"`
	DiscoveryInterval Duration           `yaml:"discovery_interval"`
	SubmitTimeout     Duration           `yaml:"submit_timeout"`
	MaxDocumentSize   int64              `yaml:"max_document_size"`
	IPPHost           string             `yaml:"ipp_host"`
	IPPPort           int                `yaml:"ipp_port"`
	JetDirect         []JetDirectPrinter `yaml:"jetdirect"`
}

// JetDirectPrinter is a statically configured raw TCP printer.
type JetDirectPrinter struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

type SecurityConfig struct {
	APIKeys           []string `yaml:"api_keys"`
	AdminUser         string   `yaml:"admin_user"`
	AdminPasswordHash string   `yaml:"admin_password_hash"`
	JWTSecret         string   `yaml:"jwt_secret"`
	TokenTTL          Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RemoteConfig struct {
	Enabled      bool     `yaml:"enabled"`
	URL          string   `yaml:"url"`
	APIKey       string   `yaml:"api_key"`
	PollInterval Duration `yaml:"poll_interval"`
	ServerName   string   `yaml:"server_name"`
}

type WebhookConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Workers    int      `yaml:"workers"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
}

type ArchiveConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Directory     string   `yaml:"directory"`
	RetentionDays int      `yaml:"retention_days"`
	Interval      Duration `yaml:"interval"`
	EncryptionKey string   `yaml:"encryption_key"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "./data/printbridge.db",
		},
		Queue: QueueConfig{
			WorkerCount:           2,
			PerPrinterConcurrency: 1,
			MaxRetries:            3,
			BaseDelay:             Duration(5 * time.Second),
			MaxDelay:              Duration(5 * time.Minute),
		},
		Printing: PrintingConfig{
			Backend:           "auto",
			DiscoveryInterval: Duration(30 * time.Second),
			SubmitTimeout:     Duration(30 * time.Second),
			MaxDocumentSize:   52428800,
			IPPHost:           "localhost",
			IPPPort:           631,
		},
		Security: SecurityConfig{
			AdminUser: "admin",
			TokenTTL:  Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Remote: RemoteConfig{
			PollInterval: Duration(10 * time.Second),
		},
		Webhook: WebhookConfig{
			Workers:    2,
			Timeout:    Duration(10 * time.Second),
			MaxRetries: 3,
		},
		Archive: ArchiveConfig{
			Directory:     "./data/archives",
			RetentionDays: 7,
			Interval:      Duration(24 * time.Hour),
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	return cfg, nil
}

// LoadFromEnv builds a config from defaults plus environment overrides,
// for deployments that ship no config file at all.
func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		c.Server.Host = v
	}

	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("BRIDGE_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("BRIDGE_API_KEY"); v != "" {
		c.Security.APIKeys = append(c.Security.APIKeys, v)
	}

	if v := os.Getenv("BRIDGE_JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}

	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("BRIDGE_REMOTE_URL"); v != "" {
		c.Remote.URL = v
		c.Remote.Enabled = true
	}

	if v := os.Getenv("BRIDGE_REMOTE_API_KEY"); v != "" {
		c.Remote.APIKey = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Queue.WorkerCount < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}

	if c.Queue.PerPrinterConcurrency < 1 {
		return fmt.Errorf("per-printer concurrency must be at least 1")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}

	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}

	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("max delay must be at least base delay")
	}

	switch c.Printing.Backend {
	case "auto", "ipp", "winspool", "jetdirect":
	default:
		return fmt.Errorf("invalid printing backend: %s (valid: auto, ipp, winspool, jetdirect)", c.Printing.Backend)
	}

	if c.Printing.MaxDocumentSize < 1 {
		return fmt.Errorf("max document size must be positive")
	}

	if c.Printing.DiscoveryInterval < 0 {
		return fmt.Errorf("discovery interval must be non-negative")
	}

	if c.Printing.Backend == "jetdirect" && len(c.Printing.JetDirect) == 0 {
		return fmt.Errorf("jetdirect backend requires at least one configured printer")
	}

	for _, p := range c.Printing.JetDirect {
		if p.Name == "" || p.Addr == "" {
			return fmt.Errorf("jetdirect printers require both name and addr")
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	if c.Remote.Enabled {
		if c.Remote.URL == "" {
			return fmt.Errorf("remote polling requires a url")
		}
		if c.Remote.PollInterval <= 0 {
			return fmt.Errorf("remote poll interval must be positive")
		}
	}

	if c.Webhook.Enabled && c.Webhook.Workers < 1 {
		return fmt.Errorf("webhook workers must be at least 1")
	}

	if c.Archive.Enabled {
		if c.Archive.Directory == "" {
			return fmt.Errorf("archive directory is required")
		}
		if c.Archive.RetentionDays < 1 {
			return fmt.Errorf("archive retention days must be at least 1")
		}
		// Jobs are only purged once exported, and exports are always
		// encrypted, so an enabled archive needs a key up front.
		if c.Archive.EncryptionKey == "" {
			return fmt.Errorf("archive encryption key is required")
		}
	}

	return nil
}
