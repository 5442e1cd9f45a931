package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halkeye/aioasuswrt/internal/asuswrt"
	"github.com/halkeye/aioasuswrt/internal/store"
	"github.com/halkeye/aioasuswrt/internal/tracker"
	"github.com/halkeye/aioasuswrt/internal/transport"
	"github.com/halkeye/aioasuswrt/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Router struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		Transport string `yaml:"transport"` // "ssh", "telnet" or "serial"
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		SSHKey    string `yaml:"ssh_key"`

		SerialPort string `yaml:"serial_port"`
		Baud       int    `yaml:"baud"`

		Mode               string `yaml:"mode"` // "router" or "ap"
		RequireIP          bool   `yaml:"require_ip"`
		CacheWindowSeconds int    `yaml:"cache_window_seconds"`
	} `yaml:"router"`
	Poll struct {
		Interval string `yaml:"interval"`
	} `yaml:"poll"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Router.Transport {
	case "serial":
		if c.Router.SerialPort == "" {
			return fmt.Errorf("router.serial_port is required for serial transport")
		}
	case "ssh", "telnet", "":
		if c.Router.Host == "" {
			return fmt.Errorf("router.host is required")
		}
		if c.Router.Username == "" {
			return fmt.Errorf("router.username is required")
		}
	default:
		return fmt.Errorf("router.transport must be ssh, telnet or serial, got %q", c.Router.Transport)
	}
	if c.Router.Mode != "" && c.Router.Mode != "router" && c.Router.Mode != "ap" {
		return fmt.Errorf("router.mode must be router or ap, got %q", c.Router.Mode)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("asuswrt-home starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create router transport based on config
	conn, err := createTransport(cfg, logger)
	if err != nil {
		logger.Error("create transport", "err", err)
		os.Exit(1)
	}

	client := asuswrt.NewClient(conn, asuswrt.Config{
		Mode:        asuswrt.Mode(cfg.Router.Mode),
		RequireIP:   cfg.Router.RequireIP,
		CacheWindow: time.Duration(cfg.Router.CacheWindowSeconds) * time.Second,
	}, logger)
	defer client.Close()

	interval, err := time.ParseDuration(cfg.Poll.Interval)
	if err != nil {
		logger.Error("invalid poll.interval", "value", cfg.Poll.Interval, "err", err)
		os.Exit(1)
	}

	events := tracker.NewEventBus(logger)
	trk := tracker.New(client, db, events, tracker.Config{Interval: interval}, logger)
	trk.Start()

	// Start automation engine (no-op when built with no_automation tag).
	auto := initAutomation(trk, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer, err := web.NewServer(trk, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(trk, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	trk.Stop()
	if err := conn.Close(); err != nil {
		logger.Warn("close transport", "err", err)
	}

	logger.Info("goodbye")
}

func createTransport(cfg *Config, logger *slog.Logger) (transport.Transport, error) {
	return transport.New(transport.Config{
		Kind:       transport.Kind(cfg.Router.Transport),
		Host:       cfg.Router.Host,
		Port:       cfg.Router.Port,
		Username:   cfg.Router.Username,
		Password:   cfg.Router.Password,
		KeyFile:    cfg.Router.SSHKey,
		SerialPort: cfg.Router.SerialPort,
		BaudRate:   cfg.Router.Baud,
	}, logger)
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Router.Port == 0 {
		switch cfg.Router.Transport {
		case "telnet":
			cfg.Router.Port = 23
		default:
			cfg.Router.Port = 22
		}
	}
	if cfg.Router.Baud == 0 {
		cfg.Router.Baud = 115200
	}
	if cfg.Poll.Interval == "" {
		cfg.Poll.Interval = "30s"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "asuswrt-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "asuswrt"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
