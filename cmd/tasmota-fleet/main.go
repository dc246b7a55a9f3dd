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

	"tasmota-fleet/internal/automation"
	"tasmota-fleet/internal/fleet"
	"tasmota-fleet/internal/message"
	"tasmota-fleet/internal/mqtt"
	"tasmota-fleet/internal/store"
	"tasmota-fleet/internal/topics"
	"tasmota-fleet/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Broker struct {
		Host             string         `yaml:"hostname"`
		Port             int            `yaml:"port"`
		Username         string         `yaml:"username"`
		Password         string         `yaml:"password"`
		ClientID         string         `yaml:"client_id"`
		ConnectOnStartup bool           `yaml:"connect_on_startup"`
		PacingMs         int            `yaml:"pacing_ms"`
		TLS              mqtt.TLSConfig `yaml:"tls"`
	} `yaml:"broker"`
	Discovery struct {
		Mode     string   `yaml:"mode"` // "both", "native", "legacy"
		Patterns []string `yaml:"patterns"`
	} `yaml:"discovery"`
	AutoTelemetry struct {
		Enabled  bool `yaml:"enabled"`
		PeriodMs int  `yaml:"period_ms"`
	} `yaml:"autotelemetry"`
	BSSIDAliases map[string]string `yaml:"bssid_aliases"`
	Web          struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Automation struct {
		Enabled    bool   `yaml:"enabled"`
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.hostname is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be 1-65535, got %d", c.Broker.Port)
	}
	if c.Broker.PacingMs < 100 {
		return fmt.Errorf("broker.pacing_ms must be at least 100, got %d", c.Broker.PacingMs)
	}
	if c.AutoTelemetry.Enabled && c.AutoTelemetry.PeriodMs < 1000 {
		return fmt.Errorf("autotelemetry.period_ms must be at least 1000, got %d", c.AutoTelemetry.PeriodMs)
	}
	switch c.Discovery.Mode {
	case "both", "native", "legacy":
	default:
		return fmt.Errorf("discovery.mode must be both, native or legacy, got %q", c.Discovery.Mode)
	}
	for _, p := range c.Discovery.Patterns {
		if _, err := topics.Get(p); err != nil {
			return fmt.Errorf("discovery pattern %q: %w", p, err)
		}
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

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("tasmota-fleet starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// The adapter callbacks close over the engine variable; nothing fires
	// before Connect, which happens after the engine is running.
	var engine *fleet.Engine
	adapter := mqtt.New(mqtt.Config{
		Host:         cfg.Broker.Host,
		Port:         cfg.Broker.Port,
		Username:     cfg.Broker.Username,
		Password:     cfg.Broker.Password,
		ClientID:     cfg.Broker.ClientID,
		TLS:          cfg.Broker.TLS,
		PaceInterval: time.Duration(cfg.Broker.PacingMs) * time.Millisecond,
	}, func(m *message.Message) {
		engine.Deliver(m)
	}, func() {
		engine.OnConnect()
	}, func(err error) {
		engine.OnDisconnect(err)
	}, logger)
	defer adapter.Close()

	bus := fleet.NewEventBus(logger.With("component", "bus"))
	env := fleet.NewEnvironment(adapter, bus, logger)

	if err := fleet.Restore(env, db, logger); err != nil {
		logger.Error("restore devices", "err", err)
	}

	var autoTelemetry time.Duration
	if cfg.AutoTelemetry.Enabled {
		autoTelemetry = time.Duration(cfg.AutoTelemetry.PeriodMs) * time.Millisecond
	}
	engine = fleet.NewEngine(env, fleet.Config{
		DiscoveryMode: fleet.DiscoveryMode(cfg.Discovery.Mode),
		Patterns:      cfg.Discovery.Patterns,
		AutoTelemetry: autoTelemetry,
	}, logger)
	engine.Start()

	var auto *automation.Engine
	if cfg.Automation.Enabled {
		mgr, err := automation.NewManager(cfg.Automation.ScriptsDir)
		if err != nil {
			logger.Error("init scripts dir", "err", err)
			os.Exit(1)
		}
		auto = automation.NewEngine(engine, mgr, logger)
		auto.Start()
	}

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if len(cfg.BSSIDAliases) > 0 {
		webOpts = append(webOpts, web.WithBSSIDAliases(cfg.BSSIDAliases))
	}
	webServer := web.NewServer(engine, adapter, logger, webOpts...)

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

	if cfg.Broker.ConnectOnStartup {
		if err := adapter.Connect(); err != nil {
			logger.Error("broker connect", "err", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if auto != nil {
		auto.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	engine.Stop()
	adapter.Close()

	fleet.Snapshot(env, db, logger)

	logger.Info("goodbye")
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
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 1883
	}
	if cfg.Broker.PacingMs == 0 {
		cfg.Broker.PacingMs = 250
	}
	if cfg.Discovery.Mode == "" {
		cfg.Discovery.Mode = "both"
	}
	if cfg.AutoTelemetry.PeriodMs == 0 {
		cfg.AutoTelemetry.PeriodMs = 5000
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "tasmota-fleet.db"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
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
