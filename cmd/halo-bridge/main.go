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

	"halo-bridge/internal/avion"
	"halo-bridge/internal/bridge"
	"halo-bridge/internal/catalog"
	"halo-bridge/internal/store"
	"halo-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Halo struct {
		Username     string  `yaml:"username"`
		Password     string  `yaml:"password"`
		APIURL       string  `yaml:"api_url"`
		PollInterval string  `yaml:"poll_interval"`
		SyncInterval string  `yaml:"sync_interval"`
		RateLimit    float64 `yaml:"rate_limit"`
		RateBurst    int     `yaml:"rate_burst"`
	} `yaml:"halo"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		RateLimit      float64  `yaml:"rate_limit"`
		RateBurst      int      `yaml:"rate_burst"`
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
	ProductsDir string `yaml:"products_dir"`
	ScriptsDir  string `yaml:"scripts_dir"`

	pollInterval time.Duration
	syncInterval time.Duration
}

func (c *Config) validate() error {
	if c.Halo.Username == "" {
		return fmt.Errorf("halo.username is required")
	}
	if c.Halo.Password == "" {
		return fmt.Errorf("halo.password is required")
	}
	var err error
	c.pollInterval, err = time.ParseDuration(c.Halo.PollInterval)
	if err != nil {
		return fmt.Errorf("halo.poll_interval: %w", err)
	}
	if c.pollInterval < 5*time.Second {
		return fmt.Errorf("halo.poll_interval must be at least 5s, got %s", c.pollInterval)
	}
	c.syncInterval, err = time.ParseDuration(c.Halo.SyncInterval)
	if err != nil {
		return fmt.Errorf("halo.sync_interval: %w", err)
	}
	if c.syncInterval < c.pollInterval {
		return fmt.Errorf("halo.sync_interval must not be shorter than halo.poll_interval (%s), got %s", c.pollInterval, c.syncInterval)
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
	logger.Info("halo-bridge starting", "version", version)

	// Product catalog: the RL-series downlight ships built in, extra fixture
	// definitions load from the products directory.
	cat := catalog.New(logger)
	cat.Register(catalog.RL56)
	if err := catalog.LoadProductDir(cfg.ProductsDir, cat, logger); err != nil {
		logger.Error("load product definitions", "err", err)
		os.Exit(1)
	}
	logger.Info("product catalog initialized", "products", cat.Len())

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create Avi-on cloud client
	api := avion.NewClient(cfg.Halo.Username, cfg.Halo.Password, logger,
		avion.WithBaseURL(cfg.Halo.APIURL),
		avion.WithRateLimit(cfg.Halo.RateLimit, cfg.Halo.RateBurst),
	)

	// Create bridge hub
	events := bridge.NewEventBus(logger)
	hub := bridge.New(api, db, cat, events, bridge.Config{
		Email:        cfg.Halo.Username,
		PollInterval: cfg.pollInterval,
		SyncInterval: cfg.syncInterval,
	}, logger)

	// Start bridge: authenticate, initial inventory sync, poll loop.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := hub.Start(ctx); err != nil {
		logger.Error("start bridge", "err", err)
		cancel()
		db.Close()
		os.Exit(1)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(hub, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.RateLimit > 0 {
		webOpts = append(webOpts, web.WithRateLimit(cfg.Web.RateLimit, cfg.Web.RateBurst))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(hub, logger, webOpts...)

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
	mq := initMQTT(hub, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mq.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	hub.Stop()

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
	if cfg.Halo.APIURL == "" {
		cfg.Halo.APIURL = avion.DefaultBaseURL
	}
	if cfg.Halo.PollInterval == "" {
		cfg.Halo.PollInterval = "30s"
	}
	if cfg.Halo.SyncInterval == "" {
		cfg.Halo.SyncInterval = "10m"
	}
	if cfg.Halo.RateLimit == 0 {
		cfg.Halo.RateLimit = 4
	}
	if cfg.Halo.RateBurst == 0 {
		cfg.Halo.RateBurst = 8
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "halo-bridge.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "halo"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.ProductsDir == "" {
		cfg.ProductsDir = "products"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
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
