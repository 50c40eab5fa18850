package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"go-casambi/internal/api"
	"go-casambi/internal/controller"
	"go-casambi/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Casambi struct {
		Email           string `yaml:"email"`
		UserPassword    string `yaml:"user_password"`
		NetworkPassword string `yaml:"network_password"`
		APIKey          string `yaml:"api_key"`
		BaseURL         string `yaml:"base_url"`
	} `yaml:"casambi"`
	Poll struct {
		Interval string `yaml:"interval"`
	} `yaml:"poll"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Casambi.APIKey == "" {
		return fmt.Errorf("casambi.api_key is required")
	}
	if c.Casambi.Email == "" {
		return fmt.Errorf("casambi.email is required")
	}
	if c.Casambi.UserPassword == "" && c.Casambi.NetworkPassword == "" {
		return fmt.Errorf("at least one of casambi.user_password and casambi.network_password is required")
	}
	if _, err := time.ParseDuration(c.Poll.Interval); err != nil {
		return fmt.Errorf("poll.interval: %w", err)
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
	logger.Info("casambi-home starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var clientOpts []api.Option
	if cfg.Casambi.BaseURL != "" {
		clientOpts = append(clientOpts, api.WithBaseURL(cfg.Casambi.BaseURL))
	}
	client := api.NewClient(cfg.Casambi.APIKey, logger, clientOpts...)

	events := controller.NewEventBus(logger)
	ctrl := controller.NewController(controller.Config{
		Email:           cfg.Casambi.Email,
		UserPassword:    cfg.Casambi.UserPassword,
		NetworkPassword: cfg.Casambi.NetworkPassword,
		APIKey:          cfg.Casambi.APIKey,
	}, client, events, db, logger)

	events.OnAll(func(ev controller.Event) {
		logger.Debug("controller event", "type", ev.Type, "network", ev.NetworkID)
	})
	events.On(controller.EventUnitsDiscovered, func(ev controller.Event) {
		logger.Info("units discovered", "network", ev.NetworkID, "units", ev.Data)
	})
	events.On(controller.EventConnectionState, func(ev controller.Event) {
		logger.Info("connection state", "network", ev.NetworkID, "state", ev.Data)
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := ctrl.CreateSession(startCtx); err != nil {
		logger.Error("create session", "err", err)
		cancel()
		os.Exit(1)
	}
	if err := ctrl.Initialize(startCtx); err != nil {
		logger.Error("initialize", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	if err := ctrl.StartWebsockets(); err != nil {
		logger.Error("start websockets", "err", err)
		os.Exit(1)
	}

	pollInterval, _ := time.ParseDuration(cfg.Poll.Interval)
	pollDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := ctrl.RefreshNetworkState(ctx); err != nil {
					logger.Warn("state poll failed", "err", err)
				}
				cancel()
				ctrl.CheckConnection()
			case <-pollDone:
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	close(pollDone)
	ctrl.Stop()

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
	if cfg.Store.Path == "" {
		cfg.Store.Path = "casambi-home.db"
	}
	if cfg.Poll.Interval == "" {
		cfg.Poll.Interval = "60s"
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
