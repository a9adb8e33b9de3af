package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alexamedia/internal/account"
	"alexamedia/internal/alexa"
	"alexamedia/internal/api"
	"alexamedia/internal/clock"
	"alexamedia/internal/config"
	"alexamedia/internal/events"
	"alexamedia/internal/ha"
	"alexamedia/internal/natsbridge"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logConfig := zap.NewProductionConfig()
	base, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()

	// Only accounts with debug set log below info; see account.Config.Debug.
	logger := base.WithOptions(zap.IncreaseLevel(zap.InfoLevel))

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.NewLoader(configPath, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	for _, a := range cfg.Accounts {
		if a.Debug {
			logConfig.Level.SetLevel(zap.DebugLevel)
			break
		}
	}

	logger.Info("Starting Alexa Media service",
		zap.Int("accounts", len(cfg.Accounts)),
		zap.Int("api_port", cfg.API.Port))

	sinks := events.MultiSink{events.LogSink{Logger: logger.Named("events")}}
	var forwarders []account.Forwarder

	if cfg.HomeAssistant.URL != "" && cfg.HomeAssistant.Token != "" {
		client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err := client.Connect(); err != nil {
			logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
		}
		defer client.Disconnect()

		logger.Info("Connected to Home Assistant")
		sinks = append(sinks, ha.NewSink(client, logger))
	} else {
		logger.Warn("HA_URL and HA_TOKEN not set; host events are only logged")
	}

	if cfg.NATS.URL != "" {
		publisher, err := natsbridge.Connect(cfg.NATS.URL, cfg.NATS.Prefix, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer publisher.Close()

		logger.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
		sinks = append(sinks, publisher)
		forwarders = append(forwarders, publisher.Forward)
	}

	newSession := func(c account.Config) (alexa.Session, error) {
		sessionLogger := logger
		if c.Debug {
			sessionLogger = base
		}
		session, err := alexa.NewHTTPSession(alexa.SessionOptions{
			Email:     c.Email,
			URL:       c.URL,
			PushURL:   c.PushURL,
			CookieDir: c.CookieDir,
		}, sessionLogger)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	manager := account.NewManager(newSession, sinks, clock.NewReal(), base, forwarders...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, a := range cfg.Accounts {
		_, err := manager.Setup(ctx, account.Config{
			Email:          a.Email,
			URL:            a.URL,
			PushURL:        a.PushURL,
			IncludeDevices: a.IncludeDevices,
			ExcludeDevices: a.ExcludeDevices,
			ScanInterval:   a.ScanInterval.Std(),
			CookieDir:      a.CookieDir,
			Debug:          a.Debug,
		})
		if err != nil {
			logger.Error("Failed to set up account",
				zap.String("account", alexa.HideEmail(a.Email)),
				zap.Error(err))
		}
	}

	server := api.NewServer(manager, logger, cfg.API.Port)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to unload accounts", zap.Error(err))
	}
}
