// Package main runs the gateway in headless mode, without the desktop shell.
package main

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"ccmate/internal/config"
	"ccmate/internal/events"
	"ccmate/internal/lifecycle"
	"ccmate/internal/logger"
	"ccmate/internal/statsdb"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	// A .env next to the binary can set PORT / CONFIG_PATH / CCMATE_DATA.
	_ = godotenv.Load()

	configPath := getEnvString("CONFIG_PATH", config.DefaultConfigPath())

	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, config.ErrConfig) {
			logger.Warn("config file unreadable, using defaults: %v", err)
		} else {
			logger.Warn("config load: %v", err)
		}
	}
	if port := getEnvInt("PORT", 0); port != 0 {
		cfg.Port = port
	}
	// Headless mode always serves; the enabled flag gates the desktop app.
	cfg.Enabled = true

	if cfg.Logging.Enabled {
		logDir := filepath.Join(filepath.Dir(configPath), "logs")
		if err := logger.InitDefault("[ccmate] ", logger.ParseLevel(cfg.Logging.Level), logDir); err != nil {
			logger.Warn("file logging unavailable: %v", err)
		}
	} else {
		logger.SetDefaultLevel(logger.ParseLevel(cfg.Logging.Level))
	}

	logger.Info("starting gateway: port=%d configPath=%s", cfg.Port, configPath)

	// Request-log store is best-effort; the gateway runs without it.
	var logs *statsdb.Store
	logsPath := filepath.Join(filepath.Dir(configPath), "data.sqlite")
	if db, err := statsdb.Open(logsPath); err != nil {
		logger.Warn("request-log db unavailable (%s): %v", logsPath, err)
	} else {
		logs = db
		defer logs.Close()
		logger.Info("request-log db: %s", logsPath)
	}

	bus := events.NewBus()
	ctrl := lifecycle.NewController(version, bus, logs)

	if err := ctrl.Start(cfg); err != nil {
		logger.Error("gateway start failed: %v", err)
		os.Exit(1)
	}

	watcher, err := lifecycle.WatchConfig(configPath, ctrl, true)
	if err != nil {
		logger.Warn("config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)

	if err := ctrl.Stop(); err != nil {
		logger.Error("shutdown: %v", err)
	}
	logger.Info("gateway stopped")
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
