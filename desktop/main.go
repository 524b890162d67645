// Package main runs the desktop shell: the gateway plus a Wails UI for
// managing providers and watching traffic.
package main

import (
	"context"
	"embed"
	"path/filepath"

	"ccmate/internal/config"
	"ccmate/internal/events"
	"ccmate/internal/lifecycle"
	"ccmate/internal/logger"
	"ccmate/internal/statsdb"
	"ccmate/internal/transformer"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
)

//go:embed all:ui/dist
var assets embed.FS

var version = "dev"

func main() {
	dataDir := config.GetDataDir()
	configPath := filepath.Join(dataDir, config.ConfigFileName)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Warn("config load: %v", err)
	}

	if cfg.Logging.Enabled {
		if err := logger.InitDefault("[ccmate] ", logger.ParseLevel(cfg.Logging.Level), filepath.Join(dataDir, "logs")); err != nil {
			logger.Warn("file logging unavailable: %v", err)
		}
	}
	logger.Info("data directory: %s", dataDir)

	store := config.NewStore(configPath, transformer.Validate)

	var logs *statsdb.Store
	logsPath := filepath.Join(dataDir, "data.sqlite")
	if db, err := statsdb.Open(logsPath); err != nil {
		logger.Warn("request-log db unavailable (%s): %v", logsPath, err)
	} else {
		logs = db
	}

	bus := events.NewBus()
	ctrl := lifecycle.NewController(version, bus, logs)

	if cfg.Enabled {
		if err := ctrl.Start(cfg); err != nil {
			logger.Error("gateway autostart failed: %v", err)
		}
	}

	app := NewApp(store, ctrl, bus, logs)

	err = wails.Run(&options.App{
		Title:  "CC Mate",
		Width:  1200,
		Height: 800,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		OnStartup:        app.startup,
		OnShutdown: func(ctx context.Context) {
			logger.Info("shutting down")
			app.shutdown()
			if err := ctrl.Stop(); err != nil {
				logger.Error("gateway stop: %v", err)
			}
			if logs != nil {
				if err := logs.Close(); err != nil {
					logger.Error("request-log db close: %v", err)
				}
			}
		},
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		logger.Error("wails: %v", err)
	}
}
