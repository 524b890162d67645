package main

import (
	"context"
	"fmt"
	"time"

	"ccmate/internal/config"
	"ccmate/internal/events"
	"ccmate/internal/lifecycle"
	"ccmate/internal/logger"
	"ccmate/internal/statsdb"
	"ccmate/internal/transformer"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// GatewayStatusInfo is the lifecycle state exposed to the frontend.
type GatewayStatusInfo struct {
	Running      bool   `json:"running"`
	Port         int    `json:"port"`
	ProviderID   string `json:"providerId,omitempty"`
	ProviderName string `json:"providerName,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SettingsInfo bundles the gateway-level settings for the frontend.
type SettingsInfo struct {
	Enabled      bool                 `json:"enabled"`
	Port         int                  `json:"port"`
	AccessToken  string               `json:"accessToken"`
	Logging      config.LoggingConfig `json:"logging"`
	NetworkProxy *config.NetworkProxy `json:"networkProxy,omitempty"`
}

// App is the Wails binding surface. Methods on it are callable from the UI.
type App struct {
	ctx   context.Context
	store *config.Store
	ctrl  *lifecycle.Controller
	bus   *events.Bus
	logs  *statsdb.Store

	cancelFeed func()
}

func NewApp(store *config.Store, ctrl *lifecycle.Controller, bus *events.Bus, logs *statsdb.Store) *App {
	return &App{store: store, ctrl: ctrl, bus: bus, logs: logs}
}

// startup saves the runtime context and begins forwarding bus events to the
// frontend as Wails events.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	ch, cancel := a.bus.Subscribe(256)
	a.cancelFeed = cancel
	go func() {
		for ev := range ch {
			runtime.EventsEmit(a.ctx, string(ev.Type), ev.Payload)
		}
	}()
}

func (a *App) shutdown() {
	if a.cancelFeed != nil {
		a.cancelFeed()
	}
}

// --- Provider management ---

// ListProviders returns every configured provider.
func (a *App) ListProviders() ([]config.Provider, error) {
	return a.store.ListProviders()
}

// SaveProvider inserts or updates a provider and restarts the gateway if it
// is running, so the change takes effect immediately.
func (a *App) SaveProvider(p config.Provider) (*config.Provider, error) {
	saved, err := a.store.SaveProvider(p)
	if err != nil {
		return nil, err
	}
	a.restartIfRunning()
	return saved, nil
}

// DeleteProvider removes a provider by id.
func (a *App) DeleteProvider(id string) error {
	if err := a.store.DeleteProvider(id); err != nil {
		return err
	}
	a.restartIfRunning()
	return nil
}

// SetActiveProvider switches the provider future requests use.
func (a *App) SetActiveProvider(id string) error {
	if err := a.store.SetActiveProvider(id); err != nil {
		return err
	}
	a.restartIfRunning()
	return nil
}

// ActiveProviderID returns the current selection, or "".
func (a *App) ActiveProviderID() (string, error) {
	cfg, err := a.store.Get()
	if err != nil {
		return "", err
	}
	return cfg.CurrentProviderID, nil
}

// TransformerIDs lists the registered transformer strategies for provider
// forms.
func (a *App) TransformerIDs() []string {
	return transformer.IDs()
}

// --- Settings ---

func (a *App) GetSettings() (*SettingsInfo, error) {
	cfg, err := a.store.Get()
	if err != nil {
		return nil, err
	}
	return &SettingsInfo{
		Enabled:      cfg.Enabled,
		Port:         cfg.Port,
		AccessToken:  cfg.AccessToken,
		Logging:      cfg.Logging,
		NetworkProxy: cfg.NetworkProxy,
	}, nil
}

// UpdateSettings persists gateway settings and reconciles the running state
// with the enabled flag.
func (a *App) UpdateSettings(s SettingsInfo) error {
	if err := a.store.UpdateSettings(s.Enabled, s.Port, s.AccessToken, s.Logging, s.NetworkProxy); err != nil {
		return err
	}

	cfg, _ := a.store.Get()
	switch {
	case s.Enabled && a.ctrl.IsRunning():
		return a.ctrl.Restart(cfg)
	case s.Enabled:
		return a.ctrl.Start(cfg)
	case a.ctrl.IsRunning():
		return a.ctrl.Stop()
	}
	return nil
}

// --- Gateway lifecycle ---

// StartGateway starts the gateway with the persisted config.
func (a *App) StartGateway() error {
	cfg, err := a.store.Get()
	if err != nil {
		logger.Warn("config reload before start: %v", err)
	}
	return a.ctrl.Start(cfg)
}

// StopGateway stops the gateway.
func (a *App) StopGateway() error {
	return a.ctrl.Stop()
}

// RestartGateway restarts the gateway with the persisted config.
func (a *App) RestartGateway() error {
	cfg, err := a.store.Get()
	if err != nil {
		logger.Warn("config reload before restart: %v", err)
	}
	return a.ctrl.Restart(cfg)
}

// GatewayStatus returns the current lifecycle state.
func (a *App) GatewayStatus() GatewayStatusInfo {
	st := a.ctrl.Status()
	return GatewayStatusInfo{
		Running:      st.Running,
		Port:         st.Port,
		ProviderID:   st.ProviderID,
		ProviderName: st.ProviderName,
		Error:        st.Error,
	}
}

func (a *App) restartIfRunning() {
	if !a.ctrl.IsRunning() {
		return
	}
	cfg, err := a.store.Get()
	if err != nil {
		logger.Warn("config reload before restart: %v", err)
	}
	if err := a.ctrl.Restart(cfg); err != nil {
		logger.Error("restart after config change failed: %v", err)
	}
}

// --- Request logs ---

// RecentRequestLogs returns the newest request logs for the traffic view.
func (a *App) RecentRequestLogs(limit int) ([]statsdb.RequestLog, error) {
	if a.logs == nil {
		return nil, fmt.Errorf("request-log store unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.logs.Recent(ctx, limit)
}

// ProviderUsageSummary aggregates token usage per provider since sinceDate
// ("2006-01-02"; empty means all time).
func (a *App) ProviderUsageSummary(sinceDate string) ([]statsdb.ProviderSummary, error) {
	if a.logs == nil {
		return nil, fmt.Errorf("request-log store unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.logs.SummaryByProvider(ctx, sinceDate)
}

// ClearRequestLogs empties the request-log store.
func (a *App) ClearRequestLogs() error {
	if a.logs == nil {
		return fmt.Errorf("request-log store unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.logs.Clear(ctx)
}
