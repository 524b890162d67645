// Package lifecycle starts, stops and restarts the gateway server and keeps
// the rest of the app informed through status events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"ccmate/internal/config"
	"ccmate/internal/events"
	"ccmate/internal/gateway"
	"ccmate/internal/logger"
	"ccmate/internal/statsdb"
	"ccmate/internal/transformer"
)

// ErrPortInUse marks a start attempt against a port something else holds.
var ErrPortInUse = errors.New("port already in use")

// ErrAlreadyRunning marks a Start call while the gateway is up.
var ErrAlreadyRunning = errors.New("gateway already running")

const shutdownTimeout = 10 * time.Second

// Controller owns the gateway server lifecycle. All transitions are
// serialized: a Restart during a Start waits its turn.
type Controller struct {
	version string
	bus     *events.Bus
	logs    *statsdb.Store

	mu      sync.Mutex
	running bool
	srv     *gateway.Server
	ln      net.Listener
	done    chan struct{}
	status  events.GatewayStatus
}

func NewController(version string, bus *events.Bus, logs *statsdb.Store) *Controller {
	return &Controller{version: version, bus: bus, logs: logs}
}

// Start validates the config, binds the port and launches the server over a
// snapshot of cfg. Validation failures and port conflicts leave nothing
// running.
func (c *Controller) Start(cfg *config.ManagedModeConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	if err := config.ValidatePort(cfg.Port); err != nil {
		c.publishStatusLocked(events.GatewayStatus{Port: cfg.Port, Error: err.Error()})
		return err
	}
	// Every enabled provider's transformer must resolve before anything
	// binds, so a bad transformer id fails the start, not the first request.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if !p.Enabled {
			continue
		}
		if err := transformer.Validate(p.TransformerID, p.Type); err != nil {
			err = fmt.Errorf("provider %q: %w", p.Name, err)
			c.publishStatusLocked(events.GatewayStatus{Port: cfg.Port, Error: err.Error()})
			return err
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			err = fmt.Errorf("%w: %d", ErrPortInUse, cfg.Port)
		}
		c.publishStatusLocked(events.GatewayStatus{Port: cfg.Port, Error: err.Error()})
		return err
	}

	snapshot := cfg.Clone()
	srv := gateway.New(snapshot, gateway.Options{
		Version: c.version,
		Bus:     c.bus,
		Logs:    c.logs,
	})

	done := make(chan struct{})
	c.srv = srv
	c.ln = ln
	c.done = done
	c.running = true

	status := events.GatewayStatus{Running: true, Port: cfg.Port}
	if p, err := snapshot.ActiveProvider(); err == nil {
		status.ProviderID = p.ID
		status.ProviderName = p.Name
	}
	c.status = status
	c.publishStatusLocked(status)
	logger.Info("[lifecycle] gateway started on port %d", cfg.Port)

	go func() {
		err := srv.Serve(ln)
		close(done)
		if err != nil {
			logger.Error("[lifecycle] gateway serve failed: %v", err)
			c.mu.Lock()
			if c.srv == srv {
				c.running = false
				c.status = events.GatewayStatus{Port: cfg.Port, Error: err.Error()}
				c.publishStatusLocked(c.status)
			}
			c.mu.Unlock()
		}
	}()

	return nil
}

// Stop shuts the server down gracefully. Stopping a stopped gateway is a
// no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if !c.running {
		return nil
	}

	srv := c.srv
	done := c.done
	port := c.status.Port

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	err := srv.Shutdown(ctx)
	cancel()
	if done != nil {
		// The serve goroutine closes done before touching controller state,
		// so waiting here with the lock held cannot deadlock.
		<-done
	}

	c.running = false
	c.srv = nil
	c.ln = nil
	c.done = nil
	c.status = events.GatewayStatus{Port: port}
	c.publishStatusLocked(c.status)
	logger.Info("[lifecycle] gateway stopped")
	return err
}

// Restart stops the current server, then starts over the new config. A
// failed start after a successful stop leaves the gateway down with the
// error in the status.
func (c *Controller) Restart(cfg *config.ManagedModeConfig) error {
	c.mu.Lock()
	if err := c.stopLocked(); err != nil {
		logger.Warn("[lifecycle] shutdown during restart: %v", err)
	}
	c.mu.Unlock()
	return c.Start(cfg)
}

// IsRunning reports whether the gateway is up.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns the last published status.
func (c *Controller) Status() events.GatewayStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) publishStatusLocked(status events.GatewayStatus) {
	if c.bus != nil {
		c.bus.Publish(events.TypeGatewayStatus, status)
	}
}
