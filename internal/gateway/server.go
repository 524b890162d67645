// Package gateway implements the local HTTP server that accepts Claude
// Messages API requests and forwards them to the configured upstream
// provider through its transformer strategy.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ccmate/internal/config"
	"ccmate/internal/events"
	"ccmate/internal/logger"
	"ccmate/internal/statsdb"
)

// Options carries the shared collaborators a Server publishes into.
type Options struct {
	Version string
	Bus     *events.Bus
	Logs    *statsdb.Store
}

// Server handles requests against one immutable config snapshot. Changing
// the config means building a new Server; in-flight requests keep the
// snapshot they started with.
type Server struct {
	cfg     *config.ManagedModeConfig
	version string
	client  *http.Client
	bus     *events.Bus
	logs    *statsdb.Store
	hub     *WSHub

	httpServer *http.Server
}

// New builds a Server over a config snapshot. The caller passes a clone; the
// Server never mutates or re-reads it.
func New(cfg *config.ManagedModeConfig, opts Options) *Server {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	s := &Server{
		cfg:     cfg,
		version: version,
		client:  newHTTPClient(cfg.NetworkProxy, 0),
		bus:     opts.Bus,
		logs:    opts.Logs,
	}
	if opts.Bus != nil {
		s.hub = NewWSHub(opts.Bus)
	}
	return s
}

// Handler returns the full route tree wrapped in the recover middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/health", s.handleHealth)
	if s.hub != nil {
		mux.HandleFunc("/events", s.hub.HandleWebSocket)
	}
	mux.HandleFunc("/", s.handleNotFound)
	return s.recoverMiddleware(mux)
}

// Serve runs the HTTP server on an already-bound listener. The caller binds
// the listener first so port conflicts surface before anything starts.
func (s *Server) Serve(ln net.Listener) error {
	if s.hub != nil {
		go s.hub.Run()
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Port returns the snapshot's configured port.
func (s *Server) Port() int { return s.cfg.Port }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, errTypeNotFound,
		fmt.Sprintf("unknown route: %s %s", r.Method, r.URL.Path))
}

// recoverMiddleware converts handler panics into a structured 500 so one bad
// request never takes the process down.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("[gateway] panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, errTypeAPI, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return strings.TrimRight(raw, "/")
	}
	if strings.HasPrefix(raw, "//") {
		return "https:" + strings.TrimRight(raw, "/")
	}
	return "https://" + strings.TrimRight(raw, "/")
}

func buildTargetURL(baseURL, path string) (string, error) {
	base := normalizeBaseURL(baseURL)
	if base == "" {
		return "", fmt.Errorf("empty apiBaseUrl")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid apiBaseUrl: %w", err)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
