package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the UI-facing registry over the config file. It is the only
// writer of config.json; the gateway reads snapshots and never writes.
type Store struct {
	path     string
	mu       sync.Mutex
	resolver TransformerResolver
}

// TransformerResolver reports whether a transformer id resolves to a
// registered strategy for the given provider type. Wired from the
// transformer registry to keep validation eager without an import cycle.
type TransformerResolver func(transformerID, providerType string) error

// NewStore creates a Store over the config file at path. If path is empty
// the well-known location is used.
func NewStore(path string, resolver TransformerResolver) *Store {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}
	return &Store{path: path, resolver: resolver}
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }

// Get returns a snapshot of the current config. Parse failures fall back to
// defaults, mirroring Load.
func (s *Store) Get() (*ManagedModeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := Load(s.path)
	return cfg, err
}

// ListProviders returns all configured providers.
func (s *Store) ListProviders() ([]Provider, error) {
	cfg, err := s.Get()
	if err != nil && !errors.Is(err, ErrConfig) {
		return nil, err
	}
	return cfg.Providers, nil
}

// SaveProvider inserts or updates a provider. A provider without an id gets
// a generated one; timestamps are maintained here.
func (s *Store) SaveProvider(p Provider) (*Provider, error) {
	if errs := ValidateProvider(&p); len(errs) > 0 {
		return nil, errs[0]
	}
	if s.resolver != nil {
		if err := s.resolver(p.TransformerID, p.Type); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, _ := Load(s.path)
	now := time.Now().UTC()

	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
		p.UpdatedAt = now
		cfg.Providers = append(cfg.Providers, p)
		return &p, Save(s.path, cfg)
	}

	for i := range cfg.Providers {
		if cfg.Providers[i].ID == p.ID {
			p.CreatedAt = cfg.Providers[i].CreatedAt
			p.UpdatedAt = now
			cfg.Providers[i] = p
			return &p, Save(s.path, cfg)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, p.ID)
}

// DeleteProvider removes a provider. Deleting the active provider clears the
// selection.
func (s *Store) DeleteProvider(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, _ := Load(s.path)
	kept := cfg.Providers[:0]
	found := false
	for _, p := range cfg.Providers {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	cfg.Providers = kept
	if cfg.CurrentProviderID == id {
		cfg.CurrentProviderID = ""
	}
	return Save(s.path, cfg)
}

// SetActiveProvider switches the current provider. The target must exist and
// be enabled; switching never falls back to another provider.
func (s *Store) SetActiveProvider(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, _ := Load(s.path)
	p := cfg.ProviderByID(id)
	if p == nil {
		return fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	if !p.Enabled {
		return fmt.Errorf("%w: %q", ErrProviderDisabled, p.Name)
	}
	cfg.CurrentProviderID = id
	return Save(s.path, cfg)
}

// UpdateSettings replaces the gateway-level settings, leaving providers and
// the active selection untouched.
func (s *Store) UpdateSettings(enabled bool, port int, accessToken string, logging LoggingConfig, networkProxy *NetworkProxy) error {
	if err := ValidatePort(port); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, _ := Load(s.path)
	cfg.Enabled = enabled
	cfg.Port = port
	cfg.AccessToken = strings.TrimSpace(accessToken)
	cfg.Logging = logging
	cfg.NetworkProxy = networkProxy
	return Save(s.path, cfg)
}
