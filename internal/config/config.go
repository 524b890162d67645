// Package config holds the managed-mode configuration model: the set of
// upstream providers, the active provider selection, and gateway settings.
// The config.json file is the single source of truth; the gateway only ever
// reads a snapshot of it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ConfigFileName is the default configuration file name
	ConfigFileName = "config.json"
	// ConfigDirName is the directory name under user home
	ConfigDirName = ".ccmate"
	// EnvDataDir overrides the data directory (highest priority)
	EnvDataDir = "CCMATE_DATA"

	// DefaultPort is the gateway listen port when the config does not set one.
	DefaultPort = 3456

	// MinPort and MaxPort bound the configurable listen port.
	MinPort = 1024
	MaxPort = 65535
)

// Provider type constants. Each type has a default transformer strategy.
const (
	ProviderTypeAnthropic  = "anthropic"
	ProviderTypeOpenRouter = "openrouter"
	ProviderTypeDeepSeek   = "deepseek"
	ProviderTypeGemini     = "gemini"
	ProviderTypeCustom     = "custom"
)

var (
	// ErrConfig marks a persisted config file that could not be parsed.
	// Load recovers by returning defaults; the error is informational.
	ErrConfig = errors.New("invalid config file")
	// ErrProviderNotFound is returned when currentProviderId does not resolve.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderDisabled is returned when the active provider is disabled.
	ErrProviderDisabled = errors.New("provider disabled")

	ErrInvalidPort        = errors.New("port must be between 1024 and 65535")
	ErrEmptyProviderName  = errors.New("provider name is required")
	ErrInvalidBaseURL     = errors.New("provider apiBaseUrl must be a valid absolute URL")
	ErrUnknownProviderType = errors.New("unknown provider type")
)

// ModelMapping maps a client-facing model alias to the upstream model name.
type ModelMapping struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

// Provider is one configured upstream LLM provider.
type Provider struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	APIBaseURL    string            `json:"apiBaseUrl"`
	APIKey        string            `json:"apiKey"`
	Models        []ModelMapping    `json:"models,omitempty"`
	TransformerID string            `json:"transformerId,omitempty"`
	Enabled       bool              `json:"enabled"`
	Description   string            `json:"description,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CreatedAt     time.Time         `json:"createdAt,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt,omitempty"`
}

// UpstreamModel resolves a client model alias to the upstream model name.
// Without a matching mapping the alias passes through unchanged.
func (p *Provider) UpstreamModel(alias string) string {
	alias = strings.TrimSpace(alias)
	for _, m := range p.Models {
		if m.Alias != "" && m.Alias == alias && strings.TrimSpace(m.Name) != "" {
			return m.Name
		}
	}
	return alias
}

// LoggingConfig controls gateway request logging.
type LoggingConfig struct {
	Enabled bool   `json:"enabled"`
	Level   string `json:"level,omitempty"`
}

// NetworkProxy is an optional outbound proxy for upstream calls. Scheme is
// socks5, http or https; empty means http.
type NetworkProxy struct {
	Enabled bool   `json:"enabled"`
	Scheme  string `json:"scheme,omitempty"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// URL renders the proxy address as a URL string, or "" when disabled or
// incomplete.
func (np *NetworkProxy) URL() string {
	if np == nil || !np.Enabled || strings.TrimSpace(np.Host) == "" || np.Port <= 0 {
		return ""
	}
	scheme := strings.TrimSpace(np.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, np.Host, np.Port)
}

// ManagedModeConfig is the complete persisted configuration.
type ManagedModeConfig struct {
	Enabled           bool          `json:"enabled"`
	Port              int           `json:"port"`
	CurrentProviderID string        `json:"currentProviderId,omitempty"`
	Providers         []Provider    `json:"providers"`
	AccessToken       string        `json:"accessToken,omitempty"`
	Logging           LoggingConfig `json:"logging"`
	NetworkProxy      *NetworkProxy `json:"networkProxy,omitempty"`
}

// Default returns the configuration used when no file exists yet.
func Default() *ManagedModeConfig {
	return &ManagedModeConfig{
		Enabled:   false,
		Port:      DefaultPort,
		Providers: []Provider{},
		Logging:   LoggingConfig{Enabled: true, Level: "info"},
	}
}

// mergeDefaults fills in zero-valued leaf fields so partially written files
// never crash startup.
func (c *ManagedModeConfig) mergeDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Providers == nil {
		c.Providers = []Provider{}
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

// Load reads the persisted config. A missing file yields defaults with no
// error; an unparsable file yields defaults and an error wrapping ErrConfig
// so the caller can log a warning. Load never fails hard.
func Load(path string) (*ManagedModeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var cfg ManagedModeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.mergeDefaults()
	return &cfg, nil
}

// Save writes the config atomically: marshal to a temp file in the same
// directory, then rename over the target.
func Save(path string, cfg *ManagedModeConfig) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ConfigFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// ProviderByID returns the provider with the given id, or nil.
func (c *ManagedModeConfig) ProviderByID(id string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

// ActiveProvider resolves currentProviderId. It never falls back to another
// provider: a missing id or a disabled provider is an error the caller must
// surface.
func (c *ManagedModeConfig) ActiveProvider() (*Provider, error) {
	id := strings.TrimSpace(c.CurrentProviderID)
	if id == "" {
		return nil, fmt.Errorf("%w: no provider selected", ErrProviderNotFound)
	}
	p := c.ProviderByID(id)
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	if !p.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrProviderDisabled, p.Name)
	}
	return p, nil
}

// Clone returns a deep copy for use as a read-only request-path snapshot.
func (c *ManagedModeConfig) Clone() *ManagedModeConfig {
	out := *c
	out.Providers = make([]Provider, len(c.Providers))
	copy(out.Providers, c.Providers)
	for i := range out.Providers {
		if len(c.Providers[i].Models) > 0 {
			out.Providers[i].Models = append([]ModelMapping(nil), c.Providers[i].Models...)
		}
		if len(c.Providers[i].Headers) > 0 {
			h := make(map[string]string, len(c.Providers[i].Headers))
			for k, v := range c.Providers[i].Headers {
				h[k] = v
			}
			out.Providers[i].Headers = h
		}
	}
	if c.NetworkProxy != nil {
		np := *c.NetworkProxy
		out.NetworkProxy = &np
	}
	return &out
}

// ValidatePort checks that a port is in the allowed range.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return ErrInvalidPort
	}
	return nil
}

// ValidateProvider validates the fields of one provider.
func ValidateProvider(p *Provider) []error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, ErrEmptyProviderName)
	}
	switch p.Type {
	case ProviderTypeAnthropic, ProviderTypeOpenRouter, ProviderTypeDeepSeek, ProviderTypeGemini, ProviderTypeCustom:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProviderType, p.Type))
	}
	u, err := url.Parse(strings.TrimSpace(p.APIBaseURL))
	if err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, ErrInvalidBaseURL)
	}
	return errs
}

// Validate checks the whole config and returns all problems found.
func (c *ManagedModeConfig) Validate() []error {
	var errs []error
	if err := ValidatePort(c.Port); err != nil {
		errs = append(errs, err)
	}
	for i := range c.Providers {
		for _, e := range ValidateProvider(&c.Providers[i]) {
			errs = append(errs, fmt.Errorf("providers[%d]: %w", i, e))
		}
	}
	if id := strings.TrimSpace(c.CurrentProviderID); id != "" {
		p := c.ProviderByID(id)
		if p == nil {
			errs = append(errs, fmt.Errorf("%w: currentProviderId %q", ErrProviderNotFound, id))
		} else if !p.Enabled {
			errs = append(errs, fmt.Errorf("%w: %q", ErrProviderDisabled, p.Name))
		}
	}
	return errs
}

// GetDataDir returns the data directory.
// Priority: CCMATE_DATA env, current directory when it holds a config.json,
// then ~/.ccmate.
func GetDataDir() string {
	if envDir := os.Getenv(EnvDataDir); envDir != "" {
		if err := os.MkdirAll(envDir, 0755); err == nil {
			return envDir
		}
	}
	if fileExists(ConfigFileName) {
		if cwd, err := os.Getwd(); err == nil {
			return cwd
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(homeDir, ConfigDirName)
		os.MkdirAll(dir, 0755)
		return dir
	}
	return "."
}

// DefaultConfigPath returns the well-known config file path.
func DefaultConfigPath() string {
	return filepath.Join(GetDataDir(), ConfigFileName)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
