package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "config.json"), nil)
}

func testProvider(name string) Provider {
	return Provider{
		Name:       name,
		Type:       ProviderTypeOpenRouter,
		APIBaseURL: "https://openrouter.ai/api",
		APIKey:     "sk-test",
		Enabled:    true,
	}
}

func TestStore_SaveProviderGeneratesID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saved, err := s.SaveProvider(testProvider("one"))
	if err != nil {
		t.Fatalf("SaveProvider err=%v", err)
	}
	if saved.ID == "" {
		t.Fatalf("no id generated")
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", saved)
	}

	providers, err := s.ListProviders()
	if err != nil || len(providers) != 1 {
		t.Fatalf("providers=%v err=%v", providers, err)
	}
}

func TestStore_SaveProviderUpdatesExisting(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saved, err := s.SaveProvider(testProvider("one"))
	if err != nil {
		t.Fatalf("SaveProvider err=%v", err)
	}

	saved.Name = "renamed"
	updated, err := s.SaveProvider(*saved)
	if err != nil {
		t.Fatalf("update err=%v", err)
	}
	if updated.ID != saved.ID || updated.Name != "renamed" {
		t.Fatalf("updated=%+v", updated)
	}
	if !updated.CreatedAt.Equal(saved.CreatedAt) {
		t.Fatalf("CreatedAt changed on update")
	}

	providers, _ := s.ListProviders()
	if len(providers) != 1 {
		t.Fatalf("update must not duplicate: %v", providers)
	}
}

func TestStore_SaveProviderUnknownID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	p := testProvider("ghost")
	p.ID = "does-not-exist"
	if _, err := s.SaveProvider(p); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestStore_SaveProviderRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	p := testProvider("")
	if _, err := s.SaveProvider(p); !errors.Is(err, ErrEmptyProviderName) {
		t.Fatalf("err=%v", err)
	}
}

func TestStore_ResolverRejectsTransformer(t *testing.T) {
	t.Parallel()

	bad := errors.New("unknown strategy")
	s := NewStore(filepath.Join(t.TempDir(), "config.json"), func(transformerID, providerType string) error {
		if transformerID == "bogus" {
			return fmt.Errorf("%w: %s", bad, transformerID)
		}
		return nil
	})

	p := testProvider("one")
	p.TransformerID = "bogus"
	if _, err := s.SaveProvider(p); !errors.Is(err, bad) {
		t.Fatalf("err=%v", err)
	}

	p.TransformerID = ""
	if _, err := s.SaveProvider(p); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestStore_DeleteProviderClearsSelection(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	saved, _ := s.SaveProvider(testProvider("one"))
	if err := s.SetActiveProvider(saved.ID); err != nil {
		t.Fatalf("SetActiveProvider err=%v", err)
	}

	if err := s.DeleteProvider(saved.ID); err != nil {
		t.Fatalf("DeleteProvider err=%v", err)
	}
	cfg, _ := s.Get()
	if cfg.CurrentProviderID != "" {
		t.Fatalf("selection not cleared: %q", cfg.CurrentProviderID)
	}

	if err := s.DeleteProvider(saved.ID); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("double delete err=%v", err)
	}
}

func TestStore_SetActiveProviderRejectsDisabled(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	p := testProvider("one")
	p.Enabled = false
	saved, err := s.SaveProvider(p)
	if err != nil {
		t.Fatalf("SaveProvider err=%v", err)
	}

	if err := s.SetActiveProvider(saved.ID); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("err=%v", err)
	}
	if err := s.SetActiveProvider("nope"); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestStore_UpdateSettings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if err := s.UpdateSettings(true, 80, "", LoggingConfig{}, nil); !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("err=%v", err)
	}

	logging := LoggingConfig{Enabled: true, Level: "debug"}
	np := &NetworkProxy{Enabled: true, Scheme: "socks5", Host: "127.0.0.1", Port: 1080}
	if err := s.UpdateSettings(true, 4100, " token ", logging, np); err != nil {
		t.Fatalf("UpdateSettings err=%v", err)
	}

	cfg, _ := s.Get()
	if !cfg.Enabled || cfg.Port != 4100 || cfg.AccessToken != "token" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.NetworkProxy == nil || cfg.NetworkProxy.URL() != "socks5://127.0.0.1:1080" {
		t.Fatalf("proxy=%+v", cfg.NetworkProxy)
	}
}
