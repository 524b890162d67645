package transformer

import (
	"errors"
	"testing"
)

func TestGet_KnownAndUnknown(t *testing.T) {
	t.Parallel()

	for _, id := range []string{IDAnthropic, IDOpenAI, IDDeepSeek, IDGemini} {
		tr, err := Get(id)
		if err != nil {
			t.Fatalf("Get(%q) err=%v", id, err)
		}
		if tr.ID() != id {
			t.Fatalf("Get(%q).ID()=%q", id, tr.ID())
		}
	}

	if _, err := Get("nope"); !errors.Is(err, ErrUnknownTransformer) {
		t.Fatalf("Get(nope) err=%v", err)
	}
}

func TestDefaultFor(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"anthropic":  IDAnthropic,
		"deepseek":   IDDeepSeek,
		"gemini":     IDGemini,
		"openrouter": IDOpenAI,
		"custom":     IDOpenAI,
		"":           IDOpenAI,
	}
	for providerType, want := range cases {
		if got := DefaultFor(providerType); got != want {
			t.Fatalf("DefaultFor(%q)=%q want %q", providerType, got, want)
		}
	}
}

func TestResolve_ExplicitOverridesDefault(t *testing.T) {
	t.Parallel()

	// A custom provider may pin the anthropic strategy explicitly.
	tr, err := Resolve(IDAnthropic, "custom")
	if err != nil {
		t.Fatalf("Resolve err=%v", err)
	}
	if tr.ID() != IDAnthropic {
		t.Fatalf("ID=%q", tr.ID())
	}

	// Empty id falls back to the provider-type default.
	tr, err = Resolve("", "gemini")
	if err != nil {
		t.Fatalf("Resolve err=%v", err)
	}
	if tr.ID() != IDGemini {
		t.Fatalf("ID=%q", tr.ID())
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate("", "anthropic"); err != nil {
		t.Fatalf("Validate default err=%v", err)
	}
	if err := Validate("bogus", "anthropic"); !errors.Is(err, ErrUnknownTransformer) {
		t.Fatalf("Validate bogus err=%v", err)
	}
}
