// Package transformer translates between the canonical Claude Messages wire
// format and each upstream provider's native schema. One strategy exists per
// provider family; the gateway never special-cases a provider by name.
package transformer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ccmate/internal/transformer/anthropic"
	"ccmate/internal/transformer/deepseek"
	"ccmate/internal/transformer/gemini"
	"ccmate/internal/transformer/openai"
)

// ErrUnknownTransformer is returned for transformer ids that do not resolve
// to a registered strategy. Resolution happens at config-load time, not at
// first request.
var ErrUnknownTransformer = errors.New("unknown transformer")

// Transformer is one provider-family translation strategy.
//
// Stream translation is stateful per connection: the first
// TransformStreamChunk call initializes *state, and the same state must be
// passed for every subsequent chunk of that connection. Implementations
// buffer incomplete frames internally and only emit canonical events for
// complete provider-native events; malformed fragments are logged and
// skipped, never surfaced as corrupted canonical events.
type Transformer interface {
	ID() string
	// TargetPath is the provider-specific request path appended to the
	// provider's base URL.
	TargetPath(stream bool, upstreamModel string) string
	OutputContentType(stream bool) string
	// ApplyAuth sets the provider's auth headers or query parameters.
	ApplyAuth(req *http.Request, apiKey string, stream bool)
	// TransformRequest converts a canonical request body (model already
	// resolved to the upstream name) into the provider's request schema.
	TransformRequest(rawJSON []byte, stream bool) ([]byte, error)
	// TransformResponse converts a complete upstream response body into a
	// canonical response. model is reported back to the client.
	TransformResponse(rawJSON []byte, model string) ([]byte, error)
	// TransformStreamChunk consumes raw upstream bytes and returns zero or
	// more complete canonical SSE event frames.
	TransformStreamChunk(chunk []byte, model string, state *any) ([][]byte, error)
	// FinishStream emits any terminal events still owed after upstream EOF.
	FinishStream(state *any) [][]byte
}

// Strategy ids.
const (
	IDAnthropic = "anthropic"
	IDOpenAI    = "openai"
	IDDeepSeek  = "deepseek"
	IDGemini    = "gemini"
)

// The registry is closed: strategies are compiled in and looked up by id.
var strategies = map[string]Transformer{
	IDAnthropic: anthropic.Transformer{},
	IDOpenAI:    openai.Transformer{},
	IDDeepSeek:  deepseek.Transformer{},
	IDGemini:    gemini.Transformer{},
}

// Get returns the strategy registered under id.
func Get(id string) (Transformer, error) {
	t, ok := strategies[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransformer, id)
	}
	return t, nil
}

// DefaultFor maps a provider type to its default strategy id. OpenRouter and
// custom endpoints speak OpenAI chat-completions.
func DefaultFor(providerType string) string {
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "anthropic":
		return IDAnthropic
	case "deepseek":
		return IDDeepSeek
	case "gemini":
		return IDGemini
	default:
		return IDOpenAI
	}
}

// Resolve returns the strategy for a provider's transformer id, falling back
// to the default for its type when the id is empty.
func Resolve(transformerID, providerType string) (Transformer, error) {
	id := strings.TrimSpace(transformerID)
	if id == "" {
		id = DefaultFor(providerType)
	}
	return Get(id)
}

// Validate reports whether a transformer id (possibly empty, meaning the
// provider-type default) resolves to a registered strategy.
func Validate(transformerID, providerType string) error {
	_, err := Resolve(transformerID, providerType)
	return err
}

// IDs returns all registered strategy ids.
func IDs() []string {
	out := make([]string, 0, len(strategies))
	for id := range strategies {
		out = append(out, id)
	}
	return out
}
