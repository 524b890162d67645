// Package deepseek extends the OpenAI chat-completions strategy with
// DeepSeek's reasoning output: reasoning_content deltas become canonical
// thinking blocks ahead of the text content.
package deepseek

import (
	"fmt"

	"ccmate/internal/transformer/openai"
)

type Transformer struct {
	openai.Transformer
}

func (Transformer) ID() string { return "deepseek" }

func (Transformer) TargetPath(_ bool, _ string) string { return "/chat/completions" }

func (Transformer) TransformResponse(rawJSON []byte, model string) ([]byte, error) {
	return openai.ConvertResponse(rawJSON, model, true)
}

func (Transformer) TransformStreamChunk(chunk []byte, model string, state *any) ([][]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("nil transformer state")
	}
	if *state == nil {
		*state = openai.NewStreamTranslator(model, true)
	}
	return (*state).(*openai.StreamTranslator).Feed(chunk), nil
}
