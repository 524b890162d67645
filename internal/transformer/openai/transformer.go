// Package openai translates between the canonical Claude Messages schema and
// the OpenAI chat-completions schema. It serves OpenRouter and custom
// OpenAI-compatible endpoints, and is embedded by the deepseek strategy.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"ccmate/internal/transformer/shared"
)

type Transformer struct{}

func (Transformer) ID() string { return "openai" }

func (Transformer) TargetPath(_ bool, _ string) string { return "/v1/chat/completions" }

func (Transformer) OutputContentType(stream bool) string {
	if stream {
		return "text/event-stream"
	}
	return "application/json"
}

func (Transformer) ApplyAuth(req *http.Request, apiKey string, _ bool) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func (Transformer) TransformRequest(rawJSON []byte, stream bool) ([]byte, error) {
	return ConvertRequest(rawJSON, stream)
}

func (Transformer) TransformResponse(rawJSON []byte, model string) ([]byte, error) {
	return ConvertResponse(rawJSON, model, false)
}

func (Transformer) TransformStreamChunk(chunk []byte, model string, state *any) ([][]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("nil transformer state")
	}
	if *state == nil {
		*state = NewStreamTranslator(model, false)
	}
	return (*state).(*StreamTranslator).Feed(chunk), nil
}

func (Transformer) FinishStream(state *any) [][]byte {
	if state == nil || *state == nil {
		return nil
	}
	return (*state).(*StreamTranslator).Finish()
}

// ConvertRequest maps a canonical request body onto the chat-completions
// schema. The body's model field is already the upstream model name.
func ConvertRequest(rawJSON []byte, stream bool) ([]byte, error) {
	root, err := shared.DecodeJSONMap(rawJSON)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	if v, ok := root["max_tokens"]; ok {
		out["max_tokens"] = v
	}
	if v, ok := root["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := root["top_p"]; ok {
		out["top_p"] = v
	}
	if v, ok := root["stop_sequences"]; ok {
		if stops := shared.StringListFromAny(v); len(stops) == 1 {
			out["stop"] = stops[0]
		} else if len(stops) > 1 {
			out["stop"] = stops
		}
	}
	out["stream"] = stream
	if stream {
		// Ask for a final usage chunk so token counts survive translation.
		out["stream_options"] = map[string]any{"include_usage": true}
	}
	out["model"] = shared.StringFromAny(root["model"])

	messages := make([]any, 0)
	if system := shared.BuildSystemText(root["system"]); strings.TrimSpace(system) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}

	if claudeMessages, ok := root["messages"].([]any); ok {
		for _, m := range claudeMessages {
			msg, _ := m.(map[string]any)
			role := strings.TrimSpace(shared.StringFromAny(msg["role"]))
			if role == "" {
				continue
			}

			content := msg["content"]
			if s, ok := content.(string); ok {
				if strings.TrimSpace(s) == "" {
					continue
				}
				messages = append(messages, map[string]any{"role": role, "content": s})
				continue
			}

			parts, ok := content.([]any)
			if !ok {
				continue
			}

			var contentItems []any
			var toolCalls []any

			flushContent := func() {
				if len(contentItems) == 0 {
					return
				}
				messages = append(messages, map[string]any{"role": role, "content": contentItems})
				contentItems = nil
			}
			flushToolCalls := func() {
				if role != "assistant" || len(toolCalls) == 0 {
					return
				}
				messages = append(messages, map[string]any{"role": "assistant", "tool_calls": toolCalls})
				toolCalls = nil
			}

			for _, p := range parts {
				part, _ := p.(map[string]any)
				switch strings.TrimSpace(shared.StringFromAny(part["type"])) {
				case "text":
					if item, ok := textPart(part); ok {
						contentItems = append(contentItems, item)
					}
				case "image":
					if item, ok := imagePart(part); ok {
						contentItems = append(contentItems, item)
					}
				case "tool_use":
					flushContent()
					if call := toolUseToToolCall(part); call != nil {
						toolCalls = append(toolCalls, call)
					}
				case "tool_result":
					flushContent()
					flushToolCalls()
					if toolMsg := toolResultToToolMessage(part); toolMsg != nil {
						messages = append(messages, toolMsg)
					}
				}
			}
			flushContent()
			flushToolCalls()
		}
	}
	out["messages"] = messages

	if tools := claudeToolsToOpenAITools(root["tools"]); len(tools) > 0 {
		out["tools"] = tools
		if toolChoice, ok := root["tool_choice"]; ok {
			out["tool_choice"] = toolChoice
		} else {
			out["tool_choice"] = "auto"
		}
	}

	return json.Marshal(out)
}

// ConvertResponse maps a complete chat-completions response onto the
// canonical response schema. With reasoning set, message.reasoning_content
// becomes a thinking block ahead of the text content.
func ConvertResponse(rawJSON []byte, model string, reasoning bool) ([]byte, error) {
	root, err := shared.DecodeJSONMap(rawJSON)
	if err != nil {
		return nil, err
	}

	id := shared.StringFromAny(root["id"])
	if id == "" {
		id = "msg_" + shared.RandomSuffix()
	}
	if model == "" {
		model = shared.StringFromAny(root["model"])
	}

	var finishReason, contentText, reasoningText string
	var toolUses []any
	var usage map[string]any
	if u, ok := root["usage"].(map[string]any); ok {
		usage = u
	}

	choices, _ := root["choices"].([]any)
	if len(choices) > 0 {
		c0, _ := choices[0].(map[string]any)
		finishReason = shared.StringFromAny(c0["finish_reason"])
		if msg, ok := c0["message"].(map[string]any); ok {
			contentText = shared.StringFromAny(msg["content"])
			if reasoning {
				reasoningText = shared.StringFromAny(msg["reasoning_content"])
			}
			if tcArr, ok := msg["tool_calls"].([]any); ok {
				for _, tcRaw := range tcArr {
					tc, _ := tcRaw.(map[string]any)
					if tc == nil {
						continue
					}
					toolUses = append(toolUses, toolCallToToolUse(tc))
				}
			}
		}
	}

	var contentBlocks []any
	if strings.TrimSpace(reasoningText) != "" {
		contentBlocks = append(contentBlocks, map[string]any{"type": "thinking", "thinking": reasoningText})
	}
	if strings.TrimSpace(contentText) != "" {
		contentBlocks = append(contentBlocks, map[string]any{"type": "text", "text": contentText})
	}
	for _, u := range toolUses {
		if u != nil {
			contentBlocks = append(contentBlocks, u)
		}
	}

	out := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   stopReasonFromFinish(finishReason),
		"stop_sequence": nil,
		"content":       contentBlocks,
		"usage": map[string]any{
			"input_tokens":  shared.IntFromAny(usage["prompt_tokens"]),
			"output_tokens": shared.IntFromAny(usage["completion_tokens"]),
		},
	}
	return json.Marshal(out)
}

func stopReasonFromFinish(finish string) any {
	switch strings.TrimSpace(finish) {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop":
		return "end_turn"
	case "":
		return nil
	default:
		return "end_turn"
	}
}

func toolCallToToolUse(tc map[string]any) any {
	callID := shared.StringFromAny(tc["id"])
	function, _ := tc["function"].(map[string]any)
	if function == nil {
		return nil
	}
	name := shared.StringFromAny(function["name"])
	argsStr := shared.StringFromAny(function["arguments"])

	input := map[string]any{}
	if strings.TrimSpace(argsStr) != "" {
		_ = json.Unmarshal([]byte(argsStr), &input)
	}
	return map[string]any{"type": "tool_use", "id": callID, "name": name, "input": input}
}

func claudeToolsToOpenAITools(v any) []any {
	toolsArr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]any, 0, len(toolsArr))
	for _, t := range toolsArr {
		tool, _ := t.(map[string]any)
		if tool == nil {
			continue
		}
		name := shared.StringFromAny(tool["name"])
		if strings.TrimSpace(name) == "" {
			continue
		}
		fn := map[string]any{"name": name}
		if d := shared.StringFromAny(tool["description"]); strings.TrimSpace(d) != "" {
			fn["description"] = d
		}
		if schema, ok := tool["input_schema"].(map[string]any); ok && len(schema) > 0 {
			fn["parameters"] = schema
		} else {
			fn["parameters"] = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

func toolUseToToolCall(part map[string]any) any {
	callID := shared.StringFromAny(part["id"])
	name := shared.StringFromAny(part["name"])
	if strings.TrimSpace(name) == "" {
		return nil
	}
	argsJSON, _ := json.Marshal(part["input"])
	if len(argsJSON) == 0 {
		argsJSON = []byte("{}")
	}
	return map[string]any{
		"id":   callID,
		"type": "function",
		"function": map[string]any{
			"name":      name,
			"arguments": string(argsJSON),
		},
	}
}

func toolResultToToolMessage(part map[string]any) any {
	callID := shared.StringFromAny(part["tool_use_id"])
	if strings.TrimSpace(callID) == "" {
		return nil
	}
	return map[string]any{
		"role":         "tool",
		"tool_call_id": callID,
		"content":      shared.StringFromAny(part["content"]),
	}
}

func textPart(part map[string]any) (any, bool) {
	text := shared.StringFromAny(part["text"])
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	return map[string]any{"type": "text", "text": text}, true
}

func imagePart(part map[string]any) (any, bool) {
	imageURL := ""
	if source, ok := part["source"].(map[string]any); ok {
		switch strings.TrimSpace(shared.StringFromAny(source["type"])) {
		case "base64":
			mediaType := shared.StringFromAny(source["media_type"])
			if strings.TrimSpace(mediaType) == "" {
				mediaType = "application/octet-stream"
			}
			if data := shared.StringFromAny(source["data"]); strings.TrimSpace(data) != "" {
				imageURL = "data:" + mediaType + ";base64," + data
			}
		case "url":
			imageURL = shared.StringFromAny(source["url"])
		}
	}
	if strings.TrimSpace(imageURL) == "" {
		return nil, false
	}
	return map[string]any{"type": "image_url", "image_url": map[string]any{"url": imageURL}}, true
}
