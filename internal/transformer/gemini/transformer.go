// Package gemini translates between the canonical Claude Messages schema and
// the Gemini generateContent schema. Streaming uses streamGenerateContent
// with alt=sse so the upstream frames events as SSE data lines.
package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"ccmate/internal/logger"
	"ccmate/internal/transformer/shared"
)

type Transformer struct{}

func (Transformer) ID() string { return "gemini" }

func (Transformer) TargetPath(stream bool, upstreamModel string) string {
	model := strings.TrimSpace(upstreamModel)
	if model == "" {
		model = "gemini-1.5-pro"
	}
	if stream {
		return "/v1beta/models/" + model + ":streamGenerateContent"
	}
	return "/v1beta/models/" + model + ":generateContent"
}

func (Transformer) OutputContentType(stream bool) string {
	if stream {
		return "text/event-stream"
	}
	return "application/json"
}

func (Transformer) ApplyAuth(req *http.Request, apiKey string, stream bool) {
	q := req.URL.Query()
	q.Set("key", apiKey)
	if stream {
		q.Set("alt", "sse")
	}
	req.URL.RawQuery = q.Encode()
}

func (Transformer) TransformRequest(rawJSON []byte, _ bool) ([]byte, error) {
	root, err := shared.DecodeJSONMap(rawJSON)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"contents": []any{}}

	if system := shared.BuildSystemText(root["system"]); strings.TrimSpace(system) != "" {
		out["system_instruction"] = map[string]any{
			"role":  "user",
			"parts": []any{map[string]any{"text": system}},
		}
	}

	contents := make([]any, 0)
	if messages, ok := root["messages"].([]any); ok {
		for _, m := range messages {
			msg, _ := m.(map[string]any)
			role := strings.TrimSpace(shared.StringFromAny(msg["role"]))
			if role == "" {
				continue
			}
			if role == "assistant" {
				role = "model"
			}

			parts := make([]any, 0)
			appendPart := func(p any) { parts = append(parts, p) }

			switch content := msg["content"].(type) {
			case string:
				if strings.TrimSpace(content) != "" {
					appendPart(map[string]any{"text": content})
				}
			case []any:
				for _, p := range content {
					part, _ := p.(map[string]any)
					if part == nil {
						continue
					}
					switch strings.TrimSpace(shared.StringFromAny(part["type"])) {
					case "text":
						if text := shared.StringFromAny(part["text"]); strings.TrimSpace(text) != "" {
							appendPart(map[string]any{"text": text})
						}
					case "tool_use":
						name := shared.StringFromAny(part["name"])
						if strings.TrimSpace(name) == "" {
							continue
						}
						args, ok := part["input"].(map[string]any)
						if !ok {
							args = map[string]any{}
						}
						appendPart(map[string]any{
							"functionCall": map[string]any{"name": name, "args": args},
						})
					case "tool_result":
						callID := shared.StringFromAny(part["tool_use_id"])
						if strings.TrimSpace(callID) == "" {
							continue
						}
						appendPart(map[string]any{
							"functionResponse": map[string]any{
								"name": callID,
								"response": map[string]any{
									"result": part["content"],
								},
							},
						})
					}
				}
			}

			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": role, "parts": parts})
			}
		}
	}
	out["contents"] = contents

	if v, ok := root["max_tokens"]; ok {
		setNested(out, []string{"generationConfig", "maxOutputTokens"}, v)
	}
	if v, ok := root["temperature"]; ok {
		setNested(out, []string{"generationConfig", "temperature"}, v)
	}
	if v, ok := root["top_p"]; ok {
		setNested(out, []string{"generationConfig", "topP"}, v)
	}
	if v, ok := root["top_k"]; ok {
		setNested(out, []string{"generationConfig", "topK"}, v)
	}

	if tools := claudeToolsToGeminiTools(root["tools"]); len(tools) > 0 {
		out["tools"] = tools
	}

	return json.Marshal(out)
}

func (Transformer) TransformResponse(rawJSON []byte, model string) ([]byte, error) {
	root, err := shared.DecodeJSONMap(rawJSON)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(shared.StringFromAny(root["responseId"]))
	if id == "" {
		id = "msg_" + shared.RandomSuffix()
	}
	if model == "" {
		model = strings.TrimSpace(shared.StringFromAny(root["modelVersion"]))
	}
	if model == "" {
		model = "gemini"
	}

	var contentBlocks []any
	usedTool := false

	if c0 := firstCandidate(root); c0 != nil {
		for _, part := range candidateParts(c0) {
			if txt := shared.StringFromAny(part["text"]); strings.TrimSpace(txt) != "" {
				contentBlocks = append(contentBlocks, map[string]any{"type": "text", "text": txt})
			}
			if fc, ok := part["functionCall"].(map[string]any); ok && fc != nil {
				usedTool = true
				args, ok := fc["args"].(map[string]any)
				if !ok {
					args = map[string]any{}
				}
				contentBlocks = append(contentBlocks, map[string]any{
					"type":  "tool_use",
					"id":    "toolu_" + shared.RandomSuffix(),
					"name":  shared.StringFromAny(fc["name"]),
					"input": args,
				})
			}
		}
	}

	stopReason := "end_turn"
	if usedTool {
		stopReason = "tool_use"
	}

	out := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"content":       contentBlocks,
		"usage":         usageFromMetadata(root),
	}
	return json.Marshal(out)
}

// streamState translates a Gemini SSE stream. Block types: 0 none, 1 text,
// 2 tool.
type streamState struct {
	lines shared.LineBuffer

	started   bool
	messageID string
	model     string

	blockIndex int
	blockType  int

	usedTool bool
	finished bool
}

func (Transformer) TransformStreamChunk(chunk []byte, model string, state *any) ([][]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("nil transformer state")
	}
	if *state == nil {
		*state = &streamState{model: model}
	}
	s := (*state).(*streamState)

	var out [][]byte
	for _, line := range s.lines.Feed(chunk) {
		out = append(out, s.handleLine(line)...)
	}
	return out, nil
}

func (Transformer) FinishStream(state *any) [][]byte {
	if state == nil || *state == nil {
		return nil
	}
	s := (*state).(*streamState)
	if !s.started {
		return nil
	}
	return s.finish(map[string]any{"input_tokens": 0, "output_tokens": 0})
}

func (s *streamState) handleLine(line []byte) [][]byte {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	payload, ok := shared.SSEDataPayload(line)
	if !ok {
		return nil
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		return nil
	}

	root, err := shared.DecodeJSONMap(payload)
	if err != nil {
		logger.Warn("[gemini] dropping malformed stream chunk (%d bytes): %v", len(payload), err)
		return nil
	}

	var out [][]byte

	if !s.started {
		s.started = true
		s.messageID = strings.TrimSpace(shared.StringFromAny(root["responseId"]))
		if s.messageID == "" {
			s.messageID = "msg_" + shared.RandomSuffix()
		}
		if s.model == "" {
			s.model = strings.TrimSpace(shared.StringFromAny(root["modelVersion"]))
		}
		if s.model == "" {
			s.model = "gemini"
		}
		out = append(out, shared.Event("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  0,
					"output_tokens": 0,
				},
				"content": []any{},
			},
		}))
	}

	c0 := firstCandidate(root)
	if c0 == nil {
		return out
	}

	for _, part := range candidateParts(c0) {
		if txt := shared.StringFromAny(part["text"]); strings.TrimSpace(txt) != "" {
			out = append(out, s.ensureTextBlock()...)
			out = append(out, shared.Event("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "text_delta", "text": txt},
			}))
			continue
		}
		if fc, ok := part["functionCall"].(map[string]any); ok && fc != nil {
			s.usedTool = true
			args, _ := json.Marshal(fc["args"])
			if len(args) == 0 {
				args = []byte("{}")
			}
			out = append(out, s.ensureToolBlock(shared.StringFromAny(fc["name"]))...)
			out = append(out, shared.Event("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": s.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": string(args)},
			}))
		}
	}

	if finishReason := shared.StringFromAny(c0["finishReason"]); strings.TrimSpace(finishReason) != "" {
		out = append(out, s.finish(usageFromMetadata(root))...)
	}
	return out
}

func (s *streamState) ensureTextBlock() [][]byte {
	if s.blockType == 1 {
		return nil
	}
	var out [][]byte
	if s.blockType != 0 {
		out = append(out, shared.Event("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": s.blockIndex,
		}))
		s.blockIndex++
	}
	s.blockType = 1
	out = append(out, shared.Event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": map[string]any{"type": "text", "text": ""},
	}))
	return out
}

func (s *streamState) ensureToolBlock(name string) [][]byte {
	var out [][]byte
	if s.blockType != 0 {
		out = append(out, shared.Event("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": s.blockIndex,
		}))
		s.blockIndex++
	}
	s.blockType = 2
	out = append(out, shared.Event("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": s.blockIndex,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    "toolu_" + shared.RandomSuffix(),
			"name":  name,
			"input": map[string]any{},
		},
	}))
	return out
}

func (s *streamState) finish(usage map[string]any) [][]byte {
	if s.finished {
		return nil
	}
	s.finished = true

	var out [][]byte
	if s.blockType != 0 {
		out = append(out, shared.Event("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": s.blockIndex,
		}))
	}
	stopReason := "end_turn"
	if s.usedTool {
		stopReason = "tool_use"
	}
	out = append(out, shared.Event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": usage,
	}))
	out = append(out, shared.Event("message_stop", map[string]any{"type": "message_stop"}))
	return out
}

func firstCandidate(root map[string]any) map[string]any {
	cands, _ := root["candidates"].([]any)
	if len(cands) == 0 {
		return nil
	}
	c0, _ := cands[0].(map[string]any)
	return c0
}

func candidateParts(c0 map[string]any) []map[string]any {
	content, _ := c0["content"].(map[string]any)
	if content == nil {
		return nil
	}
	raw, _ := content["parts"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, p := range raw {
		if part, _ := p.(map[string]any); part != nil {
			out = append(out, part)
		}
	}
	return out
}

func usageFromMetadata(root map[string]any) map[string]any {
	meta, _ := root["usageMetadata"].(map[string]any)
	if meta == nil {
		return map[string]any{"input_tokens": 0, "output_tokens": 0}
	}
	return map[string]any{
		"input_tokens":  shared.IntFromAny(meta["promptTokenCount"]),
		"output_tokens": shared.IntFromAny(meta["candidatesTokenCount"]),
	}
}

func claudeToolsToGeminiTools(v any) []any {
	toolsArr, ok := v.([]any)
	if !ok {
		return nil
	}
	decls := make([]any, 0, len(toolsArr))
	for _, t := range toolsArr {
		tool, _ := t.(map[string]any)
		if tool == nil {
			continue
		}
		name := shared.StringFromAny(tool["name"])
		if strings.TrimSpace(name) == "" {
			continue
		}
		d := map[string]any{"name": name}
		if desc := shared.StringFromAny(tool["description"]); strings.TrimSpace(desc) != "" {
			d["description"] = desc
		}
		if schema, ok := tool["input_schema"].(map[string]any); ok && len(schema) > 0 {
			d["parametersJsonSchema"] = schema
		}
		decls = append(decls, d)
	}
	if len(decls) == 0 {
		return nil
	}
	return []any{map[string]any{"functionDeclarations": decls}}
}

func setNested(root map[string]any, path []string, value any) {
	curr := root
	for i := 0; i < len(path)-1; i++ {
		next, ok := curr[path[i]].(map[string]any)
		if !ok || next == nil {
			next = map[string]any{}
			curr[path[i]] = next
		}
		curr = next
	}
	curr[path[len(path)-1]] = value
}
