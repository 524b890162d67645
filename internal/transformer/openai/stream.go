package openai

import (
	"bytes"
	"strings"
	"time"

	"ccmate/internal/logger"
	"ccmate/internal/transformer/shared"
)

// StreamTranslator converts a chat-completions SSE stream into canonical
// Claude Messages events. One translator serves one upstream connection.
//
// Raw bytes are buffered into complete lines before parsing, so the
// translation is independent of where the upstream cut its chunks. A data
// line that is not valid JSON is logged and skipped; it never produces a
// canonical event.
type StreamTranslator struct {
	lines shared.LineBuffer

	reasoning bool

	started   bool
	messageID string
	model     string
	createdAt int64

	nextBlockIndex int

	thinkingStarted bool
	thinkingIndex   int
	thinkingOpen    bool

	textStarted bool
	textIndex   int

	toolBlocks map[int]*toolBlock

	finishReason string
	lastUsage    map[string]any
	finished     bool
}

type toolBlock struct {
	started    bool
	blockIndex int
	id         string
	name       string
	args       strings.Builder
}

// NewStreamTranslator creates a translator. model overrides the model name
// reported in message_start; reasoning enables reasoning_content mapping.
func NewStreamTranslator(model string, reasoning bool) *StreamTranslator {
	return &StreamTranslator{
		model:      model,
		reasoning:  reasoning,
		toolBlocks: make(map[int]*toolBlock),
	}
}

// Feed consumes a raw upstream chunk and returns complete canonical events.
func (t *StreamTranslator) Feed(chunk []byte) [][]byte {
	var out [][]byte
	for _, line := range t.lines.Feed(chunk) {
		out = append(out, t.handleLine(line)...)
	}
	return out
}

// Finish closes out the stream after upstream EOF, in case no [DONE] marker
// arrived.
func (t *StreamTranslator) Finish() [][]byte {
	return t.finish()
}

func (t *StreamTranslator) handleLine(line []byte) [][]byte {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	payload, ok := shared.SSEDataPayload(line)
	if !ok {
		return nil
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		return t.finish()
	}

	root, err := shared.DecodeJSONMap(payload)
	if err != nil {
		logger.Warn("[openai] dropping malformed stream chunk (%d bytes): %v", len(payload), err)
		return nil
	}

	var out [][]byte

	if !t.started {
		t.started = true
		t.messageID = shared.StringFromAny(root["id"])
		if t.messageID == "" {
			t.messageID = "msg_" + shared.RandomSuffix()
		}
		if t.model == "" {
			t.model = shared.StringFromAny(root["model"])
		}
		t.createdAt = time.Now().Unix()
		out = append(out, t.eventMessageStart())
	}

	if usage, ok := root["usage"].(map[string]any); ok && usage != nil {
		t.lastUsage = usage
	}

	choices, _ := root["choices"].([]any)
	if len(choices) == 0 {
		return out
	}
	c0, _ := choices[0].(map[string]any)

	if finish := shared.StringFromAny(c0["finish_reason"]); strings.TrimSpace(finish) != "" {
		t.finishReason = finish
	}

	delta, _ := c0["delta"].(map[string]any)
	if delta == nil {
		return out
	}

	if t.reasoning {
		if rc := shared.StringFromAny(delta["reasoning_content"]); rc != "" {
			out = append(out, t.ensureThinkingStarted()...)
			out = append(out, t.eventThinkingDelta(rc))
		}
	}

	if content := shared.StringFromAny(delta["content"]); content != "" {
		out = append(out, t.ensureTextStarted()...)
		out = append(out, t.eventTextDelta(content))
	}

	if tcArr, ok := delta["tool_calls"].([]any); ok {
		for _, tcRaw := range tcArr {
			tc, _ := tcRaw.(map[string]any)
			if tc == nil {
				continue
			}
			out = append(out, t.handleToolCallDelta(tc)...)
		}
	}

	return out
}

func (t *StreamTranslator) handleToolCallDelta(tc map[string]any) [][]byte {
	index := shared.IntFromAny(tc["index"])
	tb := t.toolBlocks[index]
	if tb == nil {
		tb = &toolBlock{}
		t.toolBlocks[index] = tb
	}

	if id := shared.StringFromAny(tc["id"]); id != "" {
		tb.id = id
	}
	function, _ := tc["function"].(map[string]any)
	argsDelta := ""
	if function != nil {
		if name := shared.StringFromAny(function["name"]); name != "" {
			tb.name = name
		}
		argsDelta = shared.StringFromAny(function["arguments"])
		if argsDelta != "" {
			tb.args.WriteString(argsDelta)
		}
	}

	var out [][]byte
	if !tb.started && tb.id != "" && tb.name != "" {
		out = append(out, t.closeThinking()...)
		tb.started = true
		tb.blockIndex = t.nextBlockIndex
		t.nextBlockIndex++
		out = append(out, shared.Event("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": tb.blockIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    tb.id,
				"name":  tb.name,
				"input": map[string]any{},
			},
		}))
	}
	if tb.started && argsDelta != "" {
		out = append(out, shared.Event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": tb.blockIndex,
			"delta": map[string]any{
				"type":         "input_json_delta",
				"partial_json": argsDelta,
			},
		}))
	}
	return out
}

func (t *StreamTranslator) eventMessageStart() []byte {
	return shared.Event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            t.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         t.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  0,
				"output_tokens": 0,
			},
			"content": []any{},
		},
	})
}

func (t *StreamTranslator) ensureThinkingStarted() [][]byte {
	if t.thinkingStarted {
		return nil
	}
	t.thinkingStarted = true
	t.thinkingOpen = true
	t.thinkingIndex = t.nextBlockIndex
	t.nextBlockIndex++
	return [][]byte{shared.Event("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": t.thinkingIndex,
		"content_block": map[string]any{
			"type":     "thinking",
			"thinking": "",
		},
	})}
}

func (t *StreamTranslator) closeThinking() [][]byte {
	if !t.thinkingOpen {
		return nil
	}
	t.thinkingOpen = false
	return [][]byte{shared.Event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.thinkingIndex,
	})}
}

func (t *StreamTranslator) eventThinkingDelta(text string) []byte {
	return shared.Event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.thinkingIndex,
		"delta": map[string]any{
			"type":     "thinking_delta",
			"thinking": text,
		},
	})
}

func (t *StreamTranslator) ensureTextStarted() [][]byte {
	if t.textStarted {
		return nil
	}
	out := t.closeThinking()
	t.textStarted = true
	t.textIndex = t.nextBlockIndex
	t.nextBlockIndex++
	out = append(out, shared.Event("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": t.textIndex,
		"content_block": map[string]any{
			"type": "text",
			"text": "",
		},
	}))
	return out
}

func (t *StreamTranslator) eventTextDelta(text string) []byte {
	return shared.Event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.textIndex,
		"delta": map[string]any{
			"type": "text_delta",
			"text": text,
		},
	})
}

func (t *StreamTranslator) finish() [][]byte {
	if t.finished || !t.started {
		t.finished = true
		return nil
	}
	t.finished = true

	var out [][]byte
	out = append(out, t.closeThinking()...)
	if t.textStarted {
		out = append(out, shared.Event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": t.textIndex,
		}))
	}
	for _, tb := range t.toolBlocks {
		if tb == nil || !tb.started {
			continue
		}
		out = append(out, shared.Event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": tb.blockIndex,
		}))
	}

	usage := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if t.lastUsage != nil {
		usage = map[string]any{
			"input_tokens":  shared.IntFromAny(t.lastUsage["prompt_tokens"]),
			"output_tokens": shared.IntFromAny(t.lastUsage["completion_tokens"]),
		}
	}
	out = append(out, shared.Event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReasonFromFinish(t.finishReason),
			"stop_sequence": nil,
		},
		"usage": usage,
	}))
	out = append(out, shared.Event("message_stop", map[string]any{"type": "message_stop"}))
	return out
}
