package deepseek

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestTransformResponse_ReasoningBecomesThinking(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"id":"x","model":"deepseek-reasoner",
		"choices":[{"index":0,"message":{"role":"assistant","content":"answer","reasoning_content":"chain"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":3,"completion_tokens":4}
	}`)

	out, err := (Transformer{}).TransformResponse(raw, "alias")
	if err != nil {
		t.Fatalf("TransformResponse err=%v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	content, _ := resp["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content=%v", content)
	}
	first, _ := content[0].(map[string]any)
	if first["type"] != "thinking" || first["thinking"] != "chain" {
		t.Fatalf("first block=%v", first)
	}
	if resp["model"] != "alias" {
		t.Fatalf("model=%v", resp["model"])
	}
}

func TestTransformStreamChunk_ReasoningDeltas(t *testing.T) {
	t.Parallel()

	stream := `data: {"id":"c","model":"deepseek-reasoner","choices":[{"index":0,"delta":{"reasoning_content":"why"},"finish_reason":null}]}` + "\n\n" +
		`data: {"id":"c","model":"deepseek-reasoner","choices":[{"index":0,"delta":{"content":"so"},"finish_reason":"stop"}]}` + "\n\n" +
		"data: [DONE]\n"

	tr := Transformer{}
	var state any
	frames, err := tr.TransformStreamChunk([]byte(stream), "", &state)
	if err != nil {
		t.Fatalf("TransformStreamChunk err=%v", err)
	}

	var all strings.Builder
	for _, f := range frames {
		all.Write(f)
	}
	got := all.String()
	if !strings.Contains(got, `"thinking":"why"`) {
		t.Fatalf("missing thinking delta:\n%s", got)
	}
	if !strings.Contains(got, `"text":"so"`) {
		t.Fatalf("missing text delta:\n%s", got)
	}
	if !strings.Contains(got, "event: message_stop") {
		t.Fatalf("missing message_stop:\n%s", got)
	}
}

func TestTargetPath(t *testing.T) {
	t.Parallel()

	if got := (Transformer{}).TargetPath(true, "deepseek-chat"); got != "/chat/completions" {
		t.Fatalf("TargetPath=%q", got)
	}
}
