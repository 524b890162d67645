// Package usage extracts token counts from canonical response bodies and
// canonical SSE event frames.
package usage

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// Tokens holds the token counts reported for one request.
type Tokens struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CacheCreate  int64 `json:"cacheCreate"`
	CacheRead    int64 `json:"cacheRead"`
}

func (t Tokens) Total() int64 {
	return t.InputTokens + t.OutputTokens + t.CacheCreate + t.CacheRead
}

// Add accumulates counts from another sample, keeping the larger value per
// field. Streams may report input tokens in message_start and output tokens
// only in the final message_delta.
func (t *Tokens) Add(other Tokens) {
	if other.InputTokens > t.InputTokens {
		t.InputTokens = other.InputTokens
	}
	if other.OutputTokens > t.OutputTokens {
		t.OutputTokens = other.OutputTokens
	}
	if other.CacheCreate > t.CacheCreate {
		t.CacheCreate = other.CacheCreate
	}
	if other.CacheRead > t.CacheRead {
		t.CacheRead = other.CacheRead
	}
}

// FromResponse extracts usage from a complete canonical response body.
func FromResponse(body []byte) Tokens {
	return fromUsage(gjson.GetBytes(body, "usage"))
}

// FromEvent extracts usage from one canonical SSE event frame as produced by
// the transformers. message_start carries usage under message.usage,
// message_delta under a top-level usage field.
func FromEvent(frame []byte) (Tokens, bool) {
	payload, ok := eventData(frame)
	if !ok {
		return Tokens{}, false
	}
	switch gjson.GetBytes(payload, "type").String() {
	case "message_start":
		return fromUsage(gjson.GetBytes(payload, "message.usage")), true
	case "message_delta":
		return fromUsage(gjson.GetBytes(payload, "usage")), true
	}
	return Tokens{}, false
}

func fromUsage(u gjson.Result) Tokens {
	if !u.Exists() {
		return Tokens{}
	}
	return Tokens{
		InputTokens:  u.Get("input_tokens").Int(),
		OutputTokens: u.Get("output_tokens").Int(),
		CacheCreate:  u.Get("cache_creation_input_tokens").Int(),
		CacheRead:    u.Get("cache_read_input_tokens").Int(),
	}
}

func eventData(frame []byte) ([]byte, bool) {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("data:")) {
			return bytes.TrimSpace(line[5:]), true
		}
	}
	return nil, false
}
