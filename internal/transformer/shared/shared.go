// Package shared holds helpers common to all transformer strategies.
package shared

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DecodeJSONMap decodes raw JSON into a generic map, preserving number
// precision.
func DecodeJSONMap(raw []byte) (map[string]any, error) {
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// StringFromAny returns v as a string, or "".
func StringFromAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// IntFromAny returns v as an int, or 0.
func IntFromAny(v any) int {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case float64:
		return int(n)
	case float32:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case int32:
		return int(n)
	}
	return 0
}

// SSEDataPayload strips the "data:" prefix from an SSE line.
func SSEDataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(line[5:]), true
}

// SSEEventName strips the "event:" prefix from an SSE line.
func SSEEventName(line []byte) (string, bool) {
	if !bytes.HasPrefix(line, []byte("event:")) {
		return "", false
	}
	return string(bytes.TrimSpace(line[6:])), true
}

// Event serializes one canonical SSE event frame.
func Event(event string, data any) []byte {
	b, _ := json.Marshal(data)
	return []byte("event: " + event + "\ndata: " + string(b) + "\n\n")
}

// RawEvent frames an already-serialized data payload.
func RawEvent(event string, data []byte) []byte {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// BuildSystemText flattens a Claude "system" field (string or text-block
// array) into a single string.
func BuildSystemText(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		var b strings.Builder
		for _, item := range s {
			m, _ := item.(map[string]any)
			if m == nil {
				continue
			}
			if strings.TrimSpace(StringFromAny(m["type"])) != "text" {
				continue
			}
			t := StringFromAny(m["text"])
			if strings.TrimSpace(t) == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(t)
		}
		return b.String()
	default:
		return ""
	}
}

// RandomSuffix returns a time-based suffix for generated ids.
func RandomSuffix() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// StringListFromAny returns v as a list of non-empty strings.
func StringListFromAny(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
