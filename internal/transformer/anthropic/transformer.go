// Package anthropic is the passthrough strategy for upstreams that already
// speak the canonical Claude Messages schema.
package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"ccmate/internal/logger"
	"ccmate/internal/transformer/shared"
)

type Transformer struct{}

func (Transformer) ID() string { return "anthropic" }

func (Transformer) TargetPath(_ bool, _ string) string { return "/v1/messages" }

func (Transformer) OutputContentType(stream bool) string {
	if stream {
		return "text/event-stream"
	}
	return "application/json"
}

func (Transformer) ApplyAuth(req *http.Request, apiKey string, _ bool) {
	req.Header.Set("x-api-key", apiKey)
	if req.Header.Get("anthropic-version") == "" {
		req.Header.Set("anthropic-version", "2023-06-01")
	}
}

// TransformRequest validates the body and passes it through unchanged; the
// upstream schema is the canonical schema.
func (Transformer) TransformRequest(rawJSON []byte, _ bool) ([]byte, error) {
	if !json.Valid(rawJSON) {
		return nil, fmt.Errorf("invalid request JSON")
	}
	return rawJSON, nil
}

func (Transformer) TransformResponse(rawJSON []byte, _ string) ([]byte, error) {
	if !json.Valid(rawJSON) {
		return nil, fmt.Errorf("invalid upstream response JSON")
	}
	return rawJSON, nil
}

// streamState re-frames upstream SSE events. Even in passthrough mode the
// stream is reassembled frame by frame so that a chunk boundary inside an
// event never reaches the client, and malformed frames are dropped whole.
type streamState struct {
	lines     shared.LineBuffer
	eventName string
	data      bytes.Buffer
	hasData   bool
}

func (Transformer) TransformStreamChunk(chunk []byte, _ string, state *any) ([][]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("nil transformer state")
	}
	if *state == nil {
		*state = &streamState{}
	}
	s := (*state).(*streamState)

	var out [][]byte
	for _, line := range s.lines.Feed(chunk) {
		if len(line) == 0 {
			if ev := s.flushFrame(); ev != nil {
				out = append(out, ev)
			}
			continue
		}
		if name, ok := shared.SSEEventName(line); ok {
			s.eventName = name
			continue
		}
		if payload, ok := shared.SSEDataPayload(line); ok {
			// Multi-line data fields are concatenated per the SSE spec.
			s.data.Write(payload)
			s.hasData = true
		}
		// Comment lines and unknown fields are ignored.
	}
	return out, nil
}

func (s *streamState) flushFrame() []byte {
	if !s.hasData {
		s.eventName = ""
		return nil
	}
	payload := make([]byte, s.data.Len())
	copy(payload, s.data.Bytes())
	name := s.eventName
	s.eventName = ""
	s.data.Reset()
	s.hasData = false

	if !json.Valid(payload) {
		logger.Warn("[anthropic] dropping malformed stream frame (%d bytes)", len(payload))
		return nil
	}
	return shared.RawEvent(name, payload)
}

func (Transformer) FinishStream(state *any) [][]byte {
	if state == nil || *state == nil {
		return nil
	}
	s := (*state).(*streamState)
	// Flush a final frame the upstream terminated with EOF instead of a
	// blank line.
	if ev := s.flushFrame(); ev != nil {
		return [][]byte{ev}
	}
	return nil
}
