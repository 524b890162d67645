package usage

import "testing"

func TestFromResponse(t *testing.T) {
	t.Parallel()

	body := []byte(`{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":34,"cache_read_input_tokens":5}}`)
	got := FromResponse(body)
	if got.InputTokens != 12 || got.OutputTokens != 34 || got.CacheRead != 5 {
		t.Fatalf("got=%+v", got)
	}
	if got.Total() != 51 {
		t.Fatalf("Total=%d", got.Total())
	}

	if got := FromResponse([]byte(`{}`)); got != (Tokens{}) {
		t.Fatalf("empty body got=%+v", got)
	}
}

func TestFromEvent(t *testing.T) {
	t.Parallel()

	start := []byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":7,\"output_tokens\":0}}}\n\n")
	got, ok := FromEvent(start)
	if !ok || got.InputTokens != 7 {
		t.Fatalf("message_start ok=%v got=%+v", ok, got)
	}

	delta := []byte("event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"input_tokens\":7,\"output_tokens\":42}}\n\n")
	got, ok = FromEvent(delta)
	if !ok || got.OutputTokens != 42 {
		t.Fatalf("message_delta ok=%v got=%+v", ok, got)
	}

	if _, ok := FromEvent([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n")); ok {
		t.Fatalf("content events carry no usage")
	}
}

func TestAdd_KeepsLargest(t *testing.T) {
	t.Parallel()

	var acc Tokens
	acc.Add(Tokens{InputTokens: 7})
	acc.Add(Tokens{InputTokens: 7, OutputTokens: 42})
	acc.Add(Tokens{OutputTokens: 10})
	if acc.InputTokens != 7 || acc.OutputTokens != 42 {
		t.Fatalf("acc=%+v", acc)
	}
}
