package shared

import (
	"testing"
)

func TestLineBuffer_SplitAcrossChunks(t *testing.T) {
	t.Parallel()

	var lb LineBuffer

	lines := lb.Feed([]byte("data: {\"a\":"))
	if len(lines) != 0 {
		t.Fatalf("incomplete line emitted: %q", lines)
	}
	lines = lb.Feed([]byte("1}\ndata: x"))
	if len(lines) != 1 || string(lines[0]) != `data: {"a":1}` {
		t.Fatalf("lines=%q", lines)
	}
	if string(lb.Pending()) != "data: x" {
		t.Fatalf("pending=%q", lb.Pending())
	}
	lines = lb.Feed([]byte("\n"))
	if len(lines) != 1 || string(lines[0]) != "data: x" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestLineBuffer_CRLFAndBlankLines(t *testing.T) {
	t.Parallel()

	var lb LineBuffer
	lines := lb.Feed([]byte("one\r\n\r\ntwo\n"))
	if len(lines) != 3 {
		t.Fatalf("len=%d lines=%q", len(lines), lines)
	}
	if string(lines[0]) != "one" || len(lines[1]) != 0 || string(lines[2]) != "two" {
		t.Fatalf("lines=%q", lines)
	}
}

func TestLineBuffer_ByteAtATime(t *testing.T) {
	t.Parallel()

	input := "alpha\nbeta\n"
	var lb LineBuffer
	var got []string
	for i := 0; i < len(input); i++ {
		for _, line := range lb.Feed([]byte{input[i]}) {
			got = append(got, string(line))
		}
	}
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("got=%q", got)
	}
}
