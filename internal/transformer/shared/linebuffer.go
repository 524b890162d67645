package shared

import "bytes"

// LineBuffer reassembles newline-delimited frames from arbitrarily split
// byte chunks. Upstream SSE events can arrive cut anywhere, including inside
// a JSON payload; only complete lines are handed to the provider parser, so
// translation is independent of chunk boundaries.
type LineBuffer struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every complete line it closes, with the
// trailing newline (and any carriage return) stripped. Blank lines are
// returned as empty slices so callers can detect SSE frame boundaries.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	b.buf.Write(chunk)

	var lines [][]byte
	for {
		data := b.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, data[:i])
		line = bytes.TrimRight(line, "\r")
		lines = append(lines, line)
		b.buf.Next(i + 1)
	}
}

// Pending returns any buffered bytes of an unterminated final line.
func (b *LineBuffer) Pending() []byte {
	return b.buf.Bytes()
}
