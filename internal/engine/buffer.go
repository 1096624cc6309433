package engine

import "strings"

const tailBufSize = 256 * 1024 // 256KB of trailing output per invocation

// TailBuffer is an io.Writer that retains only the most recent bytes
// written, up to its capacity. Build output for large images can run to
// many megabytes; only the tail is useful for triage and repair prompts.
type TailBuffer struct {
	buf []byte
	max int
}

// NewTailBuffer creates a TailBuffer with the given capacity.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

// Write implements io.Writer. Older bytes are discarded once capacity is
// exceeded.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		// Trim from the front, keeping the newest max bytes. Amortized by
		// letting the slice grow to 2x before compacting.
		if len(b.buf) > 2*b.max {
			b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
		}
	}
	return len(p), nil
}

// String returns the retained tail in chronological order.
func (b *TailBuffer) String() string {
	if len(b.buf) <= b.max {
		return string(b.buf)
	}
	return string(b.buf[len(b.buf)-b.max:])
}

// LastLines returns the trailing n lines of text. The extraction is
// deterministic: a trailing newline does not count as an empty final line.
func LastLines(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	trimmed := strings.TrimSuffix(text, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return trimmed
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
