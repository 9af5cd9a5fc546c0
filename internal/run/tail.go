package run

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultTailLines is how much output is kept for the failure summary.
const DefaultTailLines = 200

// tailBuffer keeps the last complete lines written to it. Partial lines are
// held until a newline arrives or flush is called.
//
// With capacity 3:
//
//	"A\nB\n"    -> [A, B]
//	"C\nD\n"    -> [B, C, D]  (A overwritten)
type tailBuffer struct {
	mu      sync.Mutex
	lines   []string
	head    int
	size    int
	pending strings.Builder
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = DefaultTailLines
	}
	return &tailBuffer{lines: make([]string, capacity)}
}

// Write implements io.Writer. It never fails.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chunk := sanitizeUTF8(string(p))
	if t.pending.Len() > 0 {
		chunk = t.pending.String() + chunk
		t.pending.Reset()
	}
	for {
		idx := strings.IndexByte(chunk, '\n')
		if idx == -1 {
			t.pending.WriteString(chunk)
			return len(p), nil
		}
		t.push(chunk[:idx])
		chunk = chunk[idx+1:]
	}
}

// flush stores a trailing partial line.
func (t *tailBuffer) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending.Len() > 0 {
		t.push(t.pending.String())
		t.pending.Reset()
	}
}

func (t *tailBuffer) push(line string) {
	t.lines[t.head] = strings.TrimRight(line, "\r")
	t.head = (t.head + 1) % len(t.lines)
	if t.size < len(t.lines) {
		t.size++
	}
}

// Lines returns the stored lines, oldest first.
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, t.size)
	start := 0
	if t.size == len(t.lines) {
		start = t.head
	}
	for i := range t.size {
		out[i] = t.lines[(start+i)%len(t.lines)]
	}
	return out
}

// lastLine returns the newest non-blank line.
func (t *tailBuffer) lastLine() string {
	lines := t.Lines()
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}

// sanitizeUTF8 replaces invalid bytes so output can travel in JSON.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
