package supervisor

import (
	"strings"
	"sync"
)

const (
	tailMaxLines = 20
	tailMaxBytes = 4096
)

// tailBuffer keeps the last lines of a stream, bounded by line count
// and total bytes, so failure reports stay readable.
type tailBuffer struct {
	mu       sync.Mutex
	lines    []string
	maxLines int
	maxBytes int
	bytes    int
}

func newTailBuffer(maxLines, maxBytes int) *tailBuffer {
	return &tailBuffer{maxLines: maxLines, maxBytes: maxBytes}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
	t.bytes += len(line) + 1
	for (len(t.lines) > t.maxLines || t.bytes > t.maxBytes) && len(t.lines) > 1 {
		t.bytes -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
