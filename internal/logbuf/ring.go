// internal/logbuf/ring.go
package logbuf

import (
	"sync"
	"time"
)

// Stream identifies which output stream a line came from.
type Stream string

const (
	// Stdout is the standard output stream.
	Stdout Stream = "stdout"
	// Stderr is the standard error stream.
	Stderr Stream = "stderr"
)

// Line is one captured line of service output. Lines are never mutated
// after creation.
type Line struct {
	ServiceID string    `json:"service_id"`
	Stream    Stream    `json:"stream"`
	Text      string    `json:"text"`
	Truncated bool      `json:"truncated,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLine creates a line, truncating the text to maxLen runes of input bytes
// when maxLen is positive.
func NewLine(serviceID string, stream Stream, text string, maxLen int) Line {
	truncated := false
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen]
		truncated = true
	}
	return Line{
		ServiceID: serviceID,
		Stream:    stream,
		Text:      text,
		Truncated: truncated,
		Timestamp: time.Now(),
	}
}

// Ring is a fixed-capacity buffer of recent log lines. The newest push
// evicts the oldest line beyond capacity. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	lines []Line
	head  int
	size  int
}

// NewRing creates a ring holding at most capacity lines. Capacity below one
// is clamped to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{lines: make([]Line, capacity)}
}

// Push appends a line, evicting the oldest when full.
func (r *Ring) Push(line Line) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % len(r.lines)
	r.lines[tail] = line
	if r.size < len(r.lines) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.lines)
	}
}

// Last returns the most recent n lines in emission order. When n exceeds the
// buffered count, or n <= 0, all buffered lines are returned.
func (r *Ring) Last(n int) []Line {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Line, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.lines[(start+i)%len(r.lines)]
	}
	return out
}

// Len returns the number of buffered lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the fixed capacity of the ring.
func (r *Ring) Capacity() int {
	return len(r.lines)
}
