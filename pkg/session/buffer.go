package session

import (
	"regexp"
	"sync"
)

// Buffer accumulates a child's output. A single reader goroutine appends;
// matchers read snapshots under the same lock. Reset clears the window that
// matchers see but keeps the full transcript.
type Buffer struct {
	mu      sync.Mutex
	window  []byte
	history []byte
}

// Write appends p in the order it is received. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.window = append(b.window, p...)
	b.history = append(b.history, p...)
	b.mu.Unlock()
	return len(p), nil
}

// Reset drops everything appended so far from the match window.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.window = b.window[:0]
	b.mu.Unlock()
}

// Snapshot returns a copy of the match window.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.window)
}

// Transcript returns everything ever appended, across resets.
func (b *Buffer) Transcript() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.history)
}

// Len is the size of the match window in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.window)
}

// Match reports whether re matches the current window. A nil pattern
// matches immediately.
func (b *Buffer) Match(re *regexp.Regexp) bool {
	if re == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return re.Match(b.window)
}
