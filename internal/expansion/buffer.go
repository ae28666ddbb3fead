// Package expansion watches typed input for snippet keywords and replaces
// them with resolved snippet content.
package expansion

import (
	"strings"
	"unicode"

	"snipd/internal/keystroke"
)

// DefaultBufferSize is the number of characters remembered for matching.
const DefaultBufferSize = 30

// MatchBuffer holds the most recently typed characters, oldest first.
// Its length never exceeds its capacity. It is not safe for concurrent use.
type MatchBuffer struct {
	runes    []rune
	capacity int
}

// NewMatchBuffer creates an empty buffer. capacity <= 0 selects
// DefaultBufferSize.
func NewMatchBuffer(capacity int) *MatchBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &MatchBuffer{runes: make([]rune, 0, capacity), capacity: capacity}
}

// Apply updates the buffer for one input event and reports whether its
// contents changed.
func (b *MatchBuffer) Apply(ev keystroke.InputEvent) bool {
	switch ev.Kind {
	case keystroke.KindBackspace:
		return b.Pop()
	case keystroke.KindReset:
		return b.Clear()
	case keystroke.KindChar:
		return b.ApplyRune(ev.Char)
	}
	return false
}

// ApplyRune handles a raw character: '\b' pops, newline, tab and escape
// clear, other control characters are ignored and anything else is pushed.
func (b *MatchBuffer) ApplyRune(r rune) bool {
	switch r {
	case '\b':
		return b.Pop()
	case '\n', '\r', '\t', '\x1b':
		return b.Clear()
	}
	if unicode.IsControl(r) {
		return false
	}
	b.Push(r)
	return true
}

// Push appends r, evicting the oldest character when full.
func (b *MatchBuffer) Push(r rune) {
	if len(b.runes) >= b.capacity {
		n := copy(b.runes, b.runes[len(b.runes)-b.capacity+1:])
		b.runes = b.runes[:n]
	}
	b.runes = append(b.runes, r)
}

// Pop removes the last character. It reports false on an empty buffer.
func (b *MatchBuffer) Pop() bool {
	if len(b.runes) == 0 {
		return false
	}
	b.runes = b.runes[:len(b.runes)-1]
	return true
}

// Clear empties the buffer, reporting whether it held anything.
func (b *MatchBuffer) Clear() bool {
	had := len(b.runes) > 0
	b.runes = b.runes[:0]
	return had
}

// Resize changes the capacity, keeping the newest characters.
func (b *MatchBuffer) Resize(capacity int) {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	keep := b.runes
	if len(keep) > capacity {
		keep = keep[len(keep)-capacity:]
	}
	runes := make([]rune, len(keep), capacity)
	copy(runes, keep)
	b.runes = runes
	b.capacity = capacity
}

// HasSuffix reports whether the buffer ends with s.
func (b *MatchBuffer) HasSuffix(s string) bool {
	return strings.HasSuffix(string(b.runes), s)
}

func (b *MatchBuffer) String() string { return string(b.runes) }

// Len returns the number of characters held.
func (b *MatchBuffer) Len() int { return len(b.runes) }

// Cap returns the capacity.
func (b *MatchBuffer) Cap() int { return b.capacity }
