// Package clipboard wraps the system clipboard for snipd: reading and
// writing text, borrowing the clipboard for paste-based injection, and
// recording clipboard history.
package clipboard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/atotto/clipboard"
)

var (
	// ErrEmpty is returned when the clipboard holds no text.
	ErrEmpty = errors.New("clipboard: no text")
	// ErrUnsupported is returned when no clipboard utility is available.
	ErrUnsupported = errors.New("clipboard: unsupported on this system")
)

// Accessor is text access to a clipboard.
type Accessor interface {
	// ReadText returns the current text, or ErrEmpty.
	ReadText() (string, error)
	// WriteText replaces the clipboard contents.
	WriteText(text string) error
	// Clear empties the clipboard.
	Clear() error
}

// System is the desktop clipboard. On Linux it drives xclip, xsel or
// wl-clipboard, whichever is installed.
type System struct{}

// NewSystem returns the desktop clipboard accessor.
func NewSystem() (*System, error) {
	if clipboard.Unsupported {
		return nil, ErrUnsupported
	}
	return &System{}, nil
}

// ReadText implements Accessor.
func (System) ReadText() (string, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return "", fmt.Errorf("read clipboard: %w", err)
	}
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

// WriteText implements Accessor.
func (System) WriteText(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

// Clear implements Accessor.
func (System) Clear() error {
	if err := clipboard.WriteAll(""); err != nil {
		return fmt.Errorf("clear clipboard: %w", err)
	}
	return nil
}

// MemoryAccessor is an in-process clipboard used by tests and headless runs.
type MemoryAccessor struct {
	mu      sync.Mutex
	text    string
	present bool
	writes  []string

	// WriteErr, when set, fails every write.
	WriteErr error
}

// NewMemoryAccessor returns a clipboard holding text, or an empty one when
// text is "".
func NewMemoryAccessor(text string) *MemoryAccessor {
	return &MemoryAccessor{text: text, present: text != ""}
}

// ReadText implements Accessor.
func (m *MemoryAccessor) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return "", ErrEmpty
	}
	return m.text, nil
}

// WriteText implements Accessor.
func (m *MemoryAccessor) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.text, m.present = text, true
	m.writes = append(m.writes, text)
	return nil
}

// Clear implements Accessor.
func (m *MemoryAccessor) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text, m.present = "", false
	return nil
}

// Writes returns every value written so far.
func (m *MemoryAccessor) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.writes...)
}
