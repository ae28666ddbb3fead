// Package keystroke captures keyboard input system-wide and injects
// synthetic input back into the focused application.
//
// Two backends exist:
//   - hook: a global input hook (X11, macOS, Windows). Requires cgo.
//   - evdev: reads /dev/input/event* directly and injects through a
//     uinput virtual keyboard. Works under Wayland; requires the user to
//     be in the input group (or equivalent udev rules).
//
// Both backends translate key transitions into InputEvents through the
// same static keymap tables.
package keystroke

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"snipd/internal/clipboard"
)

var (
	// ErrCaptureUnavailable is returned when no usable input source exists.
	ErrCaptureUnavailable = errors.New("keystroke: input capture unavailable")
	// ErrPermissionDenied is returned when input devices exist but cannot be opened.
	ErrPermissionDenied = errors.New("keystroke: permission denied")
	// ErrNotAvailable is returned when a backend is not compiled into this binary.
	ErrNotAvailable = errors.New("keystroke: backend not available on this platform")
	// ErrAlreadyRunning is returned by a second call to Listen.
	ErrAlreadyRunning = errors.New("keystroke: already listening")
)

// EventKind tags an InputEvent.
type EventKind uint8

const (
	// KindChar carries a printable character in Char.
	KindChar EventKind = iota + 1
	// KindBackspace removes the previous character.
	KindBackspace
	// KindReset is produced by Enter, Tab, Escape and (optionally)
	// navigation keys. Matching never spans a reset.
	KindReset
)

func (k EventKind) String() string {
	switch k {
	case KindChar:
		return "char"
	case KindBackspace:
		return "backspace"
	case KindReset:
		return "reset"
	default:
		return "unknown"
	}
}

// InputEvent is one logical keypress.
type InputEvent struct {
	Kind EventKind
	Char rune
}

// CharEvent returns a KindChar event for r.
func CharEvent(r rune) InputEvent { return InputEvent{Kind: KindChar, Char: r} }

// BackspaceEvent returns a KindBackspace event.
func BackspaceEvent() InputEvent { return InputEvent{Kind: KindBackspace, Char: '\b'} }

// ResetEvent returns a KindReset event carrying the control character
// that caused it.
func ResetEvent(c rune) InputEvent { return InputEvent{Kind: KindReset, Char: c} }

// Handler receives InputEvents. It may be called concurrently from
// several reader goroutines and must not block for long.
type Handler func(InputEvent)

// Backend is a platform input source and sink.
type Backend interface {
	// Listen starts delivering events to h in the background and returns
	// immediately. Capture stops when ctx is done.
	Listen(ctx context.Context, h Handler) error

	// InjectText types text into the focused application. Text made only
	// of '\b' runes becomes that many backspace taps.
	InjectText(text string) error

	// InjectKeyRepeats taps key count times.
	InjectKeyRepeats(key Key, count int) error
}

// DeviceLister is implemented by backends that read individual input
// devices.
type DeviceLister interface {
	Devices() []string
}

// Options configures backend construction.
type Options struct {
	// Layout names the keymap used to translate raw key codes, or
	// LayoutAuto for the session layout.
	Layout string
	// InjectStrategy is "paste" or "type" for backends that cannot
	// synthesize arbitrary Unicode.
	InjectStrategy string
	// PasteChord is the key chord sent during a clipboard borrow.
	PasteChord string
	// KeyDelay is the pause between synthetic taps.
	KeyDelay time.Duration
	// DeviceName names the virtual keyboard. Devices with this name are
	// never read back.
	DeviceName string
	// WatchDevices enables hot-plug of keyboards.
	WatchDevices bool
	// ResetOnNavigation makes arrows, Home/End and PageUp/Down reset matching.
	ResetOnNavigation bool
	// Borrower performs paste-based injection.
	Borrower *clipboard.Borrower
	Logger   *slog.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Layout:            LayoutAuto,
		InjectStrategy:    StrategyPaste,
		PasteChord:        "ctrl+v",
		KeyDelay:          10 * time.Millisecond,
		DeviceName:        "snipd virtual keyboard",
		WatchDevices:      true,
		ResetOnNavigation: true,
	}
}

// Injection strategies.
const (
	StrategyPaste = "paste"
	StrategyType  = "type"
)

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// onlyBackspaces reports whether text is non-empty and made only of '\b'.
func onlyBackspaces(text string) (int, bool) {
	n := 0
	for _, r := range text {
		if r != '\b' {
			return 0, false
		}
		n++
	}
	return n, n > 0
}
