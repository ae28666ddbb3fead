//go:build cgo

package keystroke

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-vgo/robotgo"
	hook "github.com/robotn/gohook"
)

const hookCompiled = true

// libuiohook virtual key codes for keys that reset or edit the buffer.
// The main block matches evdev; the extended keys do not.
var hookKeys = map[uint16]Key{
	0x0001: KeyEsc,
	0x000E: KeyBackspace,
	0x000F: KeyTab,
	0x001C: KeyEnter,
	0x0E1C: KeyKPEnter,
	0xE048: KeyUp,
	0xE04B: KeyLeft,
	0xE04D: KeyRight,
	0xE050: KeyDown,
	0x0E47: KeyHome,
	0x0E4F: KeyEnd,
	0x0E49: KeyPageUp,
	0x0E51: KeyPageDown,
}

// libuiohook modifier masks that turn a keypress into a shortcut.
const hookShortcutMask = 1<<1 | 1<<2 | 1<<3 | 1<<5 | 1<<6

// HookBackend uses a global input hook and synthesizes Unicode text
// directly, so it never borrows the clipboard.
type HookBackend struct {
	opts   Options
	logger *slog.Logger

	injectMu sync.Mutex

	mu        sync.Mutex
	listening bool
}

// NewHookBackend creates the global hook backend.
func NewHookBackend(opts Options) (*HookBackend, error) {
	return &HookBackend{opts: opts, logger: opts.logger().With("backend", "hook")}, nil
}

// Listen implements Backend.
func (b *HookBackend) Listen(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.listening {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.listening = true
	b.mu.Unlock()

	events := hook.Start()
	if events == nil {
		b.mu.Lock()
		b.listening = false
		b.mu.Unlock()
		return fmt.Errorf("%w: global hook failed to start", ErrCaptureUnavailable)
	}

	go func() {
		<-ctx.Done()
		hook.End()
	}()
	go b.loop(events, h)
	return nil
}

func (b *HookBackend) loop(events chan hook.Event, h Handler) {
	defer func() {
		b.mu.Lock()
		b.listening = false
		b.mu.Unlock()
	}()
	for ev := range events {
		out, ok := b.translate(ev)
		if !ok {
			continue
		}
		b.deliver(h, out)
	}
}

// translate maps hook events: control keys come from key presses, text
// from typed events so the platform layout is honored.
func (b *HookBackend) translate(ev hook.Event) (InputEvent, bool) {
	switch ev.Kind {
	case hook.KeyHold:
		key, ok := hookKeys[ev.Keycode]
		if !ok {
			return InputEvent{}, false
		}
		switch key {
		case KeyBackspace:
			return BackspaceEvent(), true
		case KeyEnter, KeyKPEnter:
			return ResetEvent('\n'), true
		case KeyTab:
			return ResetEvent('\t'), true
		case KeyEsc:
			return ResetEvent('\x1b'), true
		default:
			if b.opts.ResetOnNavigation {
				return ResetEvent(0), true
			}
		}
	case hook.KeyDown:
		if ev.Mask&hookShortcutMask != 0 {
			return InputEvent{}, false
		}
		r := ev.Keychar
		if r < 0x20 || r == 0x7f || r == 0xFFFF {
			return InputEvent{}, false
		}
		return CharEvent(r), true
	}
	return InputEvent{}, false
}

func (b *HookBackend) deliver(h Handler, ev InputEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("input handler panicked", "panic", r)
		}
	}()
	h(ev)
}

// InjectText implements Backend.
func (b *HookBackend) InjectText(text string) error {
	if n, ok := onlyBackspaces(text); ok {
		return b.InjectKeyRepeats(KeyBackspace, n)
	}
	if text == "" {
		return nil
	}
	b.injectMu.Lock()
	defer b.injectMu.Unlock()
	robotgo.TypeStr(text)
	return nil
}

// InjectKeyRepeats implements Backend.
func (b *HookBackend) InjectKeyRepeats(key Key, count int) error {
	b.injectMu.Lock()
	defer b.injectMu.Unlock()
	name := key.String()
	for i := 0; i < count; i++ {
		if err := robotgo.KeyTap(name); err != nil {
			return fmt.Errorf("tap %s: %w", name, err)
		}
		if b.opts.KeyDelay > 0 {
			time.Sleep(b.opts.KeyDelay)
		}
	}
	return nil
}

// Close stops the global hook.
func (b *HookBackend) Close() error {
	b.mu.Lock()
	listening := b.listening
	b.mu.Unlock()
	if listening {
		hook.End()
	}
	return nil
}
