//go:build !cgo

package keystroke

import (
	"context"
	"fmt"
)

const hookCompiled = false

// HookBackend needs cgo; this build has none.
type HookBackend struct{}

// NewHookBackend always fails in cgo-free builds.
func NewHookBackend(opts Options) (*HookBackend, error) {
	return nil, fmt.Errorf("hook: %w (built without cgo)", ErrNotAvailable)
}

func (b *HookBackend) Listen(ctx context.Context, h Handler) error { return ErrNotAvailable }
func (b *HookBackend) InjectText(text string) error { return ErrNotAvailable }
func (b *HookBackend) InjectKeyRepeats(key Key, count int) error { return ErrNotAvailable }
func (b *HookBackend) Close() error { return nil }
