//go:build !linux

package keystroke

import (
	"context"
	"fmt"
)

// EvdevBackend is only available on Linux.
type EvdevBackend struct{}

// NewEvdevBackend always fails off Linux.
func NewEvdevBackend(opts Options) (*EvdevBackend, error) {
	return nil, fmt.Errorf("evdev: %w", ErrNotAvailable)
}

func (b *EvdevBackend) Listen(ctx context.Context, h Handler) error { return ErrNotAvailable }
func (b *EvdevBackend) InjectText(text string) error { return ErrNotAvailable }
func (b *EvdevBackend) InjectKeyRepeats(key Key, count int) error { return ErrNotAvailable }
func (b *EvdevBackend) Close() error { return nil }
