package clipboard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is the clipboard state captured before a borrow.
type Snapshot struct {
	Text    string
	Present bool
}

// Borrower temporarily places text on the clipboard so it can be pasted
// into the focused application, then puts the previous contents back.
type Borrower struct {
	acc    Accessor
	signal *InternalChange
	logger *slog.Logger

	mu     sync.Mutex
	settle time.Duration
}

// NewBorrower creates a Borrower. settle is the pause on either side of
// the paste action.
func NewBorrower(acc Accessor, signal *InternalChange, settle time.Duration, logger *slog.Logger) *Borrower {
	if logger == nil {
		logger = slog.Default()
	}
	if signal == nil {
		signal = NewInternalChange()
	}
	return &Borrower{acc: acc, signal: signal, settle: settle, logger: logger}
}

// SetSettleDelay changes the pause used by later borrows.
func (b *Borrower) SetSettleDelay(d time.Duration) {
	b.mu.Lock()
	b.settle = d
	b.mu.Unlock()
}

// Paste writes text to the clipboard, waits, runs paste, waits again and
// restores the clipboard. The clipboard is restored and the internal
// change signal released on every path. Borrows are serialized.
func (b *Borrower) Paste(text string, paste func() error) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.signal.Begin()
	defer b.signal.End()

	snap := b.snapshot()

	if err := b.acc.WriteText(text); err != nil {
		return fmt.Errorf("borrow clipboard: %w", err)
	}
	defer func() {
		if rerr := b.restore(snap); rerr != nil {
			b.logger.Warn("clipboard restore failed", "error", rerr)
			err = errors.Join(err, rerr)
		}
	}()

	time.Sleep(b.settle)
	if perr := paste(); perr != nil {
		err = fmt.Errorf("paste: %w", perr)
	}
	time.Sleep(b.settle)
	return err
}

func (b *Borrower) snapshot() Snapshot {
	text, err := b.acc.ReadText()
	if err != nil {
		if !errors.Is(err, ErrEmpty) {
			b.logger.Debug("clipboard snapshot unreadable, will clear on restore", "error", err)
		}
		return Snapshot{}
	}
	return Snapshot{Text: text, Present: true}
}

func (b *Borrower) restore(s Snapshot) error {
	if s.Present {
		return b.acc.WriteText(s.Text)
	}
	return b.acc.Clear()
}
