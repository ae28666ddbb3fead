package clipboard

import "sync/atomic"

// InternalChange tells the history monitor that the clipboard currently
// holds text placed there by snipd itself. One instance is shared by the
// borrow protocol and the monitor.
type InternalChange struct {
	depth atomic.Int32
	epoch atomic.Uint64
}

// NewInternalChange returns an inactive signal.
func NewInternalChange() *InternalChange {
	return &InternalChange{}
}

// Begin marks the start of an internal clipboard write. Calls nest.
func (c *InternalChange) Begin() {
	c.epoch.Add(1)
	c.depth.Add(1)
}

// End marks the end of an internal clipboard write.
func (c *InternalChange) End() {
	c.depth.Add(-1)
	c.epoch.Add(1)
}

// Active reports whether any internal write is in progress.
func (c *InternalChange) Active() bool {
	return c.depth.Load() > 0
}

// Epoch changes on every Begin and End. A reader that sees the same epoch
// before and after an observation knows no internal write overlapped it.
func (c *InternalChange) Epoch() uint64 {
	return c.epoch.Load()
}
