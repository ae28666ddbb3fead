package clipboard

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Recorder persists clipboard text seen by the Monitor.
type Recorder interface {
	RecordClipboard(text string) error
}

// Pruner is implemented by recorders that can cap their history length.
type Pruner interface {
	PruneClipboardHistory(max int) (int64, error)
}

// Monitor polls the clipboard and records user copies. Changes made by
// snipd itself while the InternalChange signal is raised are ignored.
type Monitor struct {
	mu sync.RWMutex

	lastHash   [32]byte
	lastChange time.Time
	recorded   uint64
	skipped    uint64

	accessor   Accessor
	signal     *InternalChange
	recorder   Recorder
	interval   time.Duration
	maxHistory int
	logger     *slog.Logger

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// MonitorStats reports what a Monitor has done since it was created.
type MonitorStats struct {
	Recorded   uint64    `json:"recorded"`
	Skipped    uint64    `json:"skipped"`
	LastChange time.Time `json:"last_change,omitempty"`
	Running    bool      `json:"running"`
}

// NewMonitor creates a clipboard monitor. maxHistory <= 0 disables pruning.
func NewMonitor(acc Accessor, signal *InternalChange, rec Recorder, interval time.Duration, maxHistory int, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if signal == nil {
		signal = NewInternalChange()
	}
	return &Monitor{
		accessor:   acc,
		signal:     signal,
		recorder:   rec,
		interval:   interval,
		maxHistory: maxHistory,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins polling until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.loop(ctx, stopCh, doneCh)
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
}

func (m *Monitor) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll checks the clipboard once and records the text if it changed.
// It reports whether a new entry was recorded.
func (m *Monitor) Poll() bool {
	if m.accessor == nil || m.recorder == nil {
		return false
	}

	epoch := m.signal.Epoch()
	if m.signal.Active() {
		m.countSkip()
		return false
	}

	text, err := m.accessor.ReadText()
	if err != nil {
		if !errors.Is(err, ErrEmpty) {
			m.logger.Debug("clipboard poll failed", "error", err)
		}
		return false
	}

	// An internal write overlapped the read.
	if m.signal.Active() || m.signal.Epoch() != epoch {
		m.countSkip()
		return false
	}

	hash := sha256.Sum256([]byte(text))

	m.mu.Lock()
	if hash == m.lastHash {
		m.mu.Unlock()
		return false
	}
	m.lastHash = hash
	m.lastChange = time.Now()
	m.mu.Unlock()

	if err := m.recorder.RecordClipboard(text); err != nil {
		m.logger.Warn("record clipboard failed", "error", err)
		return false
	}
	m.mu.Lock()
	m.recorded++
	m.mu.Unlock()
	if p, ok := m.recorder.(Pruner); ok && m.maxHistory > 0 {
		if _, err := p.PruneClipboardHistory(m.maxHistory); err != nil {
			m.logger.Warn("prune clipboard history failed", "error", err)
		}
	}
	return true
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStats{
		Recorded:   m.recorded,
		Skipped:    m.skipped,
		LastChange: m.lastChange,
		Running:    m.running,
	}
}

func (m *Monitor) countSkip() {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}
