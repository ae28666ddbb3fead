//go:build linux

package keystroke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

const (
	procInputDevices = "/proc/bus/input/devices"
	devInputDir      = "/dev/input"

	// udev applies group permissions shortly after the node appears.
	hotplugSettle = 500 * time.Millisecond
)

// EvdevBackend reads physical keyboards through evdev and injects through
// a uinput virtual keyboard.
type EvdevBackend struct {
	opts   Options
	layout *Layout
	chord  Chord
	logger *slog.Logger

	// injectMu guards the virtual keyboard. One injection's key events
	// never interleave with another's.
	injectMu sync.Mutex
	vkbd     *virtualKeyboard

	mu        sync.Mutex
	listening bool
	handler   Handler
	ctx       context.Context
	readers   map[string]context.CancelFunc
	watcher   *fsnotify.Watcher
	wg        sync.WaitGroup
}

// NewEvdevBackend discovers keyboards and creates the virtual keyboard.
func NewEvdevBackend(opts Options) (*EvdevBackend, error) {
	layout, err := ResolveLayout(opts.Layout, opts.logger())
	if err != nil {
		return nil, err
	}
	chord, err := ParseChord(opts.PasteChord)
	if err != nil {
		return nil, err
	}

	paths, err := discoverKeyboards(opts.DeviceName)
	if err != nil {
		return nil, err
	}
	if err := checkReadable(paths); err != nil {
		return nil, err
	}

	vkbd, err := openVirtualKeyboard(opts.DeviceName, opts.KeyDelay)
	if err != nil {
		return nil, err
	}

	b := &EvdevBackend{
		opts:    opts,
		layout:  layout,
		chord:   chord,
		logger:  opts.logger().With("backend", "evdev"),
		vkbd:    vkbd,
		readers: make(map[string]context.CancelFunc),
	}
	b.logger.Info("evdev backend ready", "keyboards", paths, "layout", layout.Name)
	return b, nil
}

// discoverKeyboards lists event device paths of physical keyboards.
func discoverKeyboards(exclude string) ([]string, error) {
	var paths []string
	if f, err := os.Open(procInputDevices); err == nil {
		devices, perr := ParseInputDevices(f)
		f.Close()
		if perr == nil {
			for _, d := range FilterKeyboards(devices, exclude) {
				paths = append(paths, d.EventPath)
			}
		}
	}
	if len(paths) == 0 {
		matches, _ := filepath.Glob(filepath.Join(devInputDir, "by-id", "*-kbd"))
		for _, m := range matches {
			if real, err := filepath.EvalSymlinks(m); err == nil {
				paths = append(paths, real)
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no keyboard devices found, check permissions for /dev/input/*", ErrCaptureUnavailable)
	}
	return paths, nil
}

func checkReadable(paths []string) error {
	var lastErr error
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return nil
		}
		lastErr = err
	}
	if errors.Is(lastErr, os.ErrPermission) {
		return fmt.Errorf("%w: cannot read keyboard devices (add the user to the input group): %v", ErrPermissionDenied, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrCaptureUnavailable, lastErr)
}

// Listen implements Backend.
func (b *EvdevBackend) Listen(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listening {
		return ErrAlreadyRunning
	}

	paths, err := discoverKeyboards(b.opts.DeviceName)
	if err != nil {
		return err
	}

	b.listening = true
	b.handler = h
	b.ctx = ctx
	for _, p := range paths {
		b.startReaderLocked(p)
	}

	if b.opts.WatchDevices {
		if err := b.startWatcherLocked(); err != nil {
			b.logger.Warn("keyboard hot-plug disabled", "error", err)
		}
	}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.listening = false
		if b.watcher != nil {
			b.watcher.Close()
			b.watcher = nil
		}
		b.mu.Unlock()
	}()
	return nil
}

func (b *EvdevBackend) startReaderLocked(path string) {
	if _, ok := b.readers[path]; ok {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.readers[path] = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.dropReader(path)
		if err := b.readDevice(ctx, path); err != nil {
			b.logger.Warn("keyboard reader stopped", "device", path, "error", err)
		}
	}()
}

func (b *EvdevBackend) dropReader(path string) {
	b.mu.Lock()
	if cancel, ok := b.readers[path]; ok {
		cancel()
		delete(b.readers, path)
	}
	b.mu.Unlock()
}

// readDevice runs one device's read loop until ctx is done or the device
// disappears.
func (b *EvdevBackend) readDevice(ctx context.Context, path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer func() {
		if stop() {
			f.Close()
		}
	}()

	b.logger.Debug("reading keyboard", "device", path)
	state := NewKeymapState(b.layout, b.opts.ResetOnNavigation)
	buf := make([]byte, inputEventSize*64)

	for {
		n, err := f.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if errors.Is(err, syscall.ENODEV) || errors.Is(err, io.EOF) {
				b.logger.Info("keyboard removed", "device", path)
				return nil
			}
			return err
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			ev := decodeEvent(buf[off : off+inputEventSize])
			if ev.Type != evKey {
				continue
			}
			if out, ok := state.Process(ev.Code, ev.Value); ok {
				b.deliver(out)
			}
		}
	}
}

// deliver calls the handler, keeping the reader alive if it panics.
func (b *EvdevBackend) deliver(ev InputEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("input handler panicked", "panic", r)
		}
	}()
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (b *EvdevBackend) startWatcherLocked() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(devInputDir); err != nil {
		w.Close()
		return err
	}
	b.watcher = w
	go b.watchLoop(w)
	return nil
}

func (b *EvdevBackend) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) || !strings.HasPrefix(filepath.Base(ev.Name), "event") {
				continue
			}
			time.AfterFunc(hotplugSettle, b.rescan)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.logger.Warn("device watcher error", "error", err)
		}
	}
}

// rescan starts readers for keyboards that appeared since Listen.
func (b *EvdevBackend) rescan() {
	paths, err := discoverKeyboards(b.opts.DeviceName)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.listening {
		return
	}
	for _, p := range paths {
		if _, ok := b.readers[p]; !ok {
			b.logger.Info("keyboard added", "device", p)
			b.startReaderLocked(p)
		}
	}
}

var _ DeviceLister = (*EvdevBackend)(nil)

// Devices returns the devices currently being read.
func (b *EvdevBackend) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.readers))
	for p := range b.readers {
		out = append(out, p)
	}
	return out
}

// InjectText implements Backend.
func (b *EvdevBackend) InjectText(text string) error {
	if n, ok := onlyBackspaces(text); ok {
		return b.InjectKeyRepeats(KeyBackspace, n)
	}
	if text == "" {
		return nil
	}

	b.injectMu.Lock()
	defer b.injectMu.Unlock()

	if b.opts.InjectStrategy == StrategyType && b.typeable(text) {
		return b.typeText(text)
	}
	return b.pasteText(text)
}

func (b *EvdevBackend) pasteText(text string) error {
	if b.opts.Borrower == nil {
		return errors.New("evdev: paste injection needs a clipboard")
	}
	return b.opts.Borrower.Paste(text, func() error {
		return b.vkbd.chord(b.chord)
	})
}

func (b *EvdevBackend) typeable(text string) bool {
	for _, r := range text {
		if r == '\n' || r == '\t' {
			continue
		}
		if _, _, ok := b.layout.lookup(r); !ok {
			return false
		}
	}
	return true
}

func (b *EvdevBackend) typeText(text string) error {
	for _, r := range text {
		var err error
		switch r {
		case '\n':
			err = b.vkbd.tap(KeyEnter)
		case '\t':
			err = b.vkbd.tap(KeyTab)
		default:
			code, mod, _ := b.layout.lookup(r)
			var mods []Key
			switch mod {
			case ModShift:
				mods = []Key{KeyLeftShift}
			case ModAltGr:
				mods = []Key{KeyRightAlt}
			}
			err = b.vkbd.withModifiers(mods, func() error { return b.vkbd.tap(Key(code)) })
		}
		if err != nil {
			return fmt.Errorf("type %q: %w", r, err)
		}
	}
	return nil
}

// InjectKeyRepeats implements Backend.
func (b *EvdevBackend) InjectKeyRepeats(key Key, count int) error {
	b.injectMu.Lock()
	defer b.injectMu.Unlock()
	for i := 0; i < count; i++ {
		if err := b.vkbd.tap(key); err != nil {
			return err
		}
	}
	return nil
}

// Close stops all readers and destroys the virtual keyboard.
func (b *EvdevBackend) Close() error {
	b.mu.Lock()
	for _, cancel := range b.readers {
		cancel()
	}
	if b.watcher != nil {
		b.watcher.Close()
		b.watcher = nil
	}
	b.listening = false
	b.mu.Unlock()

	b.wg.Wait()

	b.injectMu.Lock()
	defer b.injectMu.Unlock()
	return b.vkbd.Close()
}
