package expansion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"snipd/internal/keystroke"
	"snipd/internal/store"
	"snipd/internal/template"
)

// Tie-break policies for keywords that are suffixes of one another.
const (
	// TieBreakLongest prefers the longest matching keyword, then store order.
	TieBreakLongest = "longest"
	// TieBreakStore takes the first match in store order.
	TieBreakStore = "store-order"
)

// SnippetSource is the part of the snippet store the engine reads.
type SnippetSource interface {
	ListSnippets(search string) ([]store.Snippet, error)
	MarkUsed(id int64) error
}

// Resolver evaluates snippet templates.
type Resolver interface {
	Resolve(content string) (template.Result, error)
}

// Config tunes the engine.
type Config struct {
	BufferSize        int
	SettleDelay       time.Duration
	CursorSettleDelay time.Duration
	// EchoWindow keeps input ignored after an injection finishes. Global
	// hooks observe synthetic input asynchronously, after the injecting
	// call has returned.
	EchoWindow time.Duration
	TieBreak   string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:        DefaultBufferSize,
		SettleDelay:       50 * time.Millisecond,
		CursorSettleDelay: 50 * time.Millisecond,
		EchoWindow:        150 * time.Millisecond,
		TieBreak:          TieBreakLongest,
	}
}

// Report describes one finished expansion or paste.
type Report struct {
	SnippetID int64     `json:"snippet_id,omitempty"`
	Keyword   string    `json:"keyword,omitempty"`
	Name      string    `json:"name,omitempty"`
	Manual    bool      `json:"manual,omitempty"`
	Fallback  bool      `json:"fallback,omitempty"`
	Errors    []string  `json:"errors,omitempty"`
	Duration  string    `json:"duration"`
	At        time.Time `json:"at"`
}

// Stats are cumulative engine counters.
type Stats struct {
	Expansions       uint64 `json:"expansions"`
	Pastes           uint64 `json:"pastes"`
	InjectFailures   uint64 `json:"inject_failures"`
	ResolveFallbacks uint64 `json:"resolve_fallbacks"`
	StoreErrors      uint64 `json:"store_errors"`
	Panics           uint64 `json:"panics"`
	BufferLen        int    `json:"buffer_len"`
}

// Engine matches typed keywords and drives the injection sequence.
type Engine struct {
	backend  keystroke.Backend
	snippets SnippetSource
	resolver Resolver
	logger   *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	// mu guards buf. Handle runs concurrently on every device reader.
	mu  sync.Mutex
	buf *MatchBuffer

	// expandMu serializes injection sequences so clipboard borrows never overlap.
	expandMu sync.Mutex
	// injecting counts expansions in flight. Input is ignored meanwhile so
	// injected keystrokes seen by a global hook cannot retrigger matching.
	injecting atomic.Int32
	// quietUntil is the unix-nano time before which input is still
	// treated as an echo of the last injection.
	quietUntil atomic.Int64
	wg         sync.WaitGroup

	obsMu     sync.RWMutex
	observers []func(Report)

	expansions       atomic.Uint64
	pastes           atomic.Uint64
	injectFailures   atomic.Uint64
	resolveFallbacks atomic.Uint64
	storeErrors      atomic.Uint64
	panics           atomic.Uint64
}

// New creates an Engine.
func New(backend keystroke.Backend, snippets SnippetSource, resolver Resolver, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakLongest
	}
	return &Engine{
		backend:  backend,
		snippets: snippets,
		resolver: resolver,
		logger:   logger,
		cfg:      cfg,
		buf:      NewMatchBuffer(cfg.BufferSize),
	}
}

// Start begins listening for input. A capture error is returned as is;
// the caller decides whether to surface it, the engine never retries.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.backend.Listen(ctx, e.Handle); err != nil {
		return fmt.Errorf("start input capture: %w", err)
	}
	e.logger.Info("expansion engine listening")
	return nil
}

// UpdateConfig applies new settings to later keystrokes and expansions.
func (e *Engine) UpdateConfig(cfg Config) {
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakLongest
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.mu.Lock()
	e.buf.Resize(cfg.BufferSize)
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// OnExpansion registers fn to be called after every expansion or paste.
func (e *Engine) OnExpansion(fn func(Report)) {
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

// Handle consumes one input event. It never panics and never blocks on
// injection.
func (e *Engine) Handle(ev keystroke.InputEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.logger.Error("keystroke handler panicked", "panic", r)
		}
	}()

	if e.injecting.Load() > 0 || time.Now().UnixNano() < e.quietUntil.Load() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.buf.Apply(ev) || e.buf.Len() == 0 {
		return
	}

	snippets, err := e.snippets.ListSnippets("")
	if err != nil {
		e.storeErrors.Add(1)
		e.logger.Warn("list snippets failed", "error", err)
		return
	}

	match := findMatch(e.buf, snippets, e.config().TieBreak)
	if match == nil {
		return
	}

	e.buf.Clear()
	e.logger.Debug("keyword matched", "snippet_id", match.ID, "keyword", match.Keyword)

	e.wg.Add(2)
	go func(id int64) {
		defer e.wg.Done()
		if err := e.snippets.MarkUsed(id); err != nil {
			e.storeErrors.Add(1)
			e.logger.Warn("mark snippet used failed", "snippet_id", id, "error", err)
		}
	}(match.ID)

	e.injecting.Add(1)
	go func(sn store.Snippet) {
		defer e.wg.Done()
		defer e.injecting.Add(-1)
		e.expand(sn)
	}(*match)
}

// findMatch returns the snippet whose keyword ends the buffer.
func findMatch(buf *MatchBuffer, snippets []store.Snippet, tieBreak string) *store.Snippet {
	typed := buf.String()
	var best *store.Snippet
	for i := range snippets {
		sn := &snippets[i]
		if sn.Keyword == "" || !strings.HasSuffix(typed, sn.Keyword) {
			continue
		}
		if tieBreak == TieBreakStore {
			return sn
		}
		if best == nil || utf8.RuneCountInString(sn.Keyword) > utf8.RuneCountInString(best.Keyword) {
			best = sn
		}
	}
	return best
}

// expand replaces the typed keyword with the snippet's resolved content.
func (e *Engine) expand(sn store.Snippet) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			e.logger.Error("expansion panicked", "snippet_id", sn.ID, "panic", r)
		}
	}()

	e.expandMu.Lock()
	defer e.expandMu.Unlock()

	start := time.Now()
	cfg := e.config()
	report := Report{SnippetID: sn.ID, Keyword: sn.Keyword, Name: sn.Name, At: start}

	res, err := e.resolver.Resolve(sn.Content)
	if err != nil {
		e.resolveFallbacks.Add(1)
		e.logger.Warn("resolve failed, inserting raw content", "snippet_id", sn.ID, "error", err)
		res = template.Result{Content: sn.Content}
		report.Fallback = true
	}

	backspaces := utf8.RuneCountInString(sn.Keyword)
	if err := e.backend.InjectText(strings.Repeat("\b", backspaces)); err != nil {
		report.Errors = append(report.Errors, e.injectFailed("delete keyword", sn.ID, err))
	}
	time.Sleep(cfg.SettleDelay)

	report.Errors = append(report.Errors, e.insert(res, cfg, sn.ID)...)
	e.quiet(cfg)

	e.mu.Lock()
	e.buf.Clear()
	e.mu.Unlock()

	e.expansions.Add(1)
	report.Duration = time.Since(start).String()
	e.notify(report)
	e.logger.Info("snippet expanded", "snippet_id", sn.ID,
		"fallback", report.Fallback, "errors", len(report.Errors), "duration", time.Since(start))
}

// quiet opens the echo window. It must run before the injection stops
// counting as in flight so there is no gap between the two guards.
func (e *Engine) quiet(cfg Config) {
	e.quietUntil.Store(time.Now().Add(cfg.EchoWindow).UnixNano())
}

// insert injects resolved content and moves the caret to the cursor
// marker. Each step is attempted even if an earlier one failed.
func (e *Engine) insert(res template.Result, cfg Config, id int64) []string {
	var errs []string
	if res.Content != "" {
		if err := e.backend.InjectText(res.Content); err != nil {
			errs = append(errs, e.injectFailed("insert content", id, err))
		}
	}
	if n := res.CharsToMoveLeft(); n > 0 {
		time.Sleep(cfg.CursorSettleDelay)
		if err := e.backend.InjectKeyRepeats(keystroke.KeyLeft, n); err != nil {
			errs = append(errs, e.injectFailed("move cursor", id, err))
		}
	}
	return errs
}

func (e *Engine) injectFailed(step string, id int64, err error) string {
	e.injectFailures.Add(1)
	e.logger.Warn("injection step failed", "step", step, "snippet_id", id, "error", err)
	return step + ": " + err.Error()
}

// PasteContent resolves raw template text and injects it at the caret
// without touching the match buffer. Resolution errors are returned;
// injection happens in the background.
func (e *Engine) PasteContent(raw string) error {
	if raw == "" {
		return errors.New("paste: empty content")
	}
	res, err := e.resolver.Resolve(raw)
	if err != nil {
		return fmt.Errorf("paste: %w", err)
	}

	e.wg.Add(1)
	e.injecting.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.injecting.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				e.panics.Add(1)
				e.logger.Error("paste panicked", "panic", r)
			}
		}()

		e.expandMu.Lock()
		defer e.expandMu.Unlock()

		start := time.Now()
		cfg := e.config()
		report := Report{Manual: true, At: start}
		report.Errors = e.insert(res, cfg, 0)
		e.quiet(cfg)
		e.pastes.Add(1)
		report.Duration = time.Since(start).String()
		e.notify(report)
	}()
	return nil
}

func (e *Engine) notify(r Report) {
	e.obsMu.RLock()
	observers := append([]func(Report){}, e.observers...)
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(r)
	}
}

// Buffer returns the current match buffer contents.
func (e *Engine) Buffer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.String()
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	n := e.buf.Len()
	e.mu.Unlock()
	return Stats{
		Expansions:       e.expansions.Load(),
		Pastes:           e.pastes.Load(),
		InjectFailures:   e.injectFailures.Load(),
		ResolveFallbacks: e.resolveFallbacks.Load(),
		StoreErrors:      e.storeErrors.Load(),
		Panics:           e.panics.Load(),
		BufferLen:        n,
	}
}

// Wait blocks until every in-flight expansion, paste and usage update
// has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
