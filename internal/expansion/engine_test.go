package expansion

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snipd/internal/clipboard"
	"snipd/internal/keystroke"
	"snipd/internal/store"
	"snipd/internal/template"
)

type memSnippets struct {
	mu      sync.Mutex
	list    []store.Snippet
	used    []int64
	listErr error
}

func (m *memSnippets) add(id int64, keyword, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append(m.list, store.Snippet{ID: id, Name: keyword, Keyword: keyword, Content: content})
}

func (m *memSnippets) ListSnippets(string) ([]store.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]store.Snippet(nil), m.list...), nil
}

func (m *memSnippets) MarkUsed(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = append(m.used, id)
	return nil
}

func (m *memSnippets) FindSnippetByName(name string) (*store.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.list {
		if s.Name == name {
			return &s, nil
		}
	}
	return nil, nil
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(string) (template.Result, error) {
	return template.Result{}, f.err
}

type panickyResolver struct{ calls int }

func (p *panickyResolver) Resolve(content string) (template.Result, error) {
	p.calls++
	if p.calls == 1 {
		panic("bad snippet")
	}
	return template.Result{Content: content}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SettleDelay = 0
	cfg.CursorSettleDelay = 0
	cfg.EchoWindow = 0
	return cfg
}

type harness struct {
	engine   *Engine
	backend  *keystroke.SimulatedBackend
	snippets *memSnippets
}

func newHarness(t *testing.T, backend *keystroke.SimulatedBackend, resolver Resolver) *harness {
	t.Helper()
	snippets := &memSnippets{}
	if backend == nil {
		backend = keystroke.NewSimulatedBackend()
	}
	if resolver == nil {
		resolver = template.NewResolver(snippets, clipboard.NewMemoryAccessor("hello"), nil)
	}
	e := New(backend, snippets, resolver, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.Start(ctx))
	return &harness{engine: e, backend: backend, snippets: snippets}
}

func (h *harness) typeAndWait(s string) {
	h.backend.Type(s)
	h.engine.Wait()
}

func TestExpandKeyword(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(7, ";sig", "Best regards")

	h.typeAndWait("thanks ;sig")

	assert.Equal(t, "thanks Best regards", h.backend.Document())
	assert.Equal(t, "", h.engine.Buffer())
	assert.Equal(t, []keystroke.Injection{
		{Key: keystroke.KeyBackspace, Count: 4},
		{Text: "Best regards"},
	}, h.backend.Injections())
	assert.Equal(t, []int64{7}, h.snippets.used)
	assert.Equal(t, uint64(1), h.engine.Stats().Expansions)
}

func TestExpandTriggersExactlyOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, "xx", "Y")

	h.typeAndWait("axx")
	h.typeAndWait("x")

	// The second x starts a fresh buffer and does not match on its own.
	assert.Equal(t, "aYx", h.backend.Document())
	assert.Equal(t, uint64(1), h.engine.Stats().Expansions)
	assert.Equal(t, "x", h.engine.Buffer())
}

func TestExpandUnicodeKeyword(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, "→é", "arrow")

	h.typeAndWait("a→é")

	assert.Equal(t, "aarrow", h.backend.Document())
	assert.Equal(t, keystroke.Injection{Key: keystroke.KeyBackspace, Count: 2}, h.backend.Injections()[0])
}

func TestExpandMovesCursor(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, ";fb", "foo{cursor}bar")

	h.typeAndWait(";fb")

	assert.Equal(t, "foobar", h.backend.Document())
	assert.Equal(t, 3, h.backend.Cursor())
	inj := h.backend.Injections()
	assert.Equal(t, keystroke.Injection{Key: keystroke.KeyLeft, Count: 3}, inj[len(inj)-1])
}

func TestExpandResolvesClipboard(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, ";cb", "<{clipboard | uppercase}>")

	h.typeAndWait(";cb")
	assert.Equal(t, "<HELLO>", h.backend.Document())
}

func TestExpandFallsBackToRawContent(t *testing.T) {
	h := newHarness(t, nil, failingResolver{err: template.ErrResolve})
	h.snippets.add(1, ";x", "raw {uuid}")

	h.typeAndWait(";x")

	assert.Equal(t, "raw {uuid}", h.backend.Document())
	assert.Equal(t, uint64(1), h.engine.Stats().ResolveFallbacks)
}

func TestExpandContinuesAfterInjectionFailure(t *testing.T) {
	backend := keystroke.NewSimulatedBackend()
	backend.KeyErr = errors.New("uinput write failed")
	h := newHarness(t, backend, nil)
	h.snippets.add(1, ";c", "a{cursor}b")

	var reports []Report
	h.engine.OnExpansion(func(r Report) { reports = append(reports, r) })

	h.typeAndWait(";c")

	// Backspaces failed, text still went in, cursor move failed.
	assert.Equal(t, ";cab", backend.Document())
	assert.Equal(t, uint64(2), h.engine.Stats().InjectFailures)
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Errors, 2)
	assert.Equal(t, int64(1), reports[0].SnippetID)
}

func TestLongestKeywordWins(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, "ig", "short")
	h.snippets.add(2, ";sig", "long")

	h.typeAndWait(";sig")
	assert.Equal(t, "long", h.backend.Document())
}

func TestStoreOrderTieBreak(t *testing.T) {
	h := newHarness(t, nil, nil)
	cfg := testConfig()
	cfg.TieBreak = TieBreakStore
	h.engine.UpdateConfig(cfg)
	h.snippets.add(1, "ig", "short")
	h.snippets.add(2, ";sig", "long")

	h.typeAndWait(";sig")
	assert.Equal(t, ";sshort", h.backend.Document())
}

func TestResetPreventsMatch(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, ";sig", "X")

	h.typeAndWait(";si\ng")
	assert.Equal(t, ";si\ng", h.backend.Document())

	h.backend.Press(keystroke.KeyLeft)
	h.typeAndWait(";sig")
	assert.Equal(t, uint64(1), h.engine.Stats().Expansions)
}

func TestBackspaceEditsBuffer(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, ";sig", "X")

	h.typeAndWait(";sx\big")
	assert.Equal(t, "X", h.backend.Document())
}

func TestStoreErrorDoesNotStopListening(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, ";a", "A")
	h.snippets.listErr = errors.New("database is locked")

	h.typeAndWait(";a")
	assert.Equal(t, uint64(2), h.engine.Stats().StoreErrors)

	h.snippets.listErr = nil
	h.typeAndWait("\n;a")
	assert.Equal(t, ";a\nA", h.backend.Document())
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, nil, &panickyResolver{})
	h.snippets.add(1, ";a", "A")

	h.typeAndWait(";a")
	assert.Equal(t, uint64(1), h.engine.Stats().Panics)

	h.typeAndWait(";a")
	assert.True(t, strings.HasSuffix(h.backend.Document(), "A"))
	assert.Equal(t, uint64(1), h.engine.Stats().Expansions)
}

// gatedBackend blocks content injection until released.
type gatedBackend struct {
	*keystroke.SimulatedBackend
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) InjectText(text string) error {
	if !strings.HasPrefix(text, "\b") {
		close(g.entered)
		<-g.release
	}
	return g.SimulatedBackend.InjectText(text)
}

func TestInputIgnoredWhileInjecting(t *testing.T) {
	sim := keystroke.NewSimulatedBackend()
	gated := &gatedBackend{SimulatedBackend: sim, entered: make(chan struct{}), release: make(chan struct{})}
	snippets := &memSnippets{}
	snippets.add(1, ";a", ";a again")

	e := New(gated, snippets, template.NewResolver(nil, nil, nil), testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	sim.Type(";a")
	<-gated.entered

	// Echo of the injected text, as a global hook would see it.
	sim.Type(";a")
	assert.Equal(t, "", e.Buffer())

	close(gated.release)
	e.Wait()
	assert.Equal(t, uint64(1), e.Stats().Expansions)
}

// echoBackend replays injected text back through the input handler
// shortly after injecting it, as global hooks do with synthetic input.
type echoBackend struct {
	*keystroke.SimulatedBackend
	mu      sync.Mutex
	handler keystroke.Handler
	echoes  sync.WaitGroup
}

func (b *echoBackend) Listen(ctx context.Context, h keystroke.Handler) error {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
	return b.SimulatedBackend.Listen(ctx, h)
}

func (b *echoBackend) InjectText(text string) error {
	if err := b.SimulatedBackend.InjectText(text); err != nil {
		return err
	}
	if strings.HasPrefix(text, "\b") {
		return nil
	}
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	b.echoes.Add(1)
	time.AfterFunc(5*time.Millisecond, func() {
		defer b.echoes.Done()
		for _, r := range text {
			h(keystroke.CharEvent(r))
		}
	})
	return nil
}

func newEchoEngine(t *testing.T, window time.Duration) (*Engine, *echoBackend, *memSnippets) {
	t.Helper()
	echo := &echoBackend{SimulatedBackend: keystroke.NewSimulatedBackend()}
	snippets := &memSnippets{}
	cfg := testConfig()
	cfg.EchoWindow = window
	e := New(echo, snippets, template.NewResolver(nil, nil, nil), cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.Start(ctx))
	return e, echo, snippets
}

func TestDelayedEchoDoesNotRetrigger(t *testing.T) {
	e, echo, snippets := newEchoEngine(t, 200*time.Millisecond)
	snippets.add(1, ";ty", "thank you ;ty")

	echo.Type(";ty")
	e.Wait()
	echo.echoes.Wait()
	e.Wait()

	assert.Equal(t, uint64(1), e.Stats().Expansions)
	assert.Equal(t, "thank you ;ty", echo.Document())
	assert.Equal(t, "", e.Buffer())

	// Typing resumes normally once the window has passed.
	time.Sleep(250 * time.Millisecond)
	echo.Type(" ;ty")
	e.Wait()
	echo.echoes.Wait()
	e.Wait()

	assert.Equal(t, uint64(2), e.Stats().Expansions)
	assert.Equal(t, "thank you ;ty thank you ;ty", echo.Document())
}

func TestDelayedPasteEchoDoesNotTrigger(t *testing.T) {
	e, echo, snippets := newEchoEngine(t, 200*time.Millisecond)
	snippets.add(1, ";ty", "thank you")

	require.NoError(t, e.PasteContent("see ;ty"))
	e.Wait()
	echo.echoes.Wait()
	e.Wait()

	assert.Equal(t, uint64(0), e.Stats().Expansions)
	assert.Equal(t, uint64(1), e.Stats().Pastes)
	assert.Equal(t, "see ;ty", echo.Document())
}

func TestExpansionLogOmitsKeyword(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sim := keystroke.NewSimulatedBackend()
	snippets := &memSnippets{}
	snippets.add(3, ";pw", "hunter2")

	e := New(sim, snippets, template.NewResolver(nil, nil, nil), testConfig(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	sim.Type(";pw")
	e.Wait()

	assert.Contains(t, buf.String(), "snippet expanded")
	assert.Contains(t, buf.String(), "snippet_id=3")
	assert.NotContains(t, buf.String(), ";pw")
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestPasteContent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.backend.Type("ab")

	require.NoError(t, h.engine.PasteContent("[{cursor}]"))
	h.engine.Wait()

	assert.Equal(t, "ab[]", h.backend.Document())
	assert.Equal(t, 3, h.backend.Cursor())
	assert.Equal(t, "ab", h.engine.Buffer())
	assert.Equal(t, uint64(1), h.engine.Stats().Pastes)

	assert.Error(t, h.engine.PasteContent(""))
}

func TestPasteContentResolveError(t *testing.T) {
	h := newHarness(t, nil, failingResolver{err: template.ErrResolve})
	err := h.engine.PasteContent("{snippet name=\"x\"}")
	assert.ErrorIs(t, err, template.ErrResolve)
	h.engine.Wait()
	assert.Empty(t, h.backend.Injections())
}

func TestClipboardRestoredAcrossExpansions(t *testing.T) {
	acc := clipboard.NewMemoryAccessor("precious")
	signal := clipboard.NewInternalChange()
	borrower := clipboard.NewBorrower(acc, signal, 0, nil)
	backend := keystroke.NewSimulatedPasteBackend(borrower, acc)

	h := newHarness(t, backend, template.NewResolver(nil, acc, nil))
	h.snippets.add(1, ";a", "alpha")
	h.snippets.add(2, ";b", "[{clipboard}]")
	h.snippets.add(3, ";c", "x{cursor}y")

	h.typeAndWait(";a")
	h.typeAndWait(" ;b")
	h.typeAndWait(" ")
	backend.KeyErr = errors.New("uinput write failed")
	h.typeAndWait(";c")
	backend.KeyErr = nil
	backend.PasteErr = errors.New("paste chord failed")
	h.typeAndWait(" ;a")

	assert.Equal(t, uint64(3), h.engine.Stats().InjectFailures)
	text, err := acc.ReadText()
	require.NoError(t, err)
	assert.Equal(t, "precious", text)
	assert.False(t, signal.Active())
	assert.Contains(t, backend.Document(), "alpha [precious] ")
}

func TestConcurrentDevices(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.snippets.add(1, "zzzz", "!")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.engine.Handle(keystroke.CharEvent('a'))
			}
		}()
	}
	wg.Wait()
	h.engine.Wait()

	assert.Equal(t, DefaultBufferSize, len([]rune(h.engine.Buffer())))
	assert.Zero(t, h.engine.Stats().Expansions)
}

func TestEngineWithSQLiteStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "snipd.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateSnippet("greeting", ";hi", "Hello, {snippet name=\"name\"}!")
	require.NoError(t, err)
	_, err = s.CreateSnippet("name", ";nm", "Ada")
	require.NoError(t, err)

	backend := keystroke.NewSimulatedBackend()
	e := New(backend, s, template.NewResolver(s, nil, nil), testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	backend.Type(";hi")
	e.Wait()

	assert.Equal(t, "Hello, Ada!", backend.Document())

	sn, err := s.FindSnippetByKeyword(";hi")
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, int64(1), sn.TimesUsed)
	assert.WithinDuration(t, time.Now(), sn.LastUsedAt, time.Minute)
}
