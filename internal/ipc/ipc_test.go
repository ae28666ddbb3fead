package ipc

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snipd/internal/config"
	"snipd/internal/expansion"
	"snipd/internal/store"
)

// =============================================================================
// Framing
// =============================================================================

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewResponse(MsgListSnippets, 42, &ListSnippetsRequest{Search: "sig"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+len(msg.Payload), buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgListSnippets, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, FlagJSON, got.Header.Flags)

	var req ListSnippetsRequest
	require.NoError(t, Decode(got.Payload, &req))
	assert.Equal(t, "sig", req.Search)
}

func TestReadMessageRejectsBadFrames(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Magic: 0xDEADBEEF, Version: ProtocolVersion}
	require.NoError(t, h.Write(&buf))
	_, err := ReadMessage(&buf)
	assert.ErrorContains(t, err, "invalid magic")

	buf.Reset()
	h = Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1}
	require.NoError(t, h.Write(&buf))
	_, err = ReadMessage(&buf)
	assert.ErrorContains(t, err, "unsupported protocol version")

	buf.Reset()
	h = Header{Magic: ProtocolMagic, Version: ProtocolVersion, Length: MaxPayloadSize + 1}
	require.NoError(t, h.Write(&buf))
	_, err = ReadMessage(&buf)
	assert.ErrorContains(t, err, "payload too large")
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "expansion", EventExpansion.String())
	assert.Equal(t, "daemon_shutdown", EventDaemonShutdown.String())
	assert.Equal(t, "event(99)", EventType(99).String())
}

// =============================================================================
// Server and client
// =============================================================================

type fakePaster struct {
	mu     sync.Mutex
	pasted []string
	err    error
}

func (f *fakePaster) PasteContent(raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pasted = append(f.pasted, raw)
	return nil
}

func (f *fakePaster) Stats() expansion.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return expansion.Stats{Pastes: uint64(len(f.pasted))}
}

func (f *fakePaster) Pasted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pasted...)
}

func (f *fakePaster) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeConfig struct {
	mu      sync.Mutex
	cfg     *config.Config
	reloads int
	err     error
}

func (f *fakeConfig) Path() string           { return "/etc/snipd/config.toml" }
func (f *fakeConfig) Config() *config.Config { return f.cfg }

func (f *fakeConfig) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.err
}

func (f *fakeConfig) Reloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

type testDaemon struct {
	server  *Server
	handler *DaemonHandler
	store   *store.Store
	paster  *fakePaster
	config  *fakeConfig
	socket  string
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	// Keep the path short enough for sun_path.
	dir, err := os.MkdirTemp("", "snipd-ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(filepath.Join(dir, "snipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := &testDaemon{
		store:  st,
		paster: &fakePaster{},
		config: &fakeConfig{cfg: config.DefaultConfig()},
		socket: filepath.Join(dir, "s.sock"),
	}
	d.handler = NewDaemonHandler(DaemonHandlerConfig{
		Version: "test",
		Store:   st,
		Paster:  d.paster,
		Config:  d.config,
		Backend: "simulated",
		Devices: func() []string { return []string{"/dev/input/event3", "/dev/input/event1"} },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	d.handler.SetListening(true)

	d.server, err = NewServer(ServerConfig{
		SocketPath: d.socket,
		Version:    "test",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, d.handler)
	require.NoError(t, err)
	d.handler.SetBroadcaster(d.server.Broadcast)
	require.NoError(t, d.server.Start())
	t.Cleanup(func() { d.server.Stop() })

	return d
}

func (d *testDaemon) connect(t *testing.T) *IPCClient {
	t.Helper()
	c := NewClient(DefaultClientConfig(d.socket))
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func errorCode(t *testing.T, err error) int {
	t.Helper()
	var resp *ErrorResponse
	require.True(t, errors.As(err, &resp), "want *ErrorResponse, got %v", err)
	return resp.Code
}

func TestClientConnectAndStatus(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	assert.True(t, c.IsConnected())
	assert.Equal(t, "test", c.ServerVersion())
	assert.Equal(t, PermReadWrite, c.Permission())
	assert.NotEmpty(t, c.SessionID())
	require.NoError(t, c.Ping())

	_, err := d.store.CreateSnippet("sig", ";sig", "Best")
	require.NoError(t, err)

	st, err := c.Status(true)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "simulated", st.Backend)
	assert.True(t, st.Listening)
	assert.Equal(t, int64(1), st.SnippetCount)
	assert.Equal(t, []string{"/dev/input/event1", "/dev/input/event3"}, st.Devices)
	assert.Contains(t, st.Config, "engine")
	assert.Equal(t, 1, d.server.ClientCount())
}

func TestDaemonNotRunning(t *testing.T) {
	dir, err := os.MkdirTemp("", "snipd-ipc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c := NewClient(DefaultClientConfig(filepath.Join(dir, "missing.sock")))
	assert.ErrorIs(t, c.Connect(), ErrDaemonNotRunning)
}

func TestSnippetCRUD(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	created, err := c.CreateSnippet("Signature", ";sig", "Best regards")
	require.NoError(t, err)
	require.NotNil(t, created.Snippet)
	id := created.Snippet.ID

	_, err = c.CreateSnippet("Other", ";sig", "dup")
	assert.Equal(t, ErrAlreadyExists, errorCode(t, err))

	_, err = c.CreateSnippet("", ";x", "missing name")
	assert.Equal(t, ErrInvalidRequest, errorCode(t, err))

	assert.Empty(t, created.Warnings)

	updated, err := c.UpdateSnippet(id, "Signature", ";sg", "Cheers {clipboard | upper}")
	require.NoError(t, err)
	assert.Equal(t, ";sg", updated.Snippet.Keyword)
	assert.Equal(t, "Cheers {clipboard | upper}", updated.Snippet.Content)
	assert.Equal(t, []string{`unknown modifier "upper" is ignored`}, updated.Warnings)

	list, err := c.ListSnippets("")
	require.NoError(t, err)
	require.Len(t, list.Snippets, 1)
	assert.Equal(t, id, list.Snippets[0].ID)

	list, err = c.ListSnippets("nomatch")
	require.NoError(t, err)
	assert.Empty(t, list.Snippets)

	require.NoError(t, c.DeleteSnippet(id))
	assert.Equal(t, ErrNotFound, errorCode(t, c.DeleteSnippet(id)))
}

func TestImportSnippets(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	doc := []byte(`[{"name":"Greeting","text":"Hello {clipboard}","keyword":";hi"}]`)
	res, err := c.ImportSnippets(doc, "json")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SnippetsAdded)

	res, err = c.ImportSnippets(doc, "json")
	require.NoError(t, err)
	assert.Equal(t, 0, res.SnippetsAdded)
	assert.Equal(t, 1, res.DuplicatesSkipped)

	_, err = c.ImportSnippets([]byte(`{"not":"a list"}`), "json")
	var remote *ErrorResponse
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInvalidRequest, remote.Code)
}

func TestPaste(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	sn, err := d.store.CreateSnippet("addr", ";addr", "1 Main St")
	require.NoError(t, err)

	require.NoError(t, c.PasteSnippet(sn.ID))
	require.NoError(t, c.PasteContent("raw {date}"))
	assert.Equal(t, []string{"1 Main St", "raw {date}"}, d.paster.Pasted())

	assert.Equal(t, ErrNotFound, errorCode(t, c.PasteSnippet(9999)))

	d.paster.setErr(errors.New("paste: empty content"))
	assert.Equal(t, ErrInvalidRequest, errorCode(t, c.PasteContent("")))
}

func TestPasteRefusedWhenCaptureDown(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	d.handler.SetCaptureError(errors.New("no keyboard devices found"))

	assert.Equal(t, ErrCaptureDown, errorCode(t, c.PasteContent("x")))

	st, err := c.Status(false)
	require.NoError(t, err)
	assert.False(t, st.Listening)
	assert.Equal(t, "no keyboard devices found", st.CaptureError)
}

func TestClipboardHistory(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	require.NoError(t, d.store.RecordClipboard("first"))
	require.NoError(t, d.store.RecordClipboard("second"))

	hist, err := c.ClipboardHistory(10)
	require.NoError(t, err)
	require.Len(t, hist.Items, 2)
	assert.Equal(t, "second", hist.Items[0].Content)

	n, err := c.ClearHistory()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	hist, err = c.ClipboardHistory(10)
	require.NoError(t, err)
	assert.Empty(t, hist.Items)
}

func TestPinnedHistorySurvivesClear(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	require.NoError(t, d.store.RecordClipboard("keep me"))
	require.NoError(t, d.store.RecordClipboard("scratch"))

	hist, err := c.ClipboardHistory(10)
	require.NoError(t, err)
	require.Len(t, hist.Items, 2)
	keep := hist.Items[1]
	require.Equal(t, "keep me", keep.Content)

	require.NoError(t, c.PinHistory(keep.ID, true))

	n, err := c.ClearHistory()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	hist, err = c.ClipboardHistory(10)
	require.NoError(t, err)
	require.Len(t, hist.Items, 1)
	assert.Equal(t, keep.ID, hist.Items[0].ID)
	assert.True(t, hist.Items[0].Pinned)

	require.NoError(t, c.PinHistory(keep.ID, false))
	n, err = c.ClearHistory()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, ErrNotFound, errorCode(t, c.PinHistory(keep.ID, true)))
	assert.Equal(t, ErrInvalidRequest, errorCode(t, c.PinHistory(0, true)))
}

func TestConfigRequests(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	cfg, err := c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "/etc/snipd/config.toml", cfg.Path)
	assert.Contains(t, cfg.Config, "clipboard")

	_, err = c.ReloadConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, d.config.Reloads())

	d.config.mu.Lock()
	d.config.err = errors.New("engine.buffer_size: out of range")
	d.config.mu.Unlock()
	_, err = c.ReloadConfig()
	assert.Equal(t, ErrInvalidRequest, errorCode(t, err))
}

func TestEventsReachSubscribers(t *testing.T) {
	d := newTestDaemon(t)
	watcher := d.connect(t)
	writer := d.connect(t)

	require.NoError(t, watcher.Subscribe([]EventType{EventSnippetsChanged}))

	_, err := writer.CreateSnippet("n", ";n", "x")
	require.NoError(t, err)

	select {
	case ev := <-watcher.Events():
		require.NotNil(t, ev)
		assert.Equal(t, EventSnippetsChanged, ev.Type)
		assert.Contains(t, string(ev.Data), `"create"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	// Not subscribed to this type.
	d.server.Broadcast(NewEvent(EventExpansion, nil))
	select {
	case ev := <-watcher.Events():
		t.Fatalf("unexpected event %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnauthenticatedClientIsLimited(t *testing.T) {
	d := newTestDaemon(t)

	conn, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(msgType MessageType, payload any) *Message {
		t.Helper()
		msg, err := NewResponse(msgType, 1, payload)
		require.NoError(t, err)
		require.NoError(t, msg.Write(conn))
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		resp, err := ReadMessage(conn)
		require.NoError(t, err)
		return resp
	}

	resp := roundTrip(MsgListSnippets, &ListSnippetsRequest{})
	require.Equal(t, MsgError, resp.Header.Type)
	var er ErrorResponse
	require.NoError(t, Decode(resp.Payload, &er))
	assert.Equal(t, ErrPermissionDenied, er.Code)

	resp = roundTrip(MsgStatusRequest, &StatusRequest{IncludeConfig: true})
	require.Equal(t, MsgStatusResponse, resp.Header.Type)
	var st StatusResponse
	require.NoError(t, Decode(resp.Payload, &st))
	assert.Equal(t, "test", st.Version)
	assert.Nil(t, st.Config)
	assert.Nil(t, st.Devices)
	assert.Zero(t, st.SnippetCount)

	resp = roundTrip(MsgPinHistory, &PinHistoryRequest{ID: 1, Pinned: true})
	require.Equal(t, MsgError, resp.Header.Type)
	require.NoError(t, Decode(resp.Payload, &er))
	assert.Equal(t, ErrPermissionDenied, er.Code)
}

func TestServerRefusesSecondInstance(t *testing.T) {
	d := newTestDaemon(t)

	other, err := NewServer(ServerConfig{SocketPath: d.socket, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, d.handler)
	require.NoError(t, err)
	assert.ErrorContains(t, other.Start(), "another daemon")
}

func TestCleanupSocketRefusesRegularFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("socket files are plain files on windows")
	}
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.Error(t, CleanupSocket(path))
	assert.NoError(t, CleanupSocket(filepath.Join(t.TempDir(), "absent")))
}

func TestServerStopRemovesSocket(t *testing.T) {
	d := newTestDaemon(t)
	c := d.connect(t)

	require.NoError(t, d.server.Stop())
	_, err := os.Stat(d.socket)
	assert.True(t, os.IsNotExist(err))

	// The client notices the closed connection.
	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed")
	}
}

func TestPeerCredentials(t *testing.T) {
	d := newTestDaemon(t)

	conn, err := net.Dial("unix", d.socket)
	require.NoError(t, err)
	defer conn.Close()

	ok, err := VerifyPeerIsCurrentUser(conn)
	if errors.Is(err, ErrPeerCredentialsUnsupported) {
		t.Skip("peer credentials unsupported")
	}
	require.NoError(t, err)
	assert.True(t, ok)
}
