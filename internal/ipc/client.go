package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"snipd/internal/store"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient is the client for communicating with the snipd daemon
type IPCClient struct {
	mu         sync.RWMutex
	conn       net.Conn
	sessionID  string
	version    string
	permission PermissionLevel

	connected atomic.Bool
	writeMu   sync.Mutex

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	// Event handling
	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "snipctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// EventHandler is called when events are received
type EventHandler func(event *Event)

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

// Connect establishes a connection to the daemon, then performs the
// handshake and authenticates.
func (c *IPCClient) Connect() error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.config.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	// The handshake goes through request, which reads c.conn under the
	// read lock, so it must run without holding c.mu.
	if err := c.handshake(); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.authenticate(); err != nil {
		c.close()
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// Close closes the connection to the daemon
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// close closes the connection without signaling shutdown
func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	// Cancel all pending requests
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// SessionID returns the session ID assigned by the server
func (c *IPCClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ServerVersion returns the version reported in the handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Permission returns the access level granted by the server.
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// SetEventHandler sets the handler for streamed events
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the event channel. It is closed when the connection ends.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake() error {
	req := &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}

	var ack HandshakeResponse
	if err := c.call(MsgHandshake, MsgHandshakeAck, req, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionID = ack.SessionID
	c.version = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()
	return nil
}

func (c *IPCClient) authenticate() error {
	req := &AuthRequest{
		Method: "peercred",
		PID:    os.Getpid(),
	}

	var authResp AuthResponse
	if err := c.call(MsgAuthenticate, MsgAuthResponse, req, &authResp); err != nil {
		return err
	}
	if !authResp.Success {
		return fmt.Errorf("authentication failed: %s", authResp.Error)
	}

	c.mu.Lock()
	c.permission = authResp.Permission
	c.mu.Unlock()
	return nil
}

// call sends a request, checks the response type and decodes the payload
// into out. Daemon-side failures are returned as *ErrorResponse.
func (c *IPCClient) call(msgType, wantType MessageType, payload, out any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type == MsgError {
		var errResp ErrorResponse
		if err := Decode(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &errResp
	}
	if resp.Header.Type != wantType {
		return fmt.Errorf("unexpected response type: 0x%04x", uint16(resp.Header.Type))
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return Decode(resp.Payload, out)
}

// request sends a request and waits for a response
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

// requestWithTimeout sends a request with a custom timeout
func (c *IPCClient) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

// readLoop reads messages until the connection ends, then closes the
// event channel.
func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.eventChan)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.close()
			}
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage processes an incoming message
func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
			// Channel full, drop event
		}

		c.eventMu.RLock()
		handler := c.eventHandler
		c.eventMu.RUnlock()
		if handler != nil {
			go handler(&event)
		}

	default:
		// Response to a request
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Status requests the daemon status
func (c *IPCClient) Status(includeConfig bool) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.call(MsgStatusRequest, MsgStatusResponse, &StatusRequest{IncludeConfig: includeConfig}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: 0x%04x", uint16(resp.Header.Type))
	}
	return nil
}

// ListSnippets lists snippets, filtered by search when non-empty.
func (c *IPCClient) ListSnippets(search string) (*ListSnippetsResponse, error) {
	var result ListSnippetsResponse
	if err := c.call(MsgListSnippets, MsgListSnippetsResp, &ListSnippetsRequest{Search: search}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSnippet adds a snippet.
func (c *IPCClient) CreateSnippet(name, keyword, content string) (*SnippetResponse, error) {
	req := &SnippetRequest{Name: name, Keyword: keyword, Content: content}
	var result SnippetResponse
	if err := c.call(MsgCreateSnippet, MsgCreateSnippetResp, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateSnippet replaces a snippet's fields.
func (c *IPCClient) UpdateSnippet(id int64, name, keyword, content string) (*SnippetResponse, error) {
	req := &SnippetRequest{ID: id, Name: name, Keyword: keyword, Content: content}
	var result SnippetResponse
	if err := c.call(MsgUpdateSnippet, MsgUpdateSnippetResp, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteSnippet removes a snippet.
func (c *IPCClient) DeleteSnippet(id int64) error {
	return c.call(MsgDeleteSnippet, MsgDeleteSnippetResp, &DeleteSnippetRequest{ID: id}, nil)
}

// ImportSnippets sends an import document to the daemon.
func (c *IPCClient) ImportSnippets(data []byte, format string) (*store.ImportResult, error) {
	var result store.ImportResult
	if err := c.call(MsgImportSnippets, MsgImportSnippetsResp, &ImportSnippetsRequest{Format: format, Data: data}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PasteSnippet asks the daemon to paste a stored snippet at the caret.
func (c *IPCClient) PasteSnippet(id int64) error {
	return c.call(MsgPasteSnippet, MsgPasteSnippetResp, &PasteSnippetRequest{ID: id}, nil)
}

// PasteContent asks the daemon to resolve and paste raw template text.
func (c *IPCClient) PasteContent(content string) error {
	return c.call(MsgPasteContent, MsgPasteContentResp, &PasteContentRequest{Content: content}, nil)
}

// ClipboardHistory lists recent clipboard entries, newest first.
func (c *IPCClient) ClipboardHistory(limit int) (*ClipboardHistoryResponse, error) {
	var result ClipboardHistoryResponse
	if err := c.call(MsgClipboardHistory, MsgClipboardHistoryResp, &ClipboardHistoryRequest{Limit: limit}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearHistory deletes unpinned clipboard history and returns how many
// entries were removed.
func (c *IPCClient) ClearHistory() (int64, error) {
	var result CountResponse
	if err := c.call(MsgClearHistory, MsgClearHistoryResp, nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// PinHistory pins or unpins a clipboard history entry.
func (c *IPCClient) PinHistory(id int64, pinned bool) error {
	return c.call(MsgPinHistory, MsgPinHistoryResp, &PinHistoryRequest{ID: id, Pinned: pinned}, nil)
}

// GetConfig gets daemon configuration
func (c *IPCClient) GetConfig() (*ConfigResponse, error) {
	var result ConfigResponse
	if err := c.call(MsgGetConfig, MsgGetConfigResp, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReloadConfig asks the daemon to re-read its config file.
func (c *IPCClient) ReloadConfig() (*ConfigResponse, error) {
	var result ConfigResponse
	if err := c.call(MsgReloadConfig, MsgReloadConfigResp, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe subscribes to events. An empty list subscribes to all.
func (c *IPCClient) Subscribe(events []EventType) error {
	var result SubscribeResponse
	if err := c.call(MsgSubscribe, MsgSubscribeResp, &SubscribeRequest{Events: events}, &result); err != nil {
		return err
	}
	if !result.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe unsubscribes from events
func (c *IPCClient) Unsubscribe() error {
	return c.call(MsgUnsubscribe, MsgUnsubscribeResp, nil, nil)
}
