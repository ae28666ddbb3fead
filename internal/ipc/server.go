package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	version     string
	startedAt   time.Time
	logger      *slog.Logger

	maxConns       int
	readTimeout    time.Duration
	writeTimeout   time.Duration
	requestTimeout time.Duration

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Request ID counter for server-initiated messages
	nextRequestID atomic.Uint32

	// Event channel for broadcasting
	eventChan chan *Event
}

// Client represents a connected client
type Client struct {
	mu            sync.Mutex
	ID            string
	conn          net.Conn
	Permission    PermissionLevel
	Authenticated bool
	Version       string
	Name          string
	ConnectedAt   time.Time
	LastActivity  time.Time

	// Peer credentials captured at accept time, nil when the platform
	// cannot report them.
	Peer *PeerCredentials

	// Write serialization
	writeMu sync.Mutex
}

// HasPermission reports whether the client may perform operations that
// require level.
func (c *Client) HasPermission(level PermissionLevel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Authenticated && c.Permission >= level
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string // Unix socket path
	Version        string // Server version
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxConnections int
	Logger         *slog.Logger
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(runtimeDir, "snipd.sock"),
		Version:        "dev",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 10 * time.Second,
		MaxConnections: 16,
	}
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	def := DefaultServerConfig(filepath.Dir(cfg.SocketPath))
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		socketPath:     cfg.SocketPath,
		handler:        handler,
		version:        cfg.Version,
		logger:         logger.With("component", "ipc"),
		maxConns:       cfg.MaxConnections,
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		requestTimeout: cfg.RequestTimeout,
		clients:        make(map[string]*Client),
		subscribers:    make(map[string]*subscription),
		ctx:            ctx,
		cancel:         cancel,
		eventChan:      make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("ipc: server already running")
	}

	// Ensure socket directory exists
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.socketPath) {
		return fmt.Errorf("another daemon is listening on %s", s.socketPath)
	}
	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Owner only
	if err := SetSocketPermissions(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connections to close")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// StartedAt returns when the server started listening.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to all subscribed clients. Events are dropped
// when the queue is full or the server is stopped.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.logger.Debug("event queue full, dropping event", "type", event.Type.String())
	}
}

// acceptLoop accepts new connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()

		if count >= s.maxConns {
			s.logger.Warn("connection limit reached, rejecting client", "limit", s.maxConns)
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           generateClientID(),
			conn:         conn,
			Permission:   PermReadOnly, // until authenticated
			ConnectedAt:  now,
			LastActivity: now,
		}
		if cred, err := GetPeerCredentials(conn); err == nil {
			client.Peer = cred
		} else if !errors.Is(err, ErrPeerCredentialsUnsupported) {
			s.logger.Debug("peer credentials unavailable", "error", err)
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection handles a single client connection
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		delete(s.subscribers, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle client: keep the connection alive.
				if s.sendPing(client) != nil {
					return
				}
				continue
			}
			s.logger.Debug("dropping client", "client", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		// Replies to server pings carry nothing to answer.
		if msg.Header.Type == MsgPong {
			continue
		}

		response, err := s.processMessage(client, msg)
		if err != nil {
			s.logger.Warn("request failed", "type", fmt.Sprintf("0x%04x", uint16(msg.Header.Type)), "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

// processMessage processes a single message
func (s *Server) processMessage(client *Client, msg *Message) (resp *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in request handler", "panic", r)
			resp, err = NewErrorMessage(msg.Header.RequestID, ErrInternalError, "internal error"), nil
		}
	}()

	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgAuthenticate:
		return s.handleAuthenticate(client, msg)

	case MsgSubscribe:
		if !client.HasPermission(PermReadOnly) {
			return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "not authenticated"), nil
		}
		return s.handleSubscribe(client, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)

	default:
		client.mu.Lock()
		authenticated := client.Authenticated
		client.mu.Unlock()
		if !authenticated && msg.Header.Type != MsgStatusRequest {
			return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "not authenticated"), nil
		}

		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
		}
		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
		defer cancel()
		return s.handler.HandleMessage(ctx, client, msg)
	}
}

// handleHandshake processes handshake request
func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	perm := client.Permission
	client.mu.Unlock()

	resp := &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
		Permission:      perm,
	}

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// handleAuthenticate grants read-write access to peers running as the
// daemon's user (or root). Where the platform cannot report peer
// credentials the owner-only socket mode is the access check.
func (s *Server) handleAuthenticate(client *Client, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid auth request"), nil
	}

	resp := &AuthResponse{Success: true, Permission: PermReadWrite}
	switch {
	case req.Method != "" && req.Method != "peercred":
		resp = &AuthResponse{Error: fmt.Sprintf("unsupported auth method %q", req.Method)}
	case client.Peer != nil && client.Peer.UID != os.Getuid() && client.Peer.UID != 0:
		resp = &AuthResponse{Error: "peer belongs to another user"}
		s.logger.Warn("rejected client from another user", "client", client.ID, "uid", client.Peer.UID)
	case client.Peer != nil && client.Peer.PID != 0 && req.PID != 0 && client.Peer.PID != req.PID:
		resp = &AuthResponse{Error: "pid does not match peer credentials"}
	}

	if resp.Success {
		client.mu.Lock()
		client.Authenticated = true
		client.Permission = resp.Permission
		client.mu.Unlock()
	}

	return NewResponse(MsgAuthResponse, msg.Header.RequestID, resp)
}

// handleSubscribe processes event subscription
func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	sub := &subscription{
		clientID: client.ID,
		events:   make(map[EventType]bool, len(events)),
	}
	for _, et := range events {
		sub.events[et] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	resp := &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	}

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, resp)
}

// handleUnsubscribe processes event unsubscription
func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster broadcasts events to subscribers
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			s.deliver(event)
		}
	}
}

// BroadcastNow delivers event to subscribers before returning. Used for
// the shutdown notice, which must go out before connections close.
func (s *Server) BroadcastNow(event *Event) {
	if s.running.Load() {
		s.deliver(event)
	}
}

func (s *Server) deliver(event *Event) {
	var targets []*Client
	s.mu.RLock()
	for clientID, sub := range s.subscribers {
		if !sub.events[event.Type] {
			continue
		}
		if client, ok := s.clients[clientID]; ok {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		s.sendEvent(client, event)
	}
}

// sendEvent sends an event to a client
func (s *Server) sendEvent(client *Client, event *Event) {
	payload, err := Encode(event)
	if err != nil {
		return
	}

	msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
	if err := s.sendMessage(client, msg); err != nil {
		s.logger.Debug("event delivery failed", "client", client.ID, "error", err)
		client.conn.Close()
	}
}

// sendMessage sends a message to a client
func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(client.conn)
}

// sendPing sends a ping to keep connection alive
func (s *Server) sendPing(client *Client) error {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), nil)
	return s.sendMessage(client, msg)
}

func generateClientID() string {
	return "client-" + uuid.NewString()
}
