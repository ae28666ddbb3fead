package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"snipd/internal/clipboard"
	"snipd/internal/config"
	"snipd/internal/expansion"
	"snipd/internal/store"
	"snipd/internal/template"
)

// SnippetStore is the subset of the store the daemon exposes over IPC.
type SnippetStore interface {
	ListSnippets(search string) ([]store.Snippet, error)
	GetSnippet(id int64) (*store.Snippet, error)
	CreateSnippet(name, keyword, content string) (*store.Snippet, error)
	UpdateSnippet(id int64, name, keyword, content string) error
	DeleteSnippet(id int64) error
	CountSnippets() (int64, error)
	ImportSnippets(data []byte, format store.ImportFormat) (*store.ImportResult, error)
	ListClipboardHistory(limit int) ([]store.ClipboardItem, error)
	ClearClipboardHistory() (int64, error)
	SetClipboardPinned(id int64, pinned bool) error
}

// Paster injects text at the caret on behalf of a client.
type Paster interface {
	PasteContent(raw string) error
	Stats() expansion.Stats
}

// ConfigSource provides the live configuration.
type ConfigSource interface {
	Path() string
	Config() *config.Config
	Reload() error
}

// DaemonHandler implements the Handler interface for the snipd daemon
type DaemonHandler struct {
	mu        sync.RWMutex
	version   string
	startedAt time.Time
	logger    *slog.Logger

	store         SnippetStore
	paster        Paster
	monitor       *clipboard.Monitor
	config        ConfigSource
	schemaVersion int

	backend      string
	devices      func() []string
	listening    bool
	captureError string

	// Event broadcaster (for sending events to clients)
	broadcaster func(*Event)
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Version       string
	Store         SnippetStore
	Paster        Paster
	Monitor       *clipboard.Monitor // nil when history is disabled
	Config        ConfigSource
	SchemaVersion int
	Backend       string
	Devices       func() []string // nil when the backend has no device list
	Logger        *slog.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonHandler{
		version:       cfg.Version,
		startedAt:     time.Now(),
		logger:        logger.With("component", "ipc-handler"),
		store:         cfg.Store,
		paster:        cfg.Paster,
		monitor:       cfg.Monitor,
		config:        cfg.Config,
		schemaVersion: cfg.SchemaVersion,
		backend:       cfg.Backend,
		devices:       cfg.Devices,
	}
}

// SetBroadcaster sets the function used to broadcast events
func (h *DaemonHandler) SetBroadcaster(broadcaster func(*Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = broadcaster
}

// SetListening records whether input capture is running.
func (h *DaemonHandler) SetListening(listening bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listening = listening
	if listening {
		h.captureError = ""
	}
}

// SetCaptureError records why input capture stopped and notifies
// subscribers. The daemon keeps serving IPC without expansion.
func (h *DaemonHandler) SetCaptureError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.listening = false
	h.captureError = err.Error()
	h.mu.Unlock()

	h.broadcast(NewEvent(EventCaptureError, map[string]string{"error": err.Error()}))
}

func (h *DaemonHandler) broadcast(ev *Event) {
	h.mu.RLock()
	b := h.broadcaster
	h.mu.RUnlock()
	if b != nil {
		b(ev)
	}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if requiresWrite(msg.Header.Type) && !client.HasPermission(PermReadWrite) {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "read-write access required"), nil
	}

	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, client, msg)

	case MsgListSnippets:
		return h.handleListSnippets(ctx, msg)
	case MsgCreateSnippet:
		return h.handleCreateSnippet(ctx, msg)
	case MsgUpdateSnippet:
		return h.handleUpdateSnippet(ctx, msg)
	case MsgDeleteSnippet:
		return h.handleDeleteSnippet(ctx, msg)
	case MsgImportSnippets:
		return h.handleImportSnippets(ctx, msg)

	case MsgPasteSnippet:
		return h.handlePasteSnippet(ctx, msg)
	case MsgPasteContent:
		return h.handlePasteContent(ctx, msg)

	case MsgClipboardHistory:
		return h.handleClipboardHistory(ctx, msg)
	case MsgClearHistory:
		return h.handleClearHistory(ctx, msg)
	case MsgPinHistory:
		return h.handlePinHistory(ctx, msg)

	case MsgGetConfig:
		return h.handleGetConfig(ctx, msg)
	case MsgReloadConfig:
		return h.handleReloadConfig(ctx, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: 0x%04x", uint16(msg.Header.Type))), nil
	}
}

func requiresWrite(t MessageType) bool {
	switch t {
	case MsgCreateSnippet, MsgUpdateSnippet, MsgDeleteSnippet, MsgImportSnippets,
		MsgPasteSnippet, MsgPasteContent, MsgClearHistory, MsgPinHistory, MsgReloadConfig:
		return true
	}
	return false
}

// handleStatus handles status requests. Unauthenticated clients get the
// liveness fields only.
func (h *DaemonHandler) handleStatus(_ context.Context, client *Client, msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	h.mu.RLock()
	resp := &StatusResponse{
		Version:       h.version,
		Uptime:        time.Since(h.startedAt),
		StartedAt:     h.startedAt,
		Backend:       h.backend,
		Listening:     h.listening,
		CaptureError:  h.captureError,
		SchemaVersion: h.schemaVersion,
	}
	h.mu.RUnlock()

	if !client.HasPermission(PermReadOnly) {
		return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
	}

	if h.store != nil {
		n, err := h.store.CountSnippets()
		if err != nil {
			h.logger.Warn("count snippets failed", "error", err)
		}
		resp.SnippetCount = n
	}
	if h.paster != nil {
		resp.Engine = h.paster.Stats()
	}
	if h.devices != nil {
		resp.Devices = h.devices()
		slices.Sort(resp.Devices)
	}
	if h.monitor != nil {
		stats := h.monitor.Stats()
		resp.History = &stats
	}
	if req.IncludeConfig && h.config != nil {
		m, err := configMap(h.config.Config())
		if err != nil {
			return nil, err
		}
		resp.Config = m
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleListSnippets(_ context.Context, msg *Message) (*Message, error) {
	var req ListSnippetsRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	snippets, err := h.store.ListSnippets(req.Search)
	if err != nil {
		return storeError(msg, err), nil
	}
	if snippets == nil {
		snippets = []store.Snippet{}
	}
	return NewResponse(MsgListSnippetsResp, msg.Header.RequestID, &ListSnippetsResponse{Snippets: snippets})
}

func (h *DaemonHandler) handleCreateSnippet(_ context.Context, msg *Message) (*Message, error) {
	var req SnippetRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	sn, err := h.store.CreateSnippet(req.Name, req.Keyword, req.Content)
	if err != nil {
		return storeError(msg, err), nil
	}
	h.logger.Info("snippet created", "id", sn.ID)
	h.broadcast(NewEvent(EventSnippetsChanged, map[string]any{"action": "create", "id": sn.ID}))
	return NewResponse(MsgCreateSnippetResp, msg.Header.RequestID, snippetResponse(sn))
}

func (h *DaemonHandler) handleUpdateSnippet(_ context.Context, msg *Message) (*Message, error) {
	var req SnippetRequest
	if err := Decode(msg.Payload, &req); err != nil || req.ID == 0 {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if err := h.store.UpdateSnippet(req.ID, req.Name, req.Keyword, req.Content); err != nil {
		return storeError(msg, err), nil
	}
	sn, err := h.store.GetSnippet(req.ID)
	if err != nil {
		return storeError(msg, err), nil
	}
	h.broadcast(NewEvent(EventSnippetsChanged, map[string]any{"action": "update", "id": req.ID}))
	return NewResponse(MsgUpdateSnippetResp, msg.Header.RequestID, snippetResponse(sn))
}

func snippetResponse(sn *store.Snippet) *SnippetResponse {
	resp := &SnippetResponse{Snippet: sn}
	if sn == nil {
		return resp
	}
	for _, name := range template.UnknownModifiers(sn.Content) {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("unknown modifier %q is ignored", name))
	}
	return resp
}

func (h *DaemonHandler) handleDeleteSnippet(_ context.Context, msg *Message) (*Message, error) {
	var req DeleteSnippetRequest
	if err := Decode(msg.Payload, &req); err != nil || req.ID == 0 {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	if err := h.store.DeleteSnippet(req.ID); err != nil {
		return storeError(msg, err), nil
	}
	h.broadcast(NewEvent(EventSnippetsChanged, map[string]any{"action": "delete", "id": req.ID}))
	return NewMessage(MsgDeleteSnippetResp, msg.Header.RequestID, nil), nil
}

func (h *DaemonHandler) handleImportSnippets(_ context.Context, msg *Message) (*Message, error) {
	var req ImportSnippetsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	format := store.ImportFormat(req.Format)
	if format == "" {
		format = store.ImportJSON
	}
	result, err := h.store.ImportSnippets(req.Data, format)
	if err != nil {
		return storeError(msg, err), nil
	}
	h.logger.Info("snippets imported", "added", result.SnippetsAdded, "skipped", result.DuplicatesSkipped)
	if result.SnippetsAdded > 0 {
		h.broadcast(NewEvent(EventSnippetsChanged, map[string]any{"action": "import", "added": result.SnippetsAdded}))
	}
	return NewResponse(MsgImportSnippetsResp, msg.Header.RequestID, result)
}

func (h *DaemonHandler) handlePasteSnippet(_ context.Context, msg *Message) (*Message, error) {
	var req PasteSnippetRequest
	if err := Decode(msg.Payload, &req); err != nil || req.ID == 0 {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}

	sn, err := h.store.GetSnippet(req.ID)
	if err != nil {
		return storeError(msg, err), nil
	}
	if sn == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, fmt.Sprintf("snippet %d not found", req.ID)), nil
	}
	return h.paste(msg, MsgPasteSnippetResp, sn.Content)
}

func (h *DaemonHandler) handlePasteContent(_ context.Context, msg *Message) (*Message, error) {
	var req PasteContentRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	return h.paste(msg, MsgPasteContentResp, req.Content)
}

func (h *DaemonHandler) paste(msg *Message, respType MessageType, content string) (*Message, error) {
	if h.paster == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "expansion engine not running"), nil
	}
	h.mu.RLock()
	captureErr := h.captureError
	h.mu.RUnlock()
	if captureErr != "" {
		return NewErrorMessage(msg.Header.RequestID, ErrCaptureDown, "input capture unavailable: "+captureErr), nil
	}

	if err := h.paster.PasteContent(content); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	return NewMessage(respType, msg.Header.RequestID, nil), nil
}

func (h *DaemonHandler) handleClipboardHistory(_ context.Context, msg *Message) (*Message, error) {
	var req ClipboardHistoryRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
		}
	}

	items, err := h.store.ListClipboardHistory(req.Limit)
	if err != nil {
		return storeError(msg, err), nil
	}
	if items == nil {
		items = []store.ClipboardItem{}
	}
	return NewResponse(MsgClipboardHistoryResp, msg.Header.RequestID, &ClipboardHistoryResponse{Items: items})
}

func (h *DaemonHandler) handleClearHistory(_ context.Context, msg *Message) (*Message, error) {
	n, err := h.store.ClearClipboardHistory()
	if err != nil {
		return storeError(msg, err), nil
	}
	h.logger.Info("clipboard history cleared", "removed", n)
	return NewResponse(MsgClearHistoryResp, msg.Header.RequestID, &CountResponse{Count: n})
}

func (h *DaemonHandler) handlePinHistory(_ context.Context, msg *Message) (*Message, error) {
	var req PinHistoryRequest
	if err := Decode(msg.Payload, &req); err != nil || req.ID == 0 {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request"), nil
	}
	if err := h.store.SetClipboardPinned(req.ID, req.Pinned); err != nil {
		return storeError(msg, err), nil
	}
	return NewMessage(MsgPinHistoryResp, msg.Header.RequestID, nil), nil
}

func (h *DaemonHandler) handleGetConfig(_ context.Context, msg *Message) (*Message, error) {
	if h.config == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "no configuration loaded"), nil
	}
	m, err := configMap(h.config.Config())
	if err != nil {
		return nil, err
	}
	return NewResponse(MsgGetConfigResp, msg.Header.RequestID, &ConfigResponse{
		Path:   h.config.Path(),
		Config: m,
	})
}

// handleReloadConfig re-reads the config file. Listeners registered on the
// loader apply the new values; the event goes out from there.
func (h *DaemonHandler) handleReloadConfig(_ context.Context, msg *Message) (*Message, error) {
	if h.config == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "no configuration loaded"), nil
	}
	if err := h.config.Reload(); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	m, err := configMap(h.config.Config())
	if err != nil {
		return nil, err
	}
	return NewResponse(MsgReloadConfigResp, msg.Header.RequestID, &ConfigResponse{
		Path:   h.config.Path(),
		Config: m,
	})
}

func configMap(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return m, nil
}

// storeError maps store sentinel errors onto protocol error codes.
func storeError(msg *Message, err error) *Message {
	code := ErrInternalError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = ErrNotFound
	case errors.Is(err, store.ErrDuplicateKeyword):
		code = ErrAlreadyExists
	case errors.Is(err, store.ErrInvalidSnippet), errors.Is(err, store.ErrInvalidImport):
		code = ErrInvalidRequest
	}
	return NewErrorMessage(msg.Header.RequestID, code, err.Error())
}
