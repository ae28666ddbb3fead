// Package ipc provides communication between the snipd daemon and its
// clients (snipctl, the launcher UI, scripts).
//
// The protocol is:
//   - request/response for commands
//   - event streaming for expansion and daemon notifications
//   - a fixed 16-byte header followed by a JSON payload
//   - versioned for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"snipd/internal/clipboard"
	"snipd/internal/expansion"
	"snipd/internal/store"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x534E4950 // "SNIP"
)

// MaxPayloadSize bounds a single message payload.
const MaxPayloadSize = 16 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Snippet management (0x02xx)
	MsgListSnippets       MessageType = 0x0200
	MsgListSnippetsResp   MessageType = 0x0201
	MsgCreateSnippet      MessageType = 0x0202
	MsgCreateSnippetResp  MessageType = 0x0203
	MsgUpdateSnippet      MessageType = 0x0204
	MsgUpdateSnippetResp  MessageType = 0x0205
	MsgDeleteSnippet      MessageType = 0x0206
	MsgDeleteSnippetResp  MessageType = 0x0207
	MsgImportSnippets     MessageType = 0x0208
	MsgImportSnippetsResp MessageType = 0x0209

	// Paste operations (0x03xx)
	MsgPasteSnippet     MessageType = 0x0300
	MsgPasteSnippetResp MessageType = 0x0301
	MsgPasteContent     MessageType = 0x0302
	MsgPasteContentResp MessageType = 0x0303

	// Clipboard history (0x04xx)
	MsgClipboardHistory     MessageType = 0x0400
	MsgClipboardHistoryResp MessageType = 0x0401
	MsgClearHistory         MessageType = 0x0402
	MsgClearHistoryResp     MessageType = 0x0403
	MsgPinHistory           MessageType = 0x0404
	MsgPinHistoryResp       MessageType = 0x0405

	// Configuration (0x05xx)
	MsgGetConfig        MessageType = 0x0500
	MsgGetConfigResp    MessageType = 0x0501
	MsgReloadConfig     MessageType = 0x0502
	MsgReloadConfigResp MessageType = 0x0503

	// Event streaming (0x06xx)
	MsgSubscribe       MessageType = 0x0600
	MsgSubscribeResp   MessageType = 0x0601
	MsgUnsubscribe     MessageType = 0x0602
	MsgUnsubscribeResp MessageType = 0x0603
	MsgEvent           MessageType = 0x0604
)

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventExpansion       EventType = 0x0001
	EventCaptureError    EventType = 0x0002
	EventConfigReloaded  EventType = 0x0003
	EventSnippetsChanged EventType = 0x0004
	EventDaemonShutdown  EventType = 0x0005
)

// AllEvents lists every event type, used when a subscription names none.
var AllEvents = []EventType{
	EventExpansion,
	EventCaptureError,
	EventConfigReloaded,
	EventSnippetsChanged,
	EventDaemonShutdown,
}

func (e EventType) String() string {
	switch e {
	case EventExpansion:
		return "expansion"
	case EventCaptureError:
		return "capture_error"
	case EventConfigReloaded:
		return "config_reloaded"
	case EventSnippetsChanged:
		return "snippets_changed"
	case EventDaemonShutdown:
		return "daemon_shutdown"
	default:
		return fmt.Sprintf("event(%d)", uint16(e))
	}
}

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer in a single call so concurrent
// writers on a stream socket never interleave partial frames.
func (m *Message) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize+len(m.Payload))
	h := m.Header
	h.Length = uint32(len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
}

// AuthRequest is sent to authenticate a client
type AuthRequest struct {
	Method string `json:"method"` // "peercred"
	PID    int    `json:"pid,omitempty"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *ErrorResponse) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrAlreadyExists    = 6
	ErrNotInitialized   = 7
	ErrCaptureDown      = 8
)

// StatusRequest requests daemon status
type StatusRequest struct {
	IncludeConfig bool `json:"include_config,omitempty"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version       string                  `json:"version"`
	Uptime        time.Duration           `json:"uptime"`
	StartedAt     time.Time               `json:"started_at"`
	Backend       string                  `json:"backend"`
	Listening     bool                    `json:"listening"`
	CaptureError  string                  `json:"capture_error,omitempty"`
	Devices       []string                `json:"devices,omitempty"`
	SnippetCount  int64                   `json:"snippet_count"`
	SchemaVersion int                     `json:"schema_version"`
	Engine        expansion.Stats         `json:"engine"`
	History       *clipboard.MonitorStats `json:"history,omitempty"`
	Config        map[string]any          `json:"config,omitempty"`
}

// ListSnippetsRequest lists snippets matching Search (all when empty).
type ListSnippetsRequest struct {
	Search string `json:"search,omitempty"`
}

// ListSnippetsResponse contains snippets in store order.
type ListSnippetsResponse struct {
	Snippets []store.Snippet `json:"snippets"`
}

// SnippetRequest creates or updates a snippet.
type SnippetRequest struct {
	ID      int64  `json:"id,omitempty"`
	Name    string `json:"name"`
	Keyword string `json:"keyword"`
	Content string `json:"content"`
}

// SnippetResponse returns the affected snippet. Warnings name template
// problems that do not prevent saving, such as unknown modifiers.
type SnippetResponse struct {
	Snippet  *store.Snippet `json:"snippet,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// DeleteSnippetRequest deletes a snippet by ID.
type DeleteSnippetRequest struct {
	ID int64 `json:"id"`
}

// ImportSnippetsRequest imports a JSON or YAML snippet list.
type ImportSnippetsRequest struct {
	Format string `json:"format"` // "json", "yaml"
	Data   []byte `json:"data"`
}

// PasteSnippetRequest pastes a stored snippet's content at the caret.
type PasteSnippetRequest struct {
	ID int64 `json:"id"`
}

// PasteContentRequest pastes raw template text at the caret.
type PasteContentRequest struct {
	Content string `json:"content"`
}

// ClipboardHistoryRequest lists the newest history entries.
type ClipboardHistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ClipboardHistoryResponse contains history entries, newest first.
type ClipboardHistoryResponse struct {
	Items []store.ClipboardItem `json:"items"`
}

// PinHistoryRequest pins or unpins a clipboard history entry. Pinned
// entries survive pruning and clear-history.
type PinHistoryRequest struct {
	ID     int64 `json:"id"`
	Pinned bool  `json:"pinned"`
}

// CountResponse reports how many rows an operation affected.
type CountResponse struct {
	Count int64 `json:"count"`
}

// ConfigResponse contains configuration
type ConfigResponse struct {
	Path   string         `json:"path,omitempty"`
	Config map[string]any `json:"config"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an Event.
func NewEvent(t EventType, data any) *Event {
	ev := &Event{Type: t, Timestamp: time.Now()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
