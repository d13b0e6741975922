package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// DefaultPath is the HTTP path the transport upgrades on.
	DefaultPath = "/ws"
	// DefaultMaxMessageSize bounds one inbound frame.
	DefaultMaxMessageSize = 64 * 1024
	// DefaultDialTimeout bounds connect including the upgrade handshake.
	DefaultDialTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongWait is how long a silent connection survives.
	DefaultPongWait = 60 * time.Second
	// DefaultPingPeriod must stay below DefaultPongWait.
	DefaultPingPeriod = (DefaultPongWait * 9) / 10
	// DefaultSendQueueSize bounds queued outbound frames per connection.
	DefaultSendQueueSize = 32
)

// TypeMessage is the only application frame type.
const TypeMessage = "message"

var (
	// ErrProtocol indicates a frame violated the wire format. The offending
	// connection is closed.
	ErrProtocol = errors.New("network: protocol violation")
	// ErrPeerUnreachable indicates no live connection exists for an address.
	ErrPeerUnreachable = errors.New("network: peer unreachable")
	// ErrConnectFailed indicates an outbound connection could not be opened.
	ErrConnectFailed = errors.New("network: connect failed")
	// ErrServerStart indicates the listener could not be started.
	ErrServerStart = errors.New("network: server start failed")
	// ErrConnectionClosed indicates the connection ended before a send finished.
	ErrConnectionClosed = errors.New("network: connection closed")
	// ErrManagerClosed indicates the manager was shut down.
	ErrManagerClosed = errors.New("network: manager closed")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// TextMessage is the wire format for one chat message.
type TextMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Version   int    `json:"version"`
}

// NewTextMessage builds a frame with a fresh message ID.
func NewTextMessage(text string, sentAt time.Time) TextMessage {
	return TextMessage{
		Type:      TypeMessage,
		MessageID: uuid.NewString(),
		Text:      text,
		Timestamp: sentAt.UnixMilli(),
		Version:   ProtocolVersion,
	}
}

// EncodeJSON marshals a protocol message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType reads just the type field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	if strings.TrimSpace(envelope.Type) == "" {
		return "", fmt.Errorf("%w: missing message type", ErrProtocol)
	}
	return envelope.Type, nil
}

// DecodeTextMessage validates and decodes one inbound frame.
func DecodeTextMessage(payload []byte) (TextMessage, error) {
	if !utf8.Valid(payload) {
		return TextMessage{}, fmt.Errorf("%w: frame is not valid UTF-8", ErrProtocol)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return TextMessage{}, err
	}
	if msgType != TypeMessage {
		return TextMessage{}, fmt.Errorf("%w: unknown message type %q", ErrProtocol, msgType)
	}

	var msg TextMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return TextMessage{}, fmt.Errorf("%w: decode message: %v", ErrProtocol, err)
	}
	if msg.Version != ProtocolVersion {
		return TextMessage{}, fmt.Errorf("%w: unsupported version %d", ErrProtocol, msg.Version)
	}
	if strings.TrimSpace(msg.MessageID) == "" {
		return TextMessage{}, fmt.Errorf("%w: missing message_id", ErrProtocol)
	}

	return msg, nil
}
