package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSend         MessageType = "client_send"
	TypeClientControl      MessageType = "client_control"
	TypeTranscriptSnapshot MessageType = "transcript_snapshot"
	TypeUserMessage        MessageType = "user_message"
	TypeExchangeStarted    MessageType = "exchange_started"
	TypeRevealWord         MessageType = "reveal_word"
	TypeBotMessage         MessageType = "bot_message"
	TypeExchangeEnd        MessageType = "exchange_end"
	TypeMemoryUpdated      MessageType = "memory_updated"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Attachment is a client-supplied file, base64-encoded on the wire.
type Attachment struct {
	Name       string `json:"name"`
	MIMEType   string `json:"mime_type"`
	DataBase64 string `json:"data_base64"`
}

// ChatMessage is the wire form of one committed conversation entry.
type ChatMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientSend struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type TranscriptSnapshot struct {
	Type      MessageType   `json:"type"`
	SessionID string        `json:"session_id"`
	Messages  []ChatMessage `json:"messages"`
}

type UserMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Message   ChatMessage `json:"message"`
}

// ExchangeStarted doubles as the "thinking" indicator: the client shows it
// until the first reveal_word or the exchange ends.
type ExchangeStarted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	ExchangeID string      `json:"exchange_id"`
}

type RevealWord struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	ExchangeID   string      `json:"exchange_id"`
	Word         string      `json:"word"`
	RevealedText string      `json:"revealed_text"`
}

type BotMessage struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	ExchangeID string      `json:"exchange_id"`
	Message    ChatMessage `json:"message"`
	Reason     string      `json:"reason"`
}

type ExchangeEnd struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	ExchangeID string      `json:"exchange_id"`
	Reason     string      `json:"reason"`
}

type MemoryUpdated struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Facts     map[string]string `json:"facts"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSend:
		var msg ClientSend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_send")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
