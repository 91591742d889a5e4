package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sender identifies who authored a conversation entry.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one committed entry in the conversation log. Immutable once
// appended; a bot message never precedes the user message that triggered it.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// EncodeTranscript serializes a conversation log for the persistent store.
func EncodeTranscript(messages []Message) (string, error) {
	if messages == nil {
		messages = []Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return string(raw), nil
}

// DecodeTranscript restores a conversation log from its stored form.
func DecodeTranscript(raw string) ([]Message, error) {
	if raw == "" {
		return nil, nil
	}
	var messages []Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return messages, nil
}
