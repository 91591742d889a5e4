package store

import (
	"context"
	"fmt"
)

// KV persists small string values under caller-chosen keys. The chat engine
// uses it for per-user transcripts, memory facts, and UI preferences.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// TranscriptKey returns the storage key for a user's conversation log.
func TranscriptKey(userID string) string {
	return fmt.Sprintf("chat:%s:log", userID)
}

// MemoryKey returns the storage key for a user's remembered facts.
func MemoryKey(userID string) string {
	return fmt.Sprintf("chat:%s:memory", userID)
}

// ThemeKey returns the storage key for a user's theme preference.
func ThemeKey(userID string) string {
	return fmt.Sprintf("ui:%s:theme", userID)
}
