package store

import (
	"context"
	"strings"
)

// New creates a postgres-backed store when configured, otherwise in-memory.
func New(ctx context.Context, databaseURL string) (KV, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryKV(), nil
	}
	return NewPostgresKV(ctx, databaseURL)
}
