package provider

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider gives deterministic local replies when no upstream is
// configured.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Send(ctx context.Context, payload Payload) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	return buildMockReply(payload), nil
}

func buildMockReply(payload Payload) string {
	last := lastUserText(payload)
	if last == "" {
		return "I'm listening."
	}
	return fmt.Sprintf("I hear you: %s", last)
}

func lastUserText(payload Payload) string {
	for i := len(payload.Turns) - 1; i >= 0; i-- {
		if payload.Turns[i].Role != RoleUser {
			continue
		}
		for _, part := range payload.Turns[i].Parts {
			if t := strings.TrimSpace(part.Text); t != "" {
				return t
			}
		}
	}
	return ""
}
