package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a conversation turn as sent upstream.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// InlineData carries a base64-encoded file payload inside a turn part.
type InlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Part is one fragment of a turn: plain text or an inline file.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// Turn is a single conversation entry in the upstream wire format.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// SamplingConfig mirrors the generation settings sent with every request.
type SamplingConfig struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"topK"`
	TopP        float64 `json:"topP"`
}

// DefaultSampling is the fixed sampling configuration for all exchanges.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{Temperature: 0.7, TopK: 40, TopP: 0.95}
}

// Payload is the normalized request handed to a Provider.
type Payload struct {
	Turns    []Turn
	Sampling SamplingConfig
}

// FallbackReply is returned when a response carries none of the tolerated
// reply shapes. Kept for compatibility with the original backend behavior;
// occurrences are counted separately so schema drift stays visible.
const FallbackReply = "Sorry, I couldn't find a reply in the model response."

// Error reports a non-2xx response from the upstream service.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Message)
}

// Provider produces reply text for a conversation payload. Implementations
// must honor ctx cancellation and report it via the context error.
type Provider interface {
	Send(ctx context.Context, payload Payload) (string, error)
}

// Config controls provider construction.
type Config struct {
	Mode    string
	HTTPURL string
	APIKey  string
	Model   string
	Timeout time.Duration

	// OnFallback is invoked when a response yields the fallback reply.
	OnFallback func()
}

// New builds a provider for the configured mode. Mode "auto" picks HTTP when
// a URL is configured and falls back to the deterministic mock otherwise.
func New(cfg Config) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPProvider(cfg), nil
		}
		return NewMockProvider(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("provider HTTP url is required for http mode")
		}
		return NewHTTPProvider(cfg), nil
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported provider mode %q", cfg.Mode)
	}
}
