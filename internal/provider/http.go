package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider forwards payloads to a generateContent-compatible endpoint.
type HTTPProvider struct {
	url        string
	apiKey     string
	model      string
	client     *http.Client
	onFallback func()
}

func NewHTTPProvider(cfg Config) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider{
		url:        strings.TrimSpace(cfg.HTTPURL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		client:     &http.Client{Timeout: timeout},
		onFallback: cfg.OnFallback,
	}
}

type wireRequest struct {
	Model            string         `json:"model,omitempty"`
	Contents         []Turn         `json:"contents"`
	GenerationConfig SamplingConfig `json:"generationConfig"`
}

func (p *HTTPProvider) Send(ctx context.Context, payload Payload) (string, error) {
	body, err := json.Marshal(wireRequest{
		Model:            p.model,
		Contents:         payload.Turns,
		GenerationConfig: payload.Sampling,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(httpReq)
	if err != nil {
		// Report cancellation as the context error so callers can suppress it.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &Error{Status: res.StatusCode, Message: errorMessage(raw)}
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return p.fallback(), nil
	}
	if reply, ok := extractReply(obj); ok {
		return reply, nil
	}
	return p.fallback(), nil
}

func (p *HTTPProvider) fallback() string {
	if p.onFallback != nil {
		p.onFallback()
	}
	return FallbackReply
}

// errorMessage digs an error string out of a failure body, falling back to
// the raw (truncated) payload.
func errorMessage(raw []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, k := range []string{"error", "message", "detail"} {
			if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		// Gemini-style nested error object: {"error": {"message": "..."}}.
		if inner, ok := obj["error"].(map[string]any); ok {
			if v, ok := inner["message"].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// extractReply tolerates the response shapes the original backend emitted:
// a direct reply/text/message/answer field, or the nested candidate form.
func extractReply(obj map[string]any) (string, bool) {
	for _, k := range []string{"reply", "text", "message", "answer"} {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}

	candidates, ok := obj["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return "", false
	}
	cand, ok := candidates[0].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := cand["content"].(map[string]any)
	if !ok {
		return "", false
	}
	parts, ok := content["parts"].([]any)
	if !ok || len(parts) == 0 {
		return "", false
	}
	part, ok := parts[0].(map[string]any)
	if !ok {
		return "", false
	}
	if v, ok := part["text"].(string); ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	return "", false
}
