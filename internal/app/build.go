package app

import (
	"context"
	"fmt"

	"github.com/amercati/lumen/internal/chat"
	"github.com/amercati/lumen/internal/config"
	"github.com/amercati/lumen/internal/httpapi"
	"github.com/amercati/lumen/internal/observability"
	"github.com/amercati/lumen/internal/provider"
	"github.com/amercati/lumen/internal/session"
	"github.com/amercati/lumen/internal/store"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *chat.Engine
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the full service from configuration: store, reply provider,
// classifier, session manager, chat engine, and the HTTP API.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	kv, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	replies, err := provider.New(provider.Config{
		Mode:    cfg.ProviderMode,
		HTTPURL: cfg.ProviderHTTPURL,
		APIKey:  cfg.ProviderAPIKey,
		Model:   cfg.ProviderModel,
		Timeout: cfg.ProviderTimeout,
		OnFallback: func() {
			metrics.ProviderFallbacks.Inc()
			metrics.ObserveExchangeIndicator("provider_fallback")
		},
	})
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("provider init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	engine := chat.NewEngine(chat.EngineOptions{
		Provider:          replies,
		KV:                kv,
		Metrics:           metrics,
		Sessions:          sessions,
		Classifier:        chat.NewCreatorClassifier(cfg.CreatorName),
		RevealTick:        cfg.RevealTickInterval,
		SystemInstruction: cfg.SystemInstruction,
	})

	api := httpapi.New(cfg, sessions, engine, metrics, kv)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Metrics:  metrics,
		Cleanup: func() error {
			return kv.Close()
		},
	}, nil
}
