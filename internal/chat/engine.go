package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/amercati/lumen/internal/observability"
	"github.com/amercati/lumen/internal/protocol"
	"github.com/amercati/lumen/internal/provider"
	"github.com/amercati/lumen/internal/session"
	"github.com/amercati/lumen/internal/store"
)

// EngineOptions carries the shared collaborators every connection uses.
type EngineOptions struct {
	Provider          provider.Provider
	KV                store.KV
	Metrics           *observability.Metrics
	Sessions          *session.Manager
	Classifier        *Classifier
	RevealTick        time.Duration
	SystemInstruction string
}

// Engine runs one Conversation per websocket connection and translates
// between client protocol messages and conversation operations.
type Engine struct {
	provider          provider.Provider
	kv                store.KV
	metrics           *observability.Metrics
	sessions          *session.Manager
	classifier        *Classifier
	revealTick        time.Duration
	systemInstruction string
}

func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		provider:          opts.Provider,
		kv:                opts.KV,
		metrics:           opts.Metrics,
		sessions:          opts.Sessions,
		classifier:        opts.Classifier,
		revealTick:        opts.RevealTick,
		systemInstruction: opts.SystemInstruction,
	}
}

// RunConnection drives a single session: it restores the conversation,
// pushes the transcript snapshot, then processes inbound messages until the
// client disconnects, the session ends, or ctx is cancelled. Exactly one
// goroutine (the websocket writer) drains outbound.
func (e *Engine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	conv, err := NewConversation(ctx, Options{
		SessionID:         s.ID,
		UserID:            s.UserID,
		Provider:          e.provider,
		KV:                e.kv,
		Metrics:           e.metrics,
		Classifier:        e.classifier,
		RevealTick:        e.revealTick,
		SystemInstruction: e.systemInstruction,
		Emit: func(event any) {
			e.dispatch(s.ID, outbound, event)
		},
	})
	if err != nil {
		return err
	}
	defer conv.Shutdown()

	e.send(outbound, transcriptSnapshot(s.ID, conv.Transcript()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			e.countInbound(msg)
			if done := e.handleInbound(s, outbound, conv, msg); done {
				return nil
			}
		}
	}
}

// handleInbound processes one client message and reports whether the
// connection should close.
func (e *Engine) handleInbound(s *session.Session, outbound chan<- any, conv *Conversation, msg any) bool {
	switch m := msg.(type) {
	case protocol.ClientSend:
		e.handleSend(s, outbound, conv, m)
	case protocol.ClientControl:
		switch m.Action {
		case "cancel", "stop":
			if conv.Cancel() {
				_ = e.sessions.RecordCancel(s.ID)
				e.indicator("cancel_requested")
			}
			_ = e.sessions.Touch(s.ID)
		case "end":
			if _, err := e.sessions.End(s.ID); err == nil {
				e.sessionEvent("ended_by_client")
			}
			e.send(outbound, protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: s.ID,
				Code:      "session_ended",
			})
			return true
		default:
			e.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.ID,
				Code:      "unsupported_action",
				Source:    "client",
				Retryable: false,
				Detail:    m.Action,
			})
		}
	}
	return false
}

func (e *Engine) handleSend(s *session.Session, outbound chan<- any, conv *Conversation, m protocol.ClientSend) {
	_ = e.sessions.Touch(s.ID)

	var att *Attachment
	if m.Attachment != nil {
		data, err := base64.StdEncoding.DecodeString(m.Attachment.DataBase64)
		if err != nil {
			e.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.ID,
				Code:      "invalid_attachment",
				Source:    "client",
				Retryable: true,
				Detail:    "attachment data is not valid base64",
			})
			return
		}
		att = &Attachment{
			Name:     m.Attachment.Name,
			MIMEType: m.Attachment.MIMEType,
			Data:     data,
		}
	}

	// Empty and busy submits are silent on the wire; only the counters see
	// them.
	switch err := conv.Submit(m.Text, att); {
	case errors.Is(err, ErrEmptySubmit):
		e.indicator("submit_empty")
	case errors.Is(err, ErrExchangeActive):
		e.indicator("submit_busy")
	}
}

// dispatch forwards a conversation event to the client and mirrors exchange
// lifecycle changes into the session manager.
func (e *Engine) dispatch(sessionID string, outbound chan<- any, event any) {
	switch ev := event.(type) {
	case protocol.ExchangeStarted:
		_ = e.sessions.StartExchange(sessionID, ev.ExchangeID)
	case protocol.ExchangeEnd:
		_ = e.sessions.ClearExchange(sessionID)
	}
	e.send(outbound, event)
}

// send delivers an event to the writer goroutine. Critical events block
// briefly; reveal words are best-effort and drop when the client is not
// keeping up.
func (e *Engine) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)

	if critical {
		timer := time.NewTimer(600 * time.Millisecond)
		defer timer.Stop()
		select {
		case outbound <- msg:
			e.countOutbound(msgType)
		case <-timer.C:
			e.sessionEvent("outbound_drop_critical")
		}
		return
	}

	select {
	case outbound <- msg:
		e.countOutbound(msgType)
	default:
		e.sessionEvent("outbound_drop")
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.TranscriptSnapshot:
		return string(m.Type), true
	case protocol.UserMessage:
		return string(m.Type), true
	case protocol.ExchangeStarted:
		return string(m.Type), true
	case protocol.RevealWord:
		return string(m.Type), false
	case protocol.BotMessage:
		return string(m.Type), true
	case protocol.ExchangeEnd:
		return string(m.Type), true
	case protocol.MemoryUpdated:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	default:
		return "unknown", false
	}
}

func transcriptSnapshot(sessionID string, messages []Message) protocol.TranscriptSnapshot {
	wire := make([]protocol.ChatMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, wireMessage(m))
	}
	return protocol.TranscriptSnapshot{
		Type:      protocol.TypeTranscriptSnapshot,
		SessionID: sessionID,
		Messages:  wire,
	}
}

func (e *Engine) countInbound(msg any) {
	if e.metrics == nil {
		return
	}
	switch m := msg.(type) {
	case protocol.ClientSend:
		e.metrics.WSMessages.WithLabelValues("in", string(m.Type)).Inc()
	case protocol.ClientControl:
		e.metrics.WSMessages.WithLabelValues("in", string(m.Type)).Inc()
	}
}

func (e *Engine) countOutbound(msgType string) {
	if e.metrics != nil {
		e.metrics.WSMessages.WithLabelValues("out", msgType).Inc()
	}
}

func (e *Engine) sessionEvent(event string) {
	if e.metrics != nil {
		e.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (e *Engine) indicator(name string) {
	if e.metrics != nil {
		e.metrics.ObserveExchangeIndicator(name)
	}
}
