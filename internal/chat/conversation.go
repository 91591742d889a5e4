package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amercati/lumen/internal/observability"
	"github.com/amercati/lumen/internal/protocol"
	"github.com/amercati/lumen/internal/provider"
	"github.com/amercati/lumen/internal/reliability"
	"github.com/amercati/lumen/internal/store"
)

var (
	// ErrEmptySubmit marks a submit with no text and no attachment. The
	// caller treats it as a silent no-op on the wire.
	ErrEmptySubmit = errors.New("nothing to send")
	// ErrExchangeActive marks a submit that arrived while a previous
	// exchange was still running. Single-flight: the newcomer is dropped.
	ErrExchangeActive = errors.New("exchange already active")
)

// Exchange end reasons reported to the client.
const (
	EndCompleted = "completed"
	EndCancelled = "cancelled"
	EndError     = "error"
)

// Attachment is a decoded client file submitted alongside a message.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// EmitFunc delivers a protocol event to the connected client. Implementations
// must not block for long; the conversation calls it from its exchange
// goroutine.
type EmitFunc func(event any)

// Options wires a Conversation to its collaborators.
type Options struct {
	SessionID         string
	UserID            string
	Provider          provider.Provider
	KV                store.KV
	Metrics           *observability.Metrics
	Emit              EmitFunc
	Classifier        *Classifier
	RevealTick        time.Duration
	SystemInstruction string
}

// Conversation owns one session's transcript, memory facts, and the single
// in-flight exchange. All mutation goes through its mutex; the exchange
// itself runs on a dedicated goroutine so Submit returns immediately.
type Conversation struct {
	sessionID         string
	userID            string
	provider          provider.Provider
	kv                store.KV
	metrics           *observability.Metrics
	emit              EmitFunc
	classifier        *Classifier
	revealTick        time.Duration
	systemInstruction string

	mu      sync.Mutex
	log     []Message
	facts   Facts
	pending *exchange

	wg sync.WaitGroup
}

type exchange struct {
	id     string
	cancel context.CancelFunc
}

// NewConversation restores a session's transcript and facts from the store
// and returns a ready conversation. Store misses start the session empty;
// store failures are surfaced so the caller can refuse the connection.
func NewConversation(ctx context.Context, opts Options) (*Conversation, error) {
	if opts.Provider == nil {
		return nil, errors.New("conversation requires a provider")
	}
	if opts.KV == nil {
		return nil, errors.New("conversation requires a store")
	}

	c := &Conversation{
		sessionID:         opts.SessionID,
		userID:            opts.UserID,
		provider:          opts.Provider,
		kv:                opts.KV,
		metrics:           opts.Metrics,
		emit:              opts.Emit,
		classifier:        opts.Classifier,
		revealTick:        opts.RevealTick,
		systemInstruction: opts.SystemInstruction,
		facts:             Facts{},
	}

	if raw, ok, err := opts.KV.Get(ctx, store.TranscriptKey(opts.UserID)); err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	} else if ok {
		messages, err := DecodeTranscript(raw)
		if err != nil {
			return nil, fmt.Errorf("load transcript: %w", err)
		}
		c.log = messages
	}

	if raw, ok, err := opts.KV.Get(ctx, store.MemoryKey(opts.UserID)); err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	} else if ok {
		facts, err := DecodeFacts(raw)
		if err != nil {
			return nil, fmt.Errorf("load memory: %w", err)
		}
		c.facts = facts
	}

	return c, nil
}

// Submit commits the user message and starts the exchange goroutine. Empty
// submits and submits during an active exchange return sentinel errors and
// change nothing.
func (c *Conversation) Submit(text string, att *Attachment) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && att == nil {
		return ErrEmptySubmit
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrExchangeActive
	}

	// Snapshot history before appending so the payload carries the prior
	// turns plus exactly one copy of the new message.
	history := make([]Message, len(c.log))
	copy(history, c.log)
	factsSnapshot := c.facts.Clone()

	userMsg := Message{
		ID:        uuid.NewString(),
		Sender:    SenderUser,
		Text:      displayText(trimmed, att),
		Timestamp: time.Now().UTC(),
	}
	c.log = append(c.log, userMsg)
	c.persistTranscriptLocked()

	exchangeID := uuid.NewString()
	exchangeCtx, cancel := context.WithCancel(context.Background())
	c.pending = &exchange{id: exchangeID, cancel: cancel}
	c.mu.Unlock()

	c.notify(protocol.UserMessage{
		Type:      protocol.TypeUserMessage,
		SessionID: c.sessionID,
		Message:   wireMessage(userMsg),
	})
	c.notify(protocol.ExchangeStarted{
		Type:       protocol.TypeExchangeStarted,
		SessionID:  c.sessionID,
		ExchangeID: exchangeID,
	})

	started := time.Now()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.clearPending(exchangeID)
		c.runExchange(exchangeCtx, exchangeID, trimmed, att, history, factsSnapshot, started)
	}()

	return nil
}

// Cancel requests cancellation of the in-flight exchange, if any. Idempotent;
// reports whether an exchange was active.
func (c *Conversation) Cancel() bool {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()

	if pending == nil {
		return false
	}
	pending.cancel()
	return true
}

// Shutdown cancels any in-flight exchange and waits for it to finish.
func (c *Conversation) Shutdown() {
	c.Cancel()
	c.wg.Wait()
}

// Transcript returns a copy of the committed conversation log.
func (c *Conversation) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.log))
	copy(out, c.log)
	return out
}

// MemoryFacts returns a copy of the remembered facts.
func (c *Conversation) MemoryFacts() Facts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facts.Clone()
}

func (c *Conversation) runExchange(ctx context.Context, exchangeID, text string, att *Attachment, history []Message, facts Facts, started time.Time) {
	if c.classifier != nil && text != "" {
		if reply, category, ok := c.classifier.Classify(text); ok {
			c.indicator("canned:" + category)
			c.finishReveal(ctx, exchangeID, text, reply, started)
			return
		}
	}

	reply, err := c.provider.Send(ctx, c.buildPayload(history, facts, text, att))
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			c.indicator("cancelled_before_reveal")
			c.endExchange(exchangeID, EndCancelled)
			return
		}
		if c.metrics != nil {
			c.metrics.ProviderErrors.WithLabelValues(providerErrorKind(err)).Inc()
		}
		c.notify(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.sessionID,
			Code:      "provider_error",
			Source:    "provider",
			Retryable: providerErrorRetryable(err),
			Detail:    err.Error(),
		})
		c.commitBot(exchangeID, providerErrorText(err), EndError)
		c.endExchange(exchangeID, EndError)
		return
	}
	c.observeStage(observability.StageSubmitToReply, time.Since(started))

	if ctx.Err() != nil {
		c.indicator("cancelled_before_reveal")
		c.endExchange(exchangeID, EndCancelled)
		return
	}

	c.finishReveal(ctx, exchangeID, text, reply, started)
}

// finishReveal animates the reply and commits the terminal outcome exactly
// once: the full text on completion, the revealed prefix on cancellation.
func (c *Conversation) finishReveal(ctx context.Context, exchangeID, userText, reply string, started time.Time) {
	var firstWord sync.Once
	revealStart := time.Now()

	revealer := NewRevealer(reply, c.revealTick, func(word, revealed string) {
		firstWord.Do(func() {
			c.observeStage(observability.StageSubmitToFirstWord, time.Since(started))
		})
		c.notify(protocol.RevealWord{
			Type:         protocol.TypeRevealWord,
			SessionID:    c.sessionID,
			ExchangeID:   exchangeID,
			Word:         word,
			RevealedText: revealed,
		})
	})

	out := revealer.Run(ctx)
	c.observeStage(observability.StageRevealTotal, time.Since(revealStart))

	if out.Completed {
		c.commitBot(exchangeID, out.Text, EndCompleted)
		c.learnFacts(userText)
		c.endExchange(exchangeID, EndCompleted)
		c.observeStage(observability.StageExchangeTotal, time.Since(started))
		return
	}

	c.indicator("cancelled_mid_reveal")
	if strings.TrimSpace(out.Text) != "" {
		c.commitBot(exchangeID, out.Text, EndCancelled)
	}
	c.endExchange(exchangeID, EndCancelled)
}

// commitBot appends the bot message, persists, and announces it.
func (c *Conversation) commitBot(exchangeID, text, reason string) {
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    SenderBot,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	c.mu.Lock()
	c.log = append(c.log, msg)
	c.persistTranscriptLocked()
	c.mu.Unlock()

	c.notify(protocol.BotMessage{
		Type:       protocol.TypeBotMessage,
		SessionID:  c.sessionID,
		ExchangeID: exchangeID,
		Message:    wireMessage(msg),
		Reason:     reason,
	})
}

// learnFacts runs the name heuristics over the raw user input after a
// completed exchange and persists any change.
func (c *Conversation) learnFacts(userText string) {
	name, ok := ExtractName(userText)
	if !ok {
		return
	}

	c.mu.Lock()
	changed := c.facts.Merge(Facts{"name": name})
	var snapshot Facts
	if changed {
		c.persistFactsLocked()
		snapshot = c.facts.Clone()
	}
	c.mu.Unlock()

	if changed {
		c.notify(protocol.MemoryUpdated{
			Type:      protocol.TypeMemoryUpdated,
			SessionID: c.sessionID,
			Facts:     snapshot,
		})
	}
}

func (c *Conversation) endExchange(exchangeID, reason string) {
	c.notify(protocol.ExchangeEnd{
		Type:       protocol.TypeExchangeEnd,
		SessionID:  c.sessionID,
		ExchangeID: exchangeID,
		Reason:     reason,
	})
}

func (c *Conversation) clearPending(exchangeID string) {
	c.mu.Lock()
	if c.pending != nil && c.pending.id == exchangeID {
		c.pending.cancel()
		c.pending = nil
	}
	c.mu.Unlock()
}

// buildPayload assembles the upstream request: prior turns, then the new
// user turn. The system instruction (plus the facts dump, when any) rides as
// the leading text part of the first user turn only.
func (c *Conversation) buildPayload(history []Message, facts Facts, text string, att *Attachment) provider.Payload {
	turns := make([]provider.Turn, 0, len(history)+1)
	for _, m := range history {
		role := provider.RoleUser
		if m.Sender == SenderBot {
			role = provider.RoleModel
		}
		turns = append(turns, provider.Turn{
			Role:  role,
			Parts: []provider.Part{{Text: m.Text}},
		})
	}

	parts := make([]provider.Part, 0, 2)
	if text != "" {
		parts = append(parts, provider.Part{Text: text})
	}
	if att != nil {
		parts = append(parts, provider.Part{InlineData: &provider.InlineData{
			MIMEType: att.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(att.Data),
		}})
	}
	turns = append(turns, provider.Turn{Role: provider.RoleUser, Parts: parts})

	instruction := c.systemInstruction
	if len(facts) > 0 {
		instruction += "\n\nKnown facts about the user: " + facts.Summary()
	}
	if instruction != "" {
		for i := range turns {
			if turns[i].Role == provider.RoleUser {
				turns[i].Parts = append([]provider.Part{{Text: instruction}}, turns[i].Parts...)
				break
			}
		}
	}

	return provider.Payload{Turns: turns, Sampling: provider.DefaultSampling()}
}

// Persistence is write-through and best-effort: a store outage must not take
// down the live conversation, so failures only bump a counter.
func (c *Conversation) persistTranscriptLocked() {
	raw, err := EncodeTranscript(c.log)
	if err != nil {
		c.indicator("persist_error")
		return
	}
	if err := c.kv.Set(context.Background(), store.TranscriptKey(c.userID), raw); err != nil {
		c.indicator("persist_error")
	}
}

func (c *Conversation) persistFactsLocked() {
	raw, err := EncodeFacts(c.facts)
	if err != nil {
		c.indicator("persist_error")
		return
	}
	if err := c.kv.Set(context.Background(), store.MemoryKey(c.userID), raw); err != nil {
		c.indicator("persist_error")
	}
}

func (c *Conversation) notify(event any) {
	if c.emit != nil {
		c.emit(event)
	}
}

func (c *Conversation) observeStage(stage string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveExchangeStage(stage, d)
	}
}

func (c *Conversation) indicator(name string) {
	if c.metrics != nil {
		c.metrics.ObserveExchangeIndicator(name)
	}
}

// providerErrorText turns a provider failure into the bot-visible apology.
// Upstream status errors keep their status and message; everything else gets
// the generic connectivity line. Never called for cancellation.
func providerErrorText(err error) string {
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return fmt.Sprintf("Sorry, the reply service returned an error (%d: %s).", pErr.Status, pErr.Message)
	}
	return "Sorry, I couldn't reach the reply service. Please check your connection and try again."
}

func providerErrorKind(err error) string {
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return "status"
	}
	return "transport"
}

// providerErrorRetryable flags whether the client may reasonably resend.
// Transport failures are always worth a retry; status errors follow the
// usual transient-status classification.
func providerErrorRetryable(err error) bool {
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return reliability.IsRetryableHTTPStatus(pErr.Status)
	}
	return true
}

func displayText(text string, att *Attachment) string {
	if att == nil {
		return text
	}
	label := fmt.Sprintf("(attached: %s)", att.Name)
	if text == "" {
		return label
	}
	return text + " " + label
}

func wireMessage(m Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:        m.ID,
		Sender:    string(m.Sender),
		Text:      m.Text,
		Timestamp: m.Timestamp,
	}
}
