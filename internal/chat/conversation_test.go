package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amercati/lumen/internal/observability"
	"github.com/amercati/lumen/internal/protocol"
	"github.com/amercati/lumen/internal/provider"
	"github.com/amercati/lumen/internal/store"
)

type fakeProvider struct {
	mu       sync.Mutex
	reply    string
	err      error
	block    bool
	calls    int
	payloads []provider.Payload
	started  chan struct{}
}

func newFakeProvider(reply string) *fakeProvider {
	return &fakeProvider{reply: reply, started: make(chan struct{}, 4)}
}

func (p *fakeProvider) Send(ctx context.Context, payload provider.Payload) (string, error) {
	p.mu.Lock()
	p.calls++
	p.payloads = append(p.payloads, payload)
	block := p.block
	err := p.err
	reply := p.reply
	p.mu.Unlock()

	select {
	case p.started <- struct{}{}:
	default:
	}

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastPayload(t *testing.T) provider.Payload {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.payloads) == 0 {
		t.Fatalf("provider was never called")
	}
	return p.payloads[len(p.payloads)-1]
}

type eventRecorder struct {
	mu       sync.Mutex
	events   []any
	ends     chan protocol.ExchangeEnd
	onReveal func()
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ends: make(chan protocol.ExchangeEnd, 4)}
}

func (r *eventRecorder) emit(ev any) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	onReveal := r.onReveal
	r.mu.Unlock()

	switch e := ev.(type) {
	case protocol.RevealWord:
		if onReveal != nil {
			onReveal()
		}
	case protocol.ExchangeEnd:
		r.ends <- e
	}
}

func (r *eventRecorder) waitEnd(t *testing.T) protocol.ExchangeEnd {
	t.Helper()
	select {
	case e := <-r.ends:
		return e
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exchange end")
		return protocol.ExchangeEnd{}
	}
}

func (r *eventRecorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events))
	copy(out, r.events)
	return out
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("chattest_%d", time.Now().UnixNano()))
}

func newTestConversation(t *testing.T, p provider.Provider, kv store.KV, rec *eventRecorder, opts func(*Options)) *Conversation {
	t.Helper()
	o := Options{
		SessionID:  "s1",
		UserID:     "u1",
		Provider:   p,
		KV:         kv,
		Metrics:    newTestMetrics(),
		Emit:       rec.emit,
		RevealTick: time.Millisecond,
	}
	if opts != nil {
		opts(&o)
	}
	conv, err := NewConversation(context.Background(), o)
	if err != nil {
		t.Fatalf("NewConversation() error = %v", err)
	}
	t.Cleanup(conv.Shutdown)
	return conv
}

func TestSubmitEmptyIsNoOp(t *testing.T) {
	p := newFakeProvider("unused")
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, nil)

	if err := conv.Submit("   ", nil); !errors.Is(err, ErrEmptySubmit) {
		t.Fatalf("Submit() error = %v, want ErrEmptySubmit", err)
	}
	if got := conv.Transcript(); len(got) != 0 {
		t.Fatalf("transcript has %d messages, want 0", len(got))
	}
	if p.callCount() != 0 {
		t.Fatalf("provider called %d times, want 0", p.callCount())
	}
}

func TestSubmitWhileActiveIsDropped(t *testing.T) {
	p := newFakeProvider("unused")
	p.block = true
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, nil)

	if err := conv.Submit("first", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-p.started

	if err := conv.Submit("second", nil); !errors.Is(err, ErrExchangeActive) {
		t.Fatalf("second Submit() error = %v, want ErrExchangeActive", err)
	}

	conv.Cancel()
	end := rec.waitEnd(t)
	if end.Reason != EndCancelled {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndCancelled)
	}

	// Only the first user message made it into the log.
	got := conv.Transcript()
	if len(got) != 1 || got[0].Text != "first" {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

func TestExchangeRevealsAndCommits(t *testing.T) {
	reply := "Hi there! How are you?"
	p := newFakeProvider(reply)
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, nil)

	if err := conv.Submit("hello", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	end := rec.waitEnd(t)
	if end.Reason != EndCompleted {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndCompleted)
	}

	got := conv.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(got))
	}
	if got[1].Sender != SenderBot || got[1].Text != reply {
		t.Fatalf("bot message = %+v, want full reply %q", got[1], reply)
	}

	words := 0
	var bot *protocol.BotMessage
	for _, ev := range rec.snapshot() {
		switch e := ev.(type) {
		case protocol.RevealWord:
			words++
		case protocol.BotMessage:
			bot = &e
		}
	}
	if want := len(strings.Fields(reply)); words != want {
		t.Fatalf("revealed %d words, want %d", words, want)
	}
	if bot == nil || bot.Reason != EndCompleted {
		t.Fatalf("missing or wrong bot_message event: %+v", bot)
	}
}

func TestCannedCreatorReplySkipsProvider(t *testing.T) {
	p := newFakeProvider("unused")
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, func(o *Options) {
		o.Classifier = NewCreatorClassifier("Andrea")
	})

	if err := conv.Submit("Who created you?", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	end := rec.waitEnd(t)
	if end.Reason != EndCompleted {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndCompleted)
	}

	got := conv.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(got))
	}
	if want := "I was created and named by Andrea!"; got[1].Text != want {
		t.Fatalf("bot message = %q, want %q", got[1].Text, want)
	}
	if p.callCount() != 0 {
		t.Fatalf("provider called %d times, want 0", p.callCount())
	}
}

func TestProviderStatusErrorSurfacesAsBotMessage(t *testing.T) {
	p := newFakeProvider("")
	p.err = &provider.Error{Status: 500, Message: "internal"}
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, nil)

	if err := conv.Submit("hello", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	end := rec.waitEnd(t)
	if end.Reason != EndError {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndError)
	}

	got := conv.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(got))
	}
	text := got[1].Text
	if !strings.Contains(text, "500") || !strings.Contains(text, "internal") {
		t.Fatalf("error message %q should carry status and detail", text)
	}
}

func TestProviderTransportErrorUsesGenericMessage(t *testing.T) {
	p := newFakeProvider("")
	p.err = errors.New("dial tcp: connection refused")
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, nil)

	if err := conv.Submit("hello", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	end := rec.waitEnd(t)
	if end.Reason != EndError {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndError)
	}

	got := conv.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(got))
	}
	if !strings.Contains(got[1].Text, "check your connection") {
		t.Fatalf("message = %q, want the generic connectivity line", got[1].Text)
	}
	if strings.Contains(got[1].Text, "connection refused") {
		t.Fatalf("raw transport error leaked into %q", got[1].Text)
	}
}

func TestCancelBeforeReplyIsSuppressed(t *testing.T) {
	p := newFakeProvider("unused")
	p.block = true
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, nil)

	if err := conv.Submit("hello", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-p.started
	if !conv.Cancel() {
		t.Fatalf("Cancel() = false, want true")
	}

	end := rec.waitEnd(t)
	if end.Reason != EndCancelled {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndCancelled)
	}

	// The cancellation is not an error: no bot message, no error event.
	got := conv.Transcript()
	if len(got) != 1 {
		t.Fatalf("transcript has %d messages, want 1", len(got))
	}
	for _, ev := range rec.snapshot() {
		if _, isErr := ev.(protocol.ErrorEvent); isErr {
			t.Fatalf("cancellation surfaced as error event")
		}
	}
}

func TestCancelMidRevealCommitsPrefix(t *testing.T) {
	reply := "one two three four five six seven eight nine ten eleven twelve"
	p := newFakeProvider(reply)
	rec := newEventRecorder()

	var conv *Conversation
	var once sync.Once
	rec.onReveal = func() {
		once.Do(func() { conv.Cancel() })
	}
	conv = newTestConversation(t, p, store.NewInMemoryKV(), rec, func(o *Options) {
		o.RevealTick = 5 * time.Millisecond
	})

	if err := conv.Submit("hello", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	end := rec.waitEnd(t)
	if end.Reason != EndCancelled {
		t.Fatalf("end reason = %q, want %q", end.Reason, EndCancelled)
	}

	got := conv.Transcript()
	if len(got) != 2 {
		t.Fatalf("transcript has %d messages, want 2", len(got))
	}
	text := got[1].Text
	if text == reply {
		t.Fatalf("cancelled exchange committed the full reply")
	}
	if text == "" || !strings.HasPrefix(reply, text) {
		t.Fatalf("committed %q is not a non-empty prefix of %q", text, reply)
	}
}

func TestNameExtractionMergesFacts(t *testing.T) {
	kv := store.NewInMemoryKV()
	seed, err := EncodeFacts(Facts{"likes": "jazz"})
	if err != nil {
		t.Fatalf("EncodeFacts() error = %v", err)
	}
	if err := kv.Set(context.Background(), store.MemoryKey("u1"), seed); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	p := newFakeProvider("Nice to meet you!")
	rec := newEventRecorder()
	conv := newTestConversation(t, p, kv, rec, nil)

	if err := conv.Submit("My name is Alex", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec.waitEnd(t)

	facts := conv.MemoryFacts()
	if facts["name"] != "Alex" || facts["likes"] != "jazz" {
		t.Fatalf("facts = %v, want name merged without erasing likes", facts)
	}

	var updated *protocol.MemoryUpdated
	for _, ev := range rec.snapshot() {
		if e, ok := ev.(protocol.MemoryUpdated); ok {
			updated = &e
		}
	}
	if updated == nil || updated.Facts["name"] != "Alex" {
		t.Fatalf("memory_updated event missing or wrong: %+v", updated)
	}

	raw, ok, err := kv.Get(context.Background(), store.MemoryKey("u1"))
	if err != nil || !ok {
		t.Fatalf("stored facts missing: ok=%v err=%v", ok, err)
	}
	stored, err := DecodeFacts(raw)
	if err != nil {
		t.Fatalf("DecodeFacts() error = %v", err)
	}
	if stored["name"] != "Alex" || stored["likes"] != "jazz" {
		t.Fatalf("stored facts = %v", stored)
	}
}

func TestTranscriptWriteThrough(t *testing.T) {
	kv := store.NewInMemoryKV()
	p := newFakeProvider("Hello!")
	rec := newEventRecorder()
	conv := newTestConversation(t, p, kv, rec, nil)

	if err := conv.Submit("hi", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec.waitEnd(t)

	raw, ok, err := kv.Get(context.Background(), store.TranscriptKey("u1"))
	if err != nil || !ok {
		t.Fatalf("stored transcript missing: ok=%v err=%v", ok, err)
	}
	stored, err := DecodeTranscript(raw)
	if err != nil {
		t.Fatalf("DecodeTranscript() error = %v", err)
	}
	if len(stored) != 2 || stored[0].Sender != SenderUser || stored[1].Sender != SenderBot {
		t.Fatalf("stored transcript = %+v", stored)
	}
}

func TestPayloadCarriesHistoryInstructionAndFacts(t *testing.T) {
	kv := store.NewInMemoryKV()
	history := []Message{
		{ID: "m1", Sender: SenderUser, Text: "hello", Timestamp: time.Now().UTC()},
		{ID: "m2", Sender: SenderBot, Text: "hi!", Timestamp: time.Now().UTC()},
	}
	rawLog, err := EncodeTranscript(history)
	if err != nil {
		t.Fatalf("EncodeTranscript() error = %v", err)
	}
	if err := kv.Set(context.Background(), store.TranscriptKey("u1"), rawLog); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	rawFacts, err := EncodeFacts(Facts{"name": "Alex"})
	if err != nil {
		t.Fatalf("EncodeFacts() error = %v", err)
	}
	if err := kv.Set(context.Background(), store.MemoryKey("u1"), rawFacts); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	p := newFakeProvider("sure")
	rec := newEventRecorder()
	conv := newTestConversation(t, p, kv, rec, func(o *Options) {
		o.SystemInstruction = "You are Lumen, a friendly assistant."
	})

	if err := conv.Submit("what's my name?", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec.waitEnd(t)

	payload := p.lastPayload(t)
	if payload.Sampling != provider.DefaultSampling() {
		t.Fatalf("sampling = %+v, want fixed defaults", payload.Sampling)
	}
	if len(payload.Turns) != 3 {
		t.Fatalf("payload has %d turns, want 3", len(payload.Turns))
	}

	first := payload.Turns[0]
	if first.Role != provider.RoleUser {
		t.Fatalf("first turn role = %q, want user", first.Role)
	}
	lead := first.Parts[0].Text
	if !strings.Contains(lead, "You are Lumen") || !strings.Contains(lead, "Known facts about the user: name: Alex") {
		t.Fatalf("first user part %q should carry instruction and facts", lead)
	}
	if first.Parts[1].Text != "hello" {
		t.Fatalf("original first text = %q, want %q", first.Parts[1].Text, "hello")
	}

	// Instruction rides the first user turn only.
	for _, turn := range payload.Turns[1:] {
		for _, part := range turn.Parts {
			if strings.Contains(part.Text, "You are Lumen") {
				t.Fatalf("instruction duplicated in later turn")
			}
		}
	}
	last := payload.Turns[2]
	if last.Role != provider.RoleUser || last.Parts[0].Text != "what's my name?" {
		t.Fatalf("last turn = %+v", last)
	}
}

func TestAttachmentForwardedInline(t *testing.T) {
	p := newFakeProvider("got it")
	rec := newEventRecorder()
	conv := newTestConversation(t, p, store.NewInMemoryKV(), rec, nil)

	att := &Attachment{Name: "notes.txt", MIMEType: "text/plain", Data: []byte("hello world")}
	if err := conv.Submit("see attached", att); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rec.waitEnd(t)

	got := conv.Transcript()
	if !strings.Contains(got[0].Text, "(attached: notes.txt)") {
		t.Fatalf("user message %q should mention the attachment", got[0].Text)
	}

	payload := p.lastPayload(t)
	userTurn := payload.Turns[len(payload.Turns)-1]
	var inline *provider.InlineData
	for _, part := range userTurn.Parts {
		if part.InlineData != nil {
			inline = part.InlineData
		}
	}
	if inline == nil || inline.MIMEType != "text/plain" || inline.Data == "" {
		t.Fatalf("inline data missing from payload: %+v", userTurn)
	}
}
