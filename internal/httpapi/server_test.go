package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amercati/lumen/internal/chat"
	"github.com/amercati/lumen/internal/config"
	"github.com/amercati/lumen/internal/observability"
	"github.com/amercati/lumen/internal/protocol"
	"github.com/amercati/lumen/internal/provider"
	"github.com/amercati/lumen/internal/session"
	"github.com/amercati/lumen/internal/store"
)

func newTestServer(t *testing.T, suffix string) (*Server, *session.Manager, store.KV) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		RevealTickInterval:       time.Millisecond,
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics("test_httpapi_" + suffix + "_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	kv := store.NewInMemoryKV()
	engine := chat.NewEngine(chat.EngineOptions{
		Provider:   provider.NewMockProvider(),
		KV:         kv,
		Metrics:    metrics,
		Sessions:   sessions,
		RevealTick: cfg.RevealTickInterval,
	})
	return New(cfg, sessions, engine, metrics, kv), sessions, kv
}

func TestCreateAndEndSession(t *testing.T) {
	srv, _, _ := newTestServer(t, "session")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"user_id": "user-1"})
	res, err := http.Post(ts.URL+"/v1/chat/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}

	endRes, err := http.Post(ts.URL+"/v1/chat/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}
}

func TestThemeRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t, "theme")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Unset preference falls back to light.
	res, err := http.Get(ts.URL + "/v1/ui/theme?user_id=u1")
	if err != nil {
		t.Fatalf("GET theme error = %v", err)
	}
	var got themeResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode theme: %v", err)
	}
	res.Body.Close()
	if got.Theme != "light" {
		t.Fatalf("default theme = %q, want light", got.Theme)
	}

	body, _ := json.Marshal(themeRequest{UserID: "u1", Theme: "dark"})
	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/ui/theme", bytes.NewReader(body))
	putRes, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatalf("PUT theme error = %v", err)
	}
	putRes.Body.Close()
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("PUT theme status = %d, want %d", putRes.StatusCode, http.StatusOK)
	}

	res, err = http.Get(ts.URL + "/v1/ui/theme?user_id=u1")
	if err != nil {
		t.Fatalf("GET theme error = %v", err)
	}
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode theme: %v", err)
	}
	res.Body.Close()
	if got.Theme != "dark" {
		t.Fatalf("stored theme = %q, want dark", got.Theme)
	}

	body, _ = json.Marshal(themeRequest{UserID: "u1", Theme: "solarized"})
	putReq, _ = http.NewRequest(http.MethodPut, ts.URL+"/v1/ui/theme", bytes.NewReader(body))
	putRes, err = http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatalf("PUT theme error = %v", err)
	}
	putRes.Body.Close()
	if putRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid theme status = %d, want %d", putRes.StatusCode, http.StatusBadRequest)
	}
}

func TestPerfLatencyRoute(t *testing.T) {
	srv, _, _ := newTestServer(t, "perf")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := payload["window_size"]; !ok {
		t.Fatalf("missing window_size in %v", payload)
	}
}

func TestSessionWSExchange(t *testing.T) {
	srv, sessions, kv := newTestServer(t, "ws")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess := sessions.Create("user-ws")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/session/ws?session_id=" + sess.ID
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial error = %v", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	send := protocol.ClientSend{Type: protocol.TypeClientSend, SessionID: sess.ID, Text: "hello"}
	if err := conn.WriteJSON(send); err != nil {
		t.Fatalf("WriteJSON error = %v", err)
	}

	var sawUser, sawBot, sawEnd bool
	deadline := time.Now().Add(5 * time.Second)
	for !sawEnd {
		_ = conn.SetReadDeadline(deadline)
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("ReadJSON error = %v (user=%v bot=%v)", err, sawUser, sawBot)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		switch env.Type {
		case protocol.TypeUserMessage:
			sawUser = true
		case protocol.TypeBotMessage:
			sawBot = true
		case protocol.TypeExchangeEnd:
			sawEnd = true
		}
	}
	if !sawUser || !sawBot {
		t.Fatalf("missing events: user=%v bot=%v", sawUser, sawBot)
	}

	// The exchange was persisted; the REST transcript route sees it too.
	raw, ok, err := kv.Get(context.Background(), store.TranscriptKey("user-ws"))
	if err != nil || !ok {
		t.Fatalf("stored transcript missing: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(raw, "hello") {
		t.Fatalf("stored transcript %q missing user text", raw)
	}

	tRes, err := http.Get(ts.URL + "/v1/chat/session/" + sess.ID + "/transcript")
	if err != nil {
		t.Fatalf("GET transcript error = %v", err)
	}
	defer tRes.Body.Close()
	if tRes.StatusCode != http.StatusOK {
		t.Fatalf("transcript status = %d, want %d", tRes.StatusCode, http.StatusOK)
	}
	var tr transcriptResponse
	if err := json.NewDecoder(tRes.Body).Decode(&tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if len(tr.Messages) < 2 {
		t.Fatalf("transcript has %d messages, want at least 2", len(tr.Messages))
	}
}

func TestSessionWSRejectsUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t, "wsreject")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/v1/chat/session/ws?session_id=nope")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}
