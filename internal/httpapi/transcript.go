package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/amercati/lumen/internal/chat"
	"github.com/amercati/lumen/internal/protocol"
	"github.com/amercati/lumen/internal/store"
)

type transcriptResponse struct {
	SessionID string                 `json:"session_id"`
	UserID    string                 `json:"user_id"`
	Messages  []protocol.ChatMessage `json:"messages"`
}

// handleTranscript serves the persisted conversation log for a session. It
// reads the store directly, so it also works while no websocket is attached.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	raw, ok, err := s.kv.Get(r.Context(), store.TranscriptKey(sess.UserID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	messages := []protocol.ChatMessage{}
	if ok {
		decoded, err := chat.DecodeTranscript(raw)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store_error", err.Error())
			return
		}
		for _, m := range decoded {
			messages = append(messages, protocol.ChatMessage{
				ID:        m.ID,
				Sender:    string(m.Sender),
				Text:      m.Text,
				Timestamp: m.Timestamp,
			})
		}
	}

	respondJSON(w, http.StatusOK, transcriptResponse{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Messages:  messages,
	})
}
