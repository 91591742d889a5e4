package httpapi

import (
	"net/http"
	"strings"

	"github.com/amercati/lumen/internal/store"
)

const defaultTheme = "light"

type themeResponse struct {
	UserID string `json:"user_id"`
	Theme  string `json:"theme"`
}

type themeRequest struct {
	UserID string `json:"user_id"`
	Theme  string `json:"theme"`
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	theme, ok, err := s.kv.Get(r.Context(), store.ThemeKey(userID))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if !ok || !validTheme(theme) {
		theme = defaultTheme
	}
	respondJSON(w, http.StatusOK, themeResponse{UserID: userID, Theme: theme})
}

func (s *Server) handlePutTheme(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Theme = strings.ToLower(strings.TrimSpace(req.Theme))
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	if !validTheme(req.Theme) {
		respondError(w, http.StatusBadRequest, "invalid_theme", "theme must be \"light\" or \"dark\"")
		return
	}

	if err := s.kv.Set(r.Context(), store.ThemeKey(req.UserID), req.Theme); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, themeResponse{UserID: req.UserID, Theme: req.Theme})
}

func validTheme(theme string) bool {
	return theme == "light" || theme == "dark"
}
