package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/txn2/mcp-connect/pkg/auth"
	"github.com/txn2/mcp-connect/pkg/session"
)

// Path parameter names used by the session routes.
const (
	pathParamUserID    = "user_id"
	pathParamAppSlug   = "app_slug"
	pathParamSessionID = "session_id"
)

// sessionSummary is one session in list and detail responses.
type sessionSummary struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	AppSlug      string         `json:"app_slug"`
	Status       session.Status `json:"status"`
	ToolsCount   int            `json:"tools_count"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// sessionListResponse wraps a user's sessions.
type sessionListResponse struct {
	Sessions []sessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

// ListSessions handles GET /api/v1/sessions, returning the caller's
// sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())
	if uc == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	records := h.store.UserSessions(uc.UserID)
	summaries := make([]sessionSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, summarize(rec))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].AppSlug < summaries[j].AppSlug
	})

	writeJSON(w, http.StatusOK, sessionListResponse{
		Sessions: summaries,
		Total:    len(summaries),
	})
}

// SessionStats handles GET /api/v1/sessions/stats. Admin only.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())
	if uc == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	if !uc.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	writeJSON(w, http.StatusOK, h.store.Stats())
}

// GetSession handles GET /api/v1/sessions/{user_id}/{app_slug}. Callers may
// read their own sessions; admins may read anyone's.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())
	if uc == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	userID := r.PathValue(pathParamUserID)
	appSlug := r.PathValue(pathParamAppSlug)

	if userID != uc.UserID && !uc.IsAdmin() {
		writeError(w, http.StatusForbidden, "cannot read another user's session")
		return
	}

	rec, ok := h.store.Get(userID, appSlug)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, summarize(rec))
}

// summarize converts a record into its API representation.
func summarize(rec *session.Record) sessionSummary {
	return sessionSummary{
		SessionID:    rec.SessionID,
		UserID:       rec.UserID,
		AppSlug:      rec.AppSlug,
		Status:       rec.Status,
		ToolsCount:   toolsCount(rec),
		CreatedAt:    rec.CreatedAt,
		LastAccessed: rec.LastAccessed,
		ExpiresAt:    rec.ExpiresAt,
	}
}
