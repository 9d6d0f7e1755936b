package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mcp-connect/pkg/auth"
	"github.com/txn2/mcp-connect/pkg/oauth"
	"github.com/txn2/mcp-connect/pkg/pipedream"
	"github.com/txn2/mcp-connect/pkg/session"
)

const pathParamSlug = "slug"

// appEntry is one catalog app in the list response, annotated with the
// caller's connection state.
type appEntry struct {
	Name        string `json:"name"`
	Slug        string `json:"app_slug"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	IsConnected bool   `json:"is_connected"`
	ToolsCount  int    `json:"tools_count"`
}

// appListResponse wraps the catalog list.
type appListResponse struct {
	Apps  []appEntry `json:"apps"`
	Total int        `json:"total"`
}

// ListApps handles GET /api/v1/apps. Connection state is filled in for
// authenticated callers and left false for anonymous ones.
func (h *Handler) ListApps(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())

	all := h.catalog.All()
	entries := make([]appEntry, 0, len(all))
	for _, app := range all {
		entry := appEntry{
			Name:        app.Name,
			Slug:        app.Slug,
			Description: app.Description,
			Category:    app.Category(),
		}
		if uc != nil {
			if rec, ok := h.store.Get(uc.UserID, app.Slug); ok {
				entry.IsConnected = true
				entry.ToolsCount = toolsCount(rec)
			}
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, appListResponse{Apps: entries, Total: len(entries)})
}

// connectRequest is the body of POST /api/v1/apps/connect.
type connectRequest struct {
	AppSlug   string `json:"app_slug"`
	ReturnURL string `json:"return_url,omitempty"`
}

// connectResponse is returned after a successful connect.
type connectResponse struct {
	SessionID      string     `json:"session_id"`
	AppSlug        string     `json:"app_slug"`
	ToolsCount     int        `json:"tools_count"`
	ConnectLinkURL string     `json:"connect_link_url"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ConnectApp handles POST /api/v1/apps/connect. It initializes an MCP
// session for the caller against the remote server, records it, and returns
// a connect link that completes the app's own OAuth flow in the browser.
func (h *Handler) ConnectApp(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())
	if uc == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AppSlug == "" {
		writeError(w, http.StatusBadRequest, "app_slug is required")
		return
	}
	if !h.catalog.Has(req.AppSlug) {
		writeError(w, http.StatusNotFound, "unknown app: "+req.AppSlug)
		return
	}

	ctx := r.Context()

	initResult, err := h.connector.InitializeMCP(ctx, uc.UserID, req.AppSlug)
	if err != nil {
		h.logger.Error("mcp initialize failed",
			"user_id", uc.UserID, "app_slug", req.AppSlug, "error", err)
		writeError(w, http.StatusBadGateway, "failed to initialize app session")
		return
	}

	tools, err := h.connector.ListTools(ctx, uc.UserID, req.AppSlug)
	if err != nil {
		h.logger.Error("mcp tool listing failed",
			"user_id", uc.UserID, "app_slug", req.AppSlug, "error", err)
		writeError(w, http.StatusBadGateway, "failed to list app tools")
		return
	}

	connectToken, err := h.connector.ConnectToken(ctx, uc.UserID)
	if err != nil {
		h.logger.Error("connect token request failed",
			"user_id", uc.UserID, "app_slug", req.AppSlug, "error", err)
		writeError(w, http.StatusBadGateway, "failed to create connect token")
		return
	}

	state, err := oauth.NewStateToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create state token")
		return
	}
	if err := h.states.Save(&oauth.ConnectState{
		Token:     state,
		UserID:    uc.UserID,
		AppSlug:   req.AppSlug,
		ReturnURL: req.ReturnURL,
		CreatedAt: time.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save connect state")
		return
	}

	rec := &session.Record{
		SessionID: uuid.NewString(),
		UserID:    uc.UserID,
		AppSlug:   req.AppSlug,
		Metadata: map[string]any{
			"tools":        toolNames(tools),
			"tools_count":  len(tools),
			"mcp_response": initResult.ServerInfo,
			"client_config": map[string]any{
				"protocol_version": initResult.ProtocolVersion,
			},
		},
	}
	if h.cfg.SessionTTL > 0 {
		expiresAt := time.Now().UTC().Add(h.cfg.SessionTTL)
		rec.ExpiresAt = &expiresAt
	}

	if err := h.store.Store(ctx, rec); err != nil {
		h.logger.Error("failed to store session",
			"user_id", uc.UserID, "app_slug", req.AppSlug, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store session")
		return
	}

	link := h.connector.ConnectLink(connectToken.Token, req.AppSlug) + "&state=" + state
	h.logger.Info("app connected",
		"user_id", uc.UserID, "app_slug", req.AppSlug, "session_id", rec.SessionID,
		"tools", len(tools))

	writeJSON(w, http.StatusCreated, connectResponse{
		SessionID:      rec.SessionID,
		AppSlug:        rec.AppSlug,
		ToolsCount:     len(tools),
		ConnectLinkURL: link,
		ExpiresAt:      rec.ExpiresAt,
	})
}

// DisconnectApp handles DELETE /api/v1/apps/{slug}.
func (h *Handler) DisconnectApp(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())
	if uc == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	slug := r.PathValue(pathParamSlug)
	removed, err := h.store.Remove(r.Context(), uc.UserID, slug)
	if err != nil {
		h.logger.Error("failed to remove session",
			"user_id", uc.UserID, "app_slug", slug, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect app")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "app not connected: "+slug)
		return
	}

	h.logger.Info("app disconnected", "user_id", uc.UserID, "app_slug", slug)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "app_slug": slug})
}

// toolNames extracts the tool names from a tools/list result.
func toolNames(tools []pipedream.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

// toolsCount reads the tool count a session recorded at connect time.
func toolsCount(rec *session.Record) int {
	switch v := rec.Metadata["tools_count"].(type) {
	case int:
		return v
	case float64:
		// JSON round trips land here.
		return int(v)
	default:
		return 0
	}
}
