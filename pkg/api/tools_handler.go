package api

import (
	"encoding/json"
	"net/http"

	"github.com/txn2/mcp-connect/pkg/auth"
	"github.com/txn2/mcp-connect/pkg/session"
)

// toolCallRequest is the body of POST /api/v1/tools/{session_id}/call.
type toolCallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// toolCallResponse wraps a tool execution result.
type toolCallResponse struct {
	SessionID string         `json:"session_id"`
	AppSlug   string         `json:"app_slug"`
	ToolName  string         `json:"tool_name"`
	Result    map[string]any `json:"result"`
}

// CallTool handles POST /api/v1/tools/{session_id}/call. The session must
// belong to the caller.
func (h *Handler) CallTool(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())
	if uc == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	sessionID := r.PathValue(pathParamSessionID)
	rec := h.findOwnedSession(uc.UserID, sessionID)
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	result, err := h.connector.CallTool(r.Context(), uc.UserID, rec.AppSlug, req.ToolName, req.Arguments)
	if err != nil {
		h.logger.Error("tool call failed",
			"user_id", uc.UserID, "app_slug", rec.AppSlug,
			"tool", req.ToolName, "error", err)
		writeError(w, http.StatusBadGateway, "tool call failed")
		return
	}

	h.logger.Info("tool called",
		"user_id", uc.UserID, "app_slug", rec.AppSlug, "tool", req.ToolName)

	writeJSON(w, http.StatusOK, toolCallResponse{
		SessionID: rec.SessionID,
		AppSlug:   rec.AppSlug,
		ToolName:  req.ToolName,
		Result:    result,
	})
}

// findOwnedSession returns the caller's session with the given ID, or nil.
// Looking up through the caller's own sessions enforces ownership.
func (h *Handler) findOwnedSession(userID, sessionID string) *session.Record {
	for _, rec := range h.store.UserSessions(userID) {
		if rec.SessionID == sessionID {
			return rec
		}
	}
	return nil
}
