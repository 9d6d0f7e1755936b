package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/txn2/mcp-connect/pkg/oauth"
)

// OAuthCallback handles GET /oauth/callback, the redirect target of the
// provider's OAuth flow. It always answers with a 303 redirect to the
// dashboard, carrying the outcome in query parameters.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn("oauth flow returned an error", "error", errParam)
		h.redirectDashboard(w, r, h.cfg.DashboardPath, url.Values{"error": {errParam}})
		return
	}

	stateToken := q.Get("state")
	if stateToken == "" {
		h.redirectDashboard(w, r, h.cfg.DashboardPath, url.Values{"error": {"missing_state"}})
		return
	}

	state, err := h.states.Consume(stateToken)
	if err != nil {
		if !errors.Is(err, oauth.ErrStateNotFound) {
			h.logger.Error("state lookup failed", "error", err)
		}
		h.redirectDashboard(w, r, h.cfg.DashboardPath, url.Values{"error": {"invalid_state"}})
		return
	}

	returnPath := state.ReturnURL
	if returnPath == "" {
		returnPath = h.cfg.DashboardPath
	}

	code := q.Get("code")
	if code == "" {
		h.redirectDashboard(w, r, returnPath, url.Values{"error": {"missing_code"}})
		return
	}

	redirectURI := h.cfg.BaseURL + "/oauth/callback"
	if _, err := h.connector.ExchangeCode(r.Context(), code, redirectURI); err != nil {
		h.logger.Error("code exchange failed",
			"user_id", state.UserID, "app_slug", state.AppSlug, "error", err)
		h.redirectDashboard(w, r, returnPath, url.Values{"error": {"exchange_failed"}})
		return
	}

	h.logger.Info("oauth flow completed",
		"user_id", state.UserID, "app_slug", state.AppSlug)
	h.redirectDashboard(w, r, returnPath, url.Values{"connected": {state.AppSlug}})
}

// redirectDashboard sends a 303 to path with the given query parameters.
func (h *Handler) redirectDashboard(w http.ResponseWriter, r *http.Request, path string, params url.Values) {
	target := path
	if len(params) > 0 {
		sep := "?"
		if u, err := url.Parse(path); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		target = path + sep + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
