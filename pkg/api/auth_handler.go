package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/txn2/mcp-connect/pkg/auth"
)

// loginRequest is the body of POST /api/v1/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is the body returned by login and refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Login handles POST /api/v1/auth/login. On success it sets the session
// cookie and returns the tokens for non-browser clients.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, ok := h.directory.Authenticate(req.Username, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	access, expiresAt, err := h.tokens.IssueAccessToken(user.Username)
	if err != nil {
		h.logger.Error("failed to issue access token", "user_id", user.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	refresh, _, err := h.tokens.IssueRefreshToken(user.Username)
	if err != nil {
		h.logger.Error("failed to issue refresh token", "user_id", user.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.setSessionCookie(w, access, expiresAt)
	h.logger.Info("user logged in", "user_id", user.Username)

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int(time.Until(expiresAt).Seconds()),
		UserID:       user.Username,
		RefreshToken: refresh,
	})
}

// Logout handles POST /api/v1/auth/logout by expiring the session cookie.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.authmw.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// refreshRequest is the body of POST /api/v1/auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /api/v1/auth/refresh, exchanging a refresh token for
// a new access token and session cookie.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	userID, err := h.tokens.VerifyRefreshToken(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, expiresAt, err := h.tokens.IssueAccessToken(userID)
	if err != nil {
		h.logger.Error("failed to issue access token", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	h.setSessionCookie(w, access, expiresAt)

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(time.Until(expiresAt).Seconds()),
		UserID:      userID,
	})
}

// meResponse is the body of GET /api/v1/me.
type meResponse struct {
	UserID        string   `json:"user_id"`
	Roles         []string `json:"roles"`
	ConnectedApps int      `json:"connected_apps"`
}

// Me handles GET /api/v1/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	uc := auth.GetUserContext(r.Context())
	if uc == nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	roles := uc.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:        uc.UserID,
		Roles:         roles,
		ConnectedApps: len(h.store.UserSessions(uc.UserID)),
	})
}

// setSessionCookie sets the HttpOnly session cookie carrying the access
// token.
func (h *Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.authmw.CookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
