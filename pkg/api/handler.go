// Package api provides the REST endpoints for authentication, the app
// catalog, Pipedream connect flows, session inspection, and tool execution.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/mcp-connect/pkg/apps"
	"github.com/txn2/mcp-connect/pkg/auth"
	"github.com/txn2/mcp-connect/pkg/oauth"
	"github.com/txn2/mcp-connect/pkg/pipedream"
	"github.com/txn2/mcp-connect/pkg/session"
)

// Connector is the slice of the Pipedream client the handlers use.
type Connector interface {
	ConnectToken(ctx context.Context, externalUserID string) (*pipedream.ConnectTokenResponse, error)
	ConnectLink(connectToken, appSlug string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (*pipedream.TokenResponse, error)
	InitializeMCP(ctx context.Context, externalUserID, appSlug string) (*pipedream.InitializeResult, error)
	ListTools(ctx context.Context, externalUserID, appSlug string) ([]pipedream.Tool, error)
	CallTool(ctx context.Context, externalUserID, appSlug, name string, arguments map[string]any) (map[string]any, error)
}

// Verify the concrete client satisfies the handler-facing interface.
var _ Connector = (*pipedream.Client)(nil)

// Config configures the API handler.
type Config struct {
	// BaseURL is the externally visible URL, used to build the OAuth
	// redirect URI.
	BaseURL string

	// DashboardPath is where OAuth callbacks redirect the browser.
	DashboardPath string

	// SessionTTL bounds new session lifetimes. Zero means no expiry.
	SessionTTL time.Duration

	// CookieSecure marks session cookies Secure.
	CookieSecure bool
}

// Handler provides the REST API endpoints.
type Handler struct {
	mux       *http.ServeMux
	cfg       Config
	store     *session.Store
	tokens    *auth.TokenService
	directory *auth.Directory
	authmw    *auth.Middleware
	connector Connector
	catalog   *apps.Catalog
	states    oauth.StateStore
	logger    *slog.Logger
}

// NewHandler creates the API handler and registers its routes.
func NewHandler(
	cfg Config,
	store *session.Store,
	tokens *auth.TokenService,
	directory *auth.Directory,
	authmw *auth.Middleware,
	connector Connector,
	catalog *apps.Catalog,
	states oauth.StateStore,
	logger *slog.Logger,
) *Handler {
	if cfg.DashboardPath == "" {
		cfg.DashboardPath = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		store:     store,
		tokens:    tokens,
		directory: directory,
		authmw:    authmw,
		connector: connector,
		catalog:   catalog,
		states:    states,
		logger:    logger,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all API routes.
func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/v1/auth/login", h.Login)
	h.mux.HandleFunc("POST /api/v1/auth/logout", h.Logout)
	h.mux.HandleFunc("POST /api/v1/auth/refresh", h.Refresh)
	h.mux.Handle("GET /api/v1/me", h.authmw.Require(http.HandlerFunc(h.Me)))

	h.mux.Handle("GET /api/v1/apps", h.authmw.Optional(http.HandlerFunc(h.ListApps)))
	h.mux.Handle("POST /api/v1/apps/connect", h.authmw.Require(http.HandlerFunc(h.ConnectApp)))
	h.mux.Handle("DELETE /api/v1/apps/{slug}", h.authmw.Require(http.HandlerFunc(h.DisconnectApp)))

	h.mux.Handle("GET /api/v1/sessions", h.authmw.Require(http.HandlerFunc(h.ListSessions)))
	h.mux.Handle("GET /api/v1/sessions/stats", h.authmw.Require(http.HandlerFunc(h.SessionStats)))
	h.mux.Handle("GET /api/v1/sessions/{user_id}/{app_slug}", h.authmw.Require(http.HandlerFunc(h.GetSession)))

	h.mux.Handle("POST /api/v1/tools/{session_id}/call", h.authmw.Require(http.HandlerFunc(h.CallTool)))

	h.mux.HandleFunc("GET /oauth/callback", h.OAuthCallback)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
