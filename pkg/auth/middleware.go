package auth

import (
	"net/http"
	"strings"
)

// Middleware authenticates requests from the session cookie, falling back to
// an Authorization Bearer header for API clients.
type Middleware struct {
	tokens     *TokenService
	directory  *Directory
	cookieName string
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(tokens *TokenService, directory *Directory, cookieName string) *Middleware {
	if cookieName == "" {
		cookieName = "access_token"
	}
	return &Middleware{
		tokens:     tokens,
		directory:  directory,
		cookieName: cookieName,
	}
}

// CookieName returns the name of the session cookie.
func (m *Middleware) CookieName() string {
	return m.cookieName
}

// Require wraps a handler, rejecting unauthenticated requests with 401 and a
// WWW-Authenticate header. Authenticated requests carry a UserContext.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc, ok := m.authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized: not authenticated", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), uc)))
	})
}

// Optional wraps a handler, attaching a UserContext when credentials are
// present and valid but letting anonymous requests through.
func (m *Middleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uc, ok := m.authenticate(r); ok {
			r = r.WithContext(WithUserContext(r.Context(), uc))
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate extracts and verifies the access token from the request.
func (m *Middleware) authenticate(r *http.Request) (*UserContext, bool) {
	token := m.extractToken(r)
	if token == "" {
		return nil, false
	}

	subject, err := m.tokens.VerifyAccessToken(token)
	if err != nil {
		return nil, false
	}

	uc := &UserContext{UserID: subject}
	if m.directory != nil {
		if u, ok := m.directory.Lookup(subject); ok {
			uc.Roles = u.Roles
		}
	}
	return uc, true
}

// extractToken prefers the session cookie, then the Authorization header.
func (m *Middleware) extractToken(r *http.Request) string {
	if c, err := r.Cookie(m.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
