package api

import (
	"context"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/txn2/mcp-connect/pkg/session"
)

// sweepProbability is the chance a request kicks an expired-session sweep.
const sweepProbability = 0.01

// sweepTimeout bounds a background sweep kicked off by a request.
const sweepTimeout = 30 * time.Second

// CORS creates middleware that answers preflight requests and stamps CORS
// headers for allowed origins. Credentials are allowed since the session
// cookie rides along on browser requests.
func CORS(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")

				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
					h.Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed reports whether origin matches the configured list. A bare
// "*" allows every origin.
func originAllowed(origins []string, origin string) bool {
	if slices.Contains(origins, "*") {
		return true
	}
	return slices.Contains(origins, strings.TrimSuffix(origin, "/"))
}

// SweepKick creates middleware that occasionally triggers an expired-session
// sweep after serving a request, so expiry does not depend solely on the
// background routine.
func SweepKick(store *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)

			if rand.Float64() >= sweepProbability {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
				defer cancel()
				_, _ = store.CleanupExpired(ctx)
			}()
		})
	}
}
