// Package server wires the configuration into a running HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/mcp-connect/pkg/api"
	"github.com/txn2/mcp-connect/pkg/apps"
	"github.com/txn2/mcp-connect/pkg/auth"
	"github.com/txn2/mcp-connect/pkg/config"
	"github.com/txn2/mcp-connect/pkg/health"
	"github.com/txn2/mcp-connect/pkg/oauth"
	"github.com/txn2/mcp-connect/pkg/pipedream"
	"github.com/txn2/mcp-connect/pkg/session"
	sqlitestore "github.com/txn2/mcp-connect/pkg/session/sqlite"
)

// Version is set at build time.
var Version = "dev"

// Lifecycle timing.
const (
	shutdownTimeout    = 15 * time.Second
	readHeaderTimeout  = 10 * time.Second
	stateMaxAge        = 5 * time.Minute
	stateSweepInterval = time.Minute
)

// Server is the assembled service: session store, auth, Pipedream client,
// API handlers, and the HTTP listener.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	checker *health.Checker
	store   *session.Store
	backend session.Backend
	states  *oauth.MemoryStateStore
	handler http.Handler
	httpSrv *http.Server
}

// New builds a Server from the configuration. The durable store is opened
// and replayed before New returns, so a non-nil Server is ready to serve.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := sqlitestore.Open(cfg.Database.Path, cfg.Database.MaxOpenConns, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	store, err := session.New(ctx, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		SigningKey:      []byte(cfg.Auth.SigningKey),
		Issuer:          cfg.Auth.Issuer,
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	users := make([]auth.User, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users = append(users, auth.User{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Roles:        u.Roles,
		})
	}
	directory := auth.NewDirectory(users)
	authmw := auth.NewMiddleware(tokens, directory, cfg.Auth.CookieName)

	connector, err := pipedream.New(pipedream.Config{
		ClientID:     cfg.Pipedream.ClientID,
		ClientSecret: cfg.Pipedream.ClientSecret,
		ProjectID:    cfg.Pipedream.ProjectID,
		Environment:  cfg.Pipedream.Environment,
		APIURL:       cfg.Pipedream.APIURL,
		MCPURL:       cfg.Pipedream.MCPURL,
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("creating pipedream client: %w", err)
	}

	catalog, err := apps.Load(cfg.Apps.CatalogPath)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("loading app catalog: %w", err)
	}

	states := oauth.NewMemoryStateStore()
	checker := health.NewChecker(cfg.Server.Name, cfg.Server.Version)

	apiHandler := api.NewHandler(
		api.Config{
			BaseURL:      cfg.Server.BaseURL,
			SessionTTL:   cfg.Sessions.TTL,
			CookieSecure: cfg.Auth.CookieSecure,
		},
		store, tokens, directory, authmw, connector, catalog, states, logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", checker.ReadinessHandler())
	mux.Handle("/api/v1/", apiHandler)
	mux.Handle("/oauth/", apiHandler)

	handler := api.CORS(cfg.Server.CORSOrigins)(api.SweepKick(store)(mux))

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		checker: checker,
		store:   store,
		backend: backend,
		states:  states,
		handler: handler,
		httpSrv: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
	return s, nil
}

// Handler returns the root HTTP handler, probes and middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Checker returns the readiness checker.
func (s *Server) Checker() *health.Checker {
	return s.checker
}

// Run serves HTTP until ctx is canceled, then drains and shuts down. It
// returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.store.StartCleanupRoutine(s.cfg.Sessions.CleanupInterval)

	stateCtx, stopStates := context.WithCancel(context.Background())
	defer stopStates()

	go s.sweepStates(stateCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening",
			"address", s.cfg.Server.Address, "service", s.cfg.Server.Name)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.checker.SetReady()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	s.logger.Info("shutting down")
	s.checker.SetDraining()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining http server: %w", err)
	}
	return nil
}

// sweepStates periodically drops abandoned connect states.
func (s *Server) sweepStates(ctx context.Context) {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.states.Cleanup(stateMaxAge)
		}
	}
}

// Close releases the store and the durable backend.
func (s *Server) Close() error {
	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
