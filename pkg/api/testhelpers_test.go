package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-connect/pkg/apps"
	"github.com/txn2/mcp-connect/pkg/auth"
	"github.com/txn2/mcp-connect/pkg/oauth"
	"github.com/txn2/mcp-connect/pkg/pipedream"
	"github.com/txn2/mcp-connect/pkg/session"
)

const (
	testUser      = "demo"
	testAdmin     = "root"
	testPassword  = "s3cret"
	testAppSlug   = "github"
	testIssuer    = "mcp-connect-test"
	testBaseURL   = "https://connect.example.com"
	testDashboard = "/dashboard"
)

// --- Mock Connector ---

type mockConnector struct {
	initErr     error
	tools       []pipedream.Tool
	toolsErr    error
	tokenErr    error
	callResult  map[string]any
	callErr     error
	exchangeErr error

	callCount     int
	lastCallUser  string
	lastCallApp   string
	lastCallTool  string
	lastExchCode  string
	lastExchRedir string
}

func (m *mockConnector) ConnectToken(_ context.Context, externalUserID string) (*pipedream.ConnectTokenResponse, error) {
	if m.tokenErr != nil {
		return nil, m.tokenErr
	}
	return &pipedream.ConnectTokenResponse{Token: "ctok-" + externalUserID}, nil
}

func (*mockConnector) ConnectLink(connectToken, appSlug string) string {
	return "https://pipedream.example.com/connect?token=" + connectToken + "&app=" + appSlug
}

func (m *mockConnector) ExchangeCode(_ context.Context, code, redirectURI string) (*pipedream.TokenResponse, error) {
	m.lastExchCode = code
	m.lastExchRedir = redirectURI
	if m.exchangeErr != nil {
		return nil, m.exchangeErr
	}
	return &pipedream.TokenResponse{AccessToken: "at-" + code}, nil
}

func (m *mockConnector) InitializeMCP(_ context.Context, _, _ string) (*pipedream.InitializeResult, error) {
	if m.initErr != nil {
		return nil, m.initErr
	}
	return &pipedream.InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      map[string]any{"name": "pipedream"},
	}, nil
}

func (m *mockConnector) ListTools(_ context.Context, _, _ string) ([]pipedream.Tool, error) {
	if m.toolsErr != nil {
		return nil, m.toolsErr
	}
	return m.tools, nil
}

func (m *mockConnector) CallTool(_ context.Context, externalUserID, appSlug, name string, _ map[string]any) (map[string]any, error) {
	m.callCount++
	m.lastCallUser = externalUserID
	m.lastCallApp = appSlug
	m.lastCallTool = name
	if m.callErr != nil {
		return nil, m.callErr
	}
	if m.callResult != nil {
		return m.callResult, nil
	}
	return map[string]any{"content": []any{map[string]any{"type": "text", "text": "ok"}}}, nil
}

// Verify interface compliance.
var _ Connector = (*mockConnector)(nil)

// --- Test fixture ---

type testFixture struct {
	handler   *Handler
	store     *session.Store
	tokens    *auth.TokenService
	connector *mockConnector
	states    *oauth.MemoryStateStore
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	store, err := session.New(context.Background(), session.NopBackend{}, testLogger())
	require.NoError(t, err)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		SigningKey: []byte("test-signing-key"),
		Issuer:     testIssuer,
	})
	require.NoError(t, err)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	directory := auth.NewDirectory([]auth.User{
		{Username: testUser, PasswordHash: hash, Roles: []string{"user"}},
		{Username: testAdmin, PasswordHash: hash, Roles: []string{"admin"}},
	})

	authmw := auth.NewMiddleware(tokens, directory, "")
	connector := &mockConnector{
		tools: []pipedream.Tool{
			{Name: "create_issue"},
			{Name: "list_repos"},
		},
	}

	catalog, err := apps.Load("")
	require.NoError(t, err)

	states := oauth.NewMemoryStateStore()

	handler := NewHandler(
		Config{
			BaseURL:       testBaseURL,
			DashboardPath: testDashboard,
			SessionTTL:    time.Hour,
		},
		store, tokens, directory, authmw, connector, catalog, states,
		testLogger(),
	)

	return &testFixture{
		handler:   handler,
		store:     store,
		tokens:    tokens,
		connector: connector,
		states:    states,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// do performs a request against the handler and returns the recorder.
func (f *testFixture) do(t *testing.T, method, target, body string, asUser string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if asUser != "" {
		access, _, err := f.tokens.IssueAccessToken(asUser)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: "access_token", Value: access})
	}

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

// connect performs a connect request for the user and returns the response
// recorder.
func (f *testFixture) connect(t *testing.T, asUser, slug string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"app_slug":%q}`, slug)
	return f.do(t, http.MethodPost, "/api/v1/apps/connect", body, asUser)
}
