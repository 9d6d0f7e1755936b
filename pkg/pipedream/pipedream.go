// Package pipedream is a client for Pipedream Connect: project token
// issuance, per-user connect tokens and links, OAuth code exchange, and MCP
// tool calls against Pipedream's remote MCP server.
package pipedream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Default endpoints.
const (
	DefaultAPIURL     = "https://api.pipedream.com"
	DefaultMCPURL     = "https://remote.mcp.pipedream.net"
	DefaultConnectURL = "https://pipedream.com/_static/connect.html"
)

// clientHeader identifies this client to Pipedream.
const clientHeader = "mcp-connect/1.0"

// tokenSkew refreshes the project token this long before it expires.
const tokenSkew = time.Minute

// Config configures the Pipedream client.
type Config struct {
	// ClientID and ClientSecret are the Pipedream OAuth app credentials.
	ClientID     string
	ClientSecret string

	// ProjectID is the Pipedream Connect project.
	ProjectID string

	// Environment is "development" or "production".
	Environment string

	// APIURL overrides the REST API base URL.
	APIURL string

	// MCPURL overrides the remote MCP server base URL.
	MCPURL string

	// ConnectURL overrides the hosted connect page URL.
	ConnectURL string

	// HTTPClient overrides the HTTP client, e.g. to set timeouts.
	HTTPClient *http.Client
}

// Client talks to the Pipedream API on behalf of a Connect project.
type Client struct {
	cfg  Config
	http *http.Client

	mu           sync.Mutex
	projectToken string
	tokenExpiry  time.Time
}

// New creates a Pipedream client.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("pipedream client credentials are required")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pipedream project ID is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.MCPURL == "" {
		cfg.MCPURL = DefaultMCPURL
	}
	if cfg.ConnectURL == "" {
		cfg.ConnectURL = DefaultConnectURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// ConnectTokenResponse is returned when minting a connect token.
type ConnectTokenResponse struct {
	Token          string `json:"token"`
	ExpiresAt      string `json:"expires_at"`
	ConnectLinkURL string `json:"connect_link_url"`
}

// ConnectToken mints a short-lived connect token for the external user.
func (c *Client) ConnectToken(ctx context.Context, externalUserID string) (*ConnectTokenResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"external_user_id": externalUserID}
	endpoint := fmt.Sprintf("%s/v1/connect/%s/tokens", c.cfg.APIURL, c.cfg.ProjectID)

	var out ConnectTokenResponse
	if err := c.postJSON(ctx, endpoint, token, body, &out); err != nil {
		return nil, fmt.Errorf("minting connect token: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("minting connect token: empty token in response")
	}
	return &out, nil
}

// ConnectLink builds the hosted connect-link URL that starts the app's OAuth
// flow for the token's user.
func (c *Client) ConnectLink(connectToken, appSlug string) string {
	q := url.Values{}
	q.Set("token", connectToken)
	q.Set("connectLink", "true")
	q.Set("app", appSlug)
	return c.cfg.ConnectURL + "?" + q.Encode()
}

// TokenResponse is an OAuth token exchange result.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode exchanges an OAuth authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	body := map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  redirectURI,
	}

	var out TokenResponse
	if err := c.postJSON(ctx, c.cfg.APIURL+"/v1/oauth/access_token", "", body, &out); err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("exchanging authorization code: empty access token in response")
	}
	return &out, nil
}

// accessToken returns a valid project access token, requesting a new one via
// the client-credentials grant when the cached token is missing or stale.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.projectToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenSkew)) {
		return c.projectToken, nil
	}

	body := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	}

	var out TokenResponse
	if err := c.postJSON(ctx, c.cfg.APIURL+"/v1/oauth/token", "", body, &out); err != nil {
		return "", fmt.Errorf("requesting project token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("requesting project token: empty access token in response")
	}

	c.projectToken = out.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return c.projectToken, nil
}

// postJSON posts a JSON body and decodes a JSON response.
func (c *Client) postJSON(ctx context.Context, endpoint, bearer string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pipedream-Client", clientHeader)
	req.Header.Set("X-PD-Environment", c.cfg.Environment)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
