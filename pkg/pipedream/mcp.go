package pipedream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// mcpProtocolVersion is the MCP protocol revision this client speaks.
const mcpProtocolVersion = "2024-11-05"

// Tool describes an MCP tool exposed by a connected app.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

// InitializeResult is the handshake result from the remote MCP server.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      map[string]any `json:"serverInfo,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// InitializeMCP performs the MCP handshake for the user/app pair.
func (c *Client) InitializeMCP(ctx context.Context, externalUserID, appSlug string) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"clientInfo": map[string]any{
			"name":    "mcp-connect",
			"version": "1.0.0",
		},
	}

	raw, err := c.rpc(ctx, externalUserID, appSlug, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initializing mcp session: %w", err)
	}

	var out InitializeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding initialize result: %w", err)
	}
	return &out, nil
}

// ListTools returns the tools the app exposes for the user.
func (c *Client) ListTools(ctx context.Context, externalUserID, appSlug string) ([]Tool, error) {
	raw, err := c.rpc(ctx, externalUserID, appSlug, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding tool list: %w", err)
	}
	return out.Tools, nil
}

// CallTool executes a tool and returns the raw result object.
func (c *Client) CallTool(ctx context.Context, externalUserID, appSlug, name string, arguments map[string]any) (map[string]any, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": arguments,
	}

	raw, err := c.rpc(ctx, externalUserID, appSlug, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("calling tool %s: %w", name, err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return out, nil
}

// rpc sends one JSON-RPC request to the remote MCP server. The server
// answers with either a JSON body or a single SSE message frame depending on
// negotiation, so both are accepted.
func (c *Client) rpc(ctx context.Context, externalUserID, appSlug, method string, params any) (json.RawMessage, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.MCPURL+"/v1/"+externalUserID+"/"+appSlug, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Pipedream-Client", clientHeader)
	req.Header.Set("x-pd-project-id", c.cfg.ProjectID)
	req.Header.Set("x-pd-environment", c.cfg.Environment)
	req.Header.Set("x-pd-external-user-id", externalUserID)
	req.Header.Set("x-pd-app-slug", appSlug)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending rpc request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	body := resp.Body
	var rpcResp rpcResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		data, err := parseSSE(body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return nil, fmt.Errorf("decoding rpc response: %w", err)
		}
	} else if err := json.NewDecoder(body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decoding rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// parseSSE extracts the first message payload from a Server-Sent Events
// stream: the concatenated data lines of the first event that carries data.
func parseSSE(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				break
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("event stream contained no data")
	}
	return []byte(strings.Join(data, "\n")), nil
}
