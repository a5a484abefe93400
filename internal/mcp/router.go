// Package mcp connects the gateway to MCP servers over streamable HTTP and
// executes tool calls on behalf of the model.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tollgate-ai/tollgate/internal/credentials"
	"github.com/tollgate-ai/tollgate/internal/domain"
)

// ServerConfig describes one MCP server the gateway can route tool calls
// to. CatalogID links the server to its stored credentials.
type ServerConfig struct {
	Name      string            `koanf:"name"`
	URL       string            `koanf:"url"`
	CatalogID string            `koanf:"catalog_id"`
	Headers   map[string]string `koanf:"headers"`
}

// Result is the outcome of one tool invocation. IsError marks a failure the
// tool itself reported; those are fed back to the model rather than
// failing the request.
type Result struct {
	Text    string
	IsError bool
}

// Router holds one lazily initialized connection per server and credential.
type Router struct {
	servers map[string]ServerConfig
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[connKey]*conn
}

type connKey struct {
	server  string
	tokenID string
}

type conn struct {
	client *mcpclient.Client

	initOnce sync.Once
	initErr  error
}

// NewRouter creates a router over the configured servers.
func NewRouter(servers []ServerConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]ServerConfig, len(servers))
	for _, s := range servers {
		byName[s.Name] = s
	}
	return &Router{
		servers: byName,
		logger:  logger,
		conns:   make(map[connKey]*conn),
	}
}

// CatalogID returns the credential catalog entry for a server.
func (r *Router) CatalogID(server string) (string, bool) {
	cfg, ok := r.servers[server]
	if !ok {
		return "", false
	}
	return cfg.CatalogID, true
}

// Servers lists the configured server names.
func (r *Router) Servers() []string {
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	return names
}

// CallTool executes one tool call on the server the tool name addresses,
// authenticated with the given token. Tool-reported failures come back as
// Result.IsError, not as an error.
func (r *Router) CallTool(ctx context.Context, name domain.ToolName, argumentsJSON string, token credentials.Token) (Result, error) {
	c, err := r.connect(ctx, name.Server, token)
	if err != nil {
		return Result{}, err
	}

	var arguments map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &arguments); err != nil {
			return Result{}, domain.ErrValidation("arguments", fmt.Sprintf("tool %s: malformed arguments: %v", name, err))
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name.Tool
	req.Params.Arguments = arguments

	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return Result{}, &domain.UpstreamError{
			Upstream: "mcp:" + name.Server,
			Message:  err.Error(),
			Err:      err,
		}
	}

	return Result{Text: contentText(res.Content), IsError: res.IsError}, nil
}

// Tools lists the server's tools with gateway-namespaced names, ready to
// advertise to the model.
func (r *Router) Tools(ctx context.Context, server string, token credentials.Token) ([]domain.ToolDefinition, error) {
	c, err := r.connect(ctx, server, token)
	if err != nil {
		return nil, err
	}

	res, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &domain.UpstreamError{
			Upstream: "mcp:" + server,
			Message:  err.Error(),
			Err:      err,
		}
	}

	defs := make([]domain.ToolDefinition, 0, len(res.Tools))
	for _, tool := range res.Tools {
		defs = append(defs, domain.ToolDefinition{
			Type: "function",
			Function: domain.FunctionDef{
				Name:        domain.ToolName{Server: server, Tool: tool.Name}.String(),
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return defs, nil
}

func (r *Router) connect(ctx context.Context, server string, token credentials.Token) (*conn, error) {
	cfg, ok := r.servers[server]
	if !ok {
		return nil, domain.ErrValidation("tool", fmt.Sprintf("unknown MCP server %q", server))
	}

	key := connKey{server: server, tokenID: token.ID}
	r.mu.Lock()
	c, ok := r.conns[key]
	if !ok {
		headers := make(map[string]string, len(cfg.Headers)+1)
		for k, v := range cfg.Headers {
			headers[k] = v
		}
		if token.Secret != "" {
			headers["Authorization"] = "Bearer " + token.Secret
		}

		mc, err := mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(headers))
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to create MCP client for %s: %w", server, err)
		}
		c = &conn{client: mc}
		r.conns[key] = c
	}
	r.mu.Unlock()

	c.initOnce.Do(func() {
		if err := c.client.Start(ctx); err != nil {
			c.initErr = fmt.Errorf("failed to start MCP transport for %s: %w", server, err)
			return
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcp.Implementation{Name: "tollgate", Version: "1.0.0"}

		if _, err := c.client.Initialize(ctx, initReq); err != nil {
			c.initErr = &domain.UpstreamError{
				Upstream: "mcp:" + server,
				Message:  "initialize failed: " + err.Error(),
				Err:      err,
			}
			return
		}
		r.logger.Info("connected to MCP server", slog.String("server", server))
	})
	if c.initErr != nil {
		return nil, c.initErr
	}

	return c, nil
}

// Close shuts down all connections.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.conns {
		if err := c.client.Close(); err != nil {
			r.logger.Warn("failed to close MCP connection",
				slog.String("server", key.server),
				slog.String("error", err.Error()),
			)
		}
		delete(r.conns, key)
	}
}

func contentText(blocks []mcp.Content) string {
	var parts []string
	for _, block := range blocks {
		if tc, ok := block.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
