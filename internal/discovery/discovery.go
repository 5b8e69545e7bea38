// Package discovery connects to remote MCP servers and exposes their tools
// to the agent.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/espagent/internal/config"
	apperrors "github.com/mark3labs/espagent/internal/errors"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout applies to endpoints without their own timeout.
const DefaultTimeout = 30 * time.Second

// clientVersion is reported to servers during initialization.
const clientVersion = "0.1.0"

// Client owns the connections to every configured endpoint.
type Client struct {
	servers map[string]config.MCPServer

	mu      sync.Mutex
	clients map[string]*client.Client
}

// New creates a client for servers. Nothing connects until Discover.
func New(servers map[string]config.MCPServer) *Client {
	return &Client{servers: servers, clients: make(map[string]*client.Client)}
}

// Discover connects to every endpoint in parallel and returns the tools
// they offer, ordered by endpoint name. Unreachable endpoints contribute
// nothing.
func (c *Client) Discover(ctx context.Context) []tools.Tool {
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	found := make([][]tools.Tool, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			list, err := c.connect(ctx, name, c.servers[name])
			if err != nil {
				logger.Warn("! MCP connection failed [%s]: %v", name, err)
				return nil
			}
			found[i] = list
			return nil
		})
	}
	_ = g.Wait()

	var out []tools.Tool
	for _, list := range found {
		out = append(out, list...)
	}
	return out
}

func (c *Client) connect(ctx context.Context, name string, srv config.MCPServer) ([]tools.Tool, error) {
	timeout := srv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mc, err := client.NewStreamableHttpClient(srv.URL, transport.WithHTTPTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := c.handshake(ctx, mc); err != nil {
		_ = mc.Close()
		return nil, err
	}

	res, err := mc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mc.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	list := make([]tools.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := schemaOf(t)
		if err != nil {
			logger.Warn("Skipping MCP tool %s from %s: %v", t.Name, name, err)
			continue
		}
		list = append(list, &remoteTool{
			server:  name,
			name:    t.Name,
			desc:    t.Description,
			schema:  schema,
			client:  mc,
			timeout: timeout,
		})
	}

	c.mu.Lock()
	c.clients[name] = mc
	c.mu.Unlock()

	logger.Info("MCP server %s: %d tools", name, len(list))
	return list, nil
}

func (c *Client) handshake(ctx context.Context, mc *client.Client) error {
	if err := mc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "espagent", Version: clientVersion}
	if _, err := mc.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// Close closes every connected client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs apperrors.MultiError
	for name, mc := range c.clients {
		if err := mc.Close(); err != nil {
			errs.Append(fmt.Errorf("close %s: %w", name, err))
		}
		delete(c.clients, name)
	}
	return errs.ErrorOrNil()
}

// schemaOf returns the tool's input schema as a plain JSON object.
func schemaOf(t mcp.Tool) (map[string]any, error) {
	raw := []byte(t.RawInputSchema)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(t.InputSchema); err != nil {
			return nil, err
		}
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	if schema["type"] == nil || schema["type"] == "" {
		schema["type"] = "object"
	}
	return schema, nil
}

// remoteTool calls a tool on the server it was discovered from.
type remoteTool struct {
	server  string
	name    string
	desc    string
	schema  map[string]any
	client  *client.Client
	timeout time.Duration
}

func (t *remoteTool) Name() string               { return t.name }
func (t *remoteTool) Description() string        { return t.desc }
func (t *remoteTool) Parameters() map[string]any { return t.schema }

// Invoke calls the remote tool. Transport failures are transient; an error
// result reported by the server is not.
func (t *remoteTool) Invoke(ctx context.Context, _ *tools.Runtime, args map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args
	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", apperrors.NewTransientError("call "+t.server+"/"+t.name, err)
	}

	text := resultText(res)
	if res.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", t.name, text)
	}
	return text, nil
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
