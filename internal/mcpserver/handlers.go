package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerTools exposes every tool with its own JSON schema.
func (s *Server) registerTools() error {
	for _, t := range s.tools {
		schema, err := json.Marshal(t.Parameters())
		if err != nil {
			return fmt.Errorf("tool %s: marshal schema: %w", t.Name(), err)
		}
		s.mcpServer.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), handle(t))
	}
	return nil
}

// handle adapts a tool to an MCP handler. Served tools run outside any
// thread, so the runtime carries no state. Failures are reported as error
// results rather than protocol errors.
func handle(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		logger.Debug("MCP call %s", t.Name())

		out, err := t.Invoke(ctx, &tools.Runtime{}, args)
		if err != nil {
			logger.Warn("MCP call %s failed: %v", t.Name(), err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
