package mcpserver

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/espagent/internal/testfixtures"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer serves list on a free port and returns a connected client.
func startServer(t *testing.T, list []tools.Tool) *client.Client {
	t.Helper()
	ctx := context.Background()

	srv := New("espagent-test", "test", list)
	_, err := srv.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	c, err := client.NewStreamableHttpClient(srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(ctx))

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "test"}
	_, err = c.Initialize(ctx, init)
	require.NoError(t, err)
	return c
}

// extractText returns the text of the first content block.
func extractText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if tc, ok := mcp.AsTextContent(result.Content[0]); ok {
		return tc.Text
	}
	return ""
}

func call(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestServer_ListTools(t *testing.T) {
	c := startServer(t, []tools.Tool{tools.NewSSH()})

	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	tool := res.Tools[0]
	assert.Equal(t, "ssh_run", tool.Name)
	assert.Contains(t, tool.Description, "remote host")
	assert.Equal(t, []string{"host", "command"}, tool.InputSchema.Required)
	assert.Contains(t, tool.InputSchema.Properties, "command")
}

func TestServer_CallTool(t *testing.T) {
	runner := testfixtures.NewFakeRunner(
		testfixtures.RunResult{Stdout: "up 3 days\n"},
		testfixtures.RunResult{Stderr: "Permission denied\n", ExitCode: 255},
		testfixtures.RunResult{Err: errors.New("exec: \"ssh\": executable file not found in $PATH")},
	)
	c := startServer(t, []tools.Tool{&tools.SSH{Runner: runner}})

	res := call(t, c, "ssh_run", map[string]any{"host": "board", "command": "uptime"})
	assert.False(t, res.IsError)
	assert.Equal(t, "up 3 days", extractText(res))
	assert.Equal(t, []string{"ssh", "board", "uptime"}, runner.Calls[0])

	res = call(t, c, "ssh_run", map[string]any{"host": "board", "command": "uptime"})
	assert.False(t, res.IsError, "a non-zero exit is a normal result")
	assert.Equal(t, "SSH command execution failed: Permission denied", extractText(res))

	res = call(t, c, "ssh_run", map[string]any{"host": "board", "command": "uptime"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(res), "executable file not found")

	res = call(t, c, "ssh_run", map[string]any{"host": "board"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(res), `invalid argument "command"`)
}

func TestServer_StopIdempotent(t *testing.T) {
	srv := New("espagent-test", "test", nil)
	_, err := srv.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	_, err = srv.Start(context.Background(), "127.0.0.1:0")
	assert.Error(t, err, "already started")

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}
