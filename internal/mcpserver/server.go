// Package mcpserver hosts local tools over MCP streamable HTTP so other
// agents (or another espagent process) can discover and call them.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/mark3labs/mcp-go/server"
)

// EndpointPath is where the MCP handler is mounted.
const EndpointPath = "/mcp"

// Server serves a fixed set of tools over MCP.
type Server struct {
	name      string
	version   string
	tools     []tools.Tool
	mcpServer *server.MCPServer
	stdServer *http.Server
	addr      string
	mu        sync.Mutex
}

// New creates a server for list. It does not listen until Start.
func New(name, version string, list []tools.Tool) *Server {
	return &Server{name: name, version: version, tools: list}
}

// Handler builds the MCP server and returns its HTTP handler.
func (s *Server) Handler() (http.Handler, error) {
	s.mcpServer = server.NewMCPServer(
		s.name,
		s.version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(EndpointPath, server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithStateLess(true),
	))
	return mux, nil
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in the
// background. It returns the bound address.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer != nil {
		return "", fmt.Errorf("server already started")
	}

	handler, err := s.Handler()
	if err != nil {
		return "", err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = listener.Addr().String()
	s.stdServer = &http.Server{Handler: handler}

	logger.Info("MCP tool server listening on %s%s (%d tools)", s.addr, EndpointPath, len(s.tools))

	stdServer := s.stdServer
	go func() {
		if err := stdServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("MCP server error: %v", err)
		}
	}()
	return s.addr, nil
}

// Stop shuts the HTTP server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdServer == nil {
		return nil
	}

	logger.Debug("Stopping MCP server")
	if err := s.stdServer.Shutdown(ctx); err != nil {
		logger.Warn("Error stopping MCP server: %v", err)
		return fmt.Errorf("failed to stop server: %w", err)
	}
	s.stdServer = nil
	s.mcpServer = nil
	logger.Debug("MCP server stopped")
	return nil
}

// URL returns the endpoint URL of a started server.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("http://%s%s", s.addr, EndpointPath)
}
