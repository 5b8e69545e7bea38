package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/espagent/internal/mcpserver"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	addr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the remote command tool over MCP",
	Long: `Serve ssh_run over MCP streamable HTTP so other agents can call it.

Run this on the machine that can reach the target boards; point the
console's mcp_servers entry at http://<addr>/mcp.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "127.0.0.1:8090", "Listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.New("espagent", version, []tools.Tool{tools.NewSSH()})
	addr, err := srv.Start(ctx, serveFlags.addr)
	if err != nil {
		return err
	}
	fmt.Printf("Serving MCP tools at http://%s%s\n", addr, mcpserver.EndpointPath)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
