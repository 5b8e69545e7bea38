package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/spf13/cobra"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	// Ensure logger is closed on exit
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "espagent",
	Short: "Interactive embedded-debugging agent with operator approval",
	Long: `espagent is an interactive assistant for debugging embedded systems.

Each line you type is sent to the agent, which may read and edit project
files, run commands on target hosts over ssh and call tools discovered from
MCP servers. Sensitive tool calls pause for your approval: approve, edit the
arguments or reject with a reason.

Conversation state is checkpointed to NATS JetStream (embedded by default),
so an interrupted session resumes where it stopped.`,
	RunE:          runConsole,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addConsoleFlags(rootCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(setupCmd)
}
