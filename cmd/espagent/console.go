package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/charmbracelet/colorprofile"
	"github.com/mark3labs/espagent/internal/agent"
	"github.com/mark3labs/espagent/internal/config"
	"github.com/mark3labs/espagent/internal/console"
	"github.com/mark3labs/espagent/internal/discovery"
	"github.com/mark3labs/espagent/internal/fsbackend"
	"github.com/mark3labs/espagent/internal/hitl"
	"github.com/mark3labs/espagent/internal/hooks"
	"github.com/mark3labs/espagent/internal/llm"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/memory"
	"github.com/mark3labs/espagent/internal/middleware"
	"github.com/mark3labs/espagent/internal/nats"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/template"
	"github.com/mark3labs/espagent/internal/theme"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/spf13/cobra"
)

var consoleFlags struct {
	user        string
	model       string
	largeModel  string
	dataDir     string
	databaseURL string
	rootDir     string
	color       string
	markdown    bool
	noMCP       bool
}

func addConsoleFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&consoleFlags.user, "user", "u", "", "Operator identity (default: OS user name)")
	f.StringVarP(&consoleFlags.model, "model", "m", "", "Default model")
	f.StringVar(&consoleFlags.largeModel, "large-model", "", "Model used for long or complex conversations")
	f.StringVar(&consoleFlags.dataDir, "data-dir", "", "Data directory for the embedded NATS server")
	f.StringVar(&consoleFlags.databaseURL, "database-url", "", "External NATS server URL (default: embedded)")
	f.StringVar(&consoleFlags.rootDir, "root", "", "Directory exposed to the file tools")
	f.StringVar(&consoleFlags.color, "color", "", "Color output: auto, always or never")
	f.BoolVar(&consoleFlags.markdown, "markdown", false, "Render agent replies as markdown")
	f.BoolVar(&consoleFlags.noMCP, "no-mcp", false, "Skip MCP tool discovery")
}

// loadConfig applies explicitly set flags over the loaded configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	overrides := []struct {
		flag string
		dst  *string
		val  string
	}{
		{"user", &cfg.User, consoleFlags.user},
		{"model", &cfg.Model, consoleFlags.model},
		{"large-model", &cfg.LargeModel, consoleFlags.largeModel},
		{"data-dir", &cfg.DataDir, consoleFlags.dataDir},
		{"database-url", &cfg.DatabaseURL, consoleFlags.databaseURL},
		{"root", &cfg.RootDir, consoleFlags.rootDir},
		{"color", &cfg.Color, consoleFlags.color},
	}
	for _, o := range overrides {
		if f.Lookup(o.flag) != nil && f.Changed(o.flag) {
			*o.dst = o.val
		}
	}
	if f.Lookup("markdown") != nil && f.Changed("markdown") {
		cfg.Markdown = consoleFlags.markdown
	}
	if f.Lookup("no-mcp") != nil && consoleFlags.noMCP {
		cfg.MCPServers = nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, fmt.Errorf("configuring logger: %w", err)
	}
	return cfg, nil
}

// operator returns the identity the thread belongs to.
func operator(cfg *config.Config) string {
	if cfg.User != "" {
		return cfg.User
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return tools.UnknownUser
}

// openStore opens the pool and makes sure the stream and bucket exist.
func openStore(ctx context.Context, cfg *config.Config) (*nats.Pool, error) {
	pool, err := nats.Open(nats.Options{URL: cfg.DatabaseURL, DataDir: cfg.DataDir, Size: cfg.PoolSize})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := nats.Bootstrap(ctx, pool); err != nil {
		console.Cleanup(pool)
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return pool, nil
}

// renderer picks console styling from the color mode.
func renderer(cfg *config.Config) *theme.Renderer {
	var r *theme.Renderer
	switch cfg.Color {
	case config.ColorNever:
		r = theme.Plain()
	case config.ColorAlways:
		r = theme.Detect(os.Stdout)
		r.Color = true
		if r.Profile < colorprofile.ANSI256 {
			r.Profile = colorprofile.ANSI256
		}
	default:
		r = theme.Detect(os.Stdout)
	}
	r.MarkdownEnabled = cfg.Markdown
	return r
}

// mergeTools appends discovered tools whose names are still free.
func mergeTools(local []tools.Tool, reserved []string, remote []tools.Tool) []tools.Tool {
	taken := make(map[string]bool, len(local)+len(reserved))
	for _, t := range local {
		taken[t.Name()] = true
	}
	for _, name := range reserved {
		taken[name] = true
	}

	out := append([]tools.Tool(nil), local...)
	for _, t := range remote {
		if taken[t.Name()] {
			logger.Warn("Dropping discovered tool %s: name already in use", t.Name())
			continue
		}
		taken[t.Name()] = true
		out = append(out, t)
	}
	return out
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		console.Cleanup(pool)
		fmt.Print("\nbye\n")
	}()
	fmt.Println("Database initialization successful!")

	client, err := llm.NewGenAIClient(ctx, cfg.APIKey)
	if err != nil {
		return err
	}
	small := llm.NewGenAI(client, cfg.Model)
	large := small
	if cfg.LargeModel != "" && cfg.LargeModel != cfg.Model {
		large = llm.NewGenAI(client, cfg.LargeModel)
	}

	backend, err := fsbackend.New(cfg.RootDir)
	if err != nil {
		return err
	}
	pipeline := middleware.Default(cfg, small, large, backend)

	mcp := discovery.New(cfg.MCPServers)
	defer func() {
		if err := console.Stop(mcp); err != nil {
			logger.Warn("Closing MCP clients: %v", err)
		}
	}()
	local := append(tools.Memory(), tools.NewSSH())
	var reserved []string
	for _, t := range pipeline.Tools(nil) {
		reserved = append(reserved, t.Name())
	}
	agentTools := mergeTools(local, reserved, mcp.Discover(ctx))

	userID := operator(cfg)
	info, err := session.NewUserInfo(userID, cfg.AdditionalInfo)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	taskInfo, err := hooks.TaskInfo(ctx, wd, cfg.HooksFile, hooks.Variables{UserID: userID, UserName: info.UserName})
	if err != nil {
		return fmt.Errorf("session hooks: %w", err)
	}

	systemPrompt, err := template.SystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		Model:        small,
		Tools:        agentTools,
		Pipeline:     pipeline,
		Store:        session.NewStore(pool),
		Memory:       memory.NewKVStore(pool),
		SystemPrompt: systemPrompt,
		MaxSteps:     cfg.MaxSteps,
	})
	if err != nil {
		return err
	}
	logger.Info("Agent ready with %d tools", len(a.Tools()))

	in := console.NewLineReader(os.Stdin)
	defer in.Close()

	rc := agent.RunConfig{ThreadID: userID, UserID: userID, UserInfo: &info, TaskInfo: taskInfo}
	c := console.New(a, in, os.Stdout, renderer(cfg))
	if os.Getenv("VISUAL") != "" || os.Getenv("EDITOR") != "" {
		c.Handler().Editor = hitl.ExternalEditor
	}
	err = c.Run(ctx, rc)
	printChanges(backend.Changes())
	return err
}

// printChanges summarizes the files the agent wrote during the session.
func printChanges(changes []fsbackend.FileChange) {
	if len(changes) == 0 {
		return
	}
	fmt.Printf("\nFiles changed this session:\n")
	for _, c := range changes {
		mark := "M"
		if c.IsNew {
			mark = "A"
		}
		fmt.Printf("  %s %s (+%d -%d)\n", mark, c.Path, c.Additions, c.Deletions)
	}
}
