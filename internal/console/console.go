// Package console runs the interactive session loop: read a line, stream
// the agent's work, and hand suspended tool calls to the operator.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/espagent/internal/agent"
	"github.com/mark3labs/espagent/internal/hitl"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/theme"
)

// Prompt is printed before every operator line.
const Prompt = "User > "

// Orchestrator is the agent as seen by the loop. *agent.Agent implements
// it.
type Orchestrator interface {
	hitl.Resumer
	Stream(ctx context.Context, rc agent.RunConfig, input agent.Input, emit agent.EmitFunc) error
	GetState(ctx context.Context, rc agent.RunConfig) (*agent.Snapshot, error)
}

// Console is one interactive session.
type Console struct {
	orch   Orchestrator
	in     *LineReader
	out    io.Writer
	render *theme.Renderer
	hitl   *hitl.Handler

	printed map[string]bool
}

// New creates a console reading from in and writing to out. A nil
// renderer prints plain text.
func New(orch Orchestrator, in *LineReader, out io.Writer, r *theme.Renderer) *Console {
	if r == nil {
		r = theme.Plain()
	}
	out = r.Writer(out)
	return &Console{
		orch:    orch,
		in:      in,
		out:     out,
		render:  r,
		hitl:    hitl.New(in, out, r),
		printed: make(map[string]bool),
	}
}

// Handler returns the interrupt handler used by the loop.
func (c *Console) Handler() *hitl.Handler {
	return c.hitl
}

// Run reads operator lines until input ends or ctx is cancelled, both of
// which return nil. Any other failure is returned.
func (c *Console) Run(ctx context.Context, rc agent.RunConfig) error {
	logger.Info("Session started for %s (thread %s)", rc.UserID, rc.ThreadID)

	// A previous process may have stopped while waiting for decisions.
	if err := c.drainInterrupts(ctx, rc); err != nil {
		return c.exit(ctx, err)
	}

	for {
		c.printf("%s", c.render.Prompt(Prompt))
		line, err := c.in.ReadLine(ctx)
		if err != nil {
			return c.exit(ctx, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		input := agent.Input{Messages: []session.Message{session.UserMessage(line)}}
		if err := c.orch.Stream(ctx, rc, input, c.show); err != nil {
			return c.exit(ctx, fmt.Errorf("stream: %w", err))
		}
		if err := c.drainInterrupts(ctx, rc); err != nil {
			return c.exit(ctx, err)
		}
		c.printf("\n")
	}
}

// exit maps the normal ways a session ends to nil.
func (c *Console) exit(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		logger.Info("Input closed, ending session")
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		logger.Info("Session interrupted")
		return nil
	default:
		logger.Error("Session failed: %v", err)
		return err
	}
}

// drainInterrupts hands pending interrupts to the operator until the
// thread runs freely again.
func (c *Console) drainInterrupts(ctx context.Context, rc agent.RunConfig) error {
	for {
		snap, err := c.orch.GetState(ctx, rc)
		if err != nil {
			return fmt.Errorf("get state: %w", err)
		}
		if !snap.HasPendingTasks() {
			return nil
		}
		for _, m := range snap.Values.Messages {
			c.printed[m.ID] = true
		}
		resumed, err := c.hitl.HandleInterrupt(ctx, c.orch, snap, rc)
		if err != nil {
			return err
		}
		if !resumed {
			logger.Warn("Thread %s is suspended without pending tool calls", rc.ThreadID)
			return nil
		}
	}
}

// show prints the newest message of a streamed snapshot once.
func (c *Console) show(snap agent.Snapshot) {
	msg := snap.Values.LastMessage()
	if msg == nil || c.printed[msg.ID] {
		return
	}
	c.printed[msg.ID] = true

	switch msg.Role {
	case session.RoleAssistant:
		if msg.Content != "" {
			c.printf("%s%s\n", c.render.AgentLabel("🤖 Agent: "), c.render.Markdown(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			c.printf("%s\n", c.render.ToolCall("   🔧 [Calling tool]: "+call.Name))
		}
	case session.RoleTool:
		c.printf("%s%s\n", c.render.ToolLabel("🤖 Tool: "), msg.Content)
	}
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}
