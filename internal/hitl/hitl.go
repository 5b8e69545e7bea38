// Package hitl asks the operator to approve, edit or reject tool calls the
// agent suspended on, then resumes the agent with those decisions.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/mark3labs/espagent/internal/agent"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/theme"
)

// Phase is where the handler is in an interrupt cycle.
type Phase int32

const (
	Idle Phase = iota
	AwaitingDecisions
	Resuming
)

func (p Phase) String() string {
	switch p {
	case AwaitingDecisions:
		return "awaiting_decisions"
	case Resuming:
		return "resuming"
	default:
		return "idle"
	}
}

// Reader reads one line of operator input, without the newline. It returns
// io.EOF when input ends and ctx.Err() when ctx is cancelled.
type Reader interface {
	ReadLine(ctx context.Context) (string, error)
}

// Resumer continues a suspended thread.
type Resumer interface {
	Resume(ctx context.Context, rc agent.RunConfig, decisions []session.Decision, emit agent.EmitFunc) error
}

// Handler collects decisions for one interrupt at a time.
type Handler struct {
	In     Reader
	Out    io.Writer
	Render *theme.Renderer
	// Editor, when set, is opened on an empty edit line with the current
	// args and returns the edited text.
	Editor func(ctx context.Context, current string) (string, error)

	phase atomic.Int32
}

// New creates a handler. A nil renderer prints plain text.
func New(in Reader, out io.Writer, r *theme.Renderer) *Handler {
	if r == nil {
		r = theme.Plain()
	}
	return &Handler{In: in, Out: out, Render: r}
}

// Phase reports the current phase.
func (h *Handler) Phase() Phase {
	return Phase(h.phase.Load())
}

func (h *Handler) setPhase(p Phase) {
	h.phase.Store(int32(p))
}

// PendingCalls returns the tool calls awaiting decisions in snap, or nil
// when the thread is not suspended on tool calls.
func PendingCalls(snap *agent.Snapshot) []session.ToolCall {
	if snap == nil || !snap.HasPendingTasks() {
		return nil
	}
	last := snap.Values.LastMessage()
	if last == nil || len(last.ToolCalls) == 0 {
		return nil
	}
	if len(snap.Interrupts) > 0 && len(snap.Interrupts[0].ToolCalls) > 0 {
		return snap.Interrupts[0].ToolCalls
	}
	return last.ToolCalls
}

// HandleInterrupt prompts for a decision on every pending call and resumes
// orch with them. It reports whether execution was resumed. Input errors
// (EOF, cancellation) abort the interrupt and are returned.
func (h *Handler) HandleInterrupt(ctx context.Context, orch Resumer, snap *agent.Snapshot, rc agent.RunConfig) (bool, error) {
	calls := PendingCalls(snap)
	if len(calls) == 0 {
		return false, nil
	}

	h.setPhase(AwaitingDecisions)
	defer h.setPhase(Idle)

	var descriptions map[string]string
	if len(snap.Interrupts) > 0 {
		descriptions = snap.Interrupts[0].Descriptions
	}

	decisions := make([]session.Decision, 0, len(calls))
	for i, call := range calls {
		h.printf("\n[Tool %d/%d] %s\n", i+1, len(calls), call.Name)
		if desc := descriptions[call.Name]; desc != "" {
			h.printf("%s\n", h.Render.System(desc))
		}
		h.printf("Args: %s\n", h.Render.JSON(call.Args))

		d, err := h.decide(ctx, call)
		if err != nil {
			return false, err
		}
		decisions = append(decisions, d)
	}

	if len(decisions) == 0 {
		return false, nil
	}

	h.setPhase(Resuming)
	h.printf("\n%s\n\n", h.Render.System("[System]: Continuing execution..."))
	logger.Info("Resuming thread %s with %d decisions", rc.ThreadID, len(decisions))

	if err := orch.Resume(ctx, rc, decisions, h.streamAssistant(snap)); err != nil {
		return false, fmt.Errorf("resume: %w", err)
	}
	return true, nil
}

// decide loops until the operator gives a valid disposition for call.
func (h *Handler) decide(ctx context.Context, call session.ToolCall) (session.Decision, error) {
	for {
		choice, err := h.prompt(ctx, "\n(y)approve / (e)dit / (n)reject: ")
		if err != nil {
			return nil, err
		}

		switch strings.ToLower(strings.TrimSpace(choice)) {
		case "y":
			return session.Approve{}, nil

		case "e":
			h.printf("\nCurrent args: %s\n", h.Render.JSON(call.Args))
			line, err := h.prompt(ctx, "Enter edited args (JSON format): ")
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(line) == "" && h.Editor != nil {
				if line, err = h.Editor(ctx, theme.FormatJSON(call.Args)); err != nil {
					h.printf("%s\n", h.Render.Error(fmt.Sprintf("❌ Editor failed: %v", err)))
					continue
				}
			}
			args, ok := parseArgs(line)
			if !ok {
				h.printf("%s\n", h.Render.Error("❌ JSON format error, please retry"))
				continue
			}
			if diff := h.Render.Diff(call.Args, args); diff != "" {
				h.printf("%s\n", diff)
			}
			return session.Edit{EditedAction: session.EditedAction{Name: call.Name, Args: args}}, nil

		case "n":
			reason, err := h.prompt(ctx, "Rejection reason (optional): ")
			if err != nil {
				return nil, err
			}
			reason = strings.TrimSpace(reason)
			if reason == "" {
				reason = session.DefaultRejectMessage
			}
			return session.Reject{Message: reason}, nil

		default:
			h.printf("%s\n", h.Render.Error("❌ Invalid input"))
		}
	}
}

// parseArgs accepts only a JSON object.
func parseArgs(line string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &args); err != nil || args == nil {
		return nil, false
	}
	return args, true
}

func (h *Handler) prompt(ctx context.Context, p string) (string, error) {
	h.printf("%s", h.Render.Prompt(p))
	return h.In.ReadLine(ctx)
}

// streamAssistant prints assistant messages produced while resuming.
// Messages already in snap are not repeated.
func (h *Handler) streamAssistant(snap *agent.Snapshot) agent.EmitFunc {
	seen := make(map[string]bool, len(snap.Values.Messages))
	for _, m := range snap.Values.Messages {
		seen[m.ID] = true
	}
	return func(s agent.Snapshot) {
		last := s.Values.LastMessage()
		if last == nil || seen[last.ID] {
			return
		}
		seen[last.ID] = true
		if last.Role == session.RoleAssistant && last.Content != "" {
			h.printf("%s%s\n", h.Render.AgentLabel("🤖 "), h.Render.Markdown(last.Content))
		}
	}
}

func (h *Handler) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(h.Out, format, args...)
}
