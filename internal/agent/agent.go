// Package agent runs the model/tool loop of a thread on top of the
// middleware pipeline, checkpointing every step so a thread can be
// suspended for operator approval and resumed later, even by another
// process.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/espagent/internal/llm"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/memory"
	"github.com/mark3labs/espagent/internal/middleware"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/tools"
)

// DefaultMaxSteps bounds model calls per Stream or Resume.
const DefaultMaxSteps = 25

// Config holds the collaborators of an Agent.
type Config struct {
	// Model answers when no middleware routes elsewhere.
	Model    llm.Model
	Tools    []tools.Tool
	Pipeline *middleware.Pipeline
	Store    Checkpointer
	// Memory is handed to tools; nil disables the memory tools' storage.
	Memory memory.Store
	// SystemPrompt renders the system instruction for a thread.
	SystemPrompt func(*session.TaskState) string
	MaxSteps     int
}

// Agent drives threads. Calls for one thread must not overlap.
type Agent struct {
	cfg      Config
	registry *tools.Registry
}

// New creates an Agent. The pipeline's provided tools are added to
// cfg.Tools; duplicate names among cfg.Tools are an error.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, errors.New("agent: checkpoint store is required")
	}
	if cfg.Model == nil {
		return nil, errors.New("agent: model is required")
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = middleware.New()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	registry, err := tools.NewRegistry(cfg.Pipeline.Tools(cfg.Tools)...)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	return &Agent{cfg: cfg, registry: registry}, nil
}

// Tools returns every tool the model may be offered.
func (a *Agent) Tools() []tools.Tool {
	return a.registry.All()
}

// GetState returns the current snapshot of the thread.
func (a *Agent) GetState(ctx context.Context, rc RunConfig) (*Snapshot, error) {
	st, err := a.cfg.Store.LoadState(ctx, rc.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", rc.ThreadID, err)
	}
	snap := snapshotOf(st)
	return &snap, nil
}

// Stream appends input to the thread and runs until the model answers
// without tool calls, a call needs approval, or the step limit is hit.
// emit sees a snapshot after every appended message.
func (a *Agent) Stream(ctx context.Context, rc RunConfig, input Input, emit EmitFunc) error {
	st, err := a.prepare(ctx, rc)
	if err != nil {
		return err
	}
	if st.Pending != nil {
		return ErrPendingInterrupt
	}
	if err := a.closeDangling(ctx, rc, st, emit); err != nil {
		return err
	}
	for _, msg := range input.Messages {
		if err := a.append(ctx, rc, st, msg, emit); err != nil {
			return err
		}
	}
	return a.loop(ctx, rc, st, emit)
}

// Resume applies one decision per pending tool call, in order, runs the
// approved and edited calls and continues the loop.
func (a *Agent) Resume(ctx context.Context, rc RunConfig, decisions []session.Decision, emit EmitFunc) error {
	st, err := a.prepare(ctx, rc)
	if err != nil {
		return err
	}
	pending := st.Pending
	if pending == nil {
		return ErrNoPendingInterrupt
	}
	if len(decisions) != len(pending.ToolCalls) {
		return fmt.Errorf("%w: got %d for %d", ErrDecisionCount, len(decisions), len(pending.ToolCalls))
	}

	if err := a.cfg.Store.ResolveInterrupt(ctx, rc.ThreadID, pending.ID, decisions); err != nil {
		return fmt.Errorf("recording decisions: %w", err)
	}
	logger.Info("Resuming thread %s with %d decision(s)", rc.ThreadID, len(decisions))

	// Reload so edited calls read exactly as they were recorded.
	st, err = a.cfg.Store.LoadState(ctx, rc.ThreadID)
	if err != nil {
		return fmt.Errorf("reloading thread %s: %w", rc.ThreadID, err)
	}

	byCall := make(map[string]session.Decision, len(decisions))
	for i, call := range pending.ToolCalls {
		byCall[call.ID] = decisions[i]
	}
	if err := a.runCalls(ctx, rc, st, byCall, emit); err != nil {
		return err
	}
	return a.loop(ctx, rc, st, emit)
}

// prepare loads the thread and records the run's identity if it changed.
func (a *Agent) prepare(ctx context.Context, rc RunConfig) (*session.State, error) {
	if rc.ThreadID == "" {
		return nil, errors.New("agent: thread id is required")
	}
	st, err := a.cfg.Store.LoadState(ctx, rc.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", rc.ThreadID, err)
	}
	if rc.UserID == "" || !contextChanged(st, rc) {
		return st, nil
	}
	if err := a.cfg.Store.SetContext(ctx, rc.ThreadID, rc.UserID, rc.UserInfo, rc.TaskInfo); err != nil {
		return nil, fmt.Errorf("recording thread context: %w", err)
	}
	st.UserID = rc.UserID
	st.UserInfo = rc.UserInfo
	st.TaskInfo = rc.TaskInfo
	return st, nil
}

func contextChanged(st *session.State, rc RunConfig) bool {
	if st.UserID != rc.UserID || st.TaskInfo != rc.TaskInfo {
		return true
	}
	if (st.UserInfo == nil) != (rc.UserInfo == nil) {
		return true
	}
	return st.UserInfo != nil && *st.UserInfo != *rc.UserInfo
}

func (a *Agent) append(ctx context.Context, rc RunConfig, st *session.State, msg session.Message, emit EmitFunc) error {
	if err := a.cfg.Store.AppendMessage(ctx, rc.ThreadID, msg); err != nil {
		return fmt.Errorf("checkpointing message: %w", err)
	}
	st.Messages = append(st.Messages, msg)
	if emit != nil {
		emit(snapshotOf(st))
	}
	return nil
}

func (a *Agent) loop(ctx context.Context, rc RunConfig, st *session.State, emit EmitFunc) error {
	for step := 0; step < a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		req := &middleware.ModelRequest{
			Model:    a.cfg.Model,
			Messages: append([]session.Message(nil), st.Messages...),
			Tools:    a.registry.All(),
			State:    &st.TaskState,
		}
		if a.cfg.SystemPrompt != nil {
			req.System = a.cfg.SystemPrompt(&st.TaskState)
		}

		resp, err := a.cfg.Pipeline.CallModel(ctx, req, middleware.Generate)
		if err != nil {
			return fmt.Errorf("model step: %w", err)
		}
		if c := resp.Compaction; c != nil {
			if err := a.collapse(ctx, rc, st, c); err != nil {
				return err
			}
		}

		msg := resp.Message
		logger.Debug("Step %d: model %s replied with %d tool call(s)", step+1, resp.Model, len(msg.ToolCalls))
		if err := a.append(ctx, rc, st, msg, emit); err != nil {
			return err
		}
		if len(msg.ToolCalls) == 0 {
			return nil
		}

		in, err := a.cfg.Pipeline.AfterModel(ctx, req, resp)
		if err != nil {
			return fmt.Errorf("after model: %w", err)
		}
		if in != nil {
			stored, err := a.cfg.Store.RaiseInterrupt(ctx, rc.ThreadID, *in)
			if err != nil {
				return fmt.Errorf("checkpointing interrupt: %w", err)
			}
			st.Pending = stored
			logger.Info("Thread %s suspended for approval of %d call(s)", rc.ThreadID, len(stored.ToolCalls))
			if emit != nil {
				emit(snapshotOf(st))
			}
			return nil
		}

		if err := a.runCalls(ctx, rc, st, nil, emit); err != nil {
			return err
		}
	}

	logger.Warn("Thread %s hit the step limit (%d)", rc.ThreadID, a.cfg.MaxSteps)
	return a.append(ctx, rc, st, session.AssistantMessage(
		fmt.Sprintf("Stopped after %d steps without a final answer.", a.cfg.MaxSteps)), emit)
}

func (a *Agent) collapse(ctx context.Context, rc RunConfig, st *session.State, c *middleware.Compaction) error {
	if err := a.cfg.Store.Collapse(ctx, rc.ThreadID, c.Removed, c.Summary); err != nil {
		return fmt.Errorf("checkpointing summary: %w", err)
	}
	removed := min(c.Removed, len(st.Messages))
	kept := make([]session.Message, 0, len(st.Messages)-removed+1)
	kept = append(kept, session.SystemMessage(c.Summary))
	st.Messages = append(kept, st.Messages[removed:]...)
	return nil
}

// runCalls answers every unanswered call of the newest assistant message.
// decisions, when set, holds the operator's answer for gated calls.
func (a *Agent) runCalls(ctx context.Context, rc RunConfig, st *session.State, decisions map[string]session.Decision, emit EmitFunc) error {
	msg := lastAssistant(st.Messages)
	if msg == nil {
		return nil
	}
	answered := answeredCalls(st.Messages)
	calls := append([]session.ToolCall(nil), msg.ToolCalls...)

	for _, call := range calls {
		if answered[call.ID] {
			continue
		}
		var result session.Message
		if reject, ok := decisions[call.ID].(session.Reject); ok {
			reason := reject.Message
			if reason == "" {
				reason = session.DefaultRejectMessage
			}
			logger.Info("Tool call %s (%s) rejected: %s", call.ID, call.Name, reason)
			result = session.ToolMessage(call, reason, session.StatusError)
		} else {
			res, err := a.invoke(ctx, rc, st, call)
			if err != nil {
				return err
			}
			result = session.ToolMessage(call, res.Content, res.Status)
		}
		if err := a.append(ctx, rc, st, result, emit); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) invoke(ctx context.Context, rc RunConfig, st *session.State, call session.ToolCall) (*middleware.ToolResult, error) {
	tool, _ := a.registry.Get(call.Name)
	req := &middleware.ToolRequest{
		Call: call,
		Tool: tool,
		Runtime: &tools.Runtime{
			Thread: rc.ThreadID,
			State:  &st.TaskState,
			Store:  a.cfg.Memory,
		},
	}
	logger.Debug("Invoking tool %s (%s)", call.Name, call.ID)
	res, err := a.cfg.Pipeline.CallTool(ctx, req, middleware.Execute)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	return res, nil
}

// closeDangling answers calls left without a result, which happens when a
// process stopped between recording decisions and running the calls.
func (a *Agent) closeDangling(ctx context.Context, rc RunConfig, st *session.State, emit EmitFunc) error {
	msg := lastAssistant(st.Messages)
	if msg == nil {
		return nil
	}
	answered := answeredCalls(st.Messages)
	for _, call := range append([]session.ToolCall(nil), msg.ToolCalls...) {
		if answered[call.ID] {
			continue
		}
		logger.Warn("Tool call %s (%s) was interrupted before completion", call.ID, call.Name)
		result := session.ToolMessage(call, "Tool call was interrupted before completion", session.StatusError)
		if err := a.append(ctx, rc, st, result, emit); err != nil {
			return err
		}
	}
	return nil
}

// lastAssistant returns the newest assistant message if nothing but tool
// results follow it.
func lastAssistant(msgs []session.Message) *session.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Role {
		case session.RoleAssistant:
			return &msgs[i]
		case session.RoleTool:
			continue
		default:
			return nil
		}
	}
	return nil
}

func answeredCalls(msgs []session.Message) map[string]bool {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == session.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	return answered
}
