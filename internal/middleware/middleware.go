// Package middleware composes the interceptors that wrap every model and
// tool invocation made by the agent.
//
// A middleware implements any of ModelWrapper, ToolWrapper, ToolProvider
// and AfterModelHook. The first middleware given to New is the outermost
// wrapper.
package middleware

import (
	"context"
	"fmt"

	apperrors "github.com/mark3labs/espagent/internal/errors"
	"github.com/mark3labs/espagent/internal/llm"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/tools"
)

// ModelRequest is one agent model step.
type ModelRequest struct {
	Model    llm.Model
	System   string
	Messages []session.Message
	Tools    []tools.Tool
	// State is the thread state the messages belong to. Read only.
	State *session.TaskState
}

// Compaction reports that the oldest Removed messages were replaced by
// Summary before the model was called.
type Compaction struct {
	Removed int
	Summary string
}

// ModelResponse is the outcome of a model step.
type ModelResponse struct {
	Message    session.Message
	Model      string
	Compaction *Compaction
}

// ToolRequest is one tool call about to run.
type ToolRequest struct {
	Call session.ToolCall
	// Tool is nil when no tool with the call's name is available.
	Tool    tools.Tool
	Runtime *tools.Runtime
}

// ToolResult is what gets reported back to the model for a call.
type ToolResult struct {
	Content  string
	Status   session.ToolStatus
	Attempts int
}

type (
	ModelHandler func(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
	ToolHandler  func(ctx context.Context, req *ToolRequest) (*ToolResult, error)
)

// Middleware is anything placed in a Pipeline.
type Middleware interface {
	Name() string
}

// ModelWrapper intercepts model steps.
type ModelWrapper interface {
	Middleware
	WrapModel(ctx context.Context, req *ModelRequest, next ModelHandler) (*ModelResponse, error)
}

// ToolWrapper intercepts tool calls.
type ToolWrapper interface {
	Middleware
	WrapTool(ctx context.Context, req *ToolRequest, next ToolHandler) (*ToolResult, error)
}

// ToolProvider contributes tools to the agent.
type ToolProvider interface {
	Middleware
	Tools() []tools.Tool
}

// AfterModelHook inspects a model response before its tool calls run. A
// non-nil Interrupt suspends the thread.
type AfterModelHook interface {
	Middleware
	AfterModel(ctx context.Context, req *ModelRequest, resp *ModelResponse) (*session.Interrupt, error)
}

// Pipeline is an ordered set of middlewares.
type Pipeline struct {
	middlewares []Middleware
}

// New builds a pipeline. mws[0] is the outermost.
func New(mws ...Middleware) *Pipeline {
	return &Pipeline{middlewares: mws}
}

// Middlewares returns the pipeline contents in order.
func (p *Pipeline) Middlewares() []Middleware {
	return append([]Middleware(nil), p.middlewares...)
}

// Tools returns base followed by every provided tool. Provided tools whose
// name is already taken are skipped.
func (p *Pipeline) Tools(base []tools.Tool) []tools.Tool {
	out := append([]tools.Tool(nil), base...)
	seen := make(map[string]bool, len(out))
	for _, t := range out {
		seen[t.Name()] = true
	}
	for _, mw := range p.middlewares {
		tp, ok := mw.(ToolProvider)
		if !ok {
			continue
		}
		for _, t := range tp.Tools() {
			if seen[t.Name()] {
				logger.Warn("Middleware %s: tool %s already registered, skipping", mw.Name(), t.Name())
				continue
			}
			seen[t.Name()] = true
			out = append(out, t)
		}
	}
	return out
}

// CallModel runs req through every ModelWrapper and then final.
func (p *Pipeline) CallModel(ctx context.Context, req *ModelRequest, final ModelHandler) (*ModelResponse, error) {
	h := final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		w, ok := p.middlewares[i].(ModelWrapper)
		if !ok {
			continue
		}
		next := h
		h = func(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
			return w.WrapModel(ctx, req, next)
		}
	}
	return h(ctx, req)
}

// CallTool runs req through every ToolWrapper and then final.
func (p *Pipeline) CallTool(ctx context.Context, req *ToolRequest, final ToolHandler) (*ToolResult, error) {
	h := final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		w, ok := p.middlewares[i].(ToolWrapper)
		if !ok {
			continue
		}
		next := h
		h = func(ctx context.Context, req *ToolRequest) (*ToolResult, error) {
			return w.WrapTool(ctx, req, next)
		}
	}
	return h(ctx, req)
}

// AfterModel runs the hooks in order and returns the first interrupt.
func (p *Pipeline) AfterModel(ctx context.Context, req *ModelRequest, resp *ModelResponse) (*session.Interrupt, error) {
	for _, mw := range p.middlewares {
		hook, ok := mw.(AfterModelHook)
		if !ok {
			continue
		}
		in, err := hook.AfterModel(ctx, req, resp)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mw.Name(), err)
		}
		if in != nil {
			return in, nil
		}
	}
	return nil, nil
}

// Gated reports whether any AfterModelHook holds calls to name for review.
func (p *Pipeline) Gated(name string) bool {
	for _, mw := range p.middlewares {
		if g, ok := mw.(interface{ Gated(string) bool }); ok && g.Gated(name) {
			return true
		}
	}
	return false
}

// Generate is the innermost model handler: it calls req.Model.
func Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	if req.Model == nil {
		return nil, fmt.Errorf("no model configured")
	}
	specs := make([]llm.ToolSpec, len(req.Tools))
	for i, t := range req.Tools {
		specs[i] = llm.Spec(t)
	}
	resp, err := req.Model.Generate(ctx, &llm.Request{
		Purpose:  llm.PurposeAgent,
		System:   req.System,
		Messages: req.Messages,
		Tools:    specs,
	})
	if err != nil {
		return nil, err
	}
	return &ModelResponse{Message: resp.Message, Model: resp.Model}, nil
}

// Execute is the innermost tool handler. Unknown tools become an error
// result; panics inside a tool become errors.
func Execute(ctx context.Context, req *ToolRequest) (*ToolResult, error) {
	if req.Tool == nil {
		return &ToolResult{
			Content:  fmt.Sprintf("Error: tool '%s' not found", req.Call.Name),
			Status:   session.StatusError,
			Attempts: 1,
		}, nil
	}
	var out string
	err := apperrors.Recover(func() error {
		var err error
		out, err = req.Tool.Invoke(ctx, req.Runtime, req.Call.Args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ToolResult{Content: out, Status: session.StatusSuccess, Attempts: 1}, nil
}

// lastUserMessage returns the newest user message content.
func lastUserMessage(msgs []session.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
