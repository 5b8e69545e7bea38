package middleware

import (
	"context"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
)

// Approval holds calls to sensitive tools for an operator decision.
type Approval struct {
	// Tools maps a gated tool name to the description shown for review.
	Tools map[string]string
}

func (a *Approval) Name() string { return "approval" }

// Gated reports whether calls to name need a decision.
func (a *Approval) Gated(name string) bool {
	_, ok := a.Tools[name]
	return ok
}

// AfterModel returns an interrupt listing the gated calls of resp, in the
// order the model issued them.
func (a *Approval) AfterModel(_ context.Context, _ *ModelRequest, resp *ModelResponse) (*session.Interrupt, error) {
	var gated []session.ToolCall
	descriptions := make(map[string]string)
	for _, call := range resp.Message.ToolCalls {
		desc, ok := a.Tools[call.Name]
		if !ok {
			continue
		}
		gated = append(gated, call)
		descriptions[call.Name] = desc
	}
	if len(gated) == 0 {
		return nil, nil
	}
	logger.Info("Approval: holding %d tool call(s) for review", len(gated))
	return &session.Interrupt{ToolCalls: gated, Descriptions: descriptions}, nil
}
