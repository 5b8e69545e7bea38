package middleware

import (
	"context"
	"strings"

	"github.com/mark3labs/espagent/internal/llm"
	"github.com/mark3labs/espagent/internal/logger"
)

// Router picks the model for every step: Large for long conversations or
// requests flagged as complex, Default otherwise.
type Router struct {
	Default llm.Model
	Large   llm.Model
	// Threshold is the message count above which Large is used.
	Threshold int
	// Markers flag a complex request when found in the latest user message.
	Markers []string
}

func (r *Router) Name() string { return "router" }

// Route returns the model for a step over msgCount messages whose latest
// user message is text.
func (r *Router) Route(msgCount int, text string) llm.Model {
	if r.Large == nil {
		return r.Default
	}
	if msgCount > r.Threshold {
		logger.Debug("Router: long conversation (%d msgs), using %s", msgCount, r.Large.Name())
		return r.Large
	}
	for _, m := range r.Markers {
		if m != "" && strings.Contains(text, m) {
			logger.Debug("Router: complex task marker %q, using %s", m, r.Large.Name())
			return r.Large
		}
	}
	logger.Debug("Router: using default model %s", r.Default.Name())
	return r.Default
}

func (r *Router) WrapModel(ctx context.Context, req *ModelRequest, next ModelHandler) (*ModelResponse, error) {
	routed := *req
	routed.Model = r.Route(len(req.Messages), lastUserMessage(req.Messages))
	return next(ctx, &routed)
}
