// Package llm is the boundary to the language model. Everything above it
// speaks session.Message; adapters translate to a provider's wire types.
package llm

import (
	"context"

	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/tools"
)

// Purpose tells a model adapter (and test doubles) why it is being called.
type Purpose string

const (
	PurposeAgent         Purpose = "agent"
	PurposeSummary       Purpose = "summary"
	PurposeToolSelection Purpose = "tool_selection"
)

// ToolSpec is a tool as advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Spec describes t for the model.
func Spec(t tools.Tool) ToolSpec {
	return ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}
}

// Request is one completion call.
type Request struct {
	Purpose  Purpose
	System   string
	Messages []session.Message
	Tools    []ToolSpec
}

// Response carries the assistant message produced for a Request.
type Response struct {
	Message session.Message
	// Model is the name of the model that answered.
	Model string
}

// Model generates one assistant turn.
type Model interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}
