package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
	"google.golang.org/genai"
)

// NewGenAIClient creates a Gemini API client.
func NewGenAIClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required (set api_key, ESPAGENT_API_KEY or GEMINI_API_KEY)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return client, nil
}

// GenAI is a Model served through google.golang.org/genai.
type GenAI struct {
	client *genai.Client
	model  string
}

// NewGenAI binds a model name to a client. Several models may share one
// client.
func NewGenAI(client *genai.Client, model string) *GenAI {
	return &GenAI{client: client, model: model}
}

func (g *GenAI) Name() string { return g.model }

// Generate sends the conversation and returns the assistant turn.
func (g *GenAI) Generate(ctx context.Context, req *Request) (*Response, error) {
	temp := float32(0)
	cfg := &genai.GenerateContentConfig{Temperature: &temp}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			}
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	logger.Debug("genai request: model=%s purpose=%s messages=%d tools=%d", g.model, req.Purpose, len(req.Messages), len(req.Tools))

	resp, err := g.client.Models.GenerateContent(ctx, g.model, toContents(req.Messages), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	msg, err := fromResponse(resp)
	if err != nil {
		return nil, err
	}
	return &Response{Message: msg, Model: g.model}, nil
}

// toContents converts history to genai turns. Consecutive tool results are
// grouped into one user turn, which is how function responses must follow
// the model turn that requested them.
func toContents(msgs []session.Message) []*genai.Content {
	var out []*genai.Content
	var pending []*genai.Part

	flush := func() {
		if len(pending) > 0 {
			out = append(out, genai.NewContentFromParts(pending, genai.RoleUser))
			pending = nil
		}
	}

	for _, m := range msgs {
		if m.Role != session.RoleTool {
			flush()
		}
		switch m.Role {
		case session.RoleUser:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		case session.RoleSystem:
			out = append(out, genai.NewContentFromText("Summary of the earlier conversation:\n"+m.Content, genai.RoleUser))
		case session.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, c := range m.ToolCalls {
				p := genai.NewPartFromFunctionCall(c.Name, c.Args)
				p.FunctionCall.ID = c.ID
				parts = append(parts, p)
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(""))
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
		case session.RoleTool:
			key := "output"
			if m.Status == session.StatusError {
				key = "error"
			}
			p := genai.NewPartFromFunctionResponse(m.Name, map[string]any{key: m.Content})
			p.FunctionResponse.ID = m.ToolCallID
			pending = append(pending, p)
		}
	}
	flush()
	return out
}

func fromResponse(resp *genai.GenerateContentResponse) (session.Message, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return session.Message{}, errors.New("model returned no candidates")
	}

	var text strings.Builder
	var calls []session.ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			id := fc.ID
			if id == "" {
				id = uuid.NewString()
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, session.ToolCall{ID: id, Name: fc.Name, Args: args})
		}
	}
	return session.AssistantMessage(text.String(), calls...), nil
}
