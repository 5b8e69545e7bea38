package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/espagent/internal/llm"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
)

// messageOverhead approximates the per-message framing tokens.
const messageOverhead = 4

// EstimateTokens approximates the token count of msgs at four characters
// per token.
func EstimateTokens(msgs []session.Message) int {
	total := 0
	for _, m := range msgs {
		chars := len(m.Content)
		for _, c := range m.ToolCalls {
			chars += len(c.Name)
			if args, err := json.Marshal(c.Args); err == nil {
				chars += len(args)
			}
		}
		total += chars/4 + messageOverhead
	}
	return total
}

// Summarizer compacts history once it grows past Trigger tokens, keeping
// the newest Keep messages verbatim.
type Summarizer struct {
	Model   llm.Model
	Trigger int
	Keep    int
	// Prompt may contain {messages}; otherwise the transcript is appended.
	Prompt string
}

func (s *Summarizer) Name() string { return "summarizer" }

// cutPoint returns how many leading messages to summarize, or 0. The cut
// never lands on a tool message so results stay with their request.
func (s *Summarizer) cutPoint(msgs []session.Message) int {
	if len(msgs) <= s.Keep || EstimateTokens(msgs) <= s.Trigger {
		return 0
	}
	cut := len(msgs) - s.Keep
	for cut > 0 && msgs[cut].Role == session.RoleTool {
		cut--
	}
	return cut
}

func (s *Summarizer) WrapModel(ctx context.Context, req *ModelRequest, next ModelHandler) (*ModelResponse, error) {
	cut := s.cutPoint(req.Messages)
	if cut == 0 {
		return next(ctx, req)
	}

	summary, err := s.summarize(ctx, req.Messages[:cut])
	if err != nil {
		logger.Warn("Summarizer: keeping full history: %v", err)
		return next(ctx, req)
	}
	logger.Info("Summarizer: collapsed %d messages", cut)

	compacted := *req
	compacted.Messages = make([]session.Message, 0, len(req.Messages)-cut+1)
	compacted.Messages = append(compacted.Messages, session.SystemMessage(summary))
	compacted.Messages = append(compacted.Messages, req.Messages[cut:]...)

	resp, err := next(ctx, &compacted)
	if err != nil {
		return nil, err
	}
	resp.Compaction = &Compaction{Removed: cut, Summary: summary}
	return resp, nil
}

func (s *Summarizer) summarize(ctx context.Context, msgs []session.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		for _, c := range m.ToolCalls {
			args, _ := json.Marshal(c.Args)
			fmt.Fprintf(&transcript, "%s called %s %s\n", m.Role, c.Name, args)
		}
	}

	prompt := s.Prompt
	if strings.Contains(prompt, "{messages}") {
		prompt = strings.ReplaceAll(prompt, "{messages}", transcript.String())
	} else {
		prompt += "\n\n" + transcript.String()
	}

	resp, err := s.Model.Generate(ctx, &llm.Request{
		Purpose:  llm.PurposeSummary,
		Messages: []session.Message{session.UserMessage(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("generating summary: %w", err)
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}
