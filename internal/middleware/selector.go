package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/mark3labs/espagent/internal/llm"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/tools"
)

const selectorSystemPrompt = "Analyze the user's request and select the most relevant tools. " +
	"Prefer tools that directly serve the request. " +
	"Answer with a JSON array of tool names and nothing else."

// Selector narrows the tools offered to the model to MaxTools. Tools in
// AlwaysInclude are always offered and do not count toward the limit.
type Selector struct {
	Model         llm.Model
	MaxTools      int
	AlwaysInclude []string
}

func (s *Selector) Name() string { return "tool_selector" }

func (s *Selector) WrapModel(ctx context.Context, req *ModelRequest, next ModelHandler) (*ModelResponse, error) {
	always := make(map[string]bool, len(s.AlwaysInclude))
	for _, name := range s.AlwaysInclude {
		always[name] = true
	}
	var candidates []tools.Tool
	for _, t := range req.Tools {
		if !always[t.Name()] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) <= s.MaxTools {
		return next(ctx, req)
	}

	query := lastUserMessage(req.Messages)
	chosen, err := s.ask(ctx, query, candidates)
	if err != nil {
		logger.Warn("Tool selector: falling back to keyword ranking: %v", err)
		chosen = rankByKeywords(query, candidates, s.MaxTools)
	}
	logger.Debug("Tool selector: offering %v", chosen)

	keep := make(map[string]bool, len(chosen))
	for _, name := range chosen {
		keep[name] = true
	}
	narrowed := *req
	narrowed.Tools = nil
	for _, t := range req.Tools {
		if always[t.Name()] || keep[t.Name()] {
			narrowed.Tools = append(narrowed.Tools, t)
		}
	}
	return next(ctx, &narrowed)
}

// ask has the model choose up to MaxTools names among candidates.
func (s *Selector) ask(ctx context.Context, query string, candidates []tools.Tool) ([]string, error) {
	if s.Model == nil {
		return nil, fmt.Errorf("no selection model")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "User request: %s\n\nAvailable tools:\n", query)
	for _, t := range candidates {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
	}
	fmt.Fprintf(&sb, "\nSelect at most %d tools.", s.MaxTools)

	resp, err := s.Model.Generate(ctx, &llm.Request{
		Purpose:  llm.PurposeToolSelection,
		System:   selectorSystemPrompt,
		Messages: []session.Message{session.UserMessage(sb.String())},
	})
	if err != nil {
		return nil, err
	}
	return parseSelection(resp.Message.Content, candidates, s.MaxTools)
}

// parseSelection extracts a JSON array of known tool names from text.
func parseSelection(text string, candidates []tools.Tool, limit int) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in selection %q", text)
	}
	var names []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &names); err != nil {
		return nil, fmt.Errorf("parsing selection: %w", err)
	}

	known := make(map[string]bool, len(candidates))
	for _, t := range candidates {
		known[t.Name()] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, n := range names {
		if known[n] && !seen[n] && len(out) < limit {
			seen[n] = true
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("selection %q names no available tool", text)
	}
	return out, nil
}

// rankByKeywords scores candidates by words shared between the query and
// the tool's name and description. Ties keep the offered order.
func rankByKeywords(query string, candidates []tools.Tool, limit int) []string {
	words := make(map[string]bool)
	for _, w := range splitWords(query) {
		words[w] = true
	}
	type scored struct {
		name  string
		score int
	}
	ranked := make([]scored, len(candidates))
	for i, t := range candidates {
		score := 0
		for _, w := range splitWords(t.Name() + " " + t.Description()) {
			if words[w] {
				score++
			}
		}
		ranked[i] = scored{name: t.Name(), score: score}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]string, 0, limit)
	for _, r := range ranked[:min(limit, len(ranked))] {
		out = append(out, r.name)
	}
	return out
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
