package theme

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"

	"charm.land/glamour/v2"
	chroma "github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/aymanbagabas/go-udiff"
	"github.com/charmbracelet/colorprofile"
)

// maxMarkdownWidth caps glamour word wrap for readability.
const maxMarkdownWidth = 120

// Renderer formats console output. With Color off every method returns
// plain text so output stays stable in pipes and tests.
type Renderer struct {
	Color           bool
	MarkdownEnabled bool
	Width           int
	Profile         colorprofile.Profile
	Theme           *Theme
}

// Plain returns a renderer that never emits escape sequences.
func Plain() *Renderer {
	return &Renderer{Theme: Current(), Profile: colorprofile.NoTTY, Width: maxMarkdownWidth}
}

// Detect inspects w and the environment (NO_COLOR, CLICOLOR_FORCE, TERM)
// to decide whether to color output.
func Detect(w io.Writer) *Renderer {
	p := colorprofile.Detect(w, os.Environ())
	return &Renderer{
		Color:   p >= colorprofile.ANSI,
		Profile: p,
		Width:   maxMarkdownWidth,
		Theme:   Current(),
	}
}

// Writer wraps w so colors are downsampled to the detected profile.
func (r *Renderer) Writer(w io.Writer) io.Writer {
	if !r.Color {
		return w
	}
	return &colorprofile.Writer{Forward: w, Profile: r.Profile}
}

func (r *Renderer) style(s string, st func(*Styles) string) string {
	if !r.Color {
		return s
	}
	return st(r.Theme.S())
}

// AgentLabel renders the prefix of assistant output.
func (r *Renderer) AgentLabel(s string) string {
	return r.style(s, func(st *Styles) string { return st.Agent.Render(s) })
}

// ToolLabel renders the prefix of tool output.
func (r *Renderer) ToolLabel(s string) string {
	return r.style(s, func(st *Styles) string { return st.Tool.Render(s) })
}

// ToolCall renders a tool call marker line.
func (r *Renderer) ToolCall(s string) string {
	return r.style(s, func(st *Styles) string { return st.ToolCall.Render(s) })
}

// Prompt renders an input prompt.
func (r *Renderer) Prompt(s string) string {
	return r.style(s, func(st *Styles) string { return st.Prompt.Render(s) })
}

// System renders a status line.
func (r *Renderer) System(s string) string {
	return r.style(s, func(st *Styles) string { return st.System.Render(s) })
}

// Error renders an operator-facing error line.
func (r *Renderer) Error(s string) string {
	return r.style(s, func(st *Styles) string { return st.Error.Render(s) })
}

// Markdown renders assistant content through glamour when enabled.
// Rendering failures fall back to the raw content.
func (r *Renderer) Markdown(content string) string {
	if !r.Color || !r.MarkdownEnabled {
		return content
	}
	width := min(max(r.Width, 20), maxMarkdownWidth)
	gr, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := gr.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(rendered, "\n")
}

// FormatJSON indents v with two spaces, leaving non-ASCII text unescaped.
func FormatJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "null"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// JSON formats v and highlights it when color is on.
func (r *Renderer) JSON(v any) string {
	src := FormatJSON(v)
	if !r.Color {
		return src
	}
	return r.highlight(src, "args.json")
}

// highlight tokenizes source with the lexer matching fileName. Any chroma
// failure returns the source unchanged.
func (r *Renderer) highlight(source, fileName string) string {
	lexer := lexers.Match(fileName)
	if lexer == nil {
		lexer = lexers.Fallback
	}

	formatter := formatters.Get("terminal16m")
	if r.Profile < colorprofile.TrueColor {
		formatter = formatters.Get("terminal256")
	}
	if formatter == nil {
		return source
	}

	baseStyle := styles.Get("monokai")
	if baseStyle == nil {
		baseStyle = styles.Fallback
	}
	// Drop token backgrounds so highlighted args sit on the terminal's own.
	style, err := baseStyle.Builder().Transform(func(entry chroma.StyleEntry) chroma.StyleEntry {
		entry.Background = 0
		return entry
	}).Build()
	if err != nil {
		style = baseStyle
	}

	iterator, err := lexer.Tokenise(nil, source)
	if err != nil {
		return source
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return source
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Diff returns a unified diff between the JSON forms of before and after,
// or "" when they are equal.
func (r *Renderer) Diff(before, after any) string {
	diff := udiff.Unified("original", "edited", FormatJSON(before)+"\n", FormatJSON(after)+"\n")
	diff = strings.TrimRight(diff, "\n")
	if !r.Color || diff == "" {
		return diff
	}

	st := r.Theme.S()
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			lines[i] = st.Muted.Render(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = st.DiffHunk.Render(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = st.DiffInsert.Render(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = st.DiffDelete.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}
