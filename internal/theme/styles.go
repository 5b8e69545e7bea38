package theme

import "charm.land/lipgloss/v2"

// Styles contains the pre-built lipgloss styles of the console.
type Styles struct {
	Agent    lipgloss.Style
	Tool     lipgloss.Style
	ToolCall lipgloss.Style
	Prompt   lipgloss.Style
	System   lipgloss.Style
	Error    lipgloss.Style
	Muted    lipgloss.Style

	DiffInsert lipgloss.Style
	DiffDelete lipgloss.Style
	DiffHunk   lipgloss.Style
}
