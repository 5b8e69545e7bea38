// Package theme holds the console palette and the renderers that use it.
package theme

import (
	"sync"

	"charm.land/lipgloss/v2"
)

// Theme defines the color palette of the console.
type Theme struct {
	Name   string
	IsDark bool

	// Semantic colors
	Primary   string // agent output
	Secondary string // tool output
	Tertiary  string // tool call markers

	BgSurface string

	// Foreground hierarchy (dim→bright)
	FgMuted string
	FgBase  string

	// Status colors
	Success string
	Warning string
	Error   string
	Info    string

	DiffInsert string
	DiffDelete string
	DiffHunk   string

	styles     *Styles
	stylesOnce sync.Once
}

var (
	current     *Theme
	currentOnce sync.Once
)

// Current returns the active theme.
func Current() *Theme {
	currentOnce.Do(func() { current = NewCatppuccinMocha() })
	return current
}

// S returns the pre-built styles for this theme.
func (t *Theme) S() *Styles {
	t.stylesOnce.Do(func() {
		t.styles = t.buildStyles()
	})
	return t.styles
}

func (t *Theme) buildStyles() *Styles {
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	return &Styles{
		Agent:      fg(t.Primary).Bold(true),
		Tool:       fg(t.Secondary).Bold(true),
		ToolCall:   fg(t.Tertiary),
		Prompt:     fg(t.Info).Bold(true),
		System:     fg(t.Warning),
		Error:      fg(t.Error),
		Muted:      fg(t.FgMuted),
		DiffInsert: fg(t.DiffInsert),
		DiffDelete: fg(t.DiffDelete),
		DiffHunk:   fg(t.DiffHunk).Faint(true),
	}
}
