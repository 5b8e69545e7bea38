package theme

// NewCatppuccinMocha creates the default Catppuccin Mocha theme.
func NewCatppuccinMocha() *Theme {
	return &Theme{
		Name:   "catppuccin-mocha",
		IsDark: true,

		Primary:   "#cba6f7", // Mauve
		Secondary: "#94e2d5", // Teal
		Tertiary:  "#fab387", // Peach

		BgSurface: "#313244", // Surface0

		FgMuted: "#6c7086", // Overlay0
		FgBase:  "#cdd6f4", // Text

		Success: "#a6e3a1", // Green
		Warning: "#f9e2af", // Yellow
		Error:   "#f38ba8", // Red
		Info:    "#89b4fa", // Blue

		DiffInsert: "#a6e3a1",
		DiffDelete: "#f38ba8",
		DiffHunk:   "#89dceb", // Sky
	}
}
