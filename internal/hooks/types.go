package hooks

// Config is the top-level configuration for hooks loaded from .espagent.hooks.yml.
type Config struct {
	Version int         `yaml:"version"`
	Hooks   HooksConfig `yaml:"hooks"`
}

// HooksConfig contains all hook configurations.
type HooksConfig struct {
	// SessionStart hooks run once before the first prompt. Their piped
	// output becomes the thread's task info.
	SessionStart []*HookConfig `yaml:"session_start"`
}

// HookConfig defines a single hook's configuration.
type HookConfig struct {
	Command    string `yaml:"command"`
	Timeout    int    `yaml:"timeout"`     // seconds, default 30
	PipeOutput bool   `yaml:"pipe_output"` // include output in task info
}

// DefaultTimeout is the default timeout for hook execution in seconds.
const DefaultTimeout = 30
