// Package config provides centralized configuration management using Viper.
//
// The resulting Config is built once at startup and handed to every
// component constructor; nothing reads viper after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Failure policies applied when a tool exhausts its retries.
const (
	FailureContinue = "continue"
	FailureError    = "error"
)

// Error classes that retry.skip_errors can exempt from retries.
const (
	ErrorClassArgument = "argument"
	ErrorClassPanic    = "panic"
)

// Color modes for console output.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// DefaultAdditionalInfo is the user_info.additional_info used when the
// operator does not provide one.
const DefaultAdditionalInfo = "I will be working on embedded tasks"

// DefaultSummaryPrompt instructs the model how to compact old history.
const DefaultSummaryPrompt = "Summarize the conversation so far. Keep key decisions, " +
	"technical details, host names, commands that were run and their outcomes. " +
	"Drop greetings and repetition."

// Config holds all configuration values for espagent.
type Config struct {
	Model            string `mapstructure:"model" yaml:"model"`
	LargeModel       string `mapstructure:"large_model" yaml:"large_model"`
	APIKey           string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	DatabaseURL      string `mapstructure:"database_url" yaml:"database_url"`
	DataDir          string `mapstructure:"data_dir" yaml:"data_dir"`
	PoolSize         int    `mapstructure:"pool_size" yaml:"pool_size"`
	RootDir          string `mapstructure:"root_dir" yaml:"root_dir"`
	LogLevel         string `mapstructure:"log_level" yaml:"log_level"`
	LogFile          string `mapstructure:"log_file" yaml:"log_file"`
	User             string `mapstructure:"user" yaml:"user"`
	AdditionalInfo   string `mapstructure:"additional_info" yaml:"additional_info"`
	SystemPromptFile string `mapstructure:"system_prompt_file" yaml:"system_prompt_file"`
	HooksFile        string `mapstructure:"hooks_file" yaml:"hooks_file"`
	Color            string `mapstructure:"color" yaml:"color"`
	Markdown         bool   `mapstructure:"markdown" yaml:"markdown"`
	MaxSteps         int    `mapstructure:"max_steps" yaml:"max_steps"`

	Router     RouterConfig         `mapstructure:"router" yaml:"router"`
	Summary    SummaryConfig        `mapstructure:"summary" yaml:"summary"`
	Selector   SelectorConfig       `mapstructure:"selector" yaml:"selector"`
	Retry      RetryConfig          `mapstructure:"retry" yaml:"retry"`
	Approval   ApprovalConfig       `mapstructure:"approval" yaml:"approval"`
	MCPServers map[string]MCPServer `mapstructure:"mcp_servers" yaml:"mcp_servers"`
}

// RouterConfig controls escalation to the large model.
type RouterConfig struct {
	MessageThreshold int      `mapstructure:"message_threshold" yaml:"message_threshold"`
	ComplexMarkers   []string `mapstructure:"complex_markers" yaml:"complex_markers"`
}

// SummaryConfig controls history compaction.
type SummaryConfig struct {
	TriggerTokens int    `mapstructure:"trigger_tokens" yaml:"trigger_tokens"`
	KeepMessages  int    `mapstructure:"keep_messages" yaml:"keep_messages"`
	Prompt        string `mapstructure:"prompt" yaml:"prompt"`
}

// SelectorConfig controls per-call tool narrowing.
type SelectorConfig struct {
	MaxTools      int      `mapstructure:"max_tools" yaml:"max_tools"`
	AlwaysInclude []string `mapstructure:"always_include" yaml:"always_include"`
}

// RetryConfig controls tool retries. ToolPolicies overrides OnFailure for
// individual tools; Tools restricts retries to the named tools when set.
// SkipErrors lists error classes that fail on the first attempt; every
// failure is retried when it is empty.
type RetryConfig struct {
	MaxRetries    int               `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay  time.Duration     `mapstructure:"initial_delay" yaml:"initial_delay"`
	BackoffFactor float64           `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	MaxDelay      time.Duration     `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter        bool              `mapstructure:"jitter" yaml:"jitter"`
	OnFailure     string            `mapstructure:"on_failure" yaml:"on_failure"`
	Tools         []string          `mapstructure:"tools" yaml:"tools,omitempty"`
	ToolPolicies  map[string]string `mapstructure:"tool_policies" yaml:"tool_policies,omitempty"`
	SkipErrors    []string          `mapstructure:"skip_errors" yaml:"skip_errors,omitempty"`
}

// ApprovalConfig maps gated tool names to the description shown to the
// operator when a call is held for review.
type ApprovalConfig struct {
	Tools map[string]string `mapstructure:"tools" yaml:"tools"`
}

// MCPServer is one tool discovery endpoint.
type MCPServer struct {
	Transport string        `mapstructure:"transport" yaml:"transport"`
	URL       string        `mapstructure:"url" yaml:"url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Model:          "gemini-2.5-flash",
		LargeModel:     "gemini-2.5-pro",
		DataDir:        ".espagent",
		PoolSize:       20,
		RootDir:        ".",
		LogLevel:       "info",
		AdditionalInfo: DefaultAdditionalInfo,
		HooksFile:      ".espagent.hooks.yml",
		Color:          ColorAuto,
		MaxSteps:       25,
		Router: RouterConfig{
			MessageThreshold: 5,
			ComplexMarkers:   []string{"复杂分析", "complex analysis"},
		},
		Summary: SummaryConfig{
			TriggerTokens: 10000,
			KeepMessages:  20,
			Prompt:        DefaultSummaryPrompt,
		},
		Selector: SelectorConfig{
			MaxTools:      3,
			AlwaysInclude: []string{"save_memory", "recall_memory"},
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			InitialDelay:  500 * time.Millisecond,
			BackoffFactor: 1.5,
			MaxDelay:      5 * time.Second,
			Jitter:        true,
			OnFailure:     FailureContinue,
		},
		Approval: ApprovalConfig{
			Tools: map[string]string{
				"write_file": "File write operation requires approval",
				"read_file":  "File read operation requires approval",
				"ssh_run":    "Remote command execution requires approval",
			},
		},
		MCPServers: map[string]MCPServer{
			"espagent": {
				Transport: "streamable_http",
				URL:       "http://localhost:8090/mcp",
				Timeout:   30 * time.Second,
			},
		},
	}
}

// envKeys are bound explicitly so nested keys map to flat variable names.
var envKeys = []string{
	"model", "large_model", "api_key", "database_url", "data_dir",
	"pool_size", "root_dir", "log_level", "log_file", "user",
	"additional_info", "system_prompt_file", "hooks_file", "color",
	"markdown", "max_steps",
}

// Load loads configuration with full precedence:
// CLI flags > ENV vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("espagent")

	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("ESPAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key, "ESPAGENT_"+strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}
	// The genai SDK convention is honoured as a fallback.
	if err := v.BindEnv("api_key", "ESPAGENT_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api_key env: %w", err)
	}

	if globalPath := GlobalPath(); fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}
	if projectPath := ProjectPath(); fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every field of def as a viper default by round
// tripping it through YAML, so nested sections merge key by key.
func setDefaults(v *viper.Viper, def *Config) error {
	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshaling defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decoding defaults: %w", err)
	}
	for key, value := range tree {
		v.SetDefault(key, value)
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Model == "" {
		problems = append(problems, "model is required")
	}
	if c.PoolSize < 1 {
		problems = append(problems, "pool_size must be at least 1")
	}
	if c.MaxSteps < 1 {
		problems = append(problems, "max_steps must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must not be negative")
	}
	if c.Retry.BackoffFactor < 1 {
		problems = append(problems, "retry.backoff_factor must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		problems = append(problems, "retry.max_delay must not be below retry.initial_delay")
	}
	if !validPolicy(c.Retry.OnFailure) {
		problems = append(problems, fmt.Sprintf("retry.on_failure %q is not continue or error", c.Retry.OnFailure))
	}
	for tool, policy := range c.Retry.ToolPolicies {
		if !validPolicy(policy) {
			problems = append(problems, fmt.Sprintf("retry.tool_policies.%s %q is not continue or error", tool, policy))
		}
	}
	for _, class := range c.Retry.SkipErrors {
		if class != ErrorClassArgument && class != ErrorClassPanic {
			problems = append(problems, fmt.Sprintf("retry.skip_errors %q is not argument or panic", class))
		}
	}
	if c.Selector.MaxTools < 1 {
		problems = append(problems, "selector.max_tools must be at least 1")
	}
	if c.Summary.KeepMessages < 1 {
		problems = append(problems, "summary.keep_messages must be at least 1")
	}
	switch c.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		problems = append(problems, fmt.Sprintf("color %q is not auto, always or never", c.Color))
	}
	for name, srv := range c.MCPServers {
		if srv.URL == "" {
			problems = append(problems, fmt.Sprintf("mcp_servers.%s.url is required", name))
		}
		if srv.Transport != "" && srv.Transport != "streamable_http" {
			problems = append(problems, fmt.Sprintf("mcp_servers.%s.transport %q is not supported", name, srv.Transport))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validPolicy(p string) bool {
	return p == FailureContinue || p == FailureError
}

// FailurePolicy returns the exhaustion policy for tool.
func (r RetryConfig) FailurePolicy(tool string) string {
	if p, ok := r.ToolPolicies[tool]; ok {
		return p
	}
	return r.OnFailure
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns ~/.config/espagent/espagent.yml or
// $XDG_CONFIG_HOME/espagent/espagent.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "espagent", "espagent.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "espagent", "espagent.yml")
}

// ProjectPath returns ./espagent.yml in the current working directory.
func ProjectPath() string {
	return "espagent.yml"
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return write(path, cfg)
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	return write(ProjectPath(), cfg)
}

func write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	// The file may hold an API key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
