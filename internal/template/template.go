// Package template renders the agent's system prompt.
package template

import (
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/espagent/internal/config"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/session"
)

// DefaultAdditionalInfo describes an operator who gave no details.
const DefaultAdditionalInfo = config.DefaultAdditionalInfo

// Variables holds the data to be injected into template placeholders.
type Variables struct {
	UserID         string
	UserName       string
	AdditionalInfo string
	TaskInfo       string // Session-start hook output, formatted
}

// Render replaces {{variable}} placeholders in template with actual values.
// Supports the following variables:
// - {{user_id}} - Operator identity the thread belongs to
// - {{user_name}} - Operator display name
// - {{additional_info}} - Free text the operator gave about themselves
// - {{task_info}} - Current task section (empty if none)
func Render(template string, vars Variables) string {
	return strings.NewReplacer(
		"{{user_id}}", vars.UserID,
		"{{user_name}}", vars.UserName,
		"{{additional_info}}", vars.AdditionalInfo,
		"{{task_info}}", vars.TaskInfo,
	).Replace(template)
}

// LoadFromFile loads a template from a file.
// If the file doesn't exist or can't be read, returns an error.
func LoadFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template file %s: %w", path, err)
	}
	return string(data), nil
}

// GetTemplate returns the template content.
// If customPath is non-empty, loads from that file.
// Otherwise returns the default embedded template.
func GetTemplate(customPath string) (string, error) {
	if customPath == "" {
		return DefaultTemplate, nil
	}
	return LoadFromFile(customPath)
}

// VariablesFor extracts the prompt variables of a thread. Missing values
// fall back to neutral defaults so the prompt never shows raw placeholders.
func VariablesFor(state *session.TaskState) Variables {
	vars := Variables{
		UserID:         "unknown_user",
		UserName:       "unknown_user",
		AdditionalInfo: DefaultAdditionalInfo,
	}
	if state == nil {
		return vars
	}
	if state.UserID != "" {
		vars.UserID = state.UserID
	}
	if state.UserInfo != nil {
		vars.UserName = state.UserInfo.UserName
		if state.UserInfo.AdditionalInfo != "" {
			vars.AdditionalInfo = state.UserInfo.AdditionalInfo
		}
	}
	vars.TaskInfo = formatTaskInfo(state.TaskInfo)
	return vars
}

// formatTaskInfo formats hook output for template injection.
// Returns empty string if there is none (section header will be omitted).
func formatTaskInfo(info string) string {
	info = strings.TrimSpace(info)
	if info == "" {
		return ""
	}
	return "\n## Current Task\n" + info + "\n"
}

// SystemPrompt loads the template once and returns a renderer for thread
// state, suitable for agent.Config.SystemPrompt.
func SystemPrompt(customPath string) (func(*session.TaskState) string, error) {
	if customPath != "" {
		logger.Debug("Using custom system prompt: %s", customPath)
	} else {
		logger.Debug("Using default embedded system prompt")
	}
	tmpl, err := GetTemplate(customPath)
	if err != nil {
		logger.Error("Failed to get template: %v", err)
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return func(state *session.TaskState) string {
		return Render(tmpl, VariablesFor(state))
	}, nil
}
