package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleSystem is only used for summaries produced by history compaction.
	RoleSystem Role = "system"
)

// ToolStatus records whether a tool message reports success or failure.
type ToolStatus string

const (
	StatusSuccess ToolStatus = "success"
	StatusError   ToolStatus = "error"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one entry of a thread's conversation.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Status     ToolStatus `json:"status,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newMessage(role Role, content string) Message {
	return Message{ID: xid.New().String(), Role: role, Content: content, CreatedAt: time.Now()}
}

// UserMessage builds an operator utterance.
func UserMessage(content string) Message {
	return newMessage(RoleUser, content)
}

// AssistantMessage builds a model reply, optionally requesting tool calls.
func AssistantMessage(content string, calls ...ToolCall) Message {
	m := newMessage(RoleAssistant, content)
	m.ToolCalls = calls
	return m
}

// ToolMessage builds the result of executing call.
func ToolMessage(call ToolCall, content string, status ToolStatus) Message {
	m := newMessage(RoleTool, content)
	m.ToolCallID = call.ID
	m.Name = call.Name
	m.Status = status
	return m
}

// SystemMessage builds a compaction summary.
func SystemMessage(content string) Message {
	return newMessage(RoleSystem, content)
}

// ValidationError reports a malformed structured value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// UserInfo identifies the operator. Both fields are required when decoded.
type UserInfo struct {
	UserName       string `json:"user_name"`
	AdditionalInfo string `json:"additional_info"`
}

// NewUserInfo builds a UserInfo for an operator. A blank name is rejected.
func NewUserInfo(userName, additionalInfo string) (UserInfo, error) {
	if strings.TrimSpace(userName) == "" {
		return UserInfo{}, &ValidationError{Field: "user_name", Reason: "must not be empty"}
	}
	return UserInfo{UserName: userName, AdditionalInfo: additionalInfo}, nil
}

// UnmarshalJSON rejects documents with a missing or non-string field
// instead of defaulting it.
func (u *UserInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Field: "user_info", Reason: "must be an object"}
	}

	var out UserInfo
	fields := []struct {
		name string
		dst  *string
	}{
		{"user_name", &out.UserName},
		{"additional_info", &out.AdditionalInfo},
	}
	for _, f := range fields {
		value, ok := raw[f.name]
		if !ok {
			return &ValidationError{Field: f.name, Reason: "field required"}
		}
		if err := json.Unmarshal(value, f.dst); err != nil || string(value) == "null" {
			return &ValidationError{Field: f.name, Reason: "must be a string"}
		}
	}
	*u = out
	return nil
}

// TaskState is the mutable state of a thread seen by the model and tools.
type TaskState struct {
	Messages []Message `json:"messages"`
	UserID   string    `json:"user_id"`
	UserInfo *UserInfo `json:"user_info,omitempty"`
	TaskInfo string    `json:"task_info,omitempty"`
}

// LastMessage returns the newest message, or nil for an empty thread.
func (s *TaskState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Interrupt is a suspension waiting for one operator decision per call.
type Interrupt struct {
	ID        string     `json:"id"`
	ToolCalls []ToolCall `json:"tool_calls"`
	// Descriptions maps a gated tool name to the reason it needs review.
	Descriptions map[string]string `json:"descriptions,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
