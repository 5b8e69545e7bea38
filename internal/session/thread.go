package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/espagent/internal/nats"
)

// SetContext records the thread's identity and task description.
func (s *Store) SetContext(ctx context.Context, thread, userID string, info *UserInfo, taskInfo string) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	meta, err := json.Marshal(contextMeta{UserID: userID, UserInfo: info})
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	_, err = s.PublishEvent(ctx, Event{
		Thread: thread,
		Type:   nats.EventTypeContext,
		Action: "set",
		Meta:   meta,
		Data:   taskInfo,
	})
	return err
}

// AppendMessage checkpoints one message.
func (s *Store) AppendMessage(ctx context.Context, thread string, msg Message) error {
	if msg.Role == "" {
		return &ValidationError{Field: "role", Reason: "field required"}
	}
	meta, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	_, err = s.PublishEvent(ctx, Event{
		ID:        msg.ID,
		Timestamp: msg.CreatedAt,
		Thread:    thread,
		Type:      nats.EventTypeMessage,
		Action:    "add",
		Meta:      meta,
	})
	return err
}

// Collapse replaces the oldest removed messages with summary.
func (s *Store) Collapse(ctx context.Context, thread string, removed int, summary string) error {
	if removed < 1 {
		return &ValidationError{Field: "removed", Reason: "must be positive"}
	}
	meta, _ := json.Marshal(summaryMeta{Removed: removed})
	_, err := s.PublishEvent(ctx, Event{
		Thread: thread,
		Type:   nats.EventTypeSummary,
		Action: "collapse",
		Meta:   meta,
		Data:   summary,
	})
	return err
}

// RaiseInterrupt suspends the thread until ResolveInterrupt. A missing ID
// or timestamp is filled in; the stored interrupt is returned.
func (s *Store) RaiseInterrupt(ctx context.Context, thread string, in Interrupt) (*Interrupt, error) {
	if len(in.ToolCalls) == 0 {
		return nil, &ValidationError{Field: "tool_calls", Reason: "must not be empty"}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	meta, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal interrupt: %w", err)
	}
	if _, err := s.PublishEvent(ctx, Event{
		Thread: thread,
		Type:   nats.EventTypeInterrupt,
		Action: "raise",
		Meta:   meta,
	}); err != nil {
		return nil, err
	}
	return &in, nil
}

// ResolveInterrupt records the operator's decisions and clears the pending
// interrupt. The caller has already checked the decision count.
func (s *Store) ResolveInterrupt(ctx context.Context, thread, interruptID string, decisions []Decision) error {
	meta, err := json.Marshal(resumeMeta{InterruptID: interruptID, Decisions: decisions})
	if err != nil {
		return fmt.Errorf("failed to marshal decisions: %w", err)
	}
	_, err = s.PublishEvent(ctx, Event{
		Thread: thread,
		Type:   nats.EventTypeInterrupt,
		Action: "resume",
		Meta:   meta,
	})
	return err
}
