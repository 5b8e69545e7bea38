// Package session holds the thread data model and persists it as an
// append-only event log on JetStream.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/xid"
)

// Event is one entry of a thread's checkpoint log.
type Event struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Thread    string          `json:"thread"`
	Type      string          `json:"type"`   // context, message, summary, interrupt
	Action    string          `json:"action"` // set, add, collapse, raise, resume
	Meta      json.RawMessage `json:"meta,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// Store persists thread checkpoints through a connection pool.
type Store struct {
	pool *nats.Pool
}

// NewStore creates a Store. The stream must already exist (see
// nats.Bootstrap).
func NewStore(pool *nats.Pool) *Store {
	return &Store{pool: pool}
}

// PublishEvent appends event to the thread's log.
func (s *Store) PublishEvent(ctx context.Context, event Event) (*jetstream.PubAck, error) {
	if event.ID == "" {
		event.ID = xid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := nats.SubjectForEvent(event.Thread, event.Type)

	logger.Debug("Publishing event: thread=%s type=%s action=%s", event.Thread, event.Type, event.Action)

	var ack *jetstream.PubAck
	err = s.pool.Do(ctx, func(js jetstream.JetStream) error {
		var perr error
		ack, perr = js.Publish(ctx, subject, data)
		return perr
	})
	if err != nil {
		logger.Error("Failed to publish event to subject %s: %v", subject, err)
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack, nil
}

// State is a thread reconstructed from its events.
type State struct {
	Thread string `json:"thread"`
	TaskState
	Pending *Interrupt `json:"pending,omitempty"`
	LastSeq uint64     `json:"last_seq"`
}

// Apply reduces one event into the state.
func (st *State) Apply(event Event) {
	switch event.Type {
	case nats.EventTypeContext:
		st.applyContext(event)
	case nats.EventTypeMessage:
		st.applyMessage(event)
	case nats.EventTypeSummary:
		st.applySummary(event)
	case nats.EventTypeInterrupt:
		st.applyInterrupt(event)
	}
}

type contextMeta struct {
	UserID   string    `json:"user_id"`
	UserInfo *UserInfo `json:"user_info,omitempty"`
}

func (st *State) applyContext(event Event) {
	var meta contextMeta
	if err := json.Unmarshal(event.Meta, &meta); err != nil {
		logger.Warn("Ignoring context event %s: %v", event.ID, err)
		return
	}
	st.UserID = meta.UserID
	st.UserInfo = meta.UserInfo
	st.TaskInfo = event.Data
}

func (st *State) applyMessage(event Event) {
	var msg Message
	if err := json.Unmarshal(event.Meta, &msg); err != nil {
		logger.Warn("Ignoring message event %s: %v", event.ID, err)
		return
	}
	st.Messages = append(st.Messages, msg)
}

type summaryMeta struct {
	Removed int `json:"removed"`
}

// applySummary replaces the oldest messages with one system message.
func (st *State) applySummary(event Event) {
	var meta summaryMeta
	if err := json.Unmarshal(event.Meta, &meta); err != nil {
		logger.Warn("Ignoring summary event %s: %v", event.ID, err)
		return
	}
	removed := min(max(meta.Removed, 0), len(st.Messages))

	summary := Message{ID: event.ID, Role: RoleSystem, Content: event.Data, CreatedAt: event.Timestamp}
	kept := make([]Message, 0, len(st.Messages)-removed+1)
	kept = append(kept, summary)
	st.Messages = append(kept, st.Messages[removed:]...)
}

type resumeMeta struct {
	InterruptID string    `json:"interrupt_id"`
	Decisions   Decisions `json:"decisions"`
}

func (st *State) applyInterrupt(event Event) {
	switch event.Action {
	case "raise":
		var in Interrupt
		if err := json.Unmarshal(event.Meta, &in); err != nil {
			logger.Warn("Ignoring interrupt event %s: %v", event.ID, err)
			return
		}
		st.Pending = &in

	case "resume":
		var meta resumeMeta
		if err := json.Unmarshal(event.Meta, &meta); err != nil {
			logger.Warn("Ignoring resume event %s: %v", event.ID, err)
			return
		}
		if st.Pending == nil || st.Pending.ID != meta.InterruptID {
			return
		}
		st.applyEdits(st.Pending.ToolCalls, meta.Decisions)
		st.Pending = nil
	}
}

// applyEdits rewrites edited calls on the assistant message that issued
// them, so replayed history shows what actually ran.
func (st *State) applyEdits(calls []ToolCall, decisions Decisions) {
	for i, d := range decisions {
		edit, ok := d.(Edit)
		if !ok || i >= len(calls) {
			continue
		}
		for m := len(st.Messages) - 1; m >= 0; m-- {
			msg := &st.Messages[m]
			if msg.Role != RoleAssistant {
				continue
			}
			for c := range msg.ToolCalls {
				if msg.ToolCalls[c].ID == calls[i].ID {
					msg.ToolCalls[c].Name = edit.EditedAction.Name
					msg.ToolCalls[c].Args = edit.EditedAction.Args
				}
			}
			break
		}
	}
}

// LoadState rebuilds a thread by replaying all of its events. Malformed
// events are skipped with a warning.
func (s *Store) LoadState(ctx context.Context, thread string) (*State, error) {
	logger.Debug("Loading state for thread: %s", thread)

	state := &State{Thread: thread}
	err := s.pool.Do(ctx, func(js jetstream.JetStream) error {
		stream, err := js.Stream(ctx, nats.StreamName)
		if err != nil {
			return fmt.Errorf("failed to get stream: %w", err)
		}
		consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{nats.SubjectForThread(thread)},
			DeliverPolicy:  jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
		return replay(consumer, thread, state)
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("State loaded: thread=%s messages=%d pending=%t", thread, len(state.Messages), state.Pending != nil)
	return state, nil
}

func replay(consumer jetstream.Consumer, thread string, state *State) error {
	const batchSize = 1000
	malformed := 0
	for {
		msgs, err := consumer.FetchNoWait(batchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch events: %w", err)
		}

		count := 0
		for msg := range msgs.Messages() {
			count++
			meta, _ := msg.Metadata()
			if meta != nil {
				state.LastSeq = meta.Sequence.Stream
			}

			var event Event
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				malformed++
				logger.Warn("Skipping malformed event (seq=%d): %v", state.LastSeq, err)
				continue
			}
			// Distinct identities can share a subject token.
			if event.Thread != thread {
				continue
			}
			state.Apply(event)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return fmt.Errorf("failed to read events: %w", err)
		}
		if count < batchSize {
			break
		}
	}

	if malformed > 0 {
		logger.Warn("Skipped %d malformed events while loading thread %s", malformed, thread)
	}
	return nil
}
