package nats

import (
	"context"
	"fmt"

	"github.com/gosimple/slug"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName holds every thread's checkpoint events.
	StreamName = "espagent_threads"
	// MemoryBucket holds namespaced memory records.
	MemoryBucket = "espagent_memory"

	subjectRoot = "espagent"

	// Event types
	EventTypeContext   = "context"
	EventTypeMessage   = "message"
	EventTypeSummary   = "summary"
	EventTypeInterrupt = "interrupt"
)

// ThreadToken maps a thread identity to a subject-safe token.
// Example: "Zhang San" -> "zhang-san"
func ThreadToken(thread string) string {
	if token := slug.Make(thread); token != "" {
		return token
	}
	return "default"
}

// SubjectForThread returns the wildcard subject for all events of a thread.
// Example: "espagent.alice.>"
func SubjectForThread(thread string) string {
	return fmt.Sprintf("%s.%s.>", subjectRoot, ThreadToken(thread))
}

// SubjectForEvent returns the subject for one event type of a thread.
// Example: "espagent.alice.message"
func SubjectForEvent(thread, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", subjectRoot, ThreadToken(thread), eventType)
}

// SetupStream creates or updates the checkpoint stream. Threads are never
// destroyed, so the stream has no age limit.
func SetupStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "espagent thread checkpoints",
		Subjects:    []string{subjectRoot + ".>"},
		Storage:     jetstream.FileStorage,
	})
}

// SetupMemoryBucket creates or updates the memory KV bucket. Records are
// immutable, so one revision per key is enough.
func SetupMemoryBucket(ctx context.Context, js jetstream.JetStream) (jetstream.KeyValue, error) {
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      MemoryBucket,
		Description: "espagent long-term memory",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
}

// Bootstrap ensures the stream and bucket exist.
func Bootstrap(ctx context.Context, p *Pool) error {
	return p.Do(ctx, func(js jetstream.JetStream) error {
		if _, err := SetupStream(ctx, js); err != nil {
			return fmt.Errorf("setting up stream: %w", err)
		}
		if _, err := SetupMemoryBucket(ctx, js); err != nil {
			return fmt.Errorf("setting up memory bucket: %w", err)
		}
		return nil
	})
}
