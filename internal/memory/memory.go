// Package memory stores long-term notes per operator. Records live under a
// (user_id, user_name) namespace and are never visible from another one.
package memory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/nats"
	"github.com/nats-io/nats.go/jetstream"
)

// Namespace isolates records. Both parts take part in the key.
type Namespace struct {
	UserID   string
	UserName string
}

func (ns Namespace) String() string {
	return fmt.Sprintf("(%s, %s)", ns.UserID, ns.UserName)
}

// Record is one saved memory.
type Record struct {
	ID        string  `json:"-"`
	Info      string  `json:"info"`
	UserName  string  `json:"user_name"`
	TaskInfo  *string `json:"task_info"`
	Timestamp float64 `json:"timestamp"`
}

// Store is the persistence contract used by the memory tools.
type Store interface {
	Put(ctx context.Context, ns Namespace, rec Record) error
	// Search returns up to limit records of ns, newest first.
	Search(ctx context.Context, ns Namespace, limit int) ([]Record, error)
}

var encoding = base64.RawURLEncoding

// prefix maps ns to a key prefix. Base64url keeps arbitrary names within
// the KV key alphabet and avoids collisions between namespaces; the letter
// tags keep tokens non-empty for empty names.
func prefix(ns Namespace) string {
	return "u" + encoding.EncodeToString([]byte(ns.UserID)) + ".n" + encoding.EncodeToString([]byte(ns.UserName))
}

// KVStore keeps records in the JetStream memory bucket.
type KVStore struct {
	pool *nats.Pool
}

// NewKVStore creates a KVStore. The bucket must already exist (see
// nats.Bootstrap).
func NewKVStore(pool *nats.Pool) *KVStore {
	return &KVStore{pool: pool}
}

func validID(id string) error {
	if id == "" {
		return errors.New("record id is required")
	}
	if strings.ContainsAny(id, ".*> ") {
		return fmt.Errorf("record id %q contains reserved characters", id)
	}
	return nil
}

// Put writes rec under ns. A record with the same id is overwritten.
func (s *KVStore) Put(ctx context.Context, ns Namespace, rec Record) error {
	if err := validID(rec.ID); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	key := prefix(ns) + "." + rec.ID

	return s.pool.Do(ctx, func(js jetstream.JetStream) error {
		kv, err := js.KeyValue(ctx, nats.MemoryBucket)
		if err != nil {
			return fmt.Errorf("opening memory bucket: %w", err)
		}
		if _, err := kv.Put(ctx, key, data); err != nil {
			return fmt.Errorf("writing memory: %w", err)
		}
		logger.Debug("Saved memory %s for %s", rec.ID, ns)
		return nil
	})
}

// Search lists the records of ns, newest first, capped at limit.
func (s *KVStore) Search(ctx context.Context, ns Namespace, limit int) ([]Record, error) {
	var records []Record
	err := s.pool.Do(ctx, func(js jetstream.JetStream) error {
		kv, err := js.KeyValue(ctx, nats.MemoryBucket)
		if err != nil {
			return fmt.Errorf("opening memory bucket: %w", err)
		}
		records, err = scan(ctx, kv, prefix(ns))
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp > records[j].Timestamp
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// scan reads the current value of every key under prefix. The watcher
// delivers existing entries followed by a nil marker.
func scan(ctx context.Context, kv jetstream.KeyValue, prefix string) ([]Record, error) {
	w, err := kv.Watch(ctx, prefix+".*", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("watching memory: %w", err)
	}
	defer w.Stop()

	var records []Record
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return records, nil
			}
			var rec Record
			if err := json.Unmarshal(entry.Value(), &rec); err != nil {
				logger.Warn("Skipping malformed memory %s: %v", entry.Key(), err)
				continue
			}
			rec.ID = entry.Key()[len(prefix)+1:]
			records = append(records, rec)
		}
	}
}
