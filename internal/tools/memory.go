package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/memory"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/rs/xid"
)

// Identity fallbacks used when the thread has no operator identity.
const (
	UnknownUser = "unknown_user"
	Anonymous   = "anonymous"
)

// DefaultRecallLimit caps recall_memory when no limit is given.
const DefaultRecallLimit = 10

// SaveMemory persists a note under the operator's namespace.
type SaveMemory struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

func (t *SaveMemory) Name() string { return "save_memory" }

func (t *SaveMemory) Description() string {
	return "Save user information and task info to cross-session memory. " +
		"Memory is isolated by the current user's id and name."
}

func (t *SaveMemory) Parameters() map[string]any {
	return Object(map[string]any{
		"info": Prop("string", "The information content and task information to remember"),
	}, "info")
}

func (t *SaveMemory) Invoke(ctx context.Context, rt *Runtime, args map[string]any) (string, error) {
	if rt == nil || rt.State == nil {
		return "Error: context unavailable", nil
	}
	info, err := StringArg(args, "info", true)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	userID := rt.State.UserID
	if userID == "" {
		userID = UnknownUser
	}
	userName := UnknownUser
	if rt.State.UserInfo != nil && rt.State.UserInfo.UserName != "" {
		userName = rt.State.UserInfo.UserName
	}
	if rt.Store == nil {
		return "Error: Store not configured, cannot save memory", nil
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	ts := now()

	rec := memory.Record{
		ID:        fmt.Sprintf("mem_%d_%s", ts.Unix(), xid.NewWithTime(ts)),
		Info:      info,
		UserName:  userName,
		Timestamp: float64(ts.UnixNano()) / float64(time.Second),
	}
	if rt.State.TaskInfo != "" {
		taskInfo := rt.State.TaskInfo
		rec.TaskInfo = &taskInfo
	}

	ns := memory.Namespace{UserID: userID, UserName: userName}
	if err := rt.Store.Put(ctx, ns, rec); err != nil {
		logger.Warn("save_memory for %s failed: %v", ns, err)
		return fmt.Sprintf("Error saving memory for user '%s': %v", userName, err), nil
	}
	return fmt.Sprintf("Memory saved [%s]: %s", userName, info), nil
}

// RecallMemory lists the operator's saved notes, newest first.
type RecallMemory struct{}

func (t *RecallMemory) Name() string { return "recall_memory" }

func (t *RecallMemory) Description() string {
	return "Retrieve the current user's information from cross-session memory."
}

func (t *RecallMemory) Parameters() map[string]any {
	return Object(map[string]any{
		"query": Prop("string", "Optional search keyword (reserved, currently ignored)"),
		"limit": Prop("integer", "Maximum number of memories to return (default: 10)"),
	})
}

// Invoke ignores query; free-text filtering is not implemented.
func (t *RecallMemory) Invoke(ctx context.Context, rt *Runtime, args map[string]any) (string, error) {
	if rt == nil || rt.State == nil {
		return "Error: state unavailable", nil
	}
	limit, err := IntArg(args, "limit", DefaultRecallLimit)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	userID := rt.State.UserID
	if userID == "" {
		userID = Anonymous
	}
	info := session.UserInfo{UserName: Anonymous}
	if rt.State.UserInfo != nil {
		info = *rt.State.UserInfo
	}
	userName := info.UserName

	if rt.Store == nil {
		return "Error: Store not configured, cannot retrieve memory", nil
	}

	records, err := rt.Store.Search(ctx, memory.Namespace{UserID: userID, UserName: userName}, limit)
	if err != nil {
		logger.Warn("recall_memory for %s failed: %v", userName, err)
		return fmt.Sprintf("Error retrieving memories for user '%s': %v", userName, err), nil
	}
	if len(records) == 0 {
		return fmt.Sprintf("No memories found for user '%s'", userName), nil
	}

	lines := make([]string, 0, len(records))
	for _, rec := range records {
		taskInfo := "N/A"
		if rec.TaskInfo != nil {
			taskInfo = *rec.TaskInfo
		}
		lines = append(lines, fmt.Sprintf("- %s: %s\n- Task info: %s", userName, rec.Info, taskInfo))
	}
	return fmt.Sprintf("Found %d memories for user '%s':\n", len(records), userName) + strings.Join(lines, "\n"), nil
}

// Memory returns the memory tools.
func Memory() []Tool {
	return []Tool{&SaveMemory{}, &RecallMemory{}}
}
