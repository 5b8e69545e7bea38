package agent

import (
	"context"
	"errors"

	"github.com/mark3labs/espagent/internal/session"
)

var (
	// ErrPendingInterrupt is returned by Stream while the thread waits for
	// operator decisions.
	ErrPendingInterrupt = errors.New("thread has a pending interrupt")
	// ErrNoPendingInterrupt is returned by Resume when nothing is waiting.
	ErrNoPendingInterrupt = errors.New("thread has no pending interrupt")
	// ErrDecisionCount is returned by Resume when the decisions do not match
	// the pending tool calls one to one.
	ErrDecisionCount = errors.New("decision count does not match pending tool calls")
)

// NodeTools is reported in Snapshot.Next while tool calls await approval.
const NodeTools = "tools"

// RunConfig identifies the thread and operator a call acts for.
type RunConfig struct {
	ThreadID string
	UserID   string
	UserInfo *session.UserInfo
	TaskInfo string
}

// Input is what Stream appends to the thread before running.
type Input struct {
	Messages []session.Message
}

// Snapshot is the thread state after a step.
type Snapshot struct {
	Values     session.TaskState
	Next       []string
	Interrupts []session.Interrupt
}

// HasPendingTasks reports whether the thread is suspended.
func (s *Snapshot) HasPendingTasks() bool {
	return len(s.Next) > 0
}

// EmitFunc receives a snapshot every time a message is appended.
type EmitFunc func(Snapshot)

// Checkpointer persists thread state. *session.Store implements it.
type Checkpointer interface {
	LoadState(ctx context.Context, thread string) (*session.State, error)
	SetContext(ctx context.Context, thread, userID string, info *session.UserInfo, taskInfo string) error
	AppendMessage(ctx context.Context, thread string, msg session.Message) error
	Collapse(ctx context.Context, thread string, removed int, summary string) error
	RaiseInterrupt(ctx context.Context, thread string, in session.Interrupt) (*session.Interrupt, error)
	ResolveInterrupt(ctx context.Context, thread, interruptID string, decisions []session.Decision) error
}

func snapshotOf(st *session.State) Snapshot {
	snap := Snapshot{Values: st.TaskState}
	snap.Values.Messages = append([]session.Message(nil), st.Messages...)
	if st.Pending != nil {
		snap.Next = []string{NodeTools}
		snap.Interrupts = []session.Interrupt{*st.Pending}
	}
	return snap
}
