package testfixtures

import (
	"github.com/mark3labs/espagent/internal/session"
)

// Call builds a tool call.
func Call(id, name string, args map[string]any) session.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return session.ToolCall{ID: id, Name: name, Args: args}
}

// SSHCall builds an ssh_run call.
func SSHCall(id, host, command string) session.ToolCall {
	return Call(id, "ssh_run", map[string]any{"host": host, "command": command})
}

// Reply is an assistant turn with text only.
func Reply(text string) session.Message {
	return session.AssistantMessage(text)
}

// CallTurn is an assistant turn requesting calls.
func CallTurn(text string, calls ...session.ToolCall) session.Message {
	return session.AssistantMessage(text, calls...)
}

// Alice is a fully populated operator state.
func Alice() *session.TaskState {
	return &session.TaskState{
		UserID:   "alice",
		UserInfo: &session.UserInfo{UserName: "alice", AdditionalInfo: "I will be working on embedded tasks"},
		TaskInfo: "bring up the esp32 board",
	}
}

// Conversation returns n alternating user/assistant messages.
func Conversation(n int) []session.Message {
	msgs := make([]session.Message, 0, n)
	for i := range n {
		if i%2 == 0 {
			msgs = append(msgs, session.UserMessage("question"))
		} else {
			msgs = append(msgs, session.AssistantMessage("answer"))
		}
	}
	return msgs
}
