// Package testfixtures provides test doubles shared by espagent tests.
//
//   - ScriptedModel: llm.Model that replays canned assistant turns
//   - MockMemoryStore: in-memory memory.Store with error injection
//   - FakeRunner: tools.CommandRunner recording argument vectors
//   - FakeCloser: resource whose Close behaviour is scripted
//
// All doubles are safe for concurrent use and count their calls.
package testfixtures

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/espagent/internal/llm"
	"github.com/mark3labs/espagent/internal/memory"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/tools"
)

// ErrScriptExhausted is returned when a ScriptedModel runs out of turns.
var ErrScriptExhausted = errors.New("scripted model: no more responses")

// ScriptedModel answers agent requests from a queue. Summary and tool
// selection requests get Summary and Selection, so they never consume the
// agent queue.
type ScriptedModel struct {
	mu sync.Mutex

	ModelName string
	Turns     []session.Message
	// Summary is returned for summary requests.
	Summary string
	// Selection is returned verbatim for tool selection requests.
	Selection string
	// Err, when set, fails every call.
	Err error

	Requests []llm.Request
}

// NewScriptedModel queues turns for agent requests.
func NewScriptedModel(name string, turns ...session.Message) *ScriptedModel {
	return &ScriptedModel{ModelName: name, Turns: turns, Summary: "summary", Selection: "[]"}
}

func (m *ScriptedModel) Name() string { return m.ModelName }

func (m *ScriptedModel) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *req
	cp.Messages = append([]session.Message(nil), req.Messages...)
	cp.Tools = append([]llm.ToolSpec(nil), req.Tools...)
	m.Requests = append(m.Requests, cp)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}

	switch req.Purpose {
	case llm.PurposeSummary:
		return &llm.Response{Message: session.AssistantMessage(m.Summary), Model: m.ModelName}, nil
	case llm.PurposeToolSelection:
		return &llm.Response{Message: session.AssistantMessage(m.Selection), Model: m.ModelName}, nil
	}

	if len(m.Turns) == 0 {
		return nil, ErrScriptExhausted
	}
	turn := m.Turns[0]
	m.Turns = m.Turns[1:]
	// Fresh id per delivery so replays of the same script stay distinct.
	fresh := session.AssistantMessage(turn.Content, turn.ToolCalls...)
	return &llm.Response{Message: fresh, Model: m.ModelName}, nil
}

// AgentRequests returns the recorded requests of the agent purpose.
func (m *ScriptedModel) AgentRequests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llm.Request
	for _, r := range m.Requests {
		if r.Purpose == llm.PurposeAgent {
			out = append(out, r)
		}
	}
	return out
}

// Calls returns the number of recorded requests.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// MockMemoryStore is an in-memory memory.Store.
type MockMemoryStore struct {
	mu sync.Mutex

	records map[memory.Namespace]map[string]memory.Record

	PutError    error
	SearchError error

	PutCalls    int
	SearchCalls int
	LastLimit   int
}

// NewMockMemoryStore creates an empty store.
func NewMockMemoryStore() *MockMemoryStore {
	return &MockMemoryStore{records: make(map[memory.Namespace]map[string]memory.Record)}
}

func (m *MockMemoryStore) Put(ctx context.Context, ns memory.Namespace, rec memory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalls++
	if m.PutError != nil {
		return m.PutError
	}
	if m.records[ns] == nil {
		m.records[ns] = make(map[string]memory.Record)
	}
	m.records[ns][rec.ID] = rec
	return nil
}

func (m *MockMemoryStore) Search(ctx context.Context, ns memory.Namespace, limit int) ([]memory.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchCalls++
	m.LastLimit = limit
	if m.SearchError != nil {
		return nil, m.SearchError
	}
	var out []memory.Record
	for _, rec := range m.records[ns] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns how many records ns holds.
func (m *MockMemoryStore) Count(ns memory.Namespace) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[ns])
}

// RunResult is one scripted FakeRunner outcome.
type RunResult struct {
	Stdout string
	Stderr string
	// ExitCode > 0 yields a *tools.ExitError.
	ExitCode int
	// Err is returned as is (e.g. binary not found).
	Err error
}

// FakeRunner is a tools.CommandRunner that replays results in order and
// repeats the last one when the script runs out.
type FakeRunner struct {
	mu      sync.Mutex
	Results []RunResult
	Calls   [][]string
}

// NewFakeRunner scripts results.
func NewFakeRunner(results ...RunResult) *FakeRunner {
	return &FakeRunner{Results: results}
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, append([]string{name}, args...))
	if len(f.Results) == 0 {
		return nil, nil, fmt.Errorf("fake runner: no result scripted for %s", name)
	}
	res := f.Results[0]
	if len(f.Results) > 1 {
		f.Results = f.Results[1:]
	}
	if res.Err != nil {
		return nil, nil, res.Err
	}
	if res.ExitCode > 0 {
		return []byte(res.Stdout), []byte(res.Stderr), &tools.ExitError{Code: res.ExitCode, Stderr: []byte(res.Stderr)}
	}
	return []byte(res.Stdout), []byte(res.Stderr), nil
}

// CallCount returns the number of invocations.
func (f *FakeRunner) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// FakeCloser scripts Close.
type FakeCloser struct {
	mu     sync.Mutex
	CloseF func(ctx context.Context) error
	Closed int
}

func (f *FakeCloser) Close(ctx context.Context) error {
	f.mu.Lock()
	f.Closed++
	fn := f.CloseF
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// CloseCount returns the number of Close calls.
func (f *FakeCloser) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closed
}
