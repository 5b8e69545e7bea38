package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/espagent/internal/config"
	apperrors "github.com/mark3labs/espagent/internal/errors"
	"github.com/mark3labs/espagent/internal/fsbackend"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/testfixtures"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubTool(name, desc string, fn func() (string, error)) tools.Tool {
	return &tools.Func{
		ToolName: name,
		Desc:     desc,
		Schema:   tools.Object(map[string]any{}),
		Fn: func(context.Context, *tools.Runtime, map[string]any) (string, error) {
			if fn == nil {
				return name + " ok", nil
			}
			return fn()
		},
	}
}

func names(ts []tools.Tool) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name()
	}
	return out
}

type recorder struct {
	name string
	log  *[]string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) WrapModel(ctx context.Context, req *ModelRequest, next ModelHandler) (*ModelResponse, error) {
	*r.log = append(*r.log, r.name+">")
	resp, err := next(ctx, req)
	*r.log = append(*r.log, "<"+r.name)
	return resp, err
}

func (r *recorder) WrapTool(ctx context.Context, req *ToolRequest, next ToolHandler) (*ToolResult, error) {
	*r.log = append(*r.log, r.name+">")
	return next(ctx, req)
}

func TestPipelineOrder(t *testing.T) {
	var log []string
	p := New(&recorder{name: "a", log: &log}, &recorder{name: "b", log: &log})

	_, err := p.CallModel(context.Background(), &ModelRequest{}, func(context.Context, *ModelRequest) (*ModelResponse, error) {
		log = append(log, "model")
		return &ModelResponse{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "model", "<b", "<a"}, log)

	log = nil
	_, err = p.CallTool(context.Background(), &ToolRequest{}, func(context.Context, *ToolRequest) (*ToolResult, error) {
		log = append(log, "tool")
		return &ToolResult{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "tool"}, log)
}

func TestPipelineTools(t *testing.T) {
	fsys := afero.NewMemMapFs()
	p := New(&Filesystem{Backend: fsbackend.NewWithFs(fsys)})

	got := p.Tools([]tools.Tool{stubTool("ssh_run", "", nil), stubTool("ls", "mine", nil)})
	assert.Equal(t, []string{"ssh_run", "ls", "read_file", "write_file", "edit_file", "glob", "grep"}, names(got))
	assert.Equal(t, "mine", got[1].Description(), "base tools win name collisions")

	assert.Len(t, New(&Filesystem{}).Tools(nil), 0)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	res, err := Execute(ctx, &ToolRequest{Call: testfixtures.Call("1", "nope", nil)})
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, res.Status)
	assert.Equal(t, "Error: tool 'nope' not found", res.Content)

	res, err = Execute(ctx, &ToolRequest{Call: testfixtures.Call("2", "ok", nil), Tool: stubTool("ok", "", nil)})
	require.NoError(t, err)
	assert.Equal(t, &ToolResult{Content: "ok ok", Status: session.StatusSuccess, Attempts: 1}, res)

	boom := stubTool("boom", "", func() (string, error) { panic("nil register map") })
	_, err = Execute(ctx, &ToolRequest{Call: testfixtures.Call("3", "boom", nil), Tool: boom})
	var panicErr *apperrors.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "nil register map", panicErr.Value)
}

func TestGenerate(t *testing.T) {
	model := testfixtures.NewScriptedModel("small", testfixtures.Reply("hello"))
	resp, err := Generate(context.Background(), &ModelRequest{
		Model:    model,
		System:   "sys",
		Messages: []session.Message{session.UserMessage("hi")},
		Tools:    []tools.Tool{stubTool("ssh_run", "run", nil)},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Message.Content)
	assert.Equal(t, "small", resp.Model)

	reqs := model.AgentRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sys", reqs[0].System)
	assert.Equal(t, "ssh_run", reqs[0].Tools[0].Name)

	_, err = Generate(context.Background(), &ModelRequest{})
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	small := testfixtures.NewScriptedModel("small")
	large := testfixtures.NewScriptedModel("large")
	r := &Router{Default: small, Large: large, Threshold: 5, Markers: []string{"复杂分析", "complex analysis"}}

	tests := []struct {
		name  string
		count int
		text  string
		want  string
	}{
		{name: "short plain", count: 1, text: "check uart", want: "small"},
		{name: "at threshold", count: 5, text: "check uart", want: "small"},
		{name: "long", count: 6, text: "check uart", want: "large"},
		{name: "marker", count: 1, text: "请做复杂分析", want: "large"},
		{name: "english marker", count: 1, text: "run a complex analysis of the crash", want: "large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Route(tt.count, tt.text).Name())
		})
	}

	t.Run("wraps the request", func(t *testing.T) {
		msgs := append(testfixtures.Conversation(6), session.UserMessage("x"))
		var seen string
		_, err := r.WrapModel(context.Background(), &ModelRequest{Model: small, Messages: msgs},
			func(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
				seen = req.Model.Name()
				return &ModelResponse{}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, "large", seen)
	})
}

func TestSummarizer(t *testing.T) {
	long := strings.Repeat("x", 400)
	build := func() []session.Message {
		var msgs []session.Message
		for range 10 {
			msgs = append(msgs, session.UserMessage(long), session.AssistantMessage(long))
		}
		return msgs
	}

	t.Run("below trigger passes through", func(t *testing.T) {
		model := testfixtures.NewScriptedModel("small")
		s := &Summarizer{Model: model, Trigger: 100000, Keep: 4, Prompt: "sum {messages}"}
		msgs := build()
		resp, err := s.WrapModel(context.Background(), &ModelRequest{Messages: msgs},
			func(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
				assert.Len(t, req.Messages, len(msgs))
				return &ModelResponse{}, nil
			})
		require.NoError(t, err)
		assert.Nil(t, resp.Compaction)
		assert.Equal(t, 0, model.Calls())
	})

	t.Run("collapses old history", func(t *testing.T) {
		model := testfixtures.NewScriptedModel("small")
		model.Summary = "board is esp32-s3"
		s := &Summarizer{Model: model, Trigger: 500, Keep: 4, Prompt: "Summarize:\n{messages}\nSummary:"}
		msgs := build()

		resp, err := s.WrapModel(context.Background(), &ModelRequest{Messages: msgs},
			func(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
				require.Len(t, req.Messages, 5)
				assert.Equal(t, session.RoleSystem, req.Messages[0].Role)
				assert.Equal(t, "board is esp32-s3", req.Messages[0].Content)
				assert.Equal(t, msgs[16].ID, req.Messages[1].ID)
				return &ModelResponse{}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, &Compaction{Removed: 16, Summary: "board is esp32-s3"}, resp.Compaction)

		prompt := model.Requests[0].Messages[0].Content
		assert.True(t, strings.HasPrefix(prompt, "Summarize:\nuser: "))
		assert.NotContains(t, prompt, "{messages}")
	})

	t.Run("summary failure keeps history", func(t *testing.T) {
		model := testfixtures.NewScriptedModel("small")
		model.Err = errors.New("quota")
		s := &Summarizer{Model: model, Trigger: 500, Keep: 4}
		msgs := build()
		resp, err := s.WrapModel(context.Background(), &ModelRequest{Messages: msgs},
			func(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
				assert.Len(t, req.Messages, len(msgs))
				return &ModelResponse{}, nil
			})
		require.NoError(t, err)
		assert.Nil(t, resp.Compaction)
	})
}

func TestSummarizerCutKeepsToolResultsWithRequest(t *testing.T) {
	long := strings.Repeat("y", 400)
	call1 := testfixtures.SSHCall("c1", "board", "dmesg")
	call2 := testfixtures.SSHCall("c2", "board", "uptime")
	msgs := []session.Message{
		session.UserMessage(long),
		session.AssistantMessage(long),
		session.UserMessage(long),
		session.AssistantMessage("", call1, call2),
		session.ToolMessage(call1, long, session.StatusSuccess),
		session.ToolMessage(call2, long, session.StatusSuccess),
		session.AssistantMessage(long),
	}
	s := &Summarizer{Trigger: 10, Keep: 2}
	// len-keep lands on the second tool message; the cut moves back to the
	// assistant message that requested both calls.
	assert.Equal(t, 3, s.cutPoint(msgs))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))
	assert.Equal(t, 2+messageOverhead, EstimateTokens([]session.Message{session.UserMessage("12345678")}))
}

func TestSelector(t *testing.T) {
	offered := []tools.Tool{
		stubTool("save_memory", "save", nil),
		stubTool("recall_memory", "recall", nil),
		stubTool("ls", "List directory entries", nil),
		stubTool("read_file", "Read a file", nil),
		stubTool("grep", "Search file contents", nil),
		stubTool("ssh_run", "Execute a command on a remote host", nil),
	}
	req := func() *ModelRequest {
		return &ModelRequest{
			Messages: []session.Message{session.UserMessage("execute uptime on the remote host")},
			Tools:    offered,
		}
	}
	capture := func(got *[]string) ModelHandler {
		return func(_ context.Context, r *ModelRequest) (*ModelResponse, error) {
			*got = names(r.Tools)
			return &ModelResponse{}, nil
		}
	}

	t.Run("model choice", func(t *testing.T) {
		model := testfixtures.NewScriptedModel("small")
		model.Selection = "```json\n[\"ssh_run\", \"bogus\", \"grep\"]\n```"
		s := &Selector{Model: model, MaxTools: 3, AlwaysInclude: []string{"save_memory", "recall_memory"}}

		var got []string
		_, err := s.WrapModel(context.Background(), req(), capture(&got))
		require.NoError(t, err)
		assert.Equal(t, []string{"save_memory", "recall_memory", "grep", "ssh_run"}, got)
	})

	t.Run("caps model choice", func(t *testing.T) {
		model := testfixtures.NewScriptedModel("small")
		model.Selection = `["ssh_run","grep","ls","read_file"]`
		s := &Selector{Model: model, MaxTools: 2, AlwaysInclude: []string{"save_memory", "recall_memory"}}

		var got []string
		_, err := s.WrapModel(context.Background(), req(), capture(&got))
		require.NoError(t, err)
		assert.Equal(t, []string{"save_memory", "recall_memory", "grep", "ssh_run"}, got)
	})

	t.Run("keyword fallback", func(t *testing.T) {
		model := testfixtures.NewScriptedModel("small")
		model.Selection = "I think ssh"
		s := &Selector{Model: model, MaxTools: 1, AlwaysInclude: []string{"save_memory", "recall_memory"}}

		var got []string
		_, err := s.WrapModel(context.Background(), req(), capture(&got))
		require.NoError(t, err)
		assert.Equal(t, []string{"save_memory", "recall_memory", "ssh_run"}, got)
	})

	t.Run("under limit skips the model", func(t *testing.T) {
		model := testfixtures.NewScriptedModel("small")
		s := &Selector{Model: model, MaxTools: 4, AlwaysInclude: []string{"save_memory", "recall_memory"}}

		var got []string
		_, err := s.WrapModel(context.Background(), req(), capture(&got))
		require.NoError(t, err)
		assert.Len(t, got, len(offered))
		assert.Equal(t, 0, model.Calls())
	})
}

func newTestRetry(cfg config.RetryConfig, slept *[]time.Duration) *Retry {
	r := NewRetry(cfg)
	r.Sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	r.Rand = func() float64 { return 0.5 }
	return r
}

func failingHandler(failures int, err error) (ToolHandler, *int) {
	calls := 0
	return func(context.Context, *ToolRequest) (*ToolResult, error) {
		calls++
		if calls <= failures {
			return nil, err
		}
		return &ToolResult{Content: "ok", Status: session.StatusSuccess, Attempts: 1}, nil
	}, &calls
}

func TestRetry(t *testing.T) {
	cfg := config.Default().Retry
	req := &ToolRequest{Call: testfixtures.SSHCall("1", "board", "uptime")}
	transient := errors.New("connection reset")

	t.Run("success after failures", func(t *testing.T) {
		var slept []time.Duration
		r := newTestRetry(cfg, &slept)
		h, calls := failingHandler(2, transient)

		res, err := r.WrapTool(context.Background(), req, h)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, 3, *calls)
		assert.Equal(t, []time.Duration{500 * time.Millisecond, 750 * time.Millisecond}, slept)
	})

	t.Run("exhausted continues", func(t *testing.T) {
		var slept []time.Duration
		r := newTestRetry(cfg, &slept)
		h, calls := failingHandler(100, transient)

		res, err := r.WrapTool(context.Background(), req, h)
		require.NoError(t, err)
		assert.Equal(t, 4, *calls)
		assert.Equal(t, session.StatusError, res.Status)
		assert.Equal(t, "Tool 'ssh_run' failed after 4 attempts: connection reset", res.Content)
	})

	t.Run("exhausted errors per tool policy", func(t *testing.T) {
		c := cfg
		c.ToolPolicies = map[string]string{"ssh_run": config.FailureError}
		var slept []time.Duration
		r := newTestRetry(c, &slept)
		h, _ := failingHandler(100, transient)

		_, err := r.WrapTool(context.Background(), req, h)
		assert.ErrorIs(t, err, transient)
	})

	t.Run("every failure class is retried by default", func(t *testing.T) {
		for _, failure := range []error{
			&tools.ArgError{Name: "host", Reason: "is required"},
			&apperrors.PanicError{Value: "boom"},
		} {
			var slept []time.Duration
			r := newTestRetry(cfg, &slept)
			h, calls := failingHandler(100, failure)

			res, err := r.WrapTool(context.Background(), req, h)
			require.NoError(t, err)
			assert.Equal(t, 4, *calls)
			assert.Len(t, slept, 3)
			assert.Contains(t, res.Content, "failed after 4 attempts")
		}
	})

	t.Run("skipped classes fail on the first attempt", func(t *testing.T) {
		c := cfg
		c.SkipErrors = []string{config.ErrorClassArgument}
		var slept []time.Duration
		r := newTestRetry(c, &slept)

		h, calls := failingHandler(100, &tools.ArgError{Name: "host", Reason: "is required"})
		res, err := r.WrapTool(context.Background(), req, h)
		require.NoError(t, err)
		assert.Equal(t, 1, *calls)
		assert.Empty(t, slept)
		assert.Contains(t, res.Content, "failed after 1 attempts")

		h, calls = failingHandler(100, transient)
		_, err = r.WrapTool(context.Background(), req, h)
		require.NoError(t, err)
		assert.Equal(t, 4, *calls, "other errors still retry")
	})

	t.Run("real tools through Execute", func(t *testing.T) {
		var slept []time.Duration
		r := newTestRetry(cfg, &slept)
		panics := 0
		boom := stubTool("ssh_run", "", func() (string, error) {
			panics++
			panic("boom")
		})

		res, err := r.WrapTool(context.Background(), &ToolRequest{Call: req.Call, Tool: boom}, Execute)
		require.NoError(t, err)
		assert.Equal(t, 4, panics)
		assert.Equal(t, 4, res.Attempts)
		assert.Equal(t, "Tool 'ssh_run' failed after 4 attempts: panic: boom", res.Content)

		bad := &ToolRequest{Call: testfixtures.Call("2", "ssh_run", map[string]any{"host": 7.0, "command": "uptime"}), Tool: tools.NewSSH()}
		res, err = r.WrapTool(context.Background(), bad, Execute)
		require.NoError(t, err)
		assert.Equal(t, 4, res.Attempts)
		assert.Contains(t, res.Content, "failed after 4 attempts: ")
	})

	t.Run("unlisted tools are not retried", func(t *testing.T) {
		c := cfg
		c.Tools = []string{"read_file"}
		var slept []time.Duration
		r := newTestRetry(c, &slept)
		h, calls := failingHandler(100, transient)

		_, err := r.WrapTool(context.Background(), req, h)
		require.NoError(t, err)
		assert.Equal(t, 1, *calls)
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		r := NewRetry(cfg)
		h := func(context.Context, *ToolRequest) (*ToolResult, error) {
			cancel()
			return nil, transient
		}
		_, err := r.WrapTool(ctx, req, h)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryDelay(t *testing.T) {
	cfg := config.Default().Retry
	cfg.Jitter = false
	r := NewRetry(cfg)
	assert.Equal(t, 500*time.Millisecond, r.Delay(1))
	assert.Equal(t, 750*time.Millisecond, r.Delay(2))
	assert.Equal(t, 1125*time.Millisecond, r.Delay(3))
	assert.Equal(t, 5*time.Second, r.Delay(10), "capped at max delay")

	cfg.Jitter = true
	r = NewRetry(cfg)
	for range 50 {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, 375*time.Millisecond)
		assert.LessOrEqual(t, d, 625*time.Millisecond+time.Nanosecond)
	}

	r.Rand = func() float64 { return 0 }
	assert.Equal(t, 375*time.Millisecond, r.Delay(1))
	assert.Equal(t, 562500*time.Microsecond, r.Delay(2))
	r.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 750*time.Millisecond, r.Delay(2), "midpoint is the nominal delay")

	cfg.Jitter = false
	cfg.MaxDelay = 0
	assert.Equal(t, 1125*time.Millisecond, NewRetry(cfg).Delay(3), "no cap when max delay is unset")
}

func TestApproval(t *testing.T) {
	a := &Approval{Tools: config.Default().Approval.Tools}
	read := testfixtures.Call("r", "read_file", map[string]any{"file_path": "/main.c"})
	recall := testfixtures.Call("m", "recall_memory", nil)
	ssh := testfixtures.SSHCall("s", "board", "reboot")

	in, err := a.AfterModel(context.Background(), nil, &ModelResponse{Message: session.AssistantMessage("", read, recall, ssh)})
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, []session.ToolCall{read, ssh}, in.ToolCalls)
	assert.Equal(t, map[string]string{
		"read_file": "File read operation requires approval",
		"ssh_run":   "Remote command execution requires approval",
	}, in.Descriptions)

	in, err = a.AfterModel(context.Background(), nil, &ModelResponse{Message: session.AssistantMessage("", recall)})
	require.NoError(t, err)
	assert.Nil(t, in)

	p := New(a)
	assert.True(t, p.Gated("ssh_run"))
	assert.False(t, p.Gated("recall_memory"))
}

func TestDefault(t *testing.T) {
	small := testfixtures.NewScriptedModel("small")
	large := testfixtures.NewScriptedModel("large")
	p := Default(config.Default(), small, large, nil)

	var got []string
	for _, mw := range p.Middlewares() {
		got = append(got, mw.Name())
	}
	assert.Equal(t, []string{"router", "summarizer", "filesystem", "tool_selector", "retry", "approval"}, got)
}
