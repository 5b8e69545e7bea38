package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/espagent/internal/agent"
	"github.com/mark3labs/espagent/internal/config"
	"github.com/mark3labs/espagent/internal/logger"
	"github.com/mark3labs/espagent/internal/middleware"
	"github.com/mark3labs/espagent/internal/nats"
	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/testfixtures"
	"github.com/mark3labs/espagent/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// ignoreInitGoroutines skips the opencensus view worker, which a transitive
// dependency starts in package init before any test runs.
var ignoreInitGoroutines = goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start")

// fakeOrch streams scripted turns and reports scripted states.
type fakeOrch struct {
	mu        sync.Mutex
	turns     [][]session.Message
	states    []*agent.Snapshot
	inputs    []string
	decisions [][]session.Decision
	streamErr error
}

func (f *fakeOrch) Stream(ctx context.Context, rc agent.RunConfig, input agent.Input, emit agent.EmitFunc) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, input.Messages[0].Content)
	var turn []session.Message
	if len(f.turns) > 0 {
		turn, f.turns = f.turns[0], f.turns[1:]
	}
	f.mu.Unlock()

	if f.streamErr != nil {
		return f.streamErr
	}
	var snap agent.Snapshot
	snap.Values.Messages = append(snap.Values.Messages, input.Messages...)
	emit(snap)
	for _, m := range turn {
		snap.Values.Messages = append(snap.Values.Messages, m)
		emit(snap)
		emit(snap)
	}
	return nil
}

func (f *fakeOrch) GetState(ctx context.Context, rc agent.RunConfig) (*agent.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return &agent.Snapshot{}, nil
	}
	snap := f.states[0]
	f.states = f.states[1:]
	return snap, nil
}

func (f *fakeOrch) Resume(ctx context.Context, rc agent.RunConfig, decisions []session.Decision, emit agent.EmitFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, decisions)
	return nil
}

func pending(call session.ToolCall) *agent.Snapshot {
	snap := &agent.Snapshot{Next: []string{agent.NodeTools}}
	snap.Values.Messages = []session.Message{testfixtures.CallTurn("", call)}
	snap.Interrupts = []session.Interrupt{{ID: "i1", ToolCalls: []session.ToolCall{call}}}
	return snap
}

func run(t *testing.T, orch Orchestrator, input string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	in := NewLineReader(strings.NewReader(input))
	defer in.Close()
	err := New(orch, in, &out, nil).Run(context.Background(), agent.RunConfig{ThreadID: "alice", UserID: "alice"})
	return out.String(), err
}

func TestRun_PrintsStreamedMessages(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	call := testfixtures.SSHCall("c1", "board", "df -h")
	orch := &fakeOrch{turns: [][]session.Message{{
		testfixtures.CallTurn("Checking disk usage.", call),
		session.ToolMessage(call, "/dev/root 50%", session.StatusSuccess),
		testfixtures.Reply("The root partition is half full."),
	}}}

	out, err := run(t, orch, "\n   \nhow full is the disk?\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"how full is the disk?"}, orch.inputs, "blank lines are ignored")
	assert.Equal(t, strings.Join([]string{
		"User > User > User > 🤖 Agent: Checking disk usage.",
		"   🔧 [Calling tool]: ssh_run",
		"🤖 Tool: /dev/root 50%",
		"🤖 Agent: The root partition is half full.",
		"",
		"User > ",
	}, "\n"), out)
}

func TestRun_HandlesInterruptAfterTurn(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	call := testfixtures.SSHCall("c1", "board", "reboot")
	orch := &fakeOrch{
		turns: [][]session.Message{{testfixtures.CallTurn("", call)}},
		// startup check, after the turn (suspended), after resuming
		states: []*agent.Snapshot{{}, pending(call), {}},
	}

	out, err := run(t, orch, "reboot the board\ny\n")
	require.NoError(t, err)
	assert.Equal(t, [][]session.Decision{{session.Approve{}}}, orch.decisions)
	assert.Contains(t, out, "[Tool 1/1] ssh_run")
	assert.Contains(t, out, "[System]: Continuing execution...")
}

func TestRun_ResumesPendingInterruptAtStartup(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	call := testfixtures.SSHCall("c1", "board", "reboot")
	orch := &fakeOrch{states: []*agent.Snapshot{pending(call)}}

	out, err := run(t, orch, "n\nnot now\n")
	require.NoError(t, err)
	assert.Empty(t, orch.inputs)
	assert.Equal(t, [][]session.Decision{{session.Reject{Message: "not now"}}}, orch.decisions)
	assert.True(t, strings.HasPrefix(out, "\n[Tool 1/1] ssh_run"), out)
}

func TestRun_EOFDuringInterruptEndsSession(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	orch := &fakeOrch{states: []*agent.Snapshot{pending(testfixtures.SSHCall("c1", "board", "reboot"))}}
	_, err := run(t, orch, "")
	assert.NoError(t, err)
	assert.Empty(t, orch.decisions)
}

func TestRun_StreamErrorPropagates(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	boom := errors.New("model unavailable")
	_, err := run(t, &fakeOrch{streamErr: boom}, "hello\n")
	assert.ErrorIs(t, err, boom)
}

func TestRun_CancelledWhileWaitingForInput(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	pr, pw := io.Pipe()
	in := NewLineReader(pr)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- New(&fakeOrch{}, in, io.Discard, nil).Run(ctx, agent.RunConfig{ThreadID: "alice"})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	in.Close()
	_ = pw.Close()
}

func TestRun_WithAgent(t *testing.T) {
	pool, err := nats.Open(nats.Options{DataDir: t.TempDir(), Size: 4})
	require.NoError(t, err)
	defer Cleanup(pool)
	require.NoError(t, nats.Bootstrap(context.Background(), pool))

	call := testfixtures.SSHCall("c1", "board", "uptime")
	model := testfixtures.NewScriptedModel("small",
		testfixtures.CallTurn("", call),
		testfixtures.Reply("The board has been up for 3 days."),
	)
	runner := testfixtures.NewFakeRunner(testfixtures.RunResult{Stdout: "up 3 days\n"})
	a, err := agent.New(agent.Config{
		Model:    model,
		Tools:    []tools.Tool{&tools.SSH{Runner: runner}},
		Pipeline: middleware.New(&middleware.Approval{Tools: config.Default().Approval.Tools}),
		Store:    session.NewStore(pool),
	})
	require.NoError(t, err)

	out, err := run(t, a, "how long has the board been up?\ny\n")
	require.NoError(t, err)

	assert.Contains(t, out, "   🔧 [Calling tool]: ssh_run")
	assert.Contains(t, out, "Remote command execution requires approval")
	assert.Contains(t, out, "🤖 The board has been up for 3 days.")
	assert.Equal(t, 1, runner.CallCount())

	snap, err := a.GetState(context.Background(), agent.RunConfig{ThreadID: "alice", UserID: "alice"})
	require.NoError(t, err)
	assert.False(t, snap.HasPendingTasks())
	assert.Equal(t, "The board has been up for 3 days.", snap.Values.LastMessage().Content)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLog sends the default logger to a buffer for the rest of the test.
func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	var buf syncBuffer
	logger.Default.SetOutput(&buf)
	logger.Default.SetLevel(logger.LevelDebug)
	t.Cleanup(func() {
		logger.Default.SetOutput(io.Discard)
		logger.Default.SetLevel(logger.LevelInfo)
	})
	return &buf
}

func TestCleanup(t *testing.T) {
	t.Run("closes pool", func(t *testing.T) {
		pool := &testfixtures.FakeCloser{}
		Cleanup(pool)
		assert.Equal(t, 1, pool.CloseCount())
	})

	t.Run("nil and typed nil", func(t *testing.T) {
		var typed *testfixtures.FakeCloser
		assert.NotPanics(t, func() { Cleanup(nil) })
		assert.NotPanics(t, func() { Cleanup(typed) })
	})

	t.Run("errors are suppressed", func(t *testing.T) {
		for _, err := range []error{errors.New("drain failed"), context.Canceled, context.DeadlineExceeded} {
			log := captureLog(t)
			pool := &testfixtures.FakeCloser{CloseF: func(context.Context) error { return err }}
			assert.NotPanics(t, func() { Cleanup(pool) })
			assert.Contains(t, log.String(), "Pool close: "+err.Error()+" (suppressed during shutdown)")
			assert.Contains(t, log.String(), "Console cleaned up")
		}
	})

	t.Run("panics are suppressed", func(t *testing.T) {
		log := captureLog(t)
		pool := &testfixtures.FakeCloser{CloseF: func(context.Context) error { panic("connection reset") }}
		assert.NotPanics(t, func() { Cleanup(pool) })
		assert.Contains(t, log.String(), "connection reset")
		assert.Contains(t, log.String(), "(suppressed during shutdown)")
	})

	t.Run("stuck close is abandoned", func(t *testing.T) {
		closeTimeout = 50 * time.Millisecond
		defer func() { closeTimeout = CloseTimeout }()
		log := captureLog(t)

		release := make(chan struct{})
		defer close(release)
		pool := &testfixtures.FakeCloser{CloseF: func(context.Context) error {
			<-release
			return nil
		}}

		start := time.Now()
		Cleanup(pool)
		assert.Less(t, time.Since(start), time.Second)
		assert.Contains(t, log.String(), "Pool close: context deadline exceeded (suppressed during shutdown)")
	})

	t.Run("close is bounded", func(t *testing.T) {
		var deadline time.Time
		pool := &testfixtures.FakeCloser{CloseF: func(ctx context.Context) error {
			deadline, _ = ctx.Deadline()
			return nil
		}}
		Cleanup(pool)
		assert.WithinDuration(t, time.Now().Add(CloseTimeout), deadline, time.Second)
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestStop(t *testing.T) {
	assert.NoError(t, Stop())

	err := Stop(
		closerFunc(func() error { return errors.New("mcp client") }),
		closerFunc(func() error { return nil }),
		closerFunc(func() error { panic("log file") }),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcp client")
	assert.Contains(t, err.Error(), "log file")
}

func TestLineReader(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	in := NewLineReader(strings.NewReader("first\nsecond"))
	defer in.Close()
	ctx := context.Background()

	line, err := in.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", line)
	line, err = in.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	_, err = in.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = in.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF, "end of input is sticky")
}

// countingReader records how many reads reached the underlying input.
type countingReader struct {
	mu    sync.Mutex
	r     io.Reader
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.r.Read(p)
}

func (c *countingReader) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func TestLineReader_ReadsOnDemand(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	src := &countingReader{r: strings.NewReader("only line\n")}
	in := NewLineReader(src)
	defer in.Close()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, src.count(), "nothing is read before a line is asked for")

	line, err := in.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only line", line)
}

func TestLineReader_LineSurvivesCancelledRead(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	pr, pw := io.Pipe()
	in := NewLineReader(pr)
	defer func() {
		in.Close()
		_ = pw.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := in.ReadLine(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = pw.Write([]byte("late\n")) }()
	line, err := in.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", line)
}

func TestLineReader_CloseInterruptsBlockedRead(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreInitGoroutines)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer func() {
		_ = pw.Close()
		_ = pr.Close()
	}()

	in := NewLineReader(pr)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = in.ReadLine(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The writer stays open, so only cancellation can end the pending read.
	in.Close()
	_, err = in.ReadLine(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
