package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Code   int
	Stderr []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// CommandRunner runs an argument vector without a shell.
type CommandRunner interface {
	// Run returns stdout and stderr. A non-zero exit is an *ExitError;
	// any other error means the command could not be run.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return stdout.Bytes(), stderr.Bytes(), &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.Bytes()}
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// SSH runs one command on a host through the local ssh client, so host
// aliases from ~/.ssh/config apply.
type SSH struct {
	Runner CommandRunner
	// Binary defaults to "ssh".
	Binary string
}

// NewSSH creates the ssh_run tool backed by os/exec.
func NewSSH() *SSH {
	return &SSH{Runner: ExecRunner{}}
}

func (t *SSH) Name() string { return "ssh_run" }

func (t *SSH) Description() string {
	return "Execute a command on a remote host using the system ssh client (with ~/.ssh/config)."
}

func (t *SSH) Parameters() map[string]any {
	return Object(map[string]any{
		"host":    Prop("string", "The Host name from the ssh configuration"),
		"command": Prop("string", "The command to execute"),
	}, "host", "command")
}

// Invoke returns trimmed stdout on success and a failure message carrying
// stderr on a non-zero exit. Failing to start ssh at all is returned as an
// error so the caller may retry.
func (t *SSH) Invoke(ctx context.Context, _ *Runtime, args map[string]any) (string, error) {
	host, err := StringArg(args, "host", true)
	if err != nil {
		return "", err
	}
	command, err := StringArg(args, "command", true)
	if err != nil {
		return "", err
	}

	binary := t.Binary
	if binary == "" {
		binary = "ssh"
	}
	runner := t.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	stdout, stderr, err := runner.Run(ctx, binary, host, command)
	var exitErr *ExitError
	switch {
	case err == nil:
		return strings.TrimSpace(string(stdout)), nil
	case errors.As(err, &exitErr):
		if len(stderr) == 0 {
			stderr = exitErr.Stderr
		}
		return "SSH command execution failed: " + strings.TrimSpace(string(stderr)), nil
	default:
		return "", fmt.Errorf("running ssh: %w", err)
	}
}
