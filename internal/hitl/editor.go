package hitl

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/x/editor"
)

// ExternalEditor opens current in the operator's $EDITOR and returns the
// saved contents. The console stays blocked until the editor exits.
func ExternalEditor(ctx context.Context, current string) (string, error) {
	tmp, err := os.CreateTemp("", "espagent_args_*.json")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	path := tmp.Name()
	defer func() { _ = os.Remove(path) }()

	if _, err := tmp.WriteString(current); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	cmd, err := editor.Command("espagent", path)
	if err != nil {
		return "", fmt.Errorf("editor command: %w", err)
	}
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running editor: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading edited args: %w", err)
	}
	return string(data), nil
}
