package tools_test

import (
	"context"
	"testing"

	"github.com/mark3labs/espagent/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg, err := tools.NewRegistry(append(tools.Memory(), tools.NewSSH())...)
	require.NoError(t, err)

	assert.Equal(t, []string{"recall_memory", "save_memory", "ssh_run"}, reg.Names())
	assert.Len(t, reg.All(), 3)

	got, ok := reg.Get("ssh_run")
	require.True(t, ok)
	assert.Equal(t, "ssh_run", got.Name())

	_, ok = reg.Get("nope")
	assert.False(t, ok)

	err = reg.Add(&tools.Func{ToolName: "ssh_run"})
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	f := &tools.Func{
		ToolName: "echo",
		Desc:     "echoes",
		Schema:   tools.Object(map[string]any{"text": tools.Prop("string", "text")}, "text"),
		Fn: func(ctx context.Context, rt *tools.Runtime, args map[string]any) (string, error) {
			return tools.StringArg(args, "text", true)
		},
	}
	out, err := f.Invoke(context.Background(), nil, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
	assert.Equal(t, []string{"text"}, f.Parameters()["required"])
}

func TestIntArg(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		want    int
		wantErr bool
	}{
		{"absent", map[string]any{}, 10, false},
		{"null", map[string]any{"n": nil}, 10, false},
		{"float", map[string]any{"n": float64(4)}, 4, false},
		{"fraction", map[string]any{"n": 4.5}, 0, true},
		{"int", map[string]any{"n": 7}, 7, false},
		{"string", map[string]any{"n": "7"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tools.IntArg(tt.args, "n", 10)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
