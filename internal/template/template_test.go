package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/espagent/internal/session"
	"github.com/mark3labs/espagent/internal/testfixtures"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     Variables
		want     string
	}{
		{
			name:     "simple substitution",
			template: "User: {{user_name}} ({{user_id}})",
			vars: Variables{
				UserID:   "u-1",
				UserName: "alice",
			},
			want: "User: alice (u-1)",
		},
		{
			name:     "all variables",
			template: "{{user_id}}|{{user_name}}|{{additional_info}}|{{task_info}}",
			vars: Variables{
				UserID:         "u-1",
				UserName:       "alice",
				AdditionalInfo: "firmware dev",
				TaskInfo:       "flash",
			},
			want: "u-1|alice|firmware dev|flash",
		},
		{
			name:     "empty values",
			template: "User: {{user_name}}{{task_info}}",
			vars:     Variables{UserName: "alice"},
			want:     "User: alice",
		},
		{
			name:     "repeated placeholder",
			template: "{{user_id}} and {{user_id}}",
			vars:     Variables{UserID: "x"},
			want:     "x and x",
		},
		{
			name:     "unknown placeholder untouched",
			template: "{{session}} {{user_id}}",
			vars:     Variables{UserID: "x"},
			want:     "{{session}} x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.template, tt.vars)
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderWithDefaultTemplate(t *testing.T) {
	vars := VariablesFor(testfixtures.Alice())
	result := Render(DefaultTemplate, vars)

	for _, want := range []string{
		"User ID: alice",
		"User name: alice",
		"About the user: I will be working on embedded tasks",
		"## Current Task\nbring up the esp32 board",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("rendered prompt missing %q", want)
		}
	}
	if strings.Contains(result, "{{") {
		t.Errorf("rendered prompt still contains placeholders:\n%s", result)
	}
}

func TestVariablesFor(t *testing.T) {
	t.Run("nil state", func(t *testing.T) {
		vars := VariablesFor(nil)
		if vars.UserID != "unknown_user" || vars.UserName != "unknown_user" {
			t.Errorf("VariablesFor(nil) = %+v", vars)
		}
		if vars.AdditionalInfo != DefaultAdditionalInfo {
			t.Errorf("AdditionalInfo = %q", vars.AdditionalInfo)
		}
	})

	t.Run("custom additional info", func(t *testing.T) {
		state := &session.TaskState{
			UserID:   "bob",
			UserInfo: &session.UserInfo{UserName: "Bob", AdditionalInfo: "works on STM32"},
		}
		vars := VariablesFor(state)
		if vars.UserID != "bob" || vars.UserName != "Bob" || vars.AdditionalInfo != "works on STM32" {
			t.Errorf("VariablesFor() = %+v", vars)
		}
		if vars.TaskInfo != "" {
			t.Errorf("TaskInfo = %q, want empty", vars.TaskInfo)
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "prompt.md")
	if err := os.WriteFile(path, []byte("Hello {{user_name}}"), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}

	got, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if got != "Hello {{user_name}}" {
		t.Errorf("LoadFromFile() = %q", got)
	}

	if _, err := LoadFromFile(filepath.Join(tmpDir, "missing.md")); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

func TestGetTemplate(t *testing.T) {
	got, err := GetTemplate("")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if got != DefaultTemplate {
		t.Error("GetTemplate(\"\") should return the default template")
	}
}

func TestSystemPrompt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	if err := os.WriteFile(path, []byte("{{user_name}}:{{task_info}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	render, err := SystemPrompt(path)
	if err != nil {
		t.Fatalf("SystemPrompt() error = %v", err)
	}
	got := render(testfixtures.Alice())
	if got != "alice:\n## Current Task\nbring up the esp32 board\n" {
		t.Errorf("render() = %q", got)
	}

	if _, err := SystemPrompt(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("SystemPrompt() expected error for missing file")
	}
}
