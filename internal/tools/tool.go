// Package tools defines the tool abstraction invoked by the agent and the
// built-in memory and remote command tools.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/mark3labs/espagent/internal/memory"
	"github.com/mark3labs/espagent/internal/session"
)

// Runtime is what a tool can see of the running thread.
type Runtime struct {
	Thread string
	// State is nil when the tool runs outside a thread.
	State *session.TaskState
	// Store is nil when no memory store is configured.
	Store memory.Store
}

// Tool is one capability the model may call.
//
// Invoke returns the text reported back to the model. A returned error is
// treated as a failed attempt and may be retried by the pipeline; expected
// failures are reported as text instead.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the argument object.
	Parameters() map[string]any
	Invoke(ctx context.Context, rt *Runtime, args map[string]any) (string, error)
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName string
	Desc     string
	Schema   map[string]any
	Fn       func(ctx context.Context, rt *Runtime, args map[string]any) (string, error)
}

func (f *Func) Name() string               { return f.ToolName }
func (f *Func) Description() string        { return f.Desc }
func (f *Func) Parameters() map[string]any { return f.Schema }

func (f *Func) Invoke(ctx context.Context, rt *Runtime, args map[string]any) (string, error) {
	return f.Fn(ctx, rt, args)
}

// Object builds an object schema. required lists mandatory properties.
func Object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Prop builds a scalar property schema.
func Prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// ArgError reports an invalid tool argument.
type ArgError struct {
	Name   string
	Reason string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Name, e.Reason)
}

// StringArg returns args[name] as a string. Missing or empty required
// values and non-string values are ArgErrors.
func StringArg(args map[string]any, name string, required bool) (string, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		if required {
			return "", &ArgError{Name: name, Reason: "is required"}
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ArgError{Name: name, Reason: fmt.Sprintf("must be a string, got %T", raw)}
	}
	if required && s == "" {
		return "", &ArgError{Name: name, Reason: "must not be empty"}
	}
	return s, nil
}

// IntArg returns args[name] as an int, or def when absent. JSON numbers
// arrive as float64.
func IntArg(args map[string]any, name string, def int) (int, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, &ArgError{Name: name, Reason: "must be an integer"}
		}
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, &ArgError{Name: name, Reason: fmt.Sprintf("must be a number, got %T", raw)}
	}
}

// Registry indexes tools by name.
type Registry struct {
	byName map[string]Tool
	order  []string
}

// NewRegistry builds a registry. Later tools with a taken name are
// rejected.
func NewRegistry(list ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]Tool)}
	for _, t := range list {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers t.
func (r *Registry) Add(t Tool) error {
	if _, dup := r.byName[t.Name()]; dup {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.byName[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// All returns tools in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, len(r.order))
	for i, name := range r.order {
		out[i] = r.byName[name]
	}
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
