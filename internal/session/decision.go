package session

import (
	"encoding/json"
	"fmt"
)

// DefaultRejectMessage is used when the operator gives no reason.
const DefaultRejectMessage = "Rejected by administrator"

// Decision is the operator's answer for one pending tool call. It is one of
// Approve, Edit or Reject.
type Decision interface {
	decisionType() string
}

// Approve runs the call as requested.
type Approve struct{}

// Edit runs the call with replacement arguments.
type Edit struct {
	EditedAction EditedAction `json:"edited_action"`
}

// EditedAction is the replacement invocation carried by Edit.
type EditedAction struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Reject skips the call and reports Message back to the model.
type Reject struct {
	Message string `json:"message"`
}

func (Approve) decisionType() string { return "approve" }
func (Edit) decisionType() string    { return "edit" }
func (Reject) decisionType() string  { return "reject" }

// MarshalDecision encodes d as {"type": ..., ...}.
func MarshalDecision(d Decision) ([]byte, error) {
	switch v := d.(type) {
	case Approve:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{"approve"})
	case Edit:
		return json.Marshal(struct {
			Type         string       `json:"type"`
			EditedAction EditedAction `json:"edited_action"`
		}{"edit", v.EditedAction})
	case Reject:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}{"reject", v.Message})
	default:
		return nil, fmt.Errorf("unknown decision %T", d)
	}
}

// UnmarshalDecision decodes a tagged decision. Unknown tags and edits
// without a tool name or argument object are validation errors.
func UnmarshalDecision(data []byte) (Decision, error) {
	var probe struct {
		Type         string        `json:"type"`
		EditedAction *EditedAction `json:"edited_action"`
		Message      string        `json:"message"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ValidationError{Field: "decision", Reason: err.Error()}
	}

	switch probe.Type {
	case "approve":
		return Approve{}, nil
	case "edit":
		if probe.EditedAction == nil || probe.EditedAction.Name == "" {
			return nil, &ValidationError{Field: "edited_action.name", Reason: "field required"}
		}
		if probe.EditedAction.Args == nil {
			return nil, &ValidationError{Field: "edited_action.args", Reason: "must be an object"}
		}
		return Edit{EditedAction: *probe.EditedAction}, nil
	case "reject":
		return Reject{Message: probe.Message}, nil
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown decision type %q", probe.Type)}
	}
}

// Decisions is an ordered decision list with JSON support.
type Decisions []Decision

func (ds Decisions) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, len(ds))
	for i, d := range ds {
		b, err := MarshalDecision(d)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	return json.Marshal(raw)
}

func (ds *Decisions) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Decisions, len(raw))
	for i, b := range raw {
		d, err := UnmarshalDecision(b)
		if err != nil {
			return fmt.Errorf("decision %d: %w", i, err)
		}
		out[i] = d
	}
	*ds = out
	return nil
}
