package steps

import (
	"encoding/json"
	"fmt"
)

// FromJSONFunc decodes one step of a registered type.
type FromJSONFunc func(raw json.RawMessage) (Step, error)

var stepTypes = map[string]FromJSONFunc{}

// RegisterStep registers a decoder for a stepType tag. Intended to be called
// from init; later registrations for the same tag replace earlier ones.
func RegisterStep(stepType string, fn FromJSONFunc) {
	stepTypes[stepType] = fn
}

func init() {
	RegisterStep("replace", replaceStepFromJSON)
}

// FromJSON decodes one step relative to the schema.
func FromJSON(s *Schema, raw json.RawMessage) (Step, error) {
	var head struct {
		StepType string `json:"stepType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}
	fn, ok := stepTypes[head.StepType]
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", head.StepType)
	}
	return fn(raw)
}

// ApplyJSON decodes and applies each step in order, each against the document
// produced by its predecessor. The input document is never mutated, so a
// failure anywhere leaves the caller's state untouched.
func ApplyJSON(s *Schema, d *Doc, raws []json.RawMessage) (*Doc, error) {
	for i, raw := range raws {
		st, err := FromJSON(s, raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		d, err = st.Apply(d)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return d, nil
}
