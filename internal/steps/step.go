package steps

import (
	"encoding/json"
	"fmt"
)

// Step is an atomic document transformation. Apply is total-or-fail and never
// mutates its input.
type Step interface {
	Apply(d *Doc) (*Doc, error)
	// PosMap describes how this step moved positions, for rebasing.
	PosMap() *StepMap
	// Map transforms the step's positions through m. ok is false when the
	// content the step addressed was deleted by the intervening steps, in
	// which case the step should be dropped.
	Map(m *Mapping) (mapped Step, ok bool)
	ToJSON() (json.RawMessage, error)
}

// ReplaceStep replaces the range [From, To) with Text. From == To is an
// insert, empty Text a delete.
type ReplaceStep struct {
	From int
	To   int
	Text string
}

func (s *ReplaceStep) Apply(d *Doc) (*Doc, error) {
	if s.From < 0 || s.To < s.From || s.To > d.Len() {
		return nil, fmt.Errorf("replace [%d,%d) out of bounds for document of length %d", s.From, s.To, d.Len())
	}
	return &Doc{Text: d.Text[:s.From] + s.Text + d.Text[s.To:]}, nil
}

func (s *ReplaceStep) PosMap() *StepMap {
	return &StepMap{Start: s.From, OldLen: s.To - s.From, NewLen: len(s.Text)}
}

func (s *ReplaceStep) Map(m *Mapping) (Step, bool) {
	from, fromDeleted := m.MapResult(s.From, 1)
	to, toDeleted := from, fromDeleted
	if s.To != s.From {
		to, toDeleted = m.MapResult(s.To, -1)
	}
	if fromDeleted && toDeleted {
		return nil, false
	}
	if to < from {
		to = from
	}
	return &ReplaceStep{From: from, To: to, Text: s.Text}, true
}

type replaceStepJSON struct {
	StepType string `json:"stepType"`
	From     int    `json:"from"`
	To       int    `json:"to"`
	Text     string `json:"text,omitempty"`
}

func (s *ReplaceStep) ToJSON() (json.RawMessage, error) {
	return json.Marshal(replaceStepJSON{StepType: "replace", From: s.From, To: s.To, Text: s.Text})
}

func replaceStepFromJSON(raw json.RawMessage) (Step, error) {
	var j replaceStepJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &ReplaceStep{From: j.From, To: j.To, Text: j.Text}, nil
}
