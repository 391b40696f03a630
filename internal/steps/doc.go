// Package steps is the operational-transform adapter: documents, steps,
// position maps, and the step-type registry. The rest of the system treats
// steps as opaque JSON and only calls through the interfaces here.
package steps

import (
	"encoding/json"
	"fmt"
)

// Schema describes the document type a room coordinates. Documents and steps
// are always decoded relative to a schema.
type Schema struct {
	Name string
}

func NewSchema(name string) *Schema {
	return &Schema{Name: name}
}

// EmptyDoc returns the document every room starts from at version 0.
func (s *Schema) EmptyDoc() *Doc {
	return &Doc{}
}

// DocFromJSON decodes a snapshot payload.
func (s *Schema) DocFromJSON(raw []byte) (*Doc, error) {
	var d Doc
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &d, nil
}

// Doc is an immutable text document. Applying a step produces a new Doc;
// the original is never mutated.
type Doc struct {
	Text string
}

func (d *Doc) Len() int {
	return len(d.Text)
}

type docJSON struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (d *Doc) MarshalJSON() ([]byte, error) {
	return json.Marshal(docJSON{Type: "doc", Text: d.Text})
}

func (d *Doc) UnmarshalJSON(raw []byte) error {
	var j docJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return err
	}
	if j.Type != "doc" {
		return fmt.Errorf("unexpected document type %q", j.Type)
	}
	d.Text = j.Text
	return nil
}
