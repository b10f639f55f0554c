// Package knowledge loads the static knowledge document injected into every prompt.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
)

// SlotDef declares the allowed values for one slot key.
type SlotDef struct {
	Description string   `json:"description,omitempty"`
	Values      []string `json:"values"`
}

// Schema maps slot keys to their allowed-value sets.
// It is the source of truth for slot validity and is immutable after load.
type Schema map[string]SlotDef

// Document is the knowledge base loaded once per process lifetime.
// Only slot_schema is interpreted; every other top-level section
// (phases, principles, example scenes, action cards) is opaque and
// passed through verbatim into the prompt.
type Document struct {
	SlotSchema Schema
	raw        []byte
}

// Load reads and parses the knowledge document at path.
// A missing or unreadable file is a fatal startup condition for the caller.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge document not found at %s (place knowledge_base.json next to the server binary or set KNOWLEDGE_PATH): %w", path, err)
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("parse knowledge document %s: %w", path, err)
	}

	doc := &Document{SlotSchema: Schema{}, raw: data}
	if rawSchema, ok := sections["slot_schema"]; ok {
		if err := json.Unmarshal(rawSchema, &doc.SlotSchema); err != nil {
			return nil, fmt.Errorf("parse slot_schema in %s: %w", path, err)
		}
	}

	return doc, nil
}

// Raw returns the full document serialized for prompt injection.
// The original file bytes are re-indented so the prompt stays readable.
func (d *Document) Raw() string {
	var buf map[string]json.RawMessage
	if err := json.Unmarshal(d.raw, &buf); err != nil {
		return string(d.raw)
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return string(d.raw)
	}
	return string(out)
}

// Allowed reports whether value is in the declared set for key.
func (s Schema) Allowed(key, value string) bool {
	def, ok := s[key]
	if !ok {
		return false
	}
	for _, v := range def.Values {
		if v == value {
			return true
		}
	}
	return false
}

// Keys returns all declared slot keys.
func (s Schema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}
