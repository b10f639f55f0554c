package counsel

import (
	"encoding/json"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/knowledge"
)

// SlotUnknown is the sentinel value for a slot with no reliable evidence yet.
const SlotUnknown = "unknown"

// SlotState maps every schema-declared slot key to either a schema-allowed
// value or SlotUnknown. It is scoped to one authenticated session and is
// mutated only by merging validated model proposals.
type SlotState map[string]string

// DefaultSlots returns a fresh state with every schema key set to unknown.
func DefaultSlots(schema knowledge.Schema) SlotState {
	slots := make(SlotState, len(schema))
	for k := range schema {
		slots[k] = SlotUnknown
	}
	return slots
}

// ValidateSlot returns proposed unchanged when it belongs to the allowed set
// registered for key, and SlotUnknown otherwise.
func ValidateSlot(schema knowledge.Schema, key, proposed string) string {
	if schema.Allowed(key, proposed) {
		return proposed
	}
	return SlotUnknown
}

// Merge applies a model-proposed update. Only keys already present in the
// state are considered; a proposal that validates to unknown never
// overwrites, so known values are monotonic: a later turn can replace a
// known value with a different known value but cannot revert it to unknown.
func (s SlotState) Merge(schema knowledge.Schema, update map[string]string) {
	for k := range s {
		proposed, ok := update[k]
		if !ok {
			continue
		}
		if v := ValidateSlot(schema, k, proposed); v != SlotUnknown {
			s[k] = v
		}
	}
}

// Snapshot serializes the state for prompt injection. Map keys marshal in
// sorted order, so the rendering is stable across turns.
func (s SlotState) Snapshot() string {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}

// Clone returns an independent copy of the state.
func (s SlotState) Clone() SlotState {
	out := make(SlotState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
