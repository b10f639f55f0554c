package counsel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when the completion text contains no decodable
// JSON object at all, neither as the full text nor as an embedded span.
var ErrNoJSON = errors.New("no JSON object found in completion text")

// ApologyFallback stands in for the response field when the model returns
// valid JSON with an empty or missing response.
const ApologyFallback = "(Sorry, I could not put together a proper reply. " +
	"Could you tell me briefly, once more, what is going on?)"

// ModelReply is the structured payload the model is instructed to return.
type ModelReply struct {
	Phase                 string            `json:"phase"`
	SlotsUpdate           map[string]string `json:"slots_update"`
	Questions             []string          `json:"questions"`
	SelectedActionCardIDs []string          `json:"selected_action_card_ids"`
	Response              string            `json:"response"`
}

// ParseResult is the outcome of a successful parse. UsedFallback marks
// replies recovered by extracting an embedded object from surrounding text
// rather than decoding the full completion.
type ParseResult struct {
	Reply        ModelReply
	UsedFallback bool
}

// ParseReply decodes the model's reply. It first attempts a strict decode
// of the whole text; on failure it extracts the first-{ to last-} span
// (spanning newlines) and decodes that. When neither yields a JSON object
// it returns an error wrapping ErrNoJSON — the caller then treats the raw
// text as the displayed response and leaves slot/phase state untouched.
//
// Individual fields are decoded leniently: a slots_update, questions, or
// selected_action_card_ids of the wrong shape degrades to empty rather
// than failing the whole reply.
func ParseReply(raw string) (ParseResult, error) {
	var result ParseResult

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start == -1 || end <= start {
			return ParseResult{}, fmt.Errorf("parse model reply: %w", ErrNoJSON)
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
			return ParseResult{}, fmt.Errorf("parse extracted span: %w (%v)", ErrNoJSON, err)
		}
		result.UsedFallback = true
	}

	reply := ModelReply{
		Phase:                 stringField(fields["phase"]),
		SlotsUpdate:           stringMapField(fields["slots_update"]),
		Questions:             stringsField(fields["questions"]),
		SelectedActionCardIDs: stringsField(fields["selected_action_card_ids"]),
		Response:              strings.TrimSpace(stringField(fields["response"])),
	}
	if reply.Response == "" {
		reply.Response = ApologyFallback
	}

	result.Reply = reply
	return result, nil
}

func stringField(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func stringsField(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func stringMapField(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	if raw == nil {
		return out
	}
	// Non-string values are skipped rather than failing the update.
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return out
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
