package counsel

import (
	"fmt"
	"strings"

	"github.com/lithammer/dedent"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/knowledge"
)

// userTurnPrefix marks client utterances in the completion message list so
// the model can tell them apart from its own prior replies.
const userTurnPrefix = "Message from the client: "

var promptPolicy = strings.TrimSpace(dedent.Dedent(`
	You are a specialist in supporting people affected by school refusal and social withdrawal.
	Empathize with the client, never blame them, put safety first, and propose realistic, concrete next steps.
	Ground every reply in the knowledge base (phases / compass principles / key scenes / slot schema / action cards).

	Rules:
	- Reply with JSON only. Write no explanation, annotation, Markdown, or code fences outside the JSON body.
	- Never fill slots by guessing. When the evidence is weak, leave the slot "unknown".
	- Always end the reply with one or two concrete clarifying questions.
	- Those questions must lead directly into the next support decision.
	- Write the questions as natural conversational sentences inside the response field, not as a list.
	- Select at most three action cards.
	- Questions and selected action cards are not displayed anywhere outside the reply text, so always fold them naturally into the response itself (ask the questions mid-text, describe the support measures as concrete steps).
	- When there is a plausible sign of urgency, prioritize confirming the client's safety.
	- Do not stop at abstract principles.
	- Always offer at least two concrete example phrasings the client can use.
	- Always offer at least two small, incremental next steps (middle options, not all-or-nothing).
	- Use wording the client can reuse as-is tomorrow.
	- Avoid imperative or absolute phrasing.
	- Balance practicality with reassurance.
`))

var promptReplyShape = strings.TrimSpace(dedent.Dedent(`
	The JSON you return has exactly this shape:
	{
	  "phase": "phase_1|phase_2|phase_3|phase_4",
	  "slots_update": { "SLOT_KEY": "VALUE", "...": "..." },
	  "questions": ["question 1", "question 2"],
	  "selected_action_card_ids": ["AC_...", "AC_..."],
	  "response": "the reply to the client (include the clarifying questions, the concrete support, and the next small step all inside this text)"
	}
`))

// PromptBuilder composes the per-turn system instruction block from the
// fixed policy, the phase-inference clause, the current slot state, and
// the knowledge document.
type PromptBuilder struct {
	doc *knowledge.Document
}

// NewPromptBuilder creates a builder over the loaded knowledge document.
func NewPromptBuilder(doc *knowledge.Document) *PromptBuilder {
	return &PromptBuilder{doc: doc}
}

// Build renders the system prompt. When locked is false the model is asked
// to infer one of the four phases from this message; when true it is told
// the phase is fixed and must not be re-inferred.
func (b *PromptBuilder) Build(locked bool, fixed Phase, slots SlotState) string {
	var sb strings.Builder

	sb.WriteString(promptPolicy)
	sb.WriteString("\n\n")

	if locked {
		fmt.Fprintf(&sb, "Today's phase is fixed to %s. Do not re-infer it.\n", fixed)
	} else {
		sb.WriteString("This is the first consultation of the day. Infer exactly one phase, phase_1 through phase_4, from the client's message.\n")
	}
	sb.WriteString("\n")

	sb.WriteString(promptReplyShape)
	sb.WriteString("\n\n")

	sb.WriteString("Current slots (known information):\n")
	sb.WriteString(slots.Snapshot())
	sb.WriteString("\n\n")

	sb.WriteString("Knowledge base:\n")
	sb.WriteString(b.doc.Raw())

	return sb.String()
}
