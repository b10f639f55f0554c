// Package counsel implements the counseling conversation core: slot state,
// phase tracking, prompt construction, reply parsing, and the per-turn
// orchestration that ties them to the completion and transcript collaborators.
package counsel

// Phase is one of four ordinal categories describing the inferred stage of
// the client's situation. Once established for a calendar day it is locked
// for the remainder of that day.
type Phase string

const (
	PhaseWithdrawal Phase = "phase_1"
	PhaseWavering   Phase = "phase_2"
	PhaseSeeking    Phase = "phase_3"
	PhaseTurning    Phase = "phase_4"

	// PhaseDefault is used when the model proposes an unrecognized phase.
	PhaseDefault = PhaseWithdrawal
)

var phaseLabels = []struct {
	ID    Phase
	Label string
}{
	{PhaseWithdrawal, "Phase 1: Withdrawal (shut in, feeling empty)"},
	{PhaseWavering, "Phase 2: Wavering (wanting contact but anxious)"},
	{PhaseSeeking, "Phase 3: Seeking (exploring connection and meaning)"},
	{PhaseTurning, "Phase 4: Turning (shifting values, restarting)"},
}

// PhaseInfo pairs a phase identifier with its display label.
type PhaseInfo struct {
	ID    Phase  `json:"id"`
	Label string `json:"label"`
}

// PhaseCatalog returns the four phases in order with display labels.
func PhaseCatalog() []PhaseInfo {
	out := make([]PhaseInfo, 0, len(phaseLabels))
	for _, p := range phaseLabels {
		out = append(out, PhaseInfo{ID: p.ID, Label: p.Label})
	}
	return out
}

// NormalizePhase maps an arbitrary candidate string to a valid phase,
// defaulting to the first phase when the candidate is not recognized.
func NormalizePhase(candidate string) Phase {
	switch Phase(candidate) {
	case PhaseWithdrawal, PhaseWavering, PhaseSeeking, PhaseTurning:
		return Phase(candidate)
	}
	return PhaseDefault
}

// PhaseTracker holds the phase established for the current calendar day.
// The zero value has no phase established.
type PhaseTracker struct {
	current Phase
}

// Established reports whether a phase has been set for today.
func (t *PhaseTracker) Established() bool {
	return t.current != ""
}

// Current returns the established phase, or "" when none is set.
func (t *PhaseTracker) Current() Phase {
	return t.current
}

// Establish normalizes candidate and locks it in for the rest of the day.
// Calling it again the same day is a no-op that returns the locked phase.
func (t *PhaseTracker) Establish(candidate string) Phase {
	if t.current != "" {
		return t.current
	}
	t.current = NormalizePhase(candidate)
	return t.current
}

// Restore sets the phase from a persisted transcript row without
// normalization side effects beyond the usual mapping. Used when
// reconstructing session state from today's first stored row.
func (t *PhaseTracker) Restore(candidate string) {
	if t.current != "" || candidate == "" {
		return
	}
	t.current = NormalizePhase(candidate)
}
