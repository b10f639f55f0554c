package counsel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/domain"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/knowledge"
)

const dateLayout = "2006-01-02"

// ErrTurnInFlight is returned when a turn is requested while a previous
// turn for the same session is still being processed.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// TurnState names the stages a session moves through while processing
// one turn. A session outside a turn is Idle.
type TurnState string

const (
	TurnIdle               TurnState = "idle"
	TurnBuilding           TurnState = "building"
	TurnAwaitingCompletion TurnState = "awaiting_completion"
	TurnParsing            TurnState = "parsing"
	TurnPersisting         TurnState = "persisting"
)

// TranscriptStore is the narrow persistence surface the orchestrator needs.
// store.Repository satisfies it.
type TranscriptStore interface {
	InsertTranscript(ctx context.Context, row *domain.TranscriptRow) error
	TranscriptsForDate(ctx context.Context, userID, date string) ([]*domain.TranscriptRow, error)
}

// Session holds all mutable per-user conversation state: today's history,
// the slot state, and the phase tracker. It is created when an
// authenticated session starts and destroyed at logout; no state is shared
// across sessions. turnMu serializes turns so at most one is in flight;
// mu guards Slots, Tracker, History, and the turn state, because the
// session endpoint polls them while a turn is still running. Concurrent
// readers go through the accessor methods.
type Session struct {
	UserID  string
	Email   string
	Date    string
	Slots   SlotState
	Tracker PhaseTracker
	History []domain.Turn

	turnMu sync.Mutex
	mu     sync.Mutex
	state  TurnState
}

// FirstTurnToday reports whether phase inference is permitted this turn:
// true iff today's history is empty or no phase has been established yet.
func (s *Session) FirstTurnToday() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstTurnLocked()
}

func (s *Session) firstTurnLocked() bool {
	return len(s.History) == 0 || !s.Tracker.Established()
}

// Phase returns the phase established for today, or "".
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Tracker.Current()
}

// Snapshot returns a copy of today's history together with the current
// phase and whether a turn is in flight. Safe to call mid-turn.
func (s *Session) Snapshot() ([]domain.Turn, Phase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]domain.Turn, len(s.History))
	copy(history, s.History)
	return history, s.Tracker.Current(), s.state != TurnIdle
}

// State returns the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st TurnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) appendTurn(user, bot string) {
	s.mu.Lock()
	s.History = append(s.History, domain.Turn{User: user, Bot: bot})
	s.mu.Unlock()
}

// TurnResult is what one completed turn produced.
type TurnResult struct {
	Response     string
	Phase        Phase
	ParseFailed  bool
	UsedFallback bool
	Questions    []string
	ActionCards  []string
	// PersistErr carries a transcript insert failure. The turn still
	// succeeded; the in-memory updates stand and the caller surfaces a
	// warning.
	PersistErr error
}

// Orchestrator runs turns: it builds the prompt, calls the completion
// service, applies the parsed reply to session state, and persists the
// exchange.
type Orchestrator struct {
	doc     *knowledge.Document
	prompts *PromptBuilder
	llm     Completer
	store   TranscriptStore
	now     func() time.Time
}

// NewOrchestrator wires the conversation core to its collaborators.
func NewOrchestrator(doc *knowledge.Document, llm Completer, store TranscriptStore) *Orchestrator {
	return &Orchestrator{
		doc:     doc,
		prompts: NewPromptBuilder(doc),
		llm:     llm,
		store:   store,
		now:     time.Now,
	}
}

// StartSession creates the session object for an authenticated user and
// reconstructs today's history from the transcript store. A store failure
// degrades to an empty history: the session is still returned together
// with the error so the caller can surface a warning.
func (o *Orchestrator) StartSession(ctx context.Context, userID, email string) (*Session, error) {
	s := &Session{
		UserID: userID,
		Email:  email,
		Date:   o.now().Format(dateLayout),
		Slots:  DefaultSlots(o.doc.SlotSchema),
		state:  TurnIdle,
	}

	rows, err := o.store.TranscriptsForDate(ctx, userID, s.Date)
	if err != nil {
		return s, fmt.Errorf("load today's transcript: %w", err)
	}
	for _, row := range rows {
		s.History = append(s.History, domain.Turn{User: row.UserMessage, Bot: row.BotMessage})
		s.Tracker.Restore(row.Phase)
	}
	return s, nil
}

// Turn processes one user message to completion:
// Idle -> Building -> AwaitingCompletion -> Parsing -> Persisting -> Idle.
//
// A completion failure aborts the turn with no state mutation and nothing
// persisted. A parse failure is degraded-but-handled: the raw completion
// text becomes the displayed and persisted bot message, tagged with the
// last established phase (or the default), and slots/phase stay untouched.
func (o *Orchestrator) Turn(ctx context.Context, s *Session, userMessage string) (TurnResult, error) {
	if !s.turnMu.TryLock() {
		return TurnResult{}, ErrTurnInFlight
	}
	defer s.turnMu.Unlock()
	defer s.setState(TurnIdle)

	s.setState(TurnBuilding)
	s.mu.Lock()
	firstToday := s.firstTurnLocked()
	system := o.prompts.Build(!firstToday, s.Tracker.Current(), s.Slots)
	history := make([]domain.Turn, len(s.History))
	copy(history, s.History)
	s.mu.Unlock()

	messages := make([]Message, 0, 2*len(history)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	for _, turn := range history {
		messages = append(messages, Message{Role: RoleUser, Content: userTurnPrefix + turn.User})
		messages = append(messages, Message{Role: RoleAssistant, Content: turn.Bot})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userTurnPrefix + userMessage})

	s.setState(TurnAwaitingCompletion)
	raw, err := o.llm.Complete(ctx, messages)
	if err != nil {
		return TurnResult{}, fmt.Errorf("completion service: %w", err)
	}

	s.setState(TurnParsing)
	parsed, parseErr := ParseReply(raw)
	if parseErr != nil {
		slog.Warn("model reply was not parseable, using raw text",
			"user_id", s.UserID, "error", parseErr)
		phase := s.Phase()
		if phase == "" {
			phase = PhaseDefault
		}
		result := TurnResult{Response: raw, Phase: phase, ParseFailed: true}
		result.PersistErr = o.persist(ctx, s, userMessage, raw, phase)
		s.appendTurn(userMessage, raw)
		return result, nil
	}

	s.mu.Lock()
	if firstToday {
		s.Tracker.Establish(parsed.Reply.Phase)
	}
	phaseForRow := s.Tracker.Current()
	if phaseForRow == "" {
		phaseForRow = NormalizePhase(parsed.Reply.Phase)
	}
	s.Slots.Merge(o.doc.SlotSchema, parsed.Reply.SlotsUpdate)
	s.mu.Unlock()

	result := TurnResult{
		Response:     parsed.Reply.Response,
		Phase:        phaseForRow,
		UsedFallback: parsed.UsedFallback,
		Questions:    parsed.Reply.Questions,
		ActionCards:  parsed.Reply.SelectedActionCardIDs,
	}
	result.PersistErr = o.persist(ctx, s, userMessage, result.Response, phaseForRow)
	s.appendTurn(userMessage, result.Response)
	return result, nil
}

func (o *Orchestrator) persist(ctx context.Context, s *Session, userMessage, botMessage string, phase Phase) error {
	s.setState(TurnPersisting)
	row := &domain.TranscriptRow{
		UserID:      s.UserID,
		ChatDate:    s.Date,
		MessageTime: o.now(),
		UserMessage: userMessage,
		BotMessage:  botMessage,
		Phase:       string(phase),
	}
	if err := o.store.InsertTranscript(ctx, row); err != nil {
		return fmt.Errorf("save exchange: %w", err)
	}
	return nil
}
