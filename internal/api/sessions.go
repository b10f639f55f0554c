package api

import (
	"log/slog"
	"sync"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/counsel"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/domain"
)

// ActiveSession ties an auth token to its account and conversation state.
type ActiveSession struct {
	Token   string
	User    *domain.User
	Counsel *counsel.Session
}

// SessionRegistry tracks active authenticated sessions by token.
// Conversation state lives only here; removing a session resets the
// user's slots and phase.
type SessionRegistry struct {
	mu     sync.RWMutex
	active map[string]*ActiveSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{active: make(map[string]*ActiveSession)}
}

// Get returns the session for token, or nil.
func (r *SessionRegistry) Get(token string) *ActiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[token]
}

// Register adds a session. An existing session for the same user is
// replaced: signing in again starts a fresh conversation context.
func (r *SessionRegistry) Register(s *ActiveSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, existing := range r.active {
		if existing.User.UserID == s.User.UserID {
			delete(r.active, token)
		}
	}
	r.active[s.Token] = s
	slog.Info("session registered", "user_id", s.User.UserID)
}

// Remove drops the session for token, if any.
func (r *SessionRegistry) Remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[token]; ok {
		delete(r.active, token)
		slog.Info("session removed", "user_id", s.User.UserID)
	}
}

// Len returns the number of active sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
