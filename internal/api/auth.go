package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/identity"
)

type accessRequest struct {
	Password string `json:"password"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RequireGate rejects requests that have not passed the shared-secret gate.
func (h *Handler) RequireGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(identity.GateCookieName)
		if err != nil || !h.gate.Verify(cookie.Value) {
			Error(w, http.StatusUnauthorized, "access password required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleAccess handles POST /api/access — the shared-secret entrance.
func (h *Handler) HandleAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.gate.Unlock(req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrAccessDenied) {
			Error(w, http.StatusUnauthorized, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, "failed to establish access")
		return
	}

	h.setCookie(w, identity.GateCookieName, token, identity.GateCookieMaxAge)
	JSON(w, http.StatusOK, map[string]bool{"granted": true})
}

// HandleSignup handles POST /api/auth/signup.
func (h *Handler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "enter an email address and a password")
		return
	}

	user, err := h.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("account created", "user_id", user.UserID)
	JSON(w, http.StatusCreated, map[string]string{
		"user_id": user.UserID,
		"email":   user.Email,
	})
}

// HandleLogin handles POST /api/auth/login. On success it starts the
// conversation session (today's history loaded, phase restored) and sets
// the session cookie.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "enter an email address and a password")
		return
	}

	user, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			Error(w, http.StatusUnauthorized, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, loadErr := h.orch.StartSession(r.Context(), user.UserID, user.Email)
	warning := ""
	if loadErr != nil {
		// History load failures degrade to an empty transcript.
		slog.Error("failed to load today's history", "user_id", user.UserID, "error", loadErr)
		warning = "Could not load today's conversation history: " + loadErr.Error()
	}

	token, err := identity.NewToken()
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.sessions.Register(&ActiveSession{Token: token, User: user, Counsel: session})
	h.setCookie(w, identity.SessionCookieName, token, identity.SessionCookieMaxAge)

	slog.Info("user signed in", "user_id", user.UserID)
	resp := map[string]interface{}{
		"user_id": user.UserID,
		"email":   user.Email,
		"date":    session.Date,
		"phase":   session.Phase(),
	}
	if warning != "" {
		resp["warning"] = warning
	}
	JSON(w, http.StatusOK, resp)
}

// HandleLogout handles POST /api/auth/logout. The conversation session is
// destroyed: slots and phase reset and are rebuilt at the next login.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(identity.SessionCookieName); err == nil {
		h.sessions.Remove(cookie.Value)
	}
	h.clearCookie(w, identity.SessionCookieName)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// requireSession resolves the active session from the session cookie.
// It writes a 401 and returns nil when there is none.
func (h *Handler) requireSession(w http.ResponseWriter, r *http.Request) *ActiveSession {
	cookie, err := r.Cookie(identity.SessionCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		Error(w, http.StatusUnauthorized, "not signed in")
		return nil
	}
	session := h.sessions.Get(cookie.Value)
	if session == nil {
		Error(w, http.StatusUnauthorized, "session expired, sign in again")
		return nil
	}
	return session
}
