// Package api provides the HTTP handlers for the counseling chat service.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/config"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/counsel"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/identity"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/store"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/turnlog"
)

// maxRequestBodySize caps request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler serves the chat API.
type Handler struct {
	repo        store.Repository
	orch        *counsel.Orchestrator
	gate        *identity.Gate
	auth        *identity.Authenticator
	sessions    *SessionRegistry
	rateLimiter *RateLimiter
	tlog        turnlog.Logger
	frontendURL string
}

// NewHandler creates a Handler with its collaborators.
func NewHandler(repo store.Repository, orch *counsel.Orchestrator, gate *identity.Gate, auth *identity.Authenticator, tlog turnlog.Logger, cfg *config.Config) *Handler {
	if tlog == nil {
		tlog = turnlog.Noop()
	}
	return &Handler{
		repo:        repo,
		orch:        orch,
		gate:        gate,
		auth:        auth,
		sessions:    NewSessionRegistry(),
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		tlog:        tlog,
		frontendURL: cfg.FrontendURL,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/access", h.HandleAccess)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireGate)
		r.Post("/api/auth/signup", h.HandleSignup)
		r.Post("/api/auth/login", h.HandleLogin)
		r.Post("/api/auth/logout", h.HandleLogout)
		r.Get("/api/session", h.HandleSession)
		r.Post("/api/chat", h.HandleChat)
		r.Get("/api/history/dates", h.HandleHistoryDates)
		r.Get("/api/history", h.HandleHistory)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a bounded request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// isDevelopment returns true if running in development mode.
func (h *Handler) isDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return h.frontendURL == "" ||
		strings.Contains(h.frontendURL, "localhost") ||
		strings.Contains(h.frontendURL, "127.0.0.1")
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !h.isDevelopment(),
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !h.isDevelopment(),
	})
}
