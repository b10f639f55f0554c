package api

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/counsel"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/turnlog"
)

type chatRequest struct {
	Message string `json:"message"`
}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// HandleChat handles POST /api/chat — one blocking turn. The presentation
// layer disables input while a turn is in flight; a concurrent request for
// the same session is rejected with 409.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	// Probe the turn state before spending rate budget: retries during a
	// long turn should be rejected without counting against the limit.
	if session.Counsel.State() != counsel.TurnIdle {
		Error(w, http.StatusConflict, "the previous message is still being processed")
		return
	}

	if !h.rateLimiter.Allow(session.User.UserID) {
		Error(w, http.StatusTooManyRequests, "too many messages, wait a moment")
		return
	}

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	slog.Info("chat turn started",
		"user_id", session.User.UserID,
		"message_length", len(message),
		"first_turn_today", session.Counsel.FirstTurnToday(),
	)
	h.tlog.Log(turnlog.Event{
		UserID:  session.User.UserID,
		Date:    session.Counsel.Date,
		Kind:    "user_message",
		Content: message,
	})

	result, err := h.orch.Turn(r.Context(), session.Counsel, message)
	if err != nil {
		if errors.Is(err, counsel.ErrTurnInFlight) {
			Error(w, http.StatusConflict, "the previous message is still being processed")
			return
		}
		// Completion service failure: nothing was persisted, no state changed.
		slog.Error("chat turn failed", "user_id", session.User.UserID, "error", err)
		Error(w, http.StatusBadGateway, err.Error())
		return
	}

	kind := "bot_message"
	switch {
	case result.ParseFailed:
		kind = "parse_failure"
	case result.UsedFallback:
		kind = "parse_fallback"
	}
	h.tlog.Log(turnlog.Event{
		UserID:  session.User.UserID,
		Date:    session.Counsel.Date,
		Kind:    kind,
		Phase:   string(result.Phase),
		Content: result.Response,
		Meta: map[string]any{
			"used_fallback": result.UsedFallback,
			"action_cards":  result.ActionCards,
			"questions":     result.Questions,
		},
	})

	resp := map[string]interface{}{
		"response": result.Response,
		"phase":    result.Phase,
	}
	if result.PersistErr != nil {
		slog.Error("failed to save exchange", "user_id", session.User.UserID, "error", result.PersistErr)
		resp["warning"] = "The reply could not be saved: " + result.PersistErr.Error()
	}
	JSON(w, http.StatusOK, resp)
}

// HandleSession handles GET /api/session — everything the page needs to
// render: account, today's date, the phase catalog, the established phase,
// and today's history.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	// Snapshot copies the state under the session lock: this endpoint is
	// polled while a turn is still mutating history and slots.
	history, phase, busy := session.Counsel.Snapshot()

	JSON(w, http.StatusOK, map[string]interface{}{
		"email":   session.User.Email,
		"date":    session.Counsel.Date,
		"phase":   phase,
		"phases":  counsel.PhaseCatalog(),
		"history": history,
		"busy":    busy,
	})
}

// HandleHistoryDates handles GET /api/history/dates. A store failure
// degrades to an empty list with a surfaced error message.
func (h *Handler) HandleHistoryDates(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	dates, err := h.repo.ChatDates(r.Context(), session.User.UserID)
	if err != nil {
		slog.Error("failed to list chat dates", "user_id", session.User.UserID, "error", err)
		JSON(w, http.StatusOK, map[string]interface{}{
			"dates": []string{},
			"error": "Could not load past consultation dates: " + err.Error(),
		})
		return
	}
	if dates == nil {
		dates = []string{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"dates": dates})
}

// HandleHistory handles GET /api/history?date=YYYY-MM-DD. A store failure
// degrades to an empty list with a surfaced error message.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	session := h.requireSession(w, r)
	if session == nil {
		return
	}

	date := r.URL.Query().Get("date")
	if !datePattern.MatchString(date) {
		Error(w, http.StatusBadRequest, "date must look like 2006-01-02")
		return
	}

	rows, err := h.repo.TranscriptsForDate(r.Context(), session.User.UserID, date)
	if err != nil {
		slog.Error("failed to load history", "user_id", session.User.UserID, "date", date, "error", err)
		JSON(w, http.StatusOK, map[string]interface{}{
			"date":  date,
			"rows":  []struct{}{},
			"error": "Could not load the consultation history for this date: " + err.Error(),
		})
		return
	}

	type historyRow struct {
		Time        string `json:"time"`
		UserMessage string `json:"user_message"`
		BotMessage  string `json:"bot_message"`
		Phase       string `json:"phase"`
	}
	out := make([]historyRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, historyRow{
			Time:        row.MessageTime.Format(time.TimeOnly),
			UserMessage: row.UserMessage,
			BotMessage:  row.BotMessage,
			Phase:       row.Phase,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"date": date, "rows": out})
}
