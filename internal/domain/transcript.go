package domain

import (
	"time"
)

// TranscriptRow is one persisted user/bot exchange.
// Rows are append-only; display order is message_time ascending within a date.
type TranscriptRow struct {
	UserID      string    `json:"user_id"`
	ChatDate    string    `json:"chat_date"` // ISO date (2006-01-02)
	MessageTime time.Time `json:"message_time"`
	UserMessage string    `json:"user_message"`
	BotMessage  string    `json:"bot_message"`
	Phase       string    `json:"phase"`
}

// Turn is an in-session user/bot message pair for the current date.
type Turn struct {
	User string `json:"user"`
	Bot  string `json:"bot"`
}
