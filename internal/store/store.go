// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/domain"
)

// Repository defines the interface for persisting users and chat transcripts.
type Repository interface {
	// CreateUser inserts a new account. Fails when the email is taken.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUserByEmail retrieves an account by email, or nil when absent.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// InsertTranscript appends one user/bot exchange.
	InsertTranscript(ctx context.Context, row *domain.TranscriptRow) error

	// TranscriptsForDate retrieves all rows for (user, exact date),
	// ordered by message time ascending.
	TranscriptsForDate(ctx context.Context, userID, date string) ([]*domain.TranscriptRow, error)

	// ChatDates retrieves the distinct dates for which the user has any
	// rows, newest first.
	ChatDates(ctx context.Context, userID string) ([]string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
