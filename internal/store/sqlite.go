package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		chat_date TEXT NOT NULL,
		message_time INTEGER NOT NULL,
		user_message TEXT NOT NULL,
		bot_message TEXT NOT NULL,
		phase TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_user_chats_user_date
		ON user_chats(user_id, chat_date, message_time);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts a new account.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	query := `INSERT INTO users (user_id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Email, user.PasswordHash, user.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("an account with this email already exists")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail retrieves an account by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT user_id, email, password_hash, created_at FROM users WHERE email = ?`

	row := s.db.QueryRowContext(ctx, query, email)

	var user domain.User
	var createdAt int64
	err := row.Scan(&user.UserID, &user.Email, &user.PasswordHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

// InsertTranscript appends one exchange. SQLITE_BUSY conflicts are retried
// with exponential backoff before the failure is surfaced.
func (s *SQLiteStore) InsertTranscript(ctx context.Context, row *domain.TranscriptRow) error {
	query := `
		INSERT INTO user_chats (user_id, chat_date, message_time, user_message, bot_message, phase)
		VALUES (?, ?, ?, ?, ?, ?)`

	insert := func() error {
		_, err := s.db.ExecContext(ctx, query,
			row.UserID, row.ChatDate, row.MessageTime.Unix(),
			row.UserMessage, row.BotMessage, row.Phase,
		)
		return err
	}

	if err := withBusyRetry(ctx, insert); err != nil {
		return fmt.Errorf("insert transcript row: %w", err)
	}
	return nil
}

// TranscriptsForDate retrieves all rows for (user, date), time ascending.
func (s *SQLiteStore) TranscriptsForDate(ctx context.Context, userID, date string) ([]*domain.TranscriptRow, error) {
	query := `
		SELECT user_id, chat_date, message_time, user_message, bot_message, phase
		FROM user_chats
		WHERE user_id = ? AND chat_date = ?
		ORDER BY message_time ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, date)
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var out []*domain.TranscriptRow
	for rows.Next() {
		var row domain.TranscriptRow
		var messageTime int64
		if err := rows.Scan(
			&row.UserID, &row.ChatDate, &messageTime,
			&row.UserMessage, &row.BotMessage, &row.Phase,
		); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		row.MessageTime = time.Unix(messageTime, 0)
		out = append(out, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}

// ChatDates retrieves the distinct dates with any rows, newest first.
func (s *SQLiteStore) ChatDates(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT chat_date FROM user_chats
		WHERE user_id = ?
		ORDER BY chat_date DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query chat dates: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat date rows", "error", closeErr)
		}
	}()

	var dates []string
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("scan chat date: %w", err)
		}
		dates = append(dates, date)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat dates: %w", err)
	}
	return dates, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
