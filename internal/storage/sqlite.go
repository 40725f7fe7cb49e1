package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

// SQLiteStorage implements Storage on a single local database file.
// Timestamps are stored as unix seconds and ordered collections as
// JSON text, since SQLite has no native array type.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	// WAL keeps the sweeper and event handlers from starving each other.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &SQLiteStorage{db: db}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) initializeSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS challenges (
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		id TEXT NOT NULL,
		message_id INTEGER NOT NULL DEFAULT 0,
		variant TEXT NOT NULL,
		correct_token TEXT NOT NULL,
		options TEXT NOT NULL,
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		attempts_remaining INTEGER NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_challenges_pending_expiry
		ON challenges (expires_at) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS tracking_windows (
		chat_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		messages TEXT NOT NULL DEFAULT '[]',
		message_ids TEXT NOT NULL DEFAULT '[]',
		opened_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tracking_windows_expiry
		ON tracking_windows (expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("error creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertChallenge(ctx context.Context, ch *models.Challenge) error {
	options, err := json.Marshal(ch.Options)
	if err != nil {
		return fmt.Errorf("error encoding options: %w", err)
	}

	query := `
		INSERT INTO challenges
			(chat_id, user_id, id, message_id, variant, correct_token, options,
			 issued_at, expires_at, attempts_remaining, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET
			id = excluded.id,
			message_id = excluded.message_id,
			variant = excluded.variant,
			correct_token = excluded.correct_token,
			options = excluded.options,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			attempts_remaining = excluded.attempts_remaining,
			status = excluded.status`

	_, err = s.db.ExecContext(ctx, query,
		ch.ChatID, ch.UserID, ch.ID, ch.MessageID, ch.Variant, ch.CorrectToken,
		string(options), ch.IssuedAt.Unix(), ch.ExpiresAt.Unix(), ch.AttemptsRemaining, ch.Status)
	if err != nil {
		return fmt.Errorf("error upserting challenge: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetChallenge(ctx context.Context, chatID, userID int64) (*models.Challenge, error) {
	query := `
		SELECT chat_id, user_id, id, message_id, variant, correct_token, options,
		       issued_at, expires_at, attempts_remaining, status
		FROM challenges
		WHERE chat_id = ? AND user_id = ?`

	ch, err := scanSQLiteChallenge(s.db.QueryRowContext(ctx, query, chatID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying challenge: %w", err)
	}
	return ch, nil
}

func (s *SQLiteStorage) SetChallengeMessageID(ctx context.Context, chatID, userID int64, messageID int) error {
	query := `
		UPDATE challenges SET message_id = ?
		WHERE chat_id = ? AND user_id = ? AND status = 'pending'`

	if _, err := s.db.ExecContext(ctx, query, messageID, chatID, userID); err != nil {
		return fmt.Errorf("error setting challenge message id: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DecrementAttempts(ctx context.Context, chatID, userID int64) (int, error) {
	query := `
		UPDATE challenges SET attempts_remaining = attempts_remaining - 1
		WHERE chat_id = ? AND user_id = ? AND status = 'pending' AND attempts_remaining > 0
		RETURNING attempts_remaining`

	var remaining int
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("error decrementing attempts: %w", err)
	}
	return remaining, nil
}

func (s *SQLiteStorage) TransitionChallenge(ctx context.Context, chatID, userID int64, from, to models.ChallengeStatus) (bool, error) {
	query := `
		UPDATE challenges SET status = ?
		WHERE chat_id = ? AND user_id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query, to, chatID, userID, from)
	if err != nil {
		return false, fmt.Errorf("error transitioning challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) DeleteChallenge(ctx context.Context, chatID, userID int64) error {
	query := `DELETE FROM challenges WHERE chat_id = ? AND user_id = ?`
	if _, err := s.db.ExecContext(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("error deleting challenge: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ExpireChallenges(ctx context.Context, now time.Time) ([]*models.Challenge, error) {
	query := `
		UPDATE challenges SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= ?
		RETURNING chat_id, user_id, id, message_id, variant, correct_token, options,
		          issued_at, expires_at, attempts_remaining, status`

	rows, err := s.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("error expiring challenges: %w", err)
	}
	defer rows.Close()

	var expired []*models.Challenge
	for rows.Next() {
		ch, err := scanSQLiteChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning expired challenge: %w", err)
		}
		expired = append(expired, ch)
	}
	return expired, rows.Err()
}

func (s *SQLiteStorage) UpsertWindow(ctx context.Context, w *models.TrackingWindow) error {
	messages, err := json.Marshal(w.Messages)
	if err != nil {
		return fmt.Errorf("error encoding messages: %w", err)
	}
	messageIDs, err := json.Marshal(w.MessageIDs)
	if err != nil {
		return fmt.Errorf("error encoding message ids: %w", err)
	}

	query := `
		INSERT INTO tracking_windows (chat_id, user_id, messages, message_ids, opened_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET
			messages = excluded.messages,
			message_ids = excluded.message_ids,
			opened_at = excluded.opened_at,
			expires_at = excluded.expires_at`

	_, err = s.db.ExecContext(ctx, query,
		w.ChatID, w.UserID, string(messages), string(messageIDs), w.OpenedAt.Unix(), w.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("error upserting tracking window: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetWindow(ctx context.Context, chatID, userID int64) (*models.TrackingWindow, error) {
	query := `
		SELECT chat_id, user_id, messages, message_ids, opened_at, expires_at
		FROM tracking_windows
		WHERE chat_id = ? AND user_id = ?`

	w, err := scanSQLiteWindow(s.db.QueryRowContext(ctx, query, chatID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying tracking window: %w", err)
	}
	return w, nil
}

func (s *SQLiteStorage) AppendWindowMessage(ctx context.Context, chatID, userID int64, text string, messageID int64, limit int) (*models.TrackingWindow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT chat_id, user_id, messages, message_ids, opened_at, expires_at
		FROM tracking_windows
		WHERE chat_id = ? AND user_id = ?`

	w, err := scanSQLiteWindow(tx.QueryRowContext(ctx, query, chatID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying tracking window: %w", err)
	}

	if len(w.Messages) >= limit {
		return nil, ErrNotFound
	}
	w.Messages = append(w.Messages, text)
	w.MessageIDs = append(w.MessageIDs, messageID)

	messages, err := json.Marshal(w.Messages)
	if err != nil {
		return nil, fmt.Errorf("error encoding messages: %w", err)
	}
	messageIDs, err := json.Marshal(w.MessageIDs)
	if err != nil {
		return nil, fmt.Errorf("error encoding message ids: %w", err)
	}

	update := `UPDATE tracking_windows SET messages = ?, message_ids = ? WHERE chat_id = ? AND user_id = ?`
	if _, err := tx.ExecContext(ctx, update, string(messages), string(messageIDs), chatID, userID); err != nil {
		return nil, fmt.Errorf("error appending window message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing append: %w", err)
	}
	return w, nil
}

func (s *SQLiteStorage) DeleteWindow(ctx context.Context, chatID, userID int64) error {
	query := `DELETE FROM tracking_windows WHERE chat_id = ? AND user_id = ?`
	if _, err := s.db.ExecContext(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("error deleting tracking window: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ExpireWindows(ctx context.Context, now time.Time) ([]models.ChatUser, error) {
	query := `
		DELETE FROM tracking_windows
		WHERE expires_at <= ?
		RETURNING chat_id, user_id`

	rows, err := s.db.QueryContext(ctx, query, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("error expiring tracking windows: %w", err)
	}
	defer rows.Close()

	var expired []models.ChatUser
	for rows.Next() {
		var key models.ChatUser
		if err := rows.Scan(&key.ChatID, &key.UserID); err != nil {
			return nil, fmt.Errorf("error scanning expired window: %w", err)
		}
		expired = append(expired, key)
	}
	return expired, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func scanSQLiteChallenge(row rowScanner) (*models.Challenge, error) {
	ch := &models.Challenge{}
	var options string
	var issuedAt, expiresAt int64

	err := row.Scan(
		&ch.ChatID, &ch.UserID, &ch.ID, &ch.MessageID, &ch.Variant, &ch.CorrectToken,
		&options, &issuedAt, &expiresAt, &ch.AttemptsRemaining, &ch.Status)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(options), &ch.Options); err != nil {
		return nil, fmt.Errorf("error decoding options: %w", err)
	}
	ch.IssuedAt = time.Unix(issuedAt, 0)
	ch.ExpiresAt = time.Unix(expiresAt, 0)
	return ch, nil
}

func scanSQLiteWindow(row rowScanner) (*models.TrackingWindow, error) {
	w := &models.TrackingWindow{}
	var messages, messageIDs string
	var openedAt, expiresAt int64

	err := row.Scan(&w.ChatID, &w.UserID, &messages, &messageIDs, &openedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(messages), &w.Messages); err != nil {
		return nil, fmt.Errorf("error decoding messages: %w", err)
	}
	if err := json.Unmarshal([]byte(messageIDs), &w.MessageIDs); err != nil {
		return nil, fmt.Errorf("error decoding message ids: %w", err)
	}
	w.OpenedAt = time.Unix(openedAt, 0)
	w.ExpiresAt = time.Unix(expiresAt, 0)
	return w, nil
}
