package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) UpsertChallenge(ctx context.Context, ch *models.Challenge) error {
	query := `
		INSERT INTO challenges
			(chat_id, user_id, id, message_id, variant, correct_token, options,
			 issued_at, expires_at, attempts_remaining, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET
			id = EXCLUDED.id,
			message_id = EXCLUDED.message_id,
			variant = EXCLUDED.variant,
			correct_token = EXCLUDED.correct_token,
			options = EXCLUDED.options,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			attempts_remaining = EXCLUDED.attempts_remaining,
			status = EXCLUDED.status`

	_, err := s.db.ExecContext(ctx, query,
		ch.ChatID, ch.UserID, ch.ID, ch.MessageID, ch.Variant, ch.CorrectToken,
		pq.Array(ch.Options), ch.IssuedAt, ch.ExpiresAt, ch.AttemptsRemaining, ch.Status)
	if err != nil {
		return fmt.Errorf("error upserting challenge: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetChallenge(ctx context.Context, chatID, userID int64) (*models.Challenge, error) {
	query := `
		SELECT chat_id, user_id, id, message_id, variant, correct_token, options,
		       issued_at, expires_at, attempts_remaining, status
		FROM challenges
		WHERE chat_id = $1 AND user_id = $2`

	ch, err := scanChallenge(s.db.QueryRowContext(ctx, query, chatID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying challenge: %w", err)
	}
	return ch, nil
}

func (s *PostgresStorage) SetChallengeMessageID(ctx context.Context, chatID, userID int64, messageID int) error {
	query := `
		UPDATE challenges SET message_id = $3
		WHERE chat_id = $1 AND user_id = $2 AND status = 'pending'`

	if _, err := s.db.ExecContext(ctx, query, chatID, userID, messageID); err != nil {
		return fmt.Errorf("error setting challenge message id: %w", err)
	}
	return nil
}

func (s *PostgresStorage) DecrementAttempts(ctx context.Context, chatID, userID int64) (int, error) {
	query := `
		UPDATE challenges SET attempts_remaining = attempts_remaining - 1
		WHERE chat_id = $1 AND user_id = $2 AND status = 'pending' AND attempts_remaining > 0
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

func (s *PostgresStorage) TransitionChallenge(ctx context.Context, chatID, userID int64, from, to models.ChallengeStatus) (bool, error) {
	query := `
		UPDATE challenges SET status = $4
		WHERE chat_id = $1 AND user_id = $2 AND status = $3`

	result, err := s.db.ExecContext(ctx, query, chatID, userID, from, to)
	if err != nil {
		return false, fmt.Errorf("error transitioning challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStorage) DeleteChallenge(ctx context.Context, chatID, userID int64) error {
	query := `DELETE FROM challenges WHERE chat_id = $1 AND user_id = $2`
	if _, err := s.db.ExecContext(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("error deleting challenge: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ExpireChallenges(ctx context.Context, now time.Time) ([]*models.Challenge, error) {
	query := `
		UPDATE challenges SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING chat_id, user_id, id, message_id, variant, correct_token, options,
		          issued_at, expires_at, attempts_remaining, status`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("error expiring challenges: %w", err)
	}
	defer rows.Close()

	var expired []*models.Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning expired challenge: %w", err)
		}
		expired = append(expired, ch)
	}
	return expired, rows.Err()
}

func (s *PostgresStorage) UpsertWindow(ctx context.Context, w *models.TrackingWindow) error {
	query := `
		INSERT INTO tracking_windows (chat_id, user_id, messages, message_ids, opened_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chat_id, user_id) DO UPDATE SET
			messages = EXCLUDED.messages,
			message_ids = EXCLUDED.message_ids,
			opened_at = EXCLUDED.opened_at,
			expires_at = EXCLUDED.expires_at`

	_, err := s.db.ExecContext(ctx, query,
		w.ChatID, w.UserID, pq.Array(w.Messages), pq.Array(w.MessageIDs), w.OpenedAt, w.ExpiresAt)
	if err != nil {
		return fmt.Errorf("error upserting tracking window: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetWindow(ctx context.Context, chatID, userID int64) (*models.TrackingWindow, error) {
	query := `
		SELECT chat_id, user_id, messages, message_ids, opened_at, expires_at
		FROM tracking_windows
		WHERE chat_id = $1 AND user_id = $2`

	w := &models.TrackingWindow{}
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(
		&w.ChatID, &w.UserID, pq.Array(&w.Messages), pq.Array(&w.MessageIDs), &w.OpenedAt, &w.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying tracking window: %w", err)
	}
	return w, nil
}

func (s *PostgresStorage) AppendWindowMessage(ctx context.Context, chatID, userID int64, text string, messageID int64, limit int) (*models.TrackingWindow, error) {
	query := `
		UPDATE tracking_windows
		SET messages = array_append(messages, $3),
		    message_ids = array_append(message_ids, $4)
		WHERE chat_id = $1 AND user_id = $2 AND cardinality(messages) < $5
		RETURNING chat_id, user_id, messages, message_ids, opened_at, expires_at`

	w := &models.TrackingWindow{}
	err := s.db.QueryRowContext(ctx, query, chatID, userID, text, messageID, limit).Scan(
		&w.ChatID, &w.UserID, pq.Array(&w.Messages), pq.Array(&w.MessageIDs), &w.OpenedAt, &w.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error appending window message: %w", err)
	}
	return w, nil
}

func (s *PostgresStorage) DeleteWindow(ctx context.Context, chatID, userID int64) error {
	query := `DELETE FROM tracking_windows WHERE chat_id = $1 AND user_id = $2`
	if _, err := s.db.ExecContext(ctx, query, chatID, userID); err != nil {
		return fmt.Errorf("error deleting tracking window: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ExpireWindows(ctx context.Context, now time.Time) ([]models.ChatUser, error) {
	query := `
		DELETE FROM tracking_windows
		WHERE expires_at <= $1
		RETURNING chat_id, user_id`

	rows, err := s.db.QueryContext(ctx, query, now)
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

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*models.Challenge, error) {
	ch := &models.Challenge{}
	err := row.Scan(
		&ch.ChatID, &ch.UserID, &ch.ID, &ch.MessageID, &ch.Variant, &ch.CorrectToken,
		pq.Array(&ch.Options), &ch.IssuedAt, &ch.ExpiresAt, &ch.AttemptsRemaining, &ch.Status)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
