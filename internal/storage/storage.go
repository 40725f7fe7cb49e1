package storage

import (
	"context"
	"errors"
	"time"

	"github.com/askarov/gatekeeper-bot/internal/models"
)

// ErrNotFound is returned when no row exists for the requested key, or
// when a conditional mutation found the row in a different state than
// required. Callers treat it as a tolerated no-op for stale events.
var ErrNotFound = errors.New("storage: not found")

// Storage is the durable home of challenges and tracking windows. All
// mutations are atomic per (chat, user) key: a conditional update that
// loses a race observes ErrNotFound or a false CAS result rather than
// overwriting a terminal transition committed by another writer.
type Storage interface {
	// UpsertChallenge creates or fully replaces the challenge for the
	// key. A replace restarts the clock and the attempt budget.
	UpsertChallenge(ctx context.Context, ch *models.Challenge) error

	GetChallenge(ctx context.Context, chatID, userID int64) (*models.Challenge, error)

	// SetChallengeMessageID records the delivered prompt's message id
	// without touching status or attempts. No-op on a non-pending row.
	SetChallengeMessageID(ctx context.Context, chatID, userID int64, messageID int) error

	// DecrementAttempts atomically decrements attempts_remaining on a
	// pending challenge and returns the new value. ErrNotFound if the
	// challenge is absent, terminal, or already at zero.
	DecrementAttempts(ctx context.Context, chatID, userID int64) (int, error)

	// TransitionChallenge moves the challenge from one status to
	// another. Returns false when the row is absent or no longer in
	// the expected source status (another writer won the race).
	TransitionChallenge(ctx context.Context, chatID, userID int64, from, to models.ChallengeStatus) (bool, error)

	DeleteChallenge(ctx context.Context, chatID, userID int64) error

	// ExpireChallenges transitions every pending challenge with
	// expires_at <= now to expired and returns the affected rows.
	ExpireChallenges(ctx context.Context, now time.Time) ([]*models.Challenge, error)

	UpsertWindow(ctx context.Context, w *models.TrackingWindow) error

	GetWindow(ctx context.Context, chatID, userID int64) (*models.TrackingWindow, error)

	// AppendWindowMessage atomically appends one message's text and id
	// to the window unless it already holds limit messages, returning
	// the updated window. ErrNotFound when the window is absent or
	// already full.
	AppendWindowMessage(ctx context.Context, chatID, userID int64, text string, messageID int64, limit int) (*models.TrackingWindow, error)

	DeleteWindow(ctx context.Context, chatID, userID int64) error

	// ExpireWindows removes every window with expires_at <= now and
	// returns the keys that were dropped.
	ExpireWindows(ctx context.Context, now time.Time) ([]models.ChatUser, error)

	Close() error
}
