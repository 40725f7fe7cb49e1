package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/analyzer"
	"github.com/askarov/gatekeeper-bot/internal/models"
	"github.com/askarov/gatekeeper-bot/internal/storage"
)

// ErrNoWindow is returned when no tracking window is open for the key:
// the user was never tracked, already classified, or already reaped.
var ErrNoWindow = errors.New("tracker: no open window")

type Config struct {
	// WindowSize is the number of messages collected before the batch
	// is handed to the analyzer.
	WindowSize int
	// Duration is the absolute lifetime of a window. A user who sends
	// fewer than WindowSize messages within it is dropped unclassified.
	Duration time.Duration
	// ClassifyTimeout bounds the analyzer call so a slow provider
	// never stalls event handling.
	ClassifyTimeout time.Duration
}

// Tracker accumulates a bounded window of a verified user's messages
// and requests classification once the window fills. Like the
// challenge manager it is stateless between calls.
type Tracker struct {
	store    storage.Storage
	analyzer analyzer.Analyzer
	cfg      Config
	logger   *zap.Logger

	now func() time.Time
}

const defaultClassifyTimeout = 30 * time.Second

func New(store storage.Storage, a analyzer.Analyzer, cfg Config, logger *zap.Logger) *Tracker {
	// A zero timeout would expire the classify context immediately and
	// silently fail every window open.
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = defaultClassifyTimeout
	}
	return &Tracker{
		store:    store,
		analyzer: a,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Open starts surveillance for a freshly verified user. An existing
// window for the pair is replaced.
func (t *Tracker) Open(ctx context.Context, chatID, userID int64) error {
	now := t.now()
	w := &models.TrackingWindow{
		ChatID:     chatID,
		UserID:     userID,
		Messages:   []string{},
		MessageIDs: []int64{},
		OpenedAt:   now,
		ExpiresAt:  now.Add(t.cfg.Duration),
	}
	if err := t.store.UpsertWindow(ctx, w); err != nil {
		return fmt.Errorf("failed to open tracking window: %w", err)
	}
	t.logger.Info("Tracking window opened",
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID),
		zap.Time("expires_at", w.ExpiresAt))
	return nil
}

// Append records one message. When the window reaches its size the
// batch is classified exactly once and the window is destroyed, whatever
// the analyzer says or fails to say. Returns VerdictNone while the
// window is still accumulating, ErrNoWindow when none is open. On seal
// the ids of the batched messages are returned so the caller can remove
// them all on a spam verdict.
func (t *Tracker) Append(ctx context.Context, chatID, userID int64, text string, messageID int) (models.Verdict, []int64, error) {
	w, err := t.store.AppendWindowMessage(ctx, chatID, userID, text, int64(messageID), t.cfg.WindowSize)
	if errors.Is(err, storage.ErrNotFound) {
		return models.VerdictNone, nil, ErrNoWindow
	}
	if err != nil {
		return models.VerdictNone, nil, fmt.Errorf("failed to append message: %w", err)
	}

	if len(w.Messages) < t.cfg.WindowSize {
		return models.VerdictNone, nil, nil
	}

	verdict := t.classify(ctx, w)

	if err := t.store.DeleteWindow(ctx, chatID, userID); err != nil {
		t.logger.Error("Failed to delete sealed tracking window",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
	}

	return verdict, w.MessageIDs, nil
}

// classify runs the sealed window through the analyzer with a bounded
// timeout. Fail open: any analyzer failure yields a benign verdict so
// an outage never punishes verified users.
func (t *Tracker) classify(ctx context.Context, w *models.TrackingWindow) models.Verdict {
	cctx, cancel := context.WithTimeout(ctx, t.cfg.ClassifyTimeout)
	defer cancel()

	verdict, err := t.analyzer.Classify(cctx, w.Messages)
	if err != nil {
		t.logger.Warn("Content analysis failed, treating as benign",
			zap.Error(err),
			zap.Int64("chat_id", w.ChatID),
			zap.Int64("user_id", w.UserID))
		return models.VerdictBenign
	}

	t.logger.Info("Tracking window classified",
		zap.Int64("chat_id", w.ChatID),
		zap.Int64("user_id", w.UserID),
		zap.String("verdict", string(verdict)))
	return verdict
}

// ExpireStale destroys windows past their absolute deadline without
// classifying. Too few messages in time means benign by default: the
// user already passed verification.
func (t *Tracker) ExpireStale(ctx context.Context, now time.Time) ([]models.ChatUser, error) {
	expired, err := t.store.ExpireWindows(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale windows: %w", err)
	}
	if len(expired) > 0 {
		t.logger.Info("Expired stale tracking windows", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// Discard drops the window for (chat, user), if any. Used when the
// user leaves or is banned.
func (t *Tracker) Discard(ctx context.Context, chatID, userID int64) error {
	return t.store.DeleteWindow(ctx, chatID, userID)
}
