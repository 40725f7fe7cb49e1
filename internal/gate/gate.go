package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/challenge"
	"github.com/askarov/gatekeeper-bot/internal/health"
	"github.com/askarov/gatekeeper-bot/internal/messages"
	"github.com/askarov/gatekeeper-bot/internal/models"
	"github.com/askarov/gatekeeper-bot/internal/storage"
	"github.com/askarov/gatekeeper-bot/internal/tracker"
)

// Platform is the chat platform's action surface. Implementations must
// be idempotent-tolerant: an action that already happened (user gone,
// message deleted) is reported as success, not an error.
type Platform interface {
	Restrict(ctx context.Context, chatID, userID int64) error
	Unrestrict(ctx context.Context, chatID, userID int64) error
	// Ban permanently removes the user from the chat.
	Ban(ctx context.Context, chatID, userID int64) error
	// Kick removes the user but lets them rejoin later.
	Kick(ctx context.Context, chatID, userID int64) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	// SendChallenge delivers the prompt with one button per option and
	// returns the sent message id.
	SendChallenge(ctx context.Context, chatID, userID int64, text string, options []string) (int, error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string) error
}

// Gate translates entity state transitions into platform side effects.
// It owns no retained state of its own; everything durable lives
// behind the challenge manager and the tracker.
type Gate struct {
	platform   Platform
	challenges *challenge.Manager
	tracker    *tracker.Tracker // nil in verification-only mode
	counters   *health.Counters
	logger     *zap.Logger

	maxRetries   int
	retryBackoff time.Duration
	// welcomeTTL is how long the post-verification welcome message
	// stays in the chat before being cleaned up.
	welcomeTTL time.Duration
}

func New(platform Platform, challenges *challenge.Manager, tr *tracker.Tracker, counters *health.Counters, logger *zap.Logger) *Gate {
	return &Gate{
		platform:     platform,
		challenges:   challenges,
		tracker:      tr,
		counters:     counters,
		logger:       logger,
		maxRetries:   3,
		retryBackoff: 500 * time.Millisecond,
		welcomeTTL:   3 * time.Minute,
	}
}

// TrackingEnabled reports whether the content analyzer capability is
// configured.
func (g *Gate) TrackingEnabled() bool {
	return g.tracker != nil
}

// HandleJoin restricts the new member and issues a challenge. A repeat
// join while a challenge is pending replaces it with a fresh one.
func (g *Gate) HandleJoin(ctx context.Context, chatID, userID int64, mention string) error {
	g.counters.ChallengeProcessed()

	if err := g.withRetry(ctx, "restrict", func() error {
		return g.platform.Restrict(ctx, chatID, userID)
	}); err != nil {
		g.counters.ErrorOccurred()
		return fmt.Errorf("failed to restrict new member: %w", err)
	}

	ch, err := g.challenges.Create(ctx, chatID, userID)
	if err != nil {
		g.counters.ErrorOccurred()
		return err
	}

	text := messages.WelcomeChallenge(mention, g.challenges.Question(ch))
	messageID, err := g.withRetryMessage(ctx, func() (int, error) {
		return g.platform.SendChallenge(ctx, chatID, userID, text, ch.Options)
	})
	if err != nil {
		g.counters.ErrorOccurred()
		return fmt.Errorf("failed to deliver challenge: %w", err)
	}

	if err := g.challenges.SetMessageID(ctx, chatID, userID, messageID); err != nil {
		g.logger.Error("Failed to record challenge message id",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
	}

	g.logger.Info("New member challenged",
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID),
		zap.Int("message_id", messageID))
	return nil
}

// HandleAnswer evaluates the selected token and applies the resulting
// transition. The outcome is returned so the transport can show the
// matching notice to the answering user.
func (g *Gate) HandleAnswer(ctx context.Context, chatID, userID int64, token, mention, chatTitle string) (challenge.Outcome, error) {
	out, err := g.challenges.Evaluate(ctx, chatID, userID, token)
	if err != nil {
		g.counters.ErrorOccurred()
		return out, err
	}

	switch out.Kind {
	case challenge.OutcomePassed:
		g.onPassed(ctx, chatID, userID, out.Challenge, mention, chatTitle)
	case challenge.OutcomeFailed:
		g.onRejected(ctx, chatID, userID, out.Challenge, "max attempts")
	case challenge.OutcomeExpired:
		g.onRejected(ctx, chatID, userID, out.Challenge, "timeout")
	case challenge.OutcomeRetry:
		g.logger.Info("Wrong answer, attempts remain",
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID),
			zap.Int("attempts_remaining", out.AttemptsRemaining))
	}
	return out, nil
}

func (g *Gate) onPassed(ctx context.Context, chatID, userID int64, ch *models.Challenge, mention, chatTitle string) {
	if err := g.withRetry(ctx, "unrestrict", func() error {
		return g.platform.Unrestrict(ctx, chatID, userID)
	}); err != nil {
		g.counters.ErrorOccurred()
		g.logger.Error("Failed to unrestrict verified member",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
	}

	if ch.MessageID != 0 {
		welcome := messages.ChallengeCorrect(chatTitle, mention)
		if err := g.platform.EditMessage(ctx, chatID, ch.MessageID, welcome); err != nil {
			g.logger.Warn("Failed to edit challenge message to welcome",
				zap.Error(err),
				zap.Int64("chat_id", chatID),
				zap.Int("message_id", ch.MessageID))
		} else {
			g.scheduleMessageCleanup(chatID, ch.MessageID)
		}
	}

	g.discardChallenge(ctx, chatID, userID)

	if g.tracker != nil {
		if err := g.tracker.Open(ctx, chatID, userID); err != nil {
			g.counters.ErrorOccurred()
			g.logger.Error("Failed to open tracking window",
				zap.Error(err),
				zap.Int64("chat_id", chatID),
				zap.Int64("user_id", userID))
		}
	}
}

func (g *Gate) onRejected(ctx context.Context, chatID, userID int64, ch *models.Challenge, reason string) {
	if err := g.withRetry(ctx, "kick", func() error {
		return g.platform.Kick(ctx, chatID, userID)
	}); err != nil {
		g.counters.ErrorOccurred()
		g.logger.Error("Failed to remove rejected member",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID),
			zap.String("reason", reason))
	}

	if ch != nil && ch.MessageID != 0 {
		if err := g.platform.DeleteMessage(ctx, chatID, ch.MessageID); err != nil {
			g.logger.Warn("Failed to delete challenge message",
				zap.Error(err),
				zap.Int64("chat_id", chatID),
				zap.Int("message_id", ch.MessageID))
		}
	}

	g.discardChallenge(ctx, chatID, userID)

	g.logger.Info("Member removed",
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID),
		zap.String("reason", reason))
}

// HandleMessage feeds a tracked user's message into the spam window and
// acts on the verdict if the window sealed. Messages from untracked
// users are ignored.
func (g *Gate) HandleMessage(ctx context.Context, chatID, userID int64, messageID int, text string) error {
	if g.tracker == nil {
		return nil
	}

	verdict, flagged, err := g.tracker.Append(ctx, chatID, userID, text, messageID)
	if errors.Is(err, tracker.ErrNoWindow) {
		return nil
	}
	if err != nil {
		g.counters.ErrorOccurred()
		return err
	}

	if verdict != models.VerdictSpam {
		return nil
	}

	g.logger.Info("Spam verdict, banning user",
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID))

	if err := g.withRetry(ctx, "ban", func() error {
		return g.platform.Ban(ctx, chatID, userID)
	}); err != nil {
		g.counters.ErrorOccurred()
		g.logger.Error("Failed to ban spammer",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
	}

	// The whole flagged batch goes, not just the sealing message.
	for _, id := range flagged {
		if err := g.platform.DeleteMessage(ctx, chatID, int(id)); err != nil {
			g.logger.Warn("Failed to delete flagged message",
				zap.Error(err),
				zap.Int64("chat_id", chatID),
				zap.Int64("message_id", id))
		}
	}

	if _, err := g.platform.SendMessage(ctx, chatID, messages.SpamRemoved); err != nil {
		g.logger.Warn("Failed to send spam notice", zap.Error(err), zap.Int64("chat_id", chatID))
	}
	return nil
}

// HandleLeave discards any challenge and tracking state for a user who
// left or was removed, with no punitive side effects.
func (g *Gate) HandleLeave(ctx context.Context, chatID, userID int64) error {
	ch, err := g.challenges.Discard(ctx, chatID, userID)
	if err == nil && ch.MessageID != 0 {
		if derr := g.platform.DeleteMessage(ctx, chatID, ch.MessageID); derr != nil {
			g.logger.Warn("Failed to delete challenge message for leaving user",
				zap.Error(derr),
				zap.Int64("chat_id", chatID),
				zap.Int("message_id", ch.MessageID))
		}
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		g.counters.ErrorOccurred()
		return err
	}

	if g.tracker != nil {
		if err := g.tracker.Discard(ctx, chatID, userID); err != nil {
			g.logger.Warn("Failed to discard tracking window for leaving user",
				zap.Error(err),
				zap.Int64("chat_id", chatID),
				zap.Int64("user_id", userID))
		}
	}

	g.logger.Info("Cleaned up state for leaving user",
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID))
	return nil
}

// SweepExpired enforces time-based transitions independent of event
// traffic: challenge timeouts remove the member, window expiries drop
// silently.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) error {
	expired, err := g.challenges.ExpireStale(ctx, now)
	if err != nil {
		g.counters.ErrorOccurred()
		return err
	}
	for _, ch := range expired {
		g.onRejected(ctx, ch.ChatID, ch.UserID, ch, "timeout")
	}

	if g.tracker != nil {
		if _, err := g.tracker.ExpireStale(ctx, now); err != nil {
			g.counters.ErrorOccurred()
			return err
		}
	}
	return nil
}

func (g *Gate) discardChallenge(ctx context.Context, chatID, userID int64) {
	if _, err := g.challenges.Discard(ctx, chatID, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		g.logger.Error("Failed to discard challenge",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
	}
}

// scheduleMessageCleanup deletes the welcome message after a delay to
// keep the chat tidy. Best effort; a restart drops the timer.
func (g *Gate) scheduleMessageCleanup(chatID int64, messageID int) {
	time.AfterFunc(g.welcomeTTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.platform.DeleteMessage(ctx, chatID, messageID); err != nil {
			g.logger.Warn("Failed to delete welcome message",
				zap.Error(err),
				zap.Int64("chat_id", chatID),
				zap.Int("message_id", messageID))
		}
	})
}

// withRetry runs a platform action with bounded backoff for transient
// transport failures.
func (g *Gate) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := g.retryBackoff
	for attempt := 1; attempt <= g.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == g.maxRetries {
			break
		}
		g.logger.Debug("Platform action failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func (g *Gate) withRetryMessage(ctx context.Context, fn func() (int, error)) (int, error) {
	var messageID int
	err := g.withRetry(ctx, "send", func() error {
		var err error
		messageID, err = fn()
		return err
	})
	return messageID, err
}
