package challenge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askarov/gatekeeper-bot/internal/models"
	"github.com/askarov/gatekeeper-bot/internal/storage"
)

// OutcomeKind classifies the result of evaluating an answer.
type OutcomeKind int

const (
	// OutcomeNotFound: no pending challenge for the key. The event is
	// stale or a duplicate and the caller should ignore it.
	OutcomeNotFound OutcomeKind = iota
	OutcomePassed
	OutcomeFailed
	OutcomeExpired
	// OutcomeRetry: wrong answer with attempts still remaining.
	OutcomeRetry
)

// Outcome carries the evaluation result plus the challenge it applied
// to, so the caller can act on its message id and options.
type Outcome struct {
	Kind              OutcomeKind
	AttemptsRemaining int
	Challenge         *models.Challenge
}

type Config struct {
	TTL         time.Duration
	MaxAttempts int
	// OptionCount is the total number of answer buttons, the correct
	// token included.
	OptionCount int
	// Seed makes variant and distractor selection deterministic when
	// non-zero. Production leaves it at zero.
	Seed int64
}

// Manager issues, evaluates and expires verification challenges. It
// holds no challenge state of its own; every operation reads and
// writes through storage so restarts cannot diverge.
type Manager struct {
	store   storage.Storage
	catalog []Variant
	cfg     Config
	logger  *zap.Logger

	mu  sync.Mutex // guards rng
	rng *rand.Rand

	now func() time.Time
}

func NewManager(store storage.Storage, catalog []Variant, cfg Config, logger *zap.Logger) *Manager {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if len(catalog) == 0 {
		catalog = DefaultCatalog
	}
	return &Manager{
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
		now:     time.Now,
	}
}

// Question returns the prompt text for a challenge's variant.
func (m *Manager) Question(ch *models.Challenge) string {
	return QuestionFor(m.catalog, ch.Variant)
}

// Create issues a fresh pending challenge for (chat, user). An existing
// pending challenge for the pair is replaced outright: a second join
// restarts the clock and the attempt budget.
func (m *Manager) Create(ctx context.Context, chatID, userID int64) (*models.Challenge, error) {
	variant, options := m.pickVariant()
	now := m.now()

	ch := &models.Challenge{
		ID:                uuid.New().String(),
		ChatID:            chatID,
		UserID:            userID,
		Variant:           variant.Name,
		CorrectToken:      variant.Correct,
		Options:           options,
		IssuedAt:          now,
		ExpiresAt:         now.Add(m.cfg.TTL),
		AttemptsRemaining: m.cfg.MaxAttempts,
		Status:            models.ChallengePending,
	}

	if err := m.store.UpsertChallenge(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to persist challenge: %w", err)
	}

	m.logger.Info("Challenge created",
		zap.String("challenge_id", ch.ID),
		zap.Int64("chat_id", chatID),
		zap.Int64("user_id", userID),
		zap.String("variant", ch.Variant),
		zap.Time("expires_at", ch.ExpiresAt))

	return ch, nil
}

// SetMessageID records the delivered prompt's message id on the stored
// challenge.
func (m *Manager) SetMessageID(ctx context.Context, chatID, userID int64, messageID int) error {
	return m.store.SetChallengeMessageID(ctx, chatID, userID, messageID)
}

// Evaluate applies a selected answer token to the pending challenge for
// (chat, user). Timeouts detected here mirror what the sweeper would do
// on its next pass; whichever transition commits first wins and the
// loser observes a stale state.
func (m *Manager) Evaluate(ctx context.Context, chatID, userID int64, token string) (Outcome, error) {
	ch, err := m.store.GetChallenge(ctx, chatID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Kind: OutcomeNotFound}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load challenge: %w", err)
	}
	if ch.Status != models.ChallengePending {
		return Outcome{Kind: OutcomeNotFound}, nil
	}

	if ch.ExpiredAt(m.now()) {
		ok, err := m.store.TransitionChallenge(ctx, chatID, userID, models.ChallengePending, models.ChallengeExpired)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to expire challenge: %w", err)
		}
		if !ok {
			return Outcome{Kind: OutcomeNotFound}, nil
		}
		return Outcome{Kind: OutcomeExpired, Challenge: ch}, nil
	}

	if token == ch.CorrectToken {
		ok, err := m.store.TransitionChallenge(ctx, chatID, userID, models.ChallengePending, models.ChallengePassed)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to pass challenge: %w", err)
		}
		if !ok {
			return Outcome{Kind: OutcomeNotFound}, nil
		}
		m.logger.Info("Challenge passed",
			zap.String("challenge_id", ch.ID),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
		return Outcome{Kind: OutcomePassed, Challenge: ch}, nil
	}

	remaining, err := m.store.DecrementAttempts(ctx, chatID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Kind: OutcomeNotFound}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to decrement attempts: %w", err)
	}

	if remaining <= 0 {
		ok, err := m.store.TransitionChallenge(ctx, chatID, userID, models.ChallengePending, models.ChallengeFailed)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to fail challenge: %w", err)
		}
		if !ok {
			return Outcome{Kind: OutcomeNotFound}, nil
		}
		m.logger.Info("Challenge failed",
			zap.String("challenge_id", ch.ID),
			zap.Int64("chat_id", chatID),
			zap.Int64("user_id", userID))
		return Outcome{Kind: OutcomeFailed, Challenge: ch}, nil
	}

	return Outcome{Kind: OutcomeRetry, AttemptsRemaining: remaining, Challenge: ch}, nil
}

// ExpireStale transitions every pending challenge past its deadline to
// expired and returns them for the gate to act on. Safe to run
// concurrently with Create and Evaluate on other keys.
func (m *Manager) ExpireStale(ctx context.Context, now time.Time) ([]*models.Challenge, error) {
	expired, err := m.store.ExpireChallenges(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale challenges: %w", err)
	}
	if len(expired) > 0 {
		m.logger.Info("Expired stale challenges", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// Discard removes the stored challenge for (chat, user) and returns it,
// or storage.ErrNotFound when there is none.
func (m *Manager) Discard(ctx context.Context, chatID, userID int64) (*models.Challenge, error) {
	ch, err := m.store.GetChallenge(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if err := m.store.DeleteChallenge(ctx, chatID, userID); err != nil {
		return nil, fmt.Errorf("failed to delete challenge: %w", err)
	}
	return ch, nil
}

// pickVariant selects a catalog entry and shuffled answer options.
func (m *Manager) pickVariant() (Variant, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	variant := m.catalog[m.rng.Intn(len(m.catalog))]

	count := m.cfg.OptionCount
	if count < 2 || count > len(variant.Distractors)+1 {
		count = len(variant.Distractors) + 1
	}

	options := make([]string, 0, count)
	options = append(options, variant.Correct)
	perm := m.rng.Perm(len(variant.Distractors))
	for _, i := range perm[:count-1] {
		options = append(options, variant.Distractors[i])
	}
	m.rng.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return variant, options
}
